package shoukaku

import "encoding/json"

// frame is the envelope of every inbound control-channel message; Op
// discriminates, the rest is decoded per opcode.
type frame struct {
	Op      string `json:"op"`
	Type    string `json:"type,omitempty"`
	GuildID string `json:"guildId,omitempty"`
}

// readyMessage is the node handshake completion frame.
type readyMessage struct {
	SessionID string `json:"sessionId"`
	Resumed   bool   `json:"resumed"`
}

// Stats is the node-wide metrics snapshot pushed over the control
// channel and served by the stats endpoint. It feeds penalty scoring.
type Stats struct {
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         MemoryStats `json:"memory"`
	CPU            CPUStats    `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats"`
}

type MemoryStats struct {
	Free       int64 `json:"free"`
	Used       int64 `json:"used"`
	Allocated  int64 `json:"allocated"`
	Reservable int64 `json:"reservable"`
}

type CPUStats struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

type FrameStats struct {
	Sent    int `json:"sent"`
	Nulled  int `json:"nulled"`
	Deficit int `json:"deficit"`
}

// PlayerUpdateMessage mirrors the remote player position and latency.
type PlayerUpdateMessage struct {
	Op      string      `json:"op"`
	GuildID string      `json:"guildId"`
	State   PlayerState `json:"state"`
}

// PlayerState is the live playback state reported by the node. Ping is
// -1 while the node has no voice connection measurement yet.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int   `json:"ping"`
}

// Playback lifecycle events carried on op "event".
type TrackStartEvent struct {
	Op      string `json:"op"`
	Type    string `json:"type"`
	GuildID string `json:"guildId"`
	Track   Track  `json:"track"`
}

type TrackEndEvent struct {
	Op      string `json:"op"`
	Type    string `json:"type"`
	GuildID string `json:"guildId"`
	Track   Track  `json:"track"`
	Reason  string `json:"reason"`
}

type TrackStuckEvent struct {
	Op          string `json:"op"`
	Type        string `json:"type"`
	GuildID     string `json:"guildId"`
	Track       Track  `json:"track"`
	ThresholdMs int64  `json:"thresholdMs"`
}

type TrackExceptionEvent struct {
	Op        string    `json:"op"`
	Type      string    `json:"type"`
	GuildID   string    `json:"guildId"`
	Track     Track     `json:"track"`
	Exception Exception `json:"exception"`
}

// WebSocketClosedEvent reports the node losing its own voice websocket
// to the gateway. Suppressed locally when the close is an artifact of
// an expected channel or region migration.
type WebSocketClosedEvent struct {
	Op       string `json:"op"`
	Type     string `json:"type"`
	GuildID  string `json:"guildId"`
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	ByRemote bool   `json:"byRemote"`
}

const (
	eventTrackStart      = "TrackStartEvent"
	eventTrackEnd        = "TrackEndEvent"
	eventTrackStuck      = "TrackStuckEvent"
	eventTrackException  = "TrackExceptionEvent"
	eventWebSocketClosed = "WebSocketClosedEvent"
)

// PlayerRestoreMessage is the synthesized frame emitted for every dump
// processed during session restoration.
type PlayerRestoreMessage struct {
	Op      string       `json:"op"`
	GuildID string       `json:"guildId"`
	State   RestoreState `json:"state"`
}

// RestoreState records the outcome of one dump restoration.
type RestoreState struct {
	Restored bool   `json:"restored"`
	Node     string `json:"node,omitempty"`
}

func (m PlayerRestoreMessage) raw() json.RawMessage {
	data, _ := json.Marshal(m)
	return data
}
