package shoukaku

// PlayerDump is a serialized snapshot of one player and its voice
// session, captured on demand and replayed during restoration. Dumps
// are plain JSON values so callers can persist them across restarts
// and seed a new manager with them.
type PlayerDump struct {
	// Node references the node the player was bound to at capture.
	Node NodeRef `json:"node"`
	// Options are the original join parameters, replayed verbatim.
	Options DumpJoinOptions `json:"options"`
	// Player is the last pushed player payload.
	Player PlayerOptions `json:"player"`
	// State is set once a restore attempt succeeded.
	State *RestoreState `json:"state,omitempty"`
	// Timestamp is the capture time in unix milliseconds; dumps older
	// than the reconnect interval are considered expired.
	Timestamp int64 `json:"timestamp"`
}

// NodeRef identifies a node inside a dump without holding the live
// object.
type NodeRef struct {
	Name      string `json:"name"`
	Group     string `json:"group,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// DumpJoinOptions are the join parameters preserved in a dump.
type DumpJoinOptions struct {
	GuildID   string `json:"guildId"`
	ShardID   int    `json:"shardId"`
	ChannelID string `json:"channelId"`
	Deaf      bool   `json:"deaf"`
	Mute      bool   `json:"mute"`
}
