package shoukaku

import "context"

// Connector is the boundary to the voice-gateway transport. The core
// never talks to the gateway itself: it sends shard-scoped packets
// through SendPacket and receives the two upstream voice events via
// the manager's router methods, which the adapter must invoke.
type Connector interface {
	// SendPacket sends a gateway payload on the given shard.
	SendPacket(shardID int, payload VoicePacket, important bool) error

	// UserID returns the bot user id once the gateway is ready.
	UserID() string

	// Listen attaches the adapter to its gateway library. Once the
	// gateway reports ready, the adapter must call
	// manager.OnGatewayReady(nodes) exactly once, and thereafter
	// forward voice state/server updates into OnVoiceStateUpdate and
	// OnVoiceServerUpdate.
	Listen(manager *Shoukaku, nodes []NodeOption) error
}

// VoicePacket is the opcode 4 voice state update sent upstream.
type VoicePacket struct {
	Op   int            `json:"op"`
	Data VoiceStateData `json:"d"`
}

// VoiceStateData is the payload of VoicePacket. A nil ChannelID
// encodes leaving voice.
type VoiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfDeaf  bool    `json:"self_deaf"`
	SelfMute  bool    `json:"self_mute"`
}

// StateUpdate is the upstream voice-state event for one guild.
type StateUpdate struct {
	GuildID   string
	ChannelID string
	SessionID string
	UserID    string
	SelfDeaf  bool
	SelfMute  bool
}

// ServerUpdate is the upstream voice-server event for one guild.
type ServerUpdate struct {
	Token    string `json:"token"`
	GuildID  string `json:"guild_id"`
	Endpoint string `json:"endpoint"`
}

// OnGatewayReady is the node-bootstrap routine: it adopts the bot user
// id from the connector and adds every configured node. Adapters call
// it once their gateway fires ready.
func (s *Shoukaku) OnGatewayReady(nodes []NodeOption) {
	s.mu.Lock()
	s.id = s.connector.UserID()
	s.mu.Unlock()
	for _, option := range nodes {
		if err := s.AddNode(option); err != nil {
			s.dispatchError(option.Name, err)
		}
	}
}

// OnVoiceStateUpdate routes an upstream voice-state event to the
// matching connection, dropping events for other users.
func (s *Shoukaku) OnVoiceStateUpdate(update StateUpdate) {
	if update.UserID != s.ID() {
		return
	}
	connection, ok := s.Connection(update.GuildID)
	if !ok {
		return
	}
	connection.setStateUpdate(update)
}

// OnVoiceServerUpdate routes an upstream voice-server event to the
// matching connection and, for established sessions, re-arms the
// player's voice credentials on its node.
func (s *Shoukaku) OnVoiceServerUpdate(update ServerUpdate) {
	connection, ok := s.Connection(update.GuildID)
	if !ok {
		return
	}
	connection.setServerUpdate(update)
	if !connection.Established() {
		return
	}
	player, ok := s.Player(update.GuildID)
	if !ok {
		return
	}
	go func() {
		if err := player.SendServerUpdate(context.Background()); err != nil {
			s.dispatchError(player.Node().Name, err)
		}
	}()
}
