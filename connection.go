package shoukaku

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Connection is the per-guild voice-gateway session. It reconciles the
// two independent upstream events (state update, server update) into a
// single ready signal and owns the outbound voice state packets.
type Connection struct {
	manager *Shoukaku
	guildID string
	shardID int

	mu           sync.Mutex
	channelID    string
	muted        bool
	deafened     bool
	sessionID    string
	region       string
	state        ConnectionState
	moved        bool
	reconnecting bool
	established  bool
	serverUpdate *ServerUpdate
	getNode      NodeSelector

	// notify carries the rendezvous outcome to a pending connect.
	// Buffered by one: a signal with no waiter is kept until the next
	// connect drains it, later signals while full are dropped.
	notify chan voiceSignal
}

func newConnection(manager *Shoukaku, options JoinOptions) *Connection {
	return &Connection{
		manager:   manager,
		guildID:   options.GuildID,
		shardID:   options.ShardID,
		channelID: options.ChannelID,
		muted:     options.Mute,
		deafened:  options.Deaf,
		state:     VoiceDisconnected,
		getNode:   options.GetNode,
		notify:    make(chan voiceSignal, 1),
	}
}

func (c *Connection) GuildID() string { return c.guildID }
func (c *Connection) ShardID() int    { return c.shardID }

// ChannelID returns the current voice channel, empty when the session
// is not targeting one.
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Region is derived from the last server-update endpoint host, with
// digits stripped.
func (c *Connection) Region() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

func (c *Connection) Deafened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deafened
}

// Established reports whether the first full handshake with a node
// succeeded for this session.
func (c *Connection) Established() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.established
}

// ServerUpdate returns a copy of the last voice-server credentials, or
// nil when none arrived yet.
func (c *Connection) ServerUpdate() *ServerUpdate {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverUpdate == nil {
		return nil
	}
	update := *c.serverUpdate
	return &update
}

// SetDeaf updates the deafen flag and re-sends the voice state packet.
func (c *Connection) SetDeaf(deaf bool) error {
	c.mu.Lock()
	c.deafened = deaf
	packet := c.voicePacketLocked()
	c.mu.Unlock()
	return c.manager.connector.SendPacket(c.shardID, packet, false)
}

// SetMute updates the mute flag and re-sends the voice state packet.
func (c *Connection) SetMute(mute bool) error {
	c.mu.Lock()
	c.muted = mute
	packet := c.voicePacketLocked()
	c.mu.Unlock()
	return c.manager.connector.SendPacket(c.shardID, packet, false)
}

// Disconnect tears the session down: leaves the voice channel, removes
// the connection from the manager registry and marks it disconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.channelID = ""
	c.deafened = false
	c.muted = false
	c.state = VoiceDisconnected
	packet := c.voicePacketLocked()
	c.mu.Unlock()
	_ = c.manager.connector.SendPacket(c.shardID, packet, false)
	c.manager.removeConnection(c.guildID)
	c.debugf("[Voice] -> [Node] & [Discord] : Connection Destroyed | Guild: %s", c.guildID)
}

// connect requests the voice session upstream and waits for the
// rendezvous outcome, bounded by the configured timeout. On failure
// the caller owns cleanup of registry state.
func (c *Connection) connect(ctx context.Context) error {
	c.mu.Lock()
	c.state = VoiceConnecting
	packet := c.voicePacketLocked()
	c.mu.Unlock()

	// Drop any signal left over from before this attempt.
	select {
	case <-c.notify:
	default:
	}

	if err := c.manager.connector.SendPacket(c.shardID, packet, false); err != nil {
		return fmt.Errorf("request voice connection: %w", err)
	}
	c.debugf("[Voice] -> [Discord] : Requesting Connection | Guild: %s", c.guildID)

	timeout := c.manager.options.VoiceConnectionTimeout
	timer := c.manager.options.Clock.Timer(timeout)
	defer timer.Stop()

	select {
	case signal := <-c.notify:
		switch signal {
		case sessionReady:
			c.mu.Lock()
			c.state = VoiceConnected
			c.mu.Unlock()
			return nil
		case sessionIDMissing:
			c.debugf("[Voice] </- [Discord] : Request Connection Failed | Guild: %s", c.guildID)
			return ErrMissingSessionID
		default:
			c.debugf("[Voice] </- [Discord] : Request Connection Failed | Guild: %s", c.guildID)
			return ErrMissingEndpoint
		}
	case <-timer.C:
		c.debugf("[Voice] </- [Discord] : Request Connection Failed | Guild: %s", c.guildID)
		return fmt.Errorf("%w (%s)", ErrVoiceTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setStateUpdate applies an upstream voice-state event in arrival
// order. A missing channel means the user left voice externally.
func (c *Connection) setStateUpdate(update StateUpdate) {
	c.mu.Lock()
	if c.channelID != "" && update.ChannelID != "" && c.channelID != update.ChannelID {
		c.moved = true
		c.debugf("[Voice] <- [Discord] : Channel Moved | Old Channel: %s Guild: %s", c.channelID, c.guildID)
	}
	if update.ChannelID != "" {
		c.channelID = update.ChannelID
	} else {
		c.state = VoiceDisconnected
		c.debugf("[Voice] <- [Discord] : Channel Disconnected | Guild: %s", c.guildID)
	}
	c.deafened = update.SelfDeaf
	c.muted = update.SelfMute
	c.sessionID = update.SessionID
	channelID := c.channelID
	c.mu.Unlock()
	c.debugf("[Voice] <- [Discord] : State Update Received | Channel: %s Session ID: %s Guild: %s", channelID, update.SessionID, c.guildID)
}

// setServerUpdate applies an upstream voice-server event. The ready
// signal fires only when both the endpoint and a previously received
// session id are present, regardless of event order.
func (c *Connection) setServerUpdate(update ServerUpdate) {
	if update.Endpoint == "" {
		c.signal(sessionEndpointMissing)
		return
	}
	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		c.signal(sessionIDMissing)
		return
	}
	if c.region != "" && !strings.HasPrefix(update.Endpoint, c.region) {
		c.moved = true
		c.debugf("[Voice] <- [Discord] : Voice Region Moved | Old Region: %s Guild: %s", c.region, c.guildID)
	}
	c.region = voiceRegion(update.Endpoint)
	c.serverUpdate = &update
	region := c.region
	c.mu.Unlock()
	c.signal(sessionReady)
	c.debugf("[Voice] <- [Discord] : Server Update Received | Server: %s Guild: %s", region, c.guildID)
}

func (c *Connection) signal(outcome voiceSignal) {
	select {
	case c.notify <- outcome:
	default:
	}
}

func (c *Connection) voicePacketLocked() VoicePacket {
	data := VoiceStateData{
		GuildID:  c.guildID,
		SelfDeaf: c.deafened,
		SelfMute: c.muted,
	}
	if c.channelID != "" {
		channelID := c.channelID
		data.ChannelID = &channelID
	}
	return VoicePacket{Op: 4, Data: data}
}

func (c *Connection) setMoved(moved bool) {
	c.mu.Lock()
	c.moved = moved
	c.mu.Unlock()
}

func (c *Connection) hasMoved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moved
}

func (c *Connection) isReconnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnecting
}

func (c *Connection) setEstablished(established bool) {
	c.mu.Lock()
	c.established = established
	c.mu.Unlock()
}

func (c *Connection) debugf(format string, args ...any) {
	c.manager.dispatchDebug("Connection", fmt.Sprintf(format, args...))
}

// voiceRegion derives a region name from a server-update endpoint: the
// host segment before the first dot, with digits removed.
func voiceRegion(endpoint string) string {
	segment, _, _ := strings.Cut(endpoint, ".")
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return -1
		}
		return r
	}, segment)
}
