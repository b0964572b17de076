// Package shoukaku is a client-side control plane for a pool of
// Lavalink-style audio nodes. It manages the websocket control channel
// and REST data channel of every node, tracks per-guild voice
// sessions, balances player creation by live penalty score, and
// survives node loss by moving or restoring in-flight sessions.
package shoukaku

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NodeSelector resolves the node a player should bind to. Nodes are
// passed in registration order. Returning nil means no node is
// available.
type NodeSelector func(nodes []*Node, connection *Connection) *Node

// JoinOptions configures a voice channel join.
type JoinOptions struct {
	GuildID   string
	ShardID   int
	ChannelID string
	Deaf      bool
	Mute      bool
	// GetNode overrides ideal-node selection for this connection; it
	// is also consulted on player moves. Defaults to lowest-penalty
	// lookup.
	GetNode NodeSelector
}

// Shoukaku is the top-level registry owning every node and voice
// connection.
type Shoukaku struct {
	connector Connector
	options   Options

	// Events is the observable surface. Set handlers before the
	// gateway adapter goes live.
	Events Events

	mu                  sync.RWMutex
	id                  string
	nodes               map[string]*Node
	nodeOrder           []string
	connections         map[string]*Connection
	reconnectingPlayers map[string]*PlayerDump
	connectingNodes     []NodeOption
}

// New builds a manager and attaches the gateway adapter. The node
// options are handed to the adapter and added once the gateway reports
// ready. Dumps from a previous process seed the pending-restoration
// table, keyed by guild id.
func New(connector Connector, nodes []NodeOption, options Options, dumps map[string]*PlayerDump) (*Shoukaku, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	s := &Shoukaku{
		connector:           connector,
		options:             options,
		nodes:               make(map[string]*Node),
		connections:         make(map[string]*Connection),
		reconnectingPlayers: make(map[string]*PlayerDump),
	}
	for guildID, dump := range dumps {
		s.reconnectingPlayers[guildID] = dump
	}
	if err := connector.Listen(s, nodes); err != nil {
		return nil, fmt.Errorf("attach connector: %w", err)
	}
	return s, nil
}

// ID returns the bot user id, empty until the gateway reported ready.
func (s *Shoukaku) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Options returns the effective configuration.
func (s *Shoukaku) Options() Options { return s.options }

// AddNode registers a node and opens its control channel. The node and
// its connecting-list entry are stored before the dial starts: the dial
// goroutine's ready and close paths consult both, so they must already
// be visible when it runs.
func (s *Shoukaku) AddNode(option NodeOption) error {
	if err := option.validate(); err != nil {
		return err
	}
	node := newNode(s, option)
	s.mu.Lock()
	if _, ok := s.nodes[node.Name]; !ok {
		s.nodeOrder = append(s.nodeOrder, node.Name)
	}
	s.nodes[node.Name] = node
	s.connectingNodes = append(s.connectingNodes, option)
	s.mu.Unlock()

	if err := node.Connect(); err != nil {
		s.mu.Lock()
		if s.nodes[node.Name] == node {
			delete(s.nodes, node.Name)
			for i, name := range s.nodeOrder {
				if name == node.Name {
					s.nodeOrder = append(s.nodeOrder[:i], s.nodeOrder[i+1:]...)
					break
				}
			}
		}
		s.mu.Unlock()
		s.removeConnectingNode(node.Name)
		return err
	}
	return nil
}

// RemoveNode gracefully disconnects a node and, through its terminal
// disconnect, evicts it from the registry.
func (s *Shoukaku) RemoveNode(name, reason string) error {
	node, ok := s.NodeByName(name)
	if !ok {
		return ErrNodeNotFound
	}
	if reason == "" {
		reason = "Remove node executed"
	}
	node.Disconnect(websocket.CloseNormalClosure, reason)
	return nil
}

// NodeByName looks a node up by its unique name.
func (s *Shoukaku) NodeByName(name string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[name]
	return node, ok
}

// Nodes returns every registered node in registration order.
func (s *Shoukaku) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*Node, 0, len(s.nodeOrder))
	for _, name := range s.nodeOrder {
		nodes = append(nodes, s.nodes[name])
	}
	return nodes
}

// Connection returns the voice connection of a guild.
func (s *Shoukaku) Connection(guildID string) (*Connection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	connection, ok := s.connections[guildID]
	return connection, ok
}

// Player returns the player of a guild, whichever node it is bound to.
func (s *Shoukaku) Player(guildID string) (*Player, bool) {
	for _, node := range s.Nodes() {
		if player, ok := node.player(guildID); ok {
			return player, true
		}
	}
	return nil, false
}

// Players flattens every node's players into one guild-keyed map,
// recomputed on each call.
func (s *Shoukaku) Players() map[string]*Player {
	players := make(map[string]*Player)
	for _, node := range s.Nodes() {
		for _, player := range node.playerList() {
			players[player.GuildID()] = player
		}
	}
	return players
}

// PlayersDump snapshots every restorable player for external
// persistence. Players whose connection lacks full voice credentials
// are skipped: they cannot be recreated.
func (s *Shoukaku) PlayersDump() map[string]*PlayerDump {
	dumps := make(map[string]*PlayerDump)
	now := s.options.Clock.Now().UnixMilli()
	for _, node := range s.Nodes() {
		for _, player := range node.playerList() {
			serverUpdate := player.connection.ServerUpdate()
			if serverUpdate == nil || serverUpdate.Token == "" || serverUpdate.Endpoint == "" {
				continue
			}
			dumps[player.GuildID()] = &PlayerDump{
				Node: NodeRef{
					Name:      node.Name,
					Group:     node.Group(),
					SessionID: node.SessionID(),
				},
				Options: DumpJoinOptions{
					GuildID:   player.connection.GuildID(),
					ShardID:   player.connection.ShardID(),
					ChannelID: player.connection.ChannelID(),
					Deaf:      player.connection.Deafened(),
					Mute:      player.connection.Muted(),
				},
				Player:    player.updateData().PlayerOptions,
				Timestamp: now,
			}
		}
	}
	return dumps
}

// JoinVoiceChannel performs the full join sequence: voice rendezvous,
// node selection, player construction and the initial server-update
// handshake. Any failure past the rendezvous tears the connection down
// before returning; partial state is never left live.
func (s *Shoukaku) JoinVoiceChannel(ctx context.Context, options JoinOptions) (*Player, error) {
	if options.GetNode == nil {
		options.GetNode = func([]*Node, *Connection) *Node { return s.GetIdealNode() }
	}
	s.mu.Lock()
	if _, ok := s.connections[options.GuildID]; ok {
		s.mu.Unlock()
		return nil, ErrExistingConnection
	}
	connection := newConnection(s, options)
	s.connections[options.GuildID] = connection
	s.mu.Unlock()

	if err := connection.connect(ctx); err != nil {
		s.removeConnection(options.GuildID)
		return nil, err
	}

	node := options.GetNode(s.Nodes(), connection)
	if node == nil {
		connection.Disconnect()
		return nil, ErrNoNodesAvailable
	}
	player := s.options.NewPlayer(node, connection)
	node.addPlayer(player)
	if err := player.SendServerUpdate(ctx); err != nil {
		node.removePlayer(options.GuildID)
		connection.Disconnect()
		return nil, err
	}
	connection.setEstablished(true)
	return player, nil
}

// LeaveVoiceChannel disconnects the guild's voice connection and
// force-destroys its player, returning the player if one existed.
func (s *Shoukaku) LeaveVoiceChannel(ctx context.Context, guildID string) (*Player, error) {
	if connection, ok := s.Connection(guildID); ok {
		connection.Disconnect()
	}
	player, ok := s.Player(guildID)
	if !ok {
		return nil, nil
	}
	if err := player.DestroyPlayer(ctx, true); err != nil {
		return player, err
	}
	return player, nil
}

// GetIdealNode returns the connected node with the lowest penalty
// score, first-registered winning exact ties, or nil when no node is
// connected.
func (s *Shoukaku) GetIdealNode() *Node {
	var best *Node
	var bestScore int
	for _, node := range s.Nodes() {
		if node.State() != NodeConnected {
			continue
		}
		score := node.Penalties()
		if best == nil || score < bestScore {
			best = node
			bestScore = score
		}
	}
	return best
}

// RestorePlayers replays the pending dumps that reference this node's
// name or group. Each dump is processed sequentially: expired dumps
// and dumps hitting a non-connected node are reported as failures and
// skipped; a restore that started but failed aborts the invocation.
// Exactly one restored event with the full processed batch fires per
// invocation either way.
func (s *Shoukaku) RestorePlayers(ctx context.Context, node *Node) error {
	s.mu.RLock()
	var batch []*PlayerDump
	for _, dump := range s.reconnectingPlayers {
		if dump.Node.Name == node.Name || dump.Node.Group == node.Group() {
			batch = append(batch, dump)
		}
	}
	s.mu.RUnlock()
	if len(batch) == 0 {
		s.dispatchDebug(node.Name, fmt.Sprintf("[%s] <- [Player] : Restore canceled due to missing data", node.Name))
		return nil
	}
	defer func() {
		if s.Events.OnRestored != nil {
			s.Events.OnRestored(batch)
		}
	}()

	for _, dump := range batch {
		guildID := dump.Options.GuildID
		s.dispatchDebug(node.Name, fmt.Sprintf("[%s] <- [Player/%s] : Restoring session", node.Name, guildID))

		// A node of the right group must still be mid-connect before a
		// restore is attempted; groupless dumps match groupless nodes.
		if !s.hasConnectingNodeInGroup(node.Group()) {
			s.dispatchDebug(node.Name, fmt.Sprintf("[%s] <- [Player/%s] : Couldn't restore player because there are no suitable nodes available", node.Name, guildID))
			continue
		}
		expired := dump.Timestamp+s.options.ReconnectInterval.Milliseconds() < s.options.Clock.Now().UnixMilli()
		if expired {
			s.dispatchDebug(node.Name, fmt.Sprintf("[%s] <- [Player/%s] : Couldn't restore player because session is expired", node.Name, guildID))
			s.dispatchRestoreResult(node.Name, guildID, RestoreState{Restored: false})
			continue
		}
		if node.State() != NodeConnected {
			s.dispatchDebug(node.Name, fmt.Sprintf("[%s] <- [Player/%s] : Couldn't restore player because node is not connected", node.Name, guildID))
			s.dispatchRestoreResult(node.Name, guildID, RestoreState{Restored: false})
			continue
		}

		player, err := s.JoinVoiceChannel(ctx, JoinOptions{
			GuildID:   guildID,
			ShardID:   dump.Options.ShardID,
			ChannelID: dump.Options.ChannelID,
			Deaf:      dump.Options.Deaf,
			Mute:      dump.Options.Mute,
			GetNode:   func([]*Node, *Connection) *Node { return node },
		})
		if err != nil {
			return fmt.Errorf("restore player %s: %w", guildID, err)
		}

		voice := &VoiceData{SessionID: player.connection.SessionID()}
		if serverUpdate := player.connection.ServerUpdate(); serverUpdate != nil {
			voice.Token = serverUpdate.Token
			voice.Endpoint = serverUpdate.Endpoint
		}
		dump.Player.Voice = voice
		player.connection.setStateUpdate(StateUpdate{
			GuildID:   guildID,
			ChannelID: dump.Options.ChannelID,
			SessionID: voice.SessionID,
			UserID:    s.ID(),
			SelfDeaf:  dump.Options.Deaf,
			SelfMute:  dump.Options.Mute,
		})
		player.connection.setServerUpdate(ServerUpdate{
			Token:    voice.Token,
			GuildID:  guildID,
			Endpoint: voice.Endpoint,
		})
		if err := player.Update(ctx, UpdatePlayerData{GuildID: guildID, PlayerOptions: dump.Player}); err != nil {
			return fmt.Errorf("restore player %s: %w", guildID, err)
		}
		s.dispatchDebug(node.Name, fmt.Sprintf("[%s] <- [Player] : Restored session %q", node.Name, guildID))
		dump.State = &RestoreState{Restored: true, Node: node.Name}
		s.dispatchRestoreResult(node.Name, guildID, *dump.State)
	}
	return nil
}

// resumeSessionID returns the backend session id a pending dump holds
// for this node name, letting a reconnect resume server-side state.
func (s *Shoukaku) resumeSessionID(name string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, dump := range s.reconnectingPlayers {
		if dump.Node.Name == name {
			return dump.Node.SessionID
		}
	}
	return ""
}

// purgeRestoredDumps drops every dump resolved against this node and
// returns how many of them restored successfully.
func (s *Shoukaku) purgeRestoredDumps(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for guildID, dump := range s.reconnectingPlayers {
		if dump.State == nil || dump.State.Node != name {
			continue
		}
		if dump.State.Restored {
			restored++
		}
		delete(s.reconnectingPlayers, guildID)
	}
	return restored
}

func (s *Shoukaku) hasConnectingNodeInGroup(group string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, option := range s.connectingNodes {
		if option.Group == group {
			return true
		}
	}
	return false
}

func (s *Shoukaku) removeConnectingNode(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, option := range s.connectingNodes {
		if option.Name == name {
			s.connectingNodes = append(s.connectingNodes[:i], s.connectingNodes[i+1:]...)
			return
		}
	}
}

func (s *Shoukaku) removeConnection(guildID string) {
	s.mu.Lock()
	delete(s.connections, guildID)
	s.mu.Unlock()
}

// handleNodeDisconnect evicts a terminally disconnected node and
// reports it. Fired at most once per node.
func (s *Shoukaku) handleNodeDisconnect(node *Node, moved bool, count int) {
	s.mu.Lock()
	delete(s.nodes, node.Name)
	for i, name := range s.nodeOrder {
		if name == node.Name {
			s.nodeOrder = append(s.nodeOrder[:i], s.nodeOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if s.Events.OnDisconnect != nil {
		s.Events.OnDisconnect(node.Name, moved, count)
	}
}

func (s *Shoukaku) dispatchDebug(name, message string) {
	s.options.Logger.Debug().Str("node", name).Msg(message)
	if s.Events.OnDebug != nil {
		s.Events.OnDebug(name, message)
	}
}

func (s *Shoukaku) dispatchError(name string, err error) {
	s.options.Logger.Error().Str("node", name).Err(err).Msg("background failure")
	if s.Events.OnError != nil {
		s.Events.OnError(name, err)
	}
}

func (s *Shoukaku) dispatchRaw(name string, data []byte) {
	if s.Events.OnRaw != nil {
		s.Events.OnRaw(name, data)
	}
}

func (s *Shoukaku) dispatchReady(name string, restored int) {
	if s.Events.OnReady != nil {
		s.Events.OnReady(name, restored)
	}
}

func (s *Shoukaku) dispatchClose(name string, code int, reason string) {
	if s.Events.OnClose != nil {
		s.Events.OnClose(name, code, reason)
	}
}

func (s *Shoukaku) dispatchReconnecting(name string, triesLeft int, interval time.Duration) {
	if s.Events.OnReconnecting != nil {
		s.Events.OnReconnecting(name, triesLeft, interval)
	}
}

func (s *Shoukaku) dispatchRestoreResult(name, guildID string, state RestoreState) {
	message := PlayerRestoreMessage{Op: opPlayerRestore, GuildID: guildID, State: state}
	s.dispatchRaw(name, message.raw())
	if s.Events.OnPlayerRestore != nil {
		s.Events.OnPlayerRestore(name, message)
	}
}
