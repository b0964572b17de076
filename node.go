package shoukaku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Node is the control-channel client for one backend instance. It owns
// the websocket lifecycle, the players bound to it, and the stats
// snapshot feeding penalty scoring.
type Node struct {
	manager *Shoukaku

	// Name is the unique key of the node within the manager.
	Name string
	// Rest is the data-plane client of this node.
	Rest *Rest

	group string
	auth  string
	wsURL string

	mu          sync.Mutex
	players     map[string]*Player
	ws          *websocket.Conn
	detached    bool
	reconnects  int
	state       NodeState
	stats       *Stats
	info        *NodeInfo
	sessionID   string
	initialized bool
	destroyed   bool

	disconnectOnce sync.Once
}

func newNode(manager *Shoukaku, option NodeOption) *Node {
	scheme := "ws"
	if option.Secure {
		scheme = "wss"
	}
	node := &Node{
		manager: manager,
		Name:    option.Name,
		group:   option.Group,
		auth:    option.Auth,
		wsURL:   fmt.Sprintf("%s://%s/v%d/websocket", scheme, option.URL, Version),
		players: make(map[string]*Player),
		state:   NodeDisconnected,
	}
	node.Rest = newRest(node, option)
	return node
}

// Group returns the restore pool this node belongs to, empty for
// groupless nodes.
func (n *Node) Group() string { return n.group }

func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// SessionID is the backend-assigned session of the current control
// channel, distinct from any voice session id.
func (n *Node) SessionID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessionID
}

// Stats returns the last stats snapshot, nil before the first push.
func (n *Node) Stats() *Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stats
}

// Info returns the remote build info once fetched, nil before.
func (n *Node) Info() *NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.info
}

// Penalties is the load-balancing score of this node; lower is better.
// The exponential term punishes high system load hard while staying
// near zero when idle, and nulled frames weigh double since they mean
// dropped audio rather than mere lateness.
func (n *Node) Penalties() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stats == nil {
		return 0
	}
	penalties := n.stats.Players
	penalties += int(math.Round(math.Pow(1.05, 100*n.stats.CPU.SystemLoad)*10 - 10))
	if n.stats.FrameStats != nil {
		penalties += n.stats.FrameStats.Deficit
		penalties += n.stats.FrameStats.Nulled * 2
	}
	return penalties
}

// Connect opens the control channel. The dial itself and the read loop
// run on their own goroutine; failures surface through the close and
// error events. A destroyed node cannot reconnect, add a new one.
func (n *Node) Connect() error {
	if n.manager.ID() == "" {
		return ErrManagerNotReady
	}
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return ErrNodeDestroyed
	}
	n.state = NodeConnecting
	n.initialized = true
	n.detached = false
	n.mu.Unlock()

	headers := http.Header{}
	headers.Set("Client-Name", n.manager.options.UserAgent)
	headers.Set("User-Agent", n.manager.options.UserAgent)
	headers.Set("Authorization", n.auth)
	headers.Set("User-Id", n.manager.ID())
	resumeSession := n.manager.resumeSessionID(n.Name)
	if resumeSession != "" {
		headers.Set("Session-Id", resumeSession)
	}
	n.debugf("[Socket] -> [%s] : Connecting %s, Version: %d, Trying to resume? %t", n.Name, n.wsURL, Version, resumeSession != "")

	go n.dial(headers)
	return nil
}

// Disconnect closes the control channel for good with the given close
// code. This is the terminal teardown path.
func (n *Node) Disconnect(code int, reason string) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	n.state = NodeDisconnecting
	ws := n.ws
	n.mu.Unlock()
	if ws == nil {
		n.cleanNode()
		return
	}
	message := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	_ = ws.Close()
}

func (n *Node) dial(headers http.Header) {
	conn, resp, err := websocket.DefaultDialer.Dial(n.wsURL, headers)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		n.errorf(err)
		n.handleClose(websocket.CloseAbnormalClosure, err.Error())
		return
	}
	resumed := resp.Header.Get("Session-Resumed") == "true"
	n.debugf("[Socket] <-> [%s] : Connection Handshake Done! %s | Upgrade Headers Resumed: %t", n.Name, n.wsURL, resumed)
	n.mu.Lock()
	n.reconnects = 0
	n.state = NodeNearly
	n.ws = conn
	n.mu.Unlock()
	n.readLoop(conn)
}

func (n *Node) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.mu.Lock()
			detached := n.detached
			n.mu.Unlock()
			if detached {
				return
			}
			code, reason := closeCodeOf(err)
			n.handleClose(code, reason)
			return
		}
		if err := n.handleMessage(data); err != nil {
			n.errorf(err)
		}
	}
}

// handleMessage dispatches one inbound frame by opcode in delivery
// order.
func (n *Node) handleMessage(data []byte) error {
	if n.isDestroyed() {
		return nil
	}
	var envelope frame
	if err := json.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	n.manager.dispatchRaw(n.Name, data)

	switch envelope.Op {
	case opStats:
		var stats Stats
		if err := json.Unmarshal(data, &stats); err != nil {
			return fmt.Errorf("decode stats: %w", err)
		}
		n.mu.Lock()
		n.stats = &stats
		n.mu.Unlock()
		n.debugf("[Socket] <- [%s] : Node Status Update | Server Load: %d", n.Name, n.Penalties())
	case opReady:
		var ready readyMessage
		if err := json.Unmarshal(data, &ready); err != nil {
			return fmt.Errorf("decode ready: %w", err)
		}
		n.onReady(ready)
	case opEvent:
		player, ok := n.player(envelope.GuildID)
		if !ok {
			return nil
		}
		return player.onPlayerEvent(envelope.Type, data)
	case opPlayerUpdate:
		var update PlayerUpdateMessage
		if err := json.Unmarshal(data, &update); err != nil {
			return fmt.Errorf("decode player update: %w", err)
		}
		player, ok := n.player(envelope.GuildID)
		if !ok {
			return nil
		}
		player.onPlayerUpdate(update)
	default:
		n.debugf("[Player] -> [Node] : Unknown Message OP %s", envelope.Op)
	}
	return nil
}

func (n *Node) onReady(ready readyMessage) {
	n.mu.Lock()
	n.sessionID = ready.SessionID
	n.state = NodeConnected
	n.mu.Unlock()
	n.debugf("[Socket] -> [%s] : Lavalink is ready! | Lavalink resume: %t", n.Name, ready.Resumed)

	ctx := context.Background()
	if n.manager.options.Resume {
		timeout := int(n.manager.options.ResumeTimeout / time.Second)
		if _, err := n.Rest.UpdateSession(ctx, true, timeout); err != nil {
			n.errorf(fmt.Errorf("configure resuming: %w", err))
		} else {
			n.debugf("[Socket] -> [%s] : Resuming configured!", n.Name)
			n.debugf("[%s] -> [Player] : Trying to re-create players from the last session", n.Name)
			if err := n.manager.RestorePlayers(ctx, n); err != nil {
				n.errorf(err)
			}
			n.debugf("[%s] <-> [Player] : Session restore completed", n.Name)
		}
	}
	n.manager.removeConnectingNode(n.Name)
	restored := n.manager.purgeRestoredDumps(n.Name)
	n.manager.dispatchReady(n.Name, restored)

	go func() {
		info, err := n.Rest.Info(ctx)
		if err != nil {
			n.debugf("[Socket] <- [%s] : Failed to fetch node info: %v", n.Name, err)
			return
		}
		n.mu.Lock()
		n.info = info
		n.mu.Unlock()
	}()
}

// handleClose runs on every socket close: reconnect while attempts
// remain, otherwise restore what can be restored and clean up.
func (n *Node) handleClose(code int, reason string) {
	n.debugf("[Socket] <-/-> [%s] : Connection Closed, Code: %d", n.Name, code)
	n.manager.dispatchClose(n.Name, code, reason)
	if n.shouldClean() {
		if err := n.manager.RestorePlayers(context.Background(), n); err != nil {
			n.errorf(err)
		}
		n.cleanNode()
		return
	}
	n.reconnect()
}

// shouldClean reports whether this close is terminal: the node was
// destroyed explicitly or ran out of reconnect attempts.
func (n *Node) shouldClean() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed || n.reconnects+1 >= n.manager.options.ReconnectTries
}

// cleanNode moves players away if configured, then destroys the node.
// The destroy is guaranteed even when the move batch errors out.
func (n *Node) cleanNode() {
	n.manager.removeConnectingNode(n.Name)
	if !n.manager.options.MoveOnDisconnect {
		n.destroy(false, 0)
		return
	}
	var moved bool
	var count int
	defer func() { n.destroy(moved, count) }()
	count = n.movePlayers(context.Background())
	moved = count > 0
}

// movePlayers relocates every bound player to another ideal node,
// best effort: individual failures are reported and do not abort the
// batch. Players that could not find a target are torn down so no
// half-dead session lingers.
func (n *Node) movePlayers(ctx context.Context) int {
	count := 0
	for _, player := range n.playerList() {
		err := player.Move(ctx, "")
		if err == nil {
			count++
			continue
		}
		n.errorf(fmt.Errorf("move player %s: %w", player.GuildID(), err))
		if errors.Is(err, ErrNoNodesAvailable) || errors.Is(err, ErrMoveSameNode) || errors.Is(err, ErrMoveNodeNotConnected) {
			player.connection.Disconnect()
			_ = player.DestroyPlayer(ctx, true)
		}
	}
	return count
}

// destroy tears the socket down. Only a terminal teardown marks the
// node destroyed and emits the disconnect event the manager evicts on;
// otherwise the node stays around awaiting its reconnect.
func (n *Node) destroy(moved bool, count int) {
	n.mu.Lock()
	if n.ws != nil {
		n.detached = true
		_ = n.ws.Close()
		n.ws = nil
	}
	n.state = NodeDisconnected
	terminal := n.destroyed || n.reconnects+1 >= n.manager.options.ReconnectTries
	if !terminal {
		n.mu.Unlock()
		return
	}
	n.destroyed = true
	n.mu.Unlock()
	n.disconnectOnce.Do(func() {
		n.manager.handleNodeDisconnect(n, moved, count)
	})
}

// reconnect tears down any live socket, waits out the backoff and
// dials again.
func (n *Node) reconnect() {
	n.mu.Lock()
	if n.state == NodeReconnecting {
		n.mu.Unlock()
		return
	}
	state := n.state
	n.mu.Unlock()
	if state != NodeDisconnected {
		n.destroy(false, 0)
	}

	n.mu.Lock()
	n.state = NodeReconnecting
	n.reconnects++
	triesLeft := n.manager.options.ReconnectTries - n.reconnects
	n.mu.Unlock()

	interval := n.manager.options.ReconnectInterval
	n.manager.dispatchReconnecting(n.Name, triesLeft, interval)
	n.debugf("[Socket] -> [%s] : Reconnecting in %s. %d tries left", n.Name, interval, triesLeft)
	n.manager.options.Clock.Sleep(interval)
	if err := n.Connect(); err != nil {
		n.errorf(err)
	}
}

func (n *Node) isDestroyed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.destroyed
}

func (n *Node) reconnectCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reconnects
}

func (n *Node) addPlayer(player *Player) {
	n.mu.Lock()
	n.players[player.GuildID()] = player
	n.mu.Unlock()
}

func (n *Node) removePlayer(guildID string) {
	n.mu.Lock()
	delete(n.players, guildID)
	n.mu.Unlock()
}

func (n *Node) player(guildID string) (*Player, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	player, ok := n.players[guildID]
	return player, ok
}

func (n *Node) playerList() []*Player {
	n.mu.Lock()
	defer n.mu.Unlock()
	players := make([]*Player, 0, len(n.players))
	for _, player := range n.players {
		players = append(players, player)
	}
	return players
}

func (n *Node) debugf(format string, args ...any) {
	n.manager.dispatchDebug(n.Name, fmt.Sprintf(format, args...))
}

func (n *Node) errorf(err error) {
	n.manager.dispatchError(n.Name, err)
}

func closeCodeOf(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
