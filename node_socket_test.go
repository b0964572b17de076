package shoukaku

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lavalinkStub serves /v4/websocket with a scripted control channel and
// answers every REST path with an empty object.
func lavalinkStub(t *testing.T, script func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

func TestNodeConnectHandshake(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())

	host := lavalinkStub(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ready","sessionId":"la-session","resumed":false}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	option := NodeOption{Name: "a", URL: host, Auth: "youshallnotpass"}
	node := newDetachedNode(t, manager, option)
	manager.mu.Lock()
	manager.connectingNodes = []NodeOption{option}
	manager.mu.Unlock()

	readyCh := make(chan int, 1)
	manager.Events.OnReady = func(_ string, restored int) { readyCh <- restored }

	require.NoError(t, node.Connect())
	select {
	case restored := <-readyCh:
		assert.Equal(t, 0, restored)
	case <-time.After(2 * time.Second):
		t.Fatal("node never became ready")
	}

	assert.Equal(t, NodeConnected, node.State())
	assert.Equal(t, "la-session", node.SessionID())
	assert.False(t, manager.hasConnectingNodeInGroup(""), "connecting entry is consumed on ready")

	node.Disconnect(websocket.CloseNormalClosure, "test over")
}

func TestAddNodeConsumesConnectingEntryOnReady(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())

	host := lavalinkStub(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ready","sessionId":"la-session","resumed":false}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	readyCh := make(chan struct{}, 1)
	manager.Events.OnReady = func(string, int) { readyCh <- struct{}{} }

	// The node and its connecting entry are visible to the handshake
	// even when the server answers immediately.
	require.NoError(t, manager.AddNode(NodeOption{Name: "a", URL: host, Auth: "youshallnotpass"}))

	select {
	case <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("node never became ready")
	}

	node, ok := manager.NodeByName("a")
	require.True(t, ok)
	assert.Equal(t, NodeConnected, node.State())
	assert.Equal(t, []*Node{node}, manager.Nodes())
	assert.False(t, manager.hasConnectingNodeInGroup(""), "ready consumes the connecting entry")

	node.Disconnect(websocket.CloseNormalClosure, "test over")
}

func TestNodeHandshakeHeaders(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	manager.options.ReconnectTries = 1
	manager.reconnectingPlayers["guild"] = &PlayerDump{
		Node:    NodeRef{Name: "a", SessionID: "prev-session"},
		Options: DumpJoinOptions{GuildID: "guild"},
	}

	upgrader := websocket.Upgrader{}
	headerCh := make(chan http.Header, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/websocket", func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Clone()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	option := NodeOption{Name: "a", URL: strings.TrimPrefix(server.URL, "http://"), Auth: "youshallnotpass"}
	node := newDetachedNode(t, manager, option)

	require.NoError(t, node.Connect())

	select {
	case headers := <-headerCh:
		assert.Equal(t, "youshallnotpass", headers.Get("Authorization"))
		assert.Equal(t, manager.ID(), headers.Get("User-Id"))
		assert.Equal(t, manager.options.UserAgent, headers.Get("Client-Name"))
		assert.Equal(t, "prev-session", headers.Get("Session-Id"), "pending dump arms session resumption")
	case <-time.After(2 * time.Second):
		t.Fatal("node never dialed")
	}
}

func TestNodeTerminalCloseEvictsNode(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	manager.options.ReconnectTries = 1

	host := lavalinkStub(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ready","sessionId":"la-session","resumed":false}`))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend died"),
			time.Now().Add(time.Second),
		)
	})

	option := NodeOption{Name: "a", URL: host, Auth: "youshallnotpass"}
	node := newDetachedNode(t, manager, option)

	closeCh := make(chan int, 1)
	manager.Events.OnClose = func(_ string, code int, _ string) { closeCh <- code }
	disconnectCh := make(chan bool, 1)
	manager.Events.OnDisconnect = func(_ string, moved bool, _ int) { disconnectCh <- moved }

	require.NoError(t, node.Connect())

	select {
	case code := <-closeCh:
		assert.Equal(t, websocket.CloseInternalServerErr, code)
	case <-time.After(2 * time.Second):
		t.Fatal("close event never fired")
	}
	select {
	case moved := <-disconnectCh:
		assert.False(t, moved)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect event never fired")
	}

	assert.Equal(t, NodeDisconnected, node.State())
	assert.True(t, node.isDestroyed())
	_, ok := manager.NodeByName("a")
	assert.False(t, ok, "terminal disconnect evicts the node")
	require.ErrorIs(t, node.Connect(), ErrNodeDestroyed)
}
