package shoukaku

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replyToVoiceRequests makes the fake gateway answer every join request
// with a matching state and server update, completing the rendezvous.
func replyToVoiceRequests(manager *Shoukaku, connector *fakeConnector) {
	connector.onSend = func(payload VoicePacket) {
		if payload.Data.ChannelID == nil {
			return // leave packet
		}
		manager.OnVoiceStateUpdate(StateUpdate{
			GuildID:   payload.Data.GuildID,
			ChannelID: *payload.Data.ChannelID,
			SessionID: "voice-session",
			UserID:    manager.ID(),
			SelfDeaf:  payload.Data.SelfDeaf,
			SelfMute:  payload.Data.SelfMute,
		})
		manager.OnVoiceServerUpdate(ServerUpdate{
			Token:    "voice-token",
			GuildID:  payload.Data.GuildID,
			Endpoint: "rotterdam11.discord.media:443",
		})
	}
}

func TestGetIdealNodePicksLowestPenalty(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	a := newTestNode(t, manager, "a", "", okHandler())
	b := newTestNode(t, manager, "b", "", okHandler())
	c := newTestNode(t, manager, "c", "", okHandler())

	a.mu.Lock()
	a.stats = &Stats{Players: 10}
	a.mu.Unlock()
	b.mu.Lock()
	b.stats = &Stats{Players: 2}
	b.mu.Unlock()
	c.mu.Lock()
	c.stats = &Stats{Players: 7}
	c.mu.Unlock()

	assert.Equal(t, b, manager.GetIdealNode())
}

func TestGetIdealNodeTieGoesToFirstRegistered(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	a := newTestNode(t, manager, "a", "", okHandler())
	newTestNode(t, manager, "b", "", okHandler())

	// No stats on either node: both score zero.
	assert.Equal(t, a, manager.GetIdealNode())
}

func TestGetIdealNodeSkipsDisconnected(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	a := newTestNode(t, manager, "a", "", okHandler())
	b := newTestNode(t, manager, "b", "", okHandler())
	a.mu.Lock()
	a.state = NodeReconnecting
	a.mu.Unlock()

	assert.Equal(t, b, manager.GetIdealNode())

	b.mu.Lock()
	b.state = NodeDisconnected
	b.mu.Unlock()
	assert.Nil(t, manager.GetIdealNode())
}

func TestJoinVoiceChannel(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	newTestNode(t, manager, "a", "", okHandler())
	replyToVoiceRequests(manager, connector)

	player, err := manager.JoinVoiceChannel(context.Background(), JoinOptions{
		GuildID:   "guild",
		ChannelID: "channel",
		Deaf:      true,
	})
	require.NoError(t, err)
	require.NotNil(t, player)
	assert.Equal(t, "a", player.Node().Name)
	assert.True(t, player.Connection().Established())
	assert.Equal(t, VoiceConnected, player.Connection().State())

	found, ok := manager.Player("guild")
	require.True(t, ok)
	assert.Equal(t, player, found)
	_, ok = manager.Connection("guild")
	assert.True(t, ok)
}

func TestJoinVoiceChannelRejectsDuplicate(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	newTestNode(t, manager, "a", "", okHandler())
	replyToVoiceRequests(manager, connector)

	_, err := manager.JoinVoiceChannel(context.Background(), JoinOptions{GuildID: "guild", ChannelID: "channel"})
	require.NoError(t, err)

	_, err = manager.JoinVoiceChannel(context.Background(), JoinOptions{GuildID: "guild", ChannelID: "other"})
	require.ErrorIs(t, err, ErrExistingConnection)
}

func TestJoinVoiceChannelNoNodesLeavesNoResidue(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	replyToVoiceRequests(manager, connector)

	_, err := manager.JoinVoiceChannel(context.Background(), JoinOptions{GuildID: "guild", ChannelID: "channel"})
	require.ErrorIs(t, err, ErrNoNodesAvailable)

	_, ok := manager.Connection("guild")
	assert.False(t, ok, "failed join must not leave a connection behind")
	assert.Empty(t, manager.Players())
}

func TestJoinVoiceChannelFailedRendezvousRemovesConnection(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	newTestNode(t, manager, "a", "", okHandler())
	connector.onSend = func(payload VoicePacket) {
		if payload.Data.ChannelID == nil {
			return
		}
		// Server update arrives but the state update never did.
		manager.OnVoiceServerUpdate(ServerUpdate{
			Token:    "voice-token",
			GuildID:  payload.Data.GuildID,
			Endpoint: "rotterdam11.discord.media:443",
		})
	}

	_, err := manager.JoinVoiceChannel(context.Background(), JoinOptions{GuildID: "guild", ChannelID: "channel"})
	require.ErrorIs(t, err, ErrMissingSessionID)
	_, ok := manager.Connection("guild")
	assert.False(t, ok)
}

func TestLeaveVoiceChannel(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	node := newTestNode(t, manager, "a", "", okHandler())
	replyToVoiceRequests(manager, connector)

	_, err := manager.JoinVoiceChannel(context.Background(), JoinOptions{GuildID: "guild", ChannelID: "channel"})
	require.NoError(t, err)

	player, err := manager.LeaveVoiceChannel(context.Background(), "guild")
	require.NoError(t, err)
	require.NotNil(t, player)

	_, ok := manager.Connection("guild")
	assert.False(t, ok)
	_, ok = node.player("guild")
	assert.False(t, ok)
}

func TestLeaveVoiceChannelWithoutSession(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())

	player, err := manager.LeaveVoiceChannel(context.Background(), "guild")
	require.NoError(t, err)
	assert.Nil(t, player)
}

func TestAddNodeValidatesOptions(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())

	err := manager.AddNode(NodeOption{Name: "a", Auth: "auth"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url was not found")

	err = manager.AddNode(NodeOption{Name: "a", URL: "localhost:2333"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth was not found")
}

func TestAddNodeRollsBackWhenConnectRefused(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	manager.id = ""

	err := manager.AddNode(NodeOption{Name: "a", URL: "localhost:2333", Auth: "auth"})
	require.ErrorIs(t, err, ErrManagerNotReady)
	assert.Empty(t, manager.Nodes())
	assert.Empty(t, manager.nodeOrder)
	assert.False(t, manager.hasConnectingNodeInGroup(""), "refused connect leaves no connecting entry")
}

func TestVoiceServerUpdateRearmFailureTearsDownSession(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())

	var mu sync.Mutex
	broken := false
	newTestNode(t, manager, "a", "", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		failing := broken
		mu.Unlock()
		if failing && r.Method == http.MethodPatch {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"message":"session expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	replyToVoiceRequests(manager, connector)

	_, err := manager.JoinVoiceChannel(context.Background(), JoinOptions{GuildID: "guild", ChannelID: "channel"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	manager.Events.OnError = func(_ string, err error) { errCh <- err }
	mu.Lock()
	broken = true
	mu.Unlock()

	manager.OnVoiceServerUpdate(ServerUpdate{
		Token:    "voice-token-2",
		GuildID:  "guild",
		Endpoint: "rotterdam11.discord.media:443",
	})

	select {
	case err := <-errCh:
		var restErr *RestError
		require.ErrorAs(t, err, &restErr)
	case <-time.After(2 * time.Second):
		t.Fatal("re-arm failure never reached the error channel")
	}

	_, ok := manager.Connection("guild")
	assert.False(t, ok, "broken session is dropped")
	_, ok = manager.Player("guild")
	assert.False(t, ok)
}

func TestRemoveNodeUnknown(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	require.ErrorIs(t, manager.RemoveNode("ghost", ""), ErrNodeNotFound)
}

func TestPlayersDumpSkipsSessionsWithoutCredentials(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	node := newTestNode(t, manager, "a", "pool", okHandler())
	replyToVoiceRequests(manager, connector)

	complete, err := manager.JoinVoiceChannel(context.Background(), JoinOptions{GuildID: "guild-full", ChannelID: "channel", Deaf: true})
	require.NoError(t, err)

	// A player whose connection never saw a server update has nothing
	// to restore from.
	bare := newTestPlayer(t, manager, node, "guild-bare")
	_ = bare

	dumps := manager.PlayersDump()
	require.Len(t, dumps, 1)
	dump := dumps["guild-full"]
	require.NotNil(t, dump)
	assert.Equal(t, "a", dump.Node.Name)
	assert.Equal(t, "pool", dump.Node.Group)
	assert.Equal(t, "session-a", dump.Node.SessionID)
	assert.Equal(t, "guild-full", dump.Options.GuildID)
	assert.Equal(t, "channel", dump.Options.ChannelID)
	assert.True(t, dump.Options.Deaf)
	assert.Equal(t, complete.connection.SessionID(), dump.Player.Voice.SessionID)
	assert.Equal(t, "voice-token", dump.Player.Voice.Token)
}

func TestRestorePlayers(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	node := newTestNode(t, manager, "a", "", okHandler())
	replyToVoiceRequests(manager, connector)

	manager.reconnectingPlayers["guild"] = &PlayerDump{
		Node:      NodeRef{Name: "a", SessionID: "prev-session"},
		Options:   DumpJoinOptions{GuildID: "guild", ChannelID: "channel", Deaf: true},
		Player:    PlayerOptions{EncodedTrack: ptr("QAAAjQIA"), Volume: ptr(80)},
		Timestamp: time.Now().UnixMilli(),
	}
	manager.connectingNodes = []NodeOption{{Name: "a", URL: "localhost:2333", Auth: "auth"}}

	var restores []PlayerRestoreMessage
	var batches [][]*PlayerDump
	manager.Events.OnPlayerRestore = func(_ string, message PlayerRestoreMessage) { restores = append(restores, message) }
	manager.Events.OnRestored = func(dumps []*PlayerDump) { batches = append(batches, dumps) }

	require.NoError(t, manager.RestorePlayers(context.Background(), node))

	require.Len(t, restores, 1)
	assert.True(t, restores[0].State.Restored)
	assert.Equal(t, "a", restores[0].State.Node)
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	player, ok := manager.Player("guild")
	require.True(t, ok)
	assert.Equal(t, "QAAAjQIA", player.Track())
	assert.Equal(t, 80, player.Volume())
	assert.True(t, player.Connection().Deafened())

	assert.Equal(t, "prev-session", manager.resumeSessionID("a"))
	assert.Equal(t, 1, manager.purgeRestoredDumps("a"))
	assert.Empty(t, manager.reconnectingPlayers)
	assert.Equal(t, "", manager.resumeSessionID("a"))
}

func TestRestorePlayersSkipsExpiredDumps(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	node := newTestNode(t, manager, "a", "", okHandler())

	manager.reconnectingPlayers["guild"] = &PlayerDump{
		Node:      NodeRef{Name: "a"},
		Options:   DumpJoinOptions{GuildID: "guild", ChannelID: "channel"},
		Timestamp: time.Now().Add(-time.Hour).UnixMilli(),
	}
	manager.connectingNodes = []NodeOption{{Name: "a", URL: "localhost:2333", Auth: "auth"}}

	var restores []PlayerRestoreMessage
	var batches [][]*PlayerDump
	manager.Events.OnPlayerRestore = func(_ string, message PlayerRestoreMessage) { restores = append(restores, message) }
	manager.Events.OnRestored = func(dumps []*PlayerDump) { batches = append(batches, dumps) }

	require.NoError(t, manager.RestorePlayers(context.Background(), node))

	require.Len(t, restores, 1)
	assert.False(t, restores[0].State.Restored)
	require.Len(t, batches, 1, "restored fires exactly once per invocation")
	_, ok := manager.Player("guild")
	assert.False(t, ok)
}

func TestRestorePlayersRequiresConnectingNodeInGroup(t *testing.T) {
	connector := &fakeConnector{}
	manager := newTestManager(t, connector, clock.New())
	node := newTestNode(t, manager, "a", "", okHandler())

	manager.reconnectingPlayers["guild"] = &PlayerDump{
		Node:      NodeRef{Name: "a"},
		Options:   DumpJoinOptions{GuildID: "guild", ChannelID: "channel"},
		Timestamp: time.Now().UnixMilli(),
	}
	// Only a node of a different group is still connecting.
	manager.connectingNodes = []NodeOption{{Name: "b", URL: "localhost:2334", Auth: "auth", Group: "other"}}

	var restores []PlayerRestoreMessage
	manager.Events.OnPlayerRestore = func(_ string, message PlayerRestoreMessage) { restores = append(restores, message) }

	require.NoError(t, manager.RestorePlayers(context.Background(), node))
	assert.Empty(t, restores, "gated dumps are skipped without a failure report")
	_, ok := manager.Player("guild")
	assert.False(t, ok)
}

func TestRestorePlayersIgnoresForeignDumps(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	node := newTestNode(t, manager, "a", "", okHandler())

	manager.reconnectingPlayers["guild"] = &PlayerDump{
		Node:      NodeRef{Name: "b", Group: "other"},
		Options:   DumpJoinOptions{GuildID: "guild"},
		Timestamp: time.Now().UnixMilli(),
	}

	var batches [][]*PlayerDump
	manager.Events.OnRestored = func(dumps []*PlayerDump) { batches = append(batches, dumps) }

	require.NoError(t, manager.RestorePlayers(context.Background(), node))
	assert.Empty(t, batches, "nothing matched, nothing reported")
}

func TestHandleNodeDisconnectEvictsNode(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	node := newTestNode(t, manager, "a", "", okHandler())
	newTestNode(t, manager, "b", "", okHandler())

	var disconnects []string
	manager.Events.OnDisconnect = func(name string, moved bool, count int) {
		disconnects = append(disconnects, name)
		assert.True(t, moved)
		assert.Equal(t, 2, count)
	}

	manager.handleNodeDisconnect(node, true, 2)

	assert.Equal(t, []string{"a"}, disconnects)
	_, ok := manager.NodeByName("a")
	assert.False(t, ok)
	nodes := manager.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "b", nodes[0].Name)
}

func TestRemoveConnectingNode(t *testing.T) {
	manager := newTestManager(t, &fakeConnector{}, clock.New())
	manager.connectingNodes = []NodeOption{
		{Name: "a", URL: "localhost:2333", Auth: "auth"},
		{Name: "b", URL: "localhost:2334", Auth: "auth", Group: "pool"},
	}

	manager.removeConnectingNode("a")
	assert.False(t, manager.hasConnectingNodeInGroup(""))
	assert.True(t, manager.hasConnectingNodeInGroup("pool"))

	manager.removeConnectingNode("b")
	assert.False(t, manager.hasConnectingNodeInGroup("pool"))
}
