package shoukaku

import (
	"encoding/json"
	"time"
)

// Events is the manager's observable surface. Every field is optional;
// nil handlers are skipped. Handlers run inline on the goroutine that
// produced the event (a node read loop or a caller), so they must not
// block.
type Events struct {
	// OnReconnecting fires before a node waits out its backoff.
	OnReconnecting func(node string, triesLeft int, interval time.Duration)

	// OnDebug receives human-readable traces, mirroring Logger output.
	OnDebug func(node string, message string)

	// OnError receives asynchronous background failures.
	OnError func(node string, err error)

	// OnReady fires when a node completes its handshake, with the
	// number of players restored onto it from the pending dump table.
	OnReady func(node string, restored int)

	// OnClose fires whenever a node's socket closes.
	OnClose func(node string, code int, reason string)

	// OnDisconnect fires once per node, on terminal disconnect, after
	// the node has been evicted from the registry.
	OnDisconnect func(node string, moved bool, count int)

	// OnRaw receives every decoded control-channel frame plus the
	// synthesized playerRestore frames.
	OnRaw func(node string, data json.RawMessage)

	// OnPlayerRestore fires per dump processed during restoration,
	// for successes and failures alike.
	OnPlayerRestore func(node string, ev PlayerRestoreMessage)

	// OnRestored fires once per restore invocation with the full
	// processed batch.
	OnRestored func(dumps []*PlayerDump)
}

// PlayerHandlers is the per-player observable surface. Same contract
// as Events: optional, non-blocking, fixed set.
type PlayerHandlers struct {
	OnUpdate    func(PlayerUpdateMessage)
	OnStart     func(TrackStartEvent)
	OnEnd       func(TrackEndEvent)
	OnStuck     func(TrackStuckEvent)
	OnException func(TrackExceptionEvent)
	OnClosed    func(WebSocketClosedEvent)
	OnResumed   func(*Player)
}
