package shoukaku

// NodeState tracks the lifecycle of a node's control-channel socket.
type NodeState int32

const (
	NodeDisconnected NodeState = iota
	NodeConnecting
	NodeNearly
	NodeConnected
	NodeReconnecting
	NodeDisconnecting
)

func (s NodeState) String() string {
	switch s {
	case NodeConnecting:
		return "CONNECTING"
	case NodeNearly:
		return "NEARLY"
	case NodeConnected:
		return "CONNECTED"
	case NodeReconnecting:
		return "RECONNECTING"
	case NodeDisconnecting:
		return "DISCONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// ConnectionState tracks the lifecycle of a per-guild voice session.
// The variants deliberately mirror NodeState but the two machines are
// independent and never share a value.
type ConnectionState int32

const (
	VoiceDisconnected ConnectionState = iota
	VoiceConnecting
	VoiceNearly
	VoiceConnected
	VoiceReconnecting
	VoiceDisconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case VoiceConnecting:
		return "CONNECTING"
	case VoiceNearly:
		return "NEARLY"
	case VoiceConnected:
		return "CONNECTED"
	case VoiceReconnecting:
		return "RECONNECTING"
	case VoiceDisconnecting:
		return "DISCONNECTING"
	default:
		return "DISCONNECTED"
	}
}

// voiceSignal is the outcome of the two-event voice rendezvous.
type voiceSignal int32

const (
	sessionReady voiceSignal = iota
	sessionIDMissing
	sessionEndpointMissing
)

// Opcodes of inbound control-channel frames.
const (
	opReady         = "ready"
	opStats         = "stats"
	opEvent         = "event"
	opPlayerUpdate  = "playerUpdate"
	opPlayerRestore = "playerRestore"
)

// Version is the Lavalink API version this client speaks, used as the
// path prefix for both the websocket and REST endpoints.
const Version = 4
