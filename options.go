package shoukaku

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "twokei-shoukaku/1.0.4 (https://github.com/doiska/twokei-shoukaku)"

// Options configures a manager. The zero value is usable: validate
// fills every unset field with its default.
type Options struct {
	// Resume enables server-side session resuming on the nodes. Note
	// that this does not survive a node process death, only a dropped
	// control channel.
	Resume bool

	// ResumeTimeout is how long a node keeps players alive after this
	// client disconnects.
	ResumeTimeout time.Duration

	// ReconnectTries is the number of reconnect attempts before a node
	// is considered lost and cleaned up.
	ReconnectTries int

	// ReconnectInterval is the backoff between reconnect attempts. It
	// also bounds the freshness window of player dumps during restore.
	ReconnectInterval time.Duration

	// RestTimeout bounds every REST round trip.
	RestTimeout time.Duration

	// MoveOnDisconnect moves players to another connected node when
	// their node hits its terminal disconnect.
	MoveOnDisconnect bool

	// VoiceConnectionTimeout bounds the voice rendezvous on join.
	VoiceConnectionTimeout time.Duration

	// UserAgent is sent on every websocket handshake and REST request.
	UserAgent string

	// RestRequestsPerSecond paces REST calls per node. Zero disables
	// pacing.
	RestRequestsPerSecond float64

	// NewPlayer overrides player construction, letting callers embed
	// the player in their own structure. Defaults to NewPlayer.
	NewPlayer func(node *Node, connection *Connection) *Player

	// Logger receives debug traces. Defaults to a no-op logger; the
	// Events surface fires regardless.
	Logger *zerolog.Logger

	// Clock drives timeouts, backoff and dump freshness. Swappable for
	// tests. Defaults to the wall clock.
	Clock clock.Clock
}

func (o *Options) validate() error {
	if o.ResumeTimeout <= 0 {
		o.ResumeTimeout = 30 * time.Second
	}
	if o.ReconnectTries <= 0 {
		o.ReconnectTries = 3
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.RestTimeout <= 0 {
		o.RestTimeout = 60 * time.Second
	}
	if o.VoiceConnectionTimeout <= 0 {
		o.VoiceConnectionTimeout = 15 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.NewPlayer == nil {
		o.NewPlayer = NewPlayer
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return nil
}

func (o *Options) restLimiter() *rate.Limiter {
	if o.RestRequestsPerSecond <= 0 {
		return nil
	}
	burst := int(o.RestRequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RestRequestsPerSecond), burst)
}

// NodeOption identifies one backend instance. Immutable once added.
type NodeOption struct {
	// Name is the unique key of the node within the manager.
	Name string `json:"name"`
	// URL is the host[:port] of the node, without scheme.
	URL string `json:"url"`
	// Auth is the password sent on the Authorization header.
	Auth string `json:"auth"`
	// Secure switches to wss/https.
	Secure bool `json:"secure"`
	// Group optionally pools nodes for dump restoration.
	Group string `json:"group,omitempty"`
}

func (n *NodeOption) validate() error {
	if n.Name == "" {
		n.Name = "Default"
	}
	if n.URL == "" {
		return fmt.Errorf("url was not found from the given options")
	}
	if n.Auth == "" {
		return fmt.Errorf("auth was not found from the given options")
	}
	return nil
}
