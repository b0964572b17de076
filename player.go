package shoukaku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Player is the per-guild playback handle, bound to one Connection for
// its lifetime and to exactly one Node at a time. Its fields mirror
// the last state successfully pushed to or received from the node; the
// local copy is a cache, not authoritative.
type Player struct {
	guildID    string
	connection *Connection

	mu       sync.Mutex
	boundTo  *Node
	track    string
	info     *TrackInfo
	volume   int
	paused   bool
	position int64
	ping     int
	filters  FilterOptions
	handlers PlayerHandlers
}

// NewPlayer binds a fresh player to a node and a connection. It is the
// default of Options.NewPlayer.
func NewPlayer(node *Node, connection *Connection) *Player {
	return &Player{
		guildID:    connection.GuildID(),
		connection: connection,
		boundTo:    node,
		volume:     100,
	}
}

func (p *Player) GuildID() string { return p.guildID }

// Connection returns the voice connection this player is bound to.
func (p *Player) Connection() *Connection { return p.connection }

// Node returns the node this player is currently bound to.
func (p *Player) Node() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boundTo
}

// Track returns the mirrored encoded track, empty when none.
func (p *Player) Track() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track
}

func (p *Player) Info() *TrackInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *Player) Volume() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Position is the mirrored playback position in milliseconds.
func (p *Player) Position() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Ping is the last measured node-to-gateway latency, or zero when no
// measurement arrived yet.
func (p *Player) Ping() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ping
}

func (p *Player) Filters() FilterOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filters
}

// SetHandlers replaces the playback event handlers of this player.
func (p *Player) SetHandlers(handlers PlayerHandlers) {
	p.mu.Lock()
	p.handlers = handlers
	p.mu.Unlock()
}

// PlayOptions configures PlayTrack. Zero-valued optionals are not
// sent.
type PlayOptions struct {
	Track     string
	Info      *TrackInfo
	NoReplace bool
	Pause     bool
	StartTime int64
	EndTime   int64
	Volume    int
}

// PlayTrack starts a new track, optimistically mirroring the fields it
// sends.
func (p *Player) PlayTrack(ctx context.Context, playable PlayOptions) error {
	options := PlayerOptions{
		EncodedTrack: &playable.Track,
		Info:         playable.Info,
	}
	if playable.Pause {
		options.Paused = ptr(true)
	}
	if playable.StartTime != 0 {
		options.Position = ptr(playable.StartTime)
	}
	if playable.EndTime != 0 {
		options.EndTime = ptr(playable.EndTime)
	}
	if playable.Volume != 0 {
		options.Volume = ptr(playable.Volume)
	}

	p.mu.Lock()
	p.track = playable.Track
	p.info = playable.Info
	if options.Paused != nil {
		p.paused = *options.Paused
	}
	if options.Position != nil {
		p.position = *options.Position
	}
	if options.Volume != nil {
		p.volume = *options.Volume
	}
	p.mu.Unlock()

	_, err := p.Node().Rest.UpdatePlayer(ctx, UpdatePlayerData{
		GuildID:       p.guildID,
		NoReplace:     playable.NoReplace,
		PlayerOptions: options,
	})
	return err
}

// StopTrack stops the currently playing track.
func (p *Player) StopTrack(ctx context.Context) error {
	p.mu.Lock()
	p.position = 0
	p.mu.Unlock()
	_, err := p.Node().Rest.UpdatePlayer(ctx, UpdatePlayerData{
		GuildID:       p.guildID,
		PlayerOptions: PlayerOptions{EncodedTrack: ptr("")},
	})
	return err
}

// SetPaused pauses or unpauses playback.
func (p *Player) SetPaused(ctx context.Context, paused bool) error {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	_, err := p.Node().Rest.UpdatePlayer(ctx, UpdatePlayerData{
		GuildID:       p.guildID,
		PlayerOptions: PlayerOptions{Paused: &paused},
	})
	return err
}

// SeekTo seeks to a position in milliseconds.
func (p *Player) SeekTo(ctx context.Context, position int64) error {
	p.mu.Lock()
	p.position = position
	p.mu.Unlock()
	_, err := p.Node().Rest.UpdatePlayer(ctx, UpdatePlayerData{
		GuildID:       p.guildID,
		PlayerOptions: PlayerOptions{Position: &position},
	})
	return err
}

// SetGlobalVolume sets the player volume on the 0-1000 integer scale.
func (p *Player) SetGlobalVolume(ctx context.Context, volume int) error {
	p.mu.Lock()
	p.volume = volume
	p.mu.Unlock()
	_, err := p.Node().Rest.UpdatePlayer(ctx, UpdatePlayerData{
		GuildID:       p.guildID,
		PlayerOptions: PlayerOptions{Volume: &volume},
	})
	return err
}

// SetFilterVolume sets the filter-chain volume (0.0-5.0).
func (p *Player) SetFilterVolume(ctx context.Context, volume float64) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Volume = &volume })
}

// SetEqualizer replaces the equalizer bands.
func (p *Player) SetEqualizer(ctx context.Context, equalizer []Band) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Equalizer = equalizer })
}

// SetKaraoke sets or, given nil, clears the karaoke filter.
func (p *Player) SetKaraoke(ctx context.Context, karaoke *KaraokeSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Karaoke = karaoke })
}

// SetTimescale sets or, given nil, clears the timescale filter.
func (p *Player) SetTimescale(ctx context.Context, timescale *TimescaleSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Timescale = timescale })
}

// SetTremolo sets or, given nil, clears the tremolo filter.
func (p *Player) SetTremolo(ctx context.Context, tremolo *FreqSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Tremolo = tremolo })
}

// SetVibrato sets or, given nil, clears the vibrato filter.
func (p *Player) SetVibrato(ctx context.Context, vibrato *FreqSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Vibrato = vibrato })
}

// SetRotation sets or, given nil, clears the rotation filter.
func (p *Player) SetRotation(ctx context.Context, rotation *RotationSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Rotation = rotation })
}

// SetDistortion sets or, given nil, clears the distortion filter.
func (p *Player) SetDistortion(ctx context.Context, distortion *DistortionSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.Distortion = distortion })
}

// SetChannelMix sets or, given nil, clears the channel mix filter.
func (p *Player) SetChannelMix(ctx context.Context, channelMix *ChannelMixSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.ChannelMix = channelMix })
}

// SetLowPass sets or, given nil, clears the low pass filter.
func (p *Player) SetLowPass(ctx context.Context, lowPass *LowPassSettings) error {
	return p.mutateFilters(ctx, func(filters *FilterOptions) { filters.LowPass = lowPass })
}

func (p *Player) mutateFilters(ctx context.Context, mutate func(*FilterOptions)) error {
	p.mu.Lock()
	filters := p.filters
	p.mu.Unlock()
	mutate(&filters)
	return p.SetFilters(ctx, filters)
}

// SetFilters replaces the whole effect chain remotely. The chain is
// always pushed as a complete object; the node has no partial merge.
func (p *Player) SetFilters(ctx context.Context, filters FilterOptions) error {
	p.mu.Lock()
	p.filters = filters
	info := p.info
	p.mu.Unlock()
	_, err := p.Node().Rest.UpdatePlayer(ctx, UpdatePlayerData{
		GuildID:       p.guildID,
		PlayerOptions: PlayerOptions{Filters: &filters, Info: info},
	})
	return err
}

// ClearFilters resets every filter to its neutral default: unity
// volume, empty equalizer, everything else disabled.
func (p *Player) ClearFilters(ctx context.Context) error {
	return p.SetFilters(ctx, clearedFilters())
}

// ResumeOptions tweaks the payload Resume rebuilds from mirror state.
type ResumeOptions struct {
	NoReplace bool
	Pause     bool
	StartTime int64
	EndTime   int64
}

// Resume rebuilds the full player payload from the local mirror and
// pushes it, re-establishing remote playback state after a move or a
// server-side session resume.
func (p *Player) Resume(ctx context.Context, options ResumeOptions) error {
	data := p.updateData()
	data.NoReplace = options.NoReplace
	if options.StartTime != 0 {
		data.PlayerOptions.Position = ptr(options.StartTime)
	}
	if options.Pause {
		data.PlayerOptions.Paused = ptr(true)
	}
	if err := p.Update(ctx, data); err != nil {
		return err
	}
	if handler := p.handlersSnapshot().OnResumed; handler != nil {
		handler(p)
	}
	return nil
}

// Update is the low-level mutation primitive: it pushes the payload as
// is and on success folds the echoed fields back into the local
// mirror. Zero and false values are deliberately not folded back; see
// the package tests pinning this behavior.
func (p *Player) Update(ctx context.Context, data UpdatePlayerData) error {
	data.GuildID = p.guildID
	if _, err := p.Node().Rest.UpdatePlayer(ctx, data); err != nil {
		return err
	}
	options := data.PlayerOptions
	p.mu.Lock()
	if options.EncodedTrack != nil && *options.EncodedTrack != "" {
		p.track = *options.EncodedTrack
	}
	if options.Position != nil && *options.Position != 0 {
		p.position = *options.Position
	}
	if options.Paused != nil && *options.Paused {
		p.paused = true
	}
	if options.Filters != nil {
		p.filters = *options.Filters
	}
	if options.Volume != nil && *options.Volume != 0 {
		p.volume = *options.Volume
	}
	if options.Info != nil {
		p.info = options.Info
	}
	p.mu.Unlock()
	return nil
}

// Move rebinds the player to another node, resolved by name or through
// the connection's node selector. Rejecting an invalid target (none
// found, not connected, or the current node) leaves the player bound
// where it was; a failure past that point is fatal to the session: the
// connection is torn down and the player destroyed before the error is
// returned.
func (p *Player) Move(ctx context.Context, name string) error {
	manager := p.connection.manager
	var target *Node
	if name != "" {
		target, _ = manager.NodeByName(name)
	}
	if target == nil {
		target = p.connection.getNode(manager.Nodes(), p.connection)
	}
	if target == nil {
		return fmt.Errorf("move player: %w", ErrNoNodesAvailable)
	}
	if target.State() != NodeConnected {
		return ErrMoveNodeNotConnected
	}
	if target.Name == p.Node().Name {
		return ErrMoveSameNode
	}

	// Remote state on the old node is abandoned on purpose: the new
	// node starts from the replayed mirror.
	if err := p.DestroyPlayer(ctx, false); err != nil {
		return p.failMove(ctx, err)
	}
	p.mu.Lock()
	p.boundTo = target
	p.mu.Unlock()
	target.addPlayer(p)
	if err := p.Resume(ctx, ResumeOptions{}); err != nil {
		return p.failMove(ctx, err)
	}
	return nil
}

func (p *Player) failMove(ctx context.Context, err error) error {
	p.connection.Disconnect()
	if destroyErr := p.DestroyPlayer(ctx, true); destroyErr != nil {
		err = errors.Join(err, destroyErr)
	}
	return err
}

// DestroyPlayer removes the player from its node and destroys it on
// the remote side. With clean set, handlers are detached and the local
// mirror reset first.
func (p *Player) DestroyPlayer(ctx context.Context, clean bool) error {
	node := p.Node()
	node.removePlayer(p.guildID)
	if clean {
		p.clean()
	}
	return node.Rest.DestroyPlayer(ctx, p.guildID)
}

// SendServerUpdate pushes the current voice credentials to the node,
// arming playback. After the session is established a failure means
// the session broke: the connection is dropped and the player
// destroyed before the push error is returned, swallowing any
// teardown errors.
func (p *Player) SendServerUpdate(ctx context.Context) error {
	err := p.pushServerUpdate(ctx)
	if err == nil {
		return nil
	}
	if !p.connection.Established() {
		return err
	}
	p.connection.Disconnect()
	_ = p.DestroyPlayer(ctx, true)
	return err
}

func (p *Player) pushServerUpdate(ctx context.Context) error {
	serverUpdate := p.connection.ServerUpdate()
	if serverUpdate == nil {
		return ErrMissingEndpoint
	}
	_, err := p.Node().Rest.UpdatePlayer(ctx, UpdatePlayerData{
		GuildID: p.guildID,
		PlayerOptions: PlayerOptions{
			Info: p.Info(),
			Voice: &VoiceData{
				Token:     serverUpdate.Token,
				Endpoint:  serverUpdate.Endpoint,
				SessionID: p.connection.SessionID(),
			},
		},
	})
	return err
}

// updateData rebuilds the full player payload from the mirror plus the
// connection's voice credentials.
func (p *Player) updateData() UpdatePlayerData {
	serverUpdate := p.connection.ServerUpdate()
	voice := &VoiceData{SessionID: p.connection.SessionID()}
	if serverUpdate != nil {
		voice.Token = serverUpdate.Token
		voice.Endpoint = serverUpdate.Endpoint
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	track := p.track
	filters := p.filters
	return UpdatePlayerData{
		GuildID: p.guildID,
		PlayerOptions: PlayerOptions{
			EncodedTrack: &track,
			Position:     ptr(p.position),
			Paused:       ptr(p.paused),
			Filters:      &filters,
			Info:         p.info,
			Voice:        voice,
			Volume:       ptr(p.volume),
		},
	}
}

// clean detaches handlers and resets the mirror to defaults. A cleaned
// player is never resurrected; restore and move build new ones.
func (p *Player) clean() {
	p.mu.Lock()
	p.handlers = PlayerHandlers{}
	p.track = ""
	p.info = nil
	p.volume = 100
	p.position = 0
	p.filters = FilterOptions{}
	p.mu.Unlock()
}

func (p *Player) handlersSnapshot() PlayerHandlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers
}

// onPlayerUpdate folds the remote position and latency into the
// mirror.
func (p *Player) onPlayerUpdate(message PlayerUpdateMessage) {
	p.mu.Lock()
	p.position = message.State.Position
	p.ping = message.State.Ping
	p.mu.Unlock()
	if handler := p.handlersSnapshot().OnUpdate; handler != nil {
		handler(message)
	}
}

// onPlayerEvent dispatches a playback lifecycle event by type. Close
// events caused by an expected migration are suppressed.
func (p *Player) onPlayerEvent(eventType string, data json.RawMessage) error {
	handlers := p.handlersSnapshot()
	switch eventType {
	case eventTrackStart:
		var event TrackStartEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		p.mu.Lock()
		if p.track != "" {
			p.track = event.Track.Encoded
		}
		p.mu.Unlock()
		if handlers.OnStart != nil {
			handlers.OnStart(event)
		}
	case eventTrackEnd:
		var event TrackEndEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		if handlers.OnEnd != nil {
			handlers.OnEnd(event)
		}
	case eventTrackStuck:
		var event TrackStuckEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		if handlers.OnStuck != nil {
			handlers.OnStuck(event)
		}
	case eventTrackException:
		var event TrackExceptionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		if handlers.OnException != nil {
			handlers.OnException(event)
		}
	case eventWebSocketClosed:
		var event WebSocketClosedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return err
		}
		if p.connection.isReconnecting() {
			return nil
		}
		if p.connection.hasMoved() {
			p.connection.setMoved(false)
			return nil
		}
		if handlers.OnClosed != nil {
			handlers.OnClosed(event)
		}
	default:
		p.Node().debugf("[Player] -> [Node] : Unknown Player Event Type %s | Guild: %s", eventType, p.guildID)
	}
	return nil
}

func ptr[T any](value T) *T {
	return &value
}
