package shoukaku

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"
)

// Rest is the stateless HTTP client for one node's data-plane API.
// Every call is bounded by the configured rest timeout and optionally
// paced by a shared per-node rate limiter.
type Rest struct {
	node      *Node
	client    *http.Client
	limiter   *rate.Limiter
	baseURL   string
	auth      string
	userAgent string
}

func newRest(node *Node, option NodeOption) *Rest {
	scheme := "http"
	if option.Secure {
		scheme = "https"
	}
	return &Rest{
		node:      node,
		client:    &http.Client{},
		limiter:   node.manager.options.restLimiter(),
		baseURL:   fmt.Sprintf("%s://%s/v%d", scheme, option.URL, Version),
		auth:      option.Auth,
		userAgent: node.manager.options.UserAgent,
	}
}

// Resolve loads tracks for an identifier (URL or search query).
func (r *Rest) Resolve(ctx context.Context, identifier string) (*LoadResult, error) {
	result := new(LoadResult)
	query := url.Values{"identifier": {identifier}}
	if err := r.fetch(ctx, http.MethodGet, "/loadtracks", query, nil, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Decode turns an encoded track back into its metadata.
func (r *Rest) Decode(ctx context.Context, encoded string) (*Track, error) {
	track := new(Track)
	query := url.Values{"track": {encoded}}
	if err := r.fetch(ctx, http.MethodGet, "/decodetrack", query, nil, track); err != nil {
		return nil, err
	}
	return track, nil
}

// GetPlayers lists every player of this node's session.
func (r *Rest) GetPlayers(ctx context.Context) ([]RestPlayer, error) {
	var players []RestPlayer
	endpoint := fmt.Sprintf("/sessions/%s/players", r.node.SessionID())
	if err := r.fetch(ctx, http.MethodGet, endpoint, nil, nil, &players); err != nil {
		return nil, err
	}
	return players, nil
}

// GetPlayer fetches the remote player of one guild.
func (r *Rest) GetPlayer(ctx context.Context, guildID string) (*RestPlayer, error) {
	player := new(RestPlayer)
	endpoint := fmt.Sprintf("/sessions/%s/players/%s", r.node.SessionID(), guildID)
	if err := r.fetch(ctx, http.MethodGet, endpoint, nil, nil, player); err != nil {
		return nil, err
	}
	return player, nil
}

// UpdatePlayer is the primary player-mutation primitive.
func (r *Rest) UpdatePlayer(ctx context.Context, data UpdatePlayerData) (*RestPlayer, error) {
	player := new(RestPlayer)
	endpoint := fmt.Sprintf("/sessions/%s/players/%s", r.node.SessionID(), data.GuildID)
	query := url.Values{"noReplace": {fmt.Sprintf("%t", data.NoReplace)}}
	if err := r.fetch(ctx, http.MethodPatch, endpoint, query, data.PlayerOptions, player); err != nil {
		return nil, err
	}
	return player, nil
}

// DestroyPlayer deletes the remote player of one guild.
func (r *Rest) DestroyPlayer(ctx context.Context, guildID string) error {
	endpoint := fmt.Sprintf("/sessions/%s/players/%s", r.node.SessionID(), guildID)
	return r.fetch(ctx, http.MethodDelete, endpoint, nil, nil, nil)
}

// UpdateSession toggles server-side session persistence.
func (r *Rest) UpdateSession(ctx context.Context, resuming bool, timeoutSeconds int) (*SessionInfo, error) {
	session := new(SessionInfo)
	endpoint := fmt.Sprintf("/sessions/%s", r.node.SessionID())
	body := SessionInfo{Resuming: resuming, Timeout: timeoutSeconds}
	if err := r.fetch(ctx, http.MethodPatch, endpoint, nil, body, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Stats fetches the node metrics snapshot.
func (r *Rest) Stats(ctx context.Context) (*Stats, error) {
	stats := new(Stats)
	if err := r.fetch(ctx, http.MethodGet, "/stats", nil, nil, stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// RoutePlannerStatus fetches the node's route planner state.
func (r *Rest) RoutePlannerStatus(ctx context.Context) (*RoutePlanner, error) {
	planner := new(RoutePlanner)
	if err := r.fetch(ctx, http.MethodGet, "/routeplanner/status", nil, nil, planner); err != nil {
		return nil, err
	}
	return planner, nil
}

// UnmarkFailedAddress releases a blacklisted address back into the
// node's rotation pool.
func (r *Rest) UnmarkFailedAddress(ctx context.Context, address string) error {
	body := map[string]string{"address": address}
	return r.fetch(ctx, http.MethodPost, "/routeplanner/free/address", nil, body, nil)
}

// Info fetches the node build information.
func (r *Rest) Info(ctx context.Context) (*NodeInfo, error) {
	info := new(NodeInfo)
	if err := r.fetch(ctx, http.MethodGet, "/info", nil, nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

// fetch is the generic request primitive every operation maps onto. A
// non-2xx response fails with a RestError carrying the status and the
// optional message field; a 2xx response with an empty or unparsable
// body resolves to no value.
func (r *Rest) fetch(ctx context.Context, method, endpoint string, query url.Values, body, out any) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rest request failed: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, r.node.manager.options.RestTimeout)
	defer cancel()

	target := r.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", r.auth)
	req.Header.Set("User-Agent", r.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("rest request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		data = nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		restErr := &RestError{Status: resp.StatusCode}
		var failure struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &failure) == nil {
			restErr.Message = failure.Message
		}
		return restErr
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	// An unparsable success body resolves to no value, not an error.
	_ = json.Unmarshal(data, out)
	return nil
}

// UpdatePlayerData is the input of UpdatePlayer.
type UpdatePlayerData struct {
	GuildID       string        `json:"guildId"`
	NoReplace     bool          `json:"noReplace,omitempty"`
	PlayerOptions PlayerOptions `json:"playerOptions"`
}

// PlayerOptions is the JSON body of a player update. Nil fields are
// omitted. EncodedTrack pointing at an empty string serializes as an
// explicit null, which tells the node to stop the current track (an
// encoded track is never the empty string); the stop sentinel also
// nulls the stored track info unless a replacement is supplied.
type PlayerOptions struct {
	EncodedTrack *string        `json:"encodedTrack,omitempty"`
	Position     *int64         `json:"position,omitempty"`
	EndTime      *int64         `json:"endTime,omitempty"`
	Paused       *bool          `json:"paused,omitempty"`
	Volume       *int           `json:"volume,omitempty"`
	Filters      *FilterOptions `json:"filters,omitempty"`
	Info         *TrackInfo     `json:"info,omitempty"`
	Voice        *VoiceData     `json:"voice,omitempty"`
}

func (o PlayerOptions) MarshalJSON() ([]byte, error) {
	type alias PlayerOptions
	clearTrack := o.EncodedTrack != nil && *o.EncodedTrack == ""
	if clearTrack {
		o.EncodedTrack = nil
	}
	data, err := json.Marshal(alias(o))
	if err != nil {
		return nil, err
	}
	if !clearTrack {
		return data, nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["encodedTrack"] = json.RawMessage("null")
	if o.Info == nil {
		fields["info"] = json.RawMessage("null")
	}
	return json.Marshal(fields)
}

// VoiceData carries the voice credentials handed to the node.
type VoiceData struct {
	Token     string `json:"token"`
	Endpoint  string `json:"endpoint"`
	SessionID string `json:"sessionId"`
}

// RestPlayer is the remote player representation served by the node.
type RestPlayer struct {
	GuildID string        `json:"guildId"`
	Track   *Track        `json:"track"`
	Volume  int           `json:"volume"`
	Paused  bool          `json:"paused"`
	State   PlayerState   `json:"state"`
	Voice   VoiceData     `json:"voice"`
	Filters FilterOptions `json:"filters"`
}

// SessionInfo is both the body and response of the session update
// endpoint.
type SessionInfo struct {
	Resuming bool `json:"resuming"`
	Timeout  int  `json:"timeout"`
}

// NodeInfo is the node build information.
type NodeInfo struct {
	Version struct {
		Semver     string  `json:"semver"`
		Major      int     `json:"major"`
		Minor      int     `json:"minor"`
		Patch      int     `json:"patch"`
		PreRelease *string `json:"preRelease"`
	} `json:"version"`
	BuildTime int64 `json:"buildTime"`
	Git       struct {
		Branch     string `json:"branch"`
		Commit     string `json:"commit"`
		CommitTime int64  `json:"commitTime"`
	} `json:"git"`
	JVM            string   `json:"jvm"`
	Lavaplayer     string   `json:"lavaplayer"`
	SourceManagers []string `json:"sourceManagers"`
	Filters        []string `json:"filters"`
	Plugins        []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"plugins"`
}

// RoutePlanner is the node's address rotation state. Class is nil when
// no route planner is configured.
type RoutePlanner struct {
	Class   *string `json:"class"`
	Details *struct {
		IPBlock struct {
			Type string `json:"type"`
			Size string `json:"size"`
		} `json:"ipBlock"`
		FailingAddresses []struct {
			Address   string `json:"failingAddress"`
			Timestamp int64  `json:"failingTimestamp"`
			Time      string `json:"failingTime"`
		} `json:"failingAddresses"`
		RotateIndex         string `json:"rotateIndex,omitempty"`
		IPIndex             string `json:"ipIndex,omitempty"`
		CurrentAddress      string `json:"currentAddress,omitempty"`
		CurrentAddressIndex string `json:"currentAddressIndex,omitempty"`
		BlockIndex          string `json:"blockIndex,omitempty"`
	} `json:"details"`
}
