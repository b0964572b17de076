package shoukaku

import (
	"encoding/json"
	"fmt"
)

// Track is an encoded track plus its decoded metadata, as returned by
// the node. The encoded form is the unit of playback.
type Track struct {
	Encoded    string          `json:"encoded"`
	Info       TrackInfo       `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
}

// TrackInfo is opaque to the control plane; it is mirrored locally and
// passed through to the node verbatim.
type TrackInfo struct {
	Identifier string  `json:"identifier"`
	IsSeekable bool    `json:"isSeekable"`
	Author     string  `json:"author"`
	Length     int64   `json:"length"`
	IsStream   bool    `json:"isStream"`
	Position   int64   `json:"position"`
	Title      string  `json:"title"`
	URI        *string `json:"uri"`
	ArtworkURL *string `json:"artworkUrl,omitempty"`
	ISRC       *string `json:"isrc,omitempty"`
	SourceName string  `json:"sourceName"`
}

// LoadType discriminates the payload of a track resolution response.
type LoadType string

const (
	LoadTypeTrack    LoadType = "track"
	LoadTypePlaylist LoadType = "playlist"
	LoadTypeSearch   LoadType = "search"
	LoadTypeEmpty    LoadType = "empty"
	LoadTypeError    LoadType = "error"
)

// LoadResult is the response of the loadtracks endpoint. Data is kept
// raw; use the typed accessors matching LoadType.
type LoadResult struct {
	LoadType LoadType        `json:"loadType"`
	Data     json.RawMessage `json:"data"`
}

// Track decodes the payload of a LoadTypeTrack result.
func (r *LoadResult) Track() (*Track, error) {
	if r.LoadType != LoadTypeTrack {
		return nil, fmt.Errorf("load result is %q, not %q", r.LoadType, LoadTypeTrack)
	}
	track := new(Track)
	if err := json.Unmarshal(r.Data, track); err != nil {
		return nil, fmt.Errorf("decode track payload: %w", err)
	}
	return track, nil
}

// Playlist decodes the payload of a LoadTypePlaylist result.
func (r *LoadResult) Playlist() (*Playlist, error) {
	if r.LoadType != LoadTypePlaylist {
		return nil, fmt.Errorf("load result is %q, not %q", r.LoadType, LoadTypePlaylist)
	}
	playlist := new(Playlist)
	if err := json.Unmarshal(r.Data, playlist); err != nil {
		return nil, fmt.Errorf("decode playlist payload: %w", err)
	}
	return playlist, nil
}

// Tracks decodes the payload of a LoadTypeSearch result.
func (r *LoadResult) Tracks() ([]Track, error) {
	if r.LoadType != LoadTypeSearch {
		return nil, fmt.Errorf("load result is %q, not %q", r.LoadType, LoadTypeSearch)
	}
	var tracks []Track
	if err := json.Unmarshal(r.Data, &tracks); err != nil {
		return nil, fmt.Errorf("decode search payload: %w", err)
	}
	return tracks, nil
}

// Exception decodes the payload of a LoadTypeError result.
func (r *LoadResult) Exception() (*Exception, error) {
	if r.LoadType != LoadTypeError {
		return nil, fmt.Errorf("load result is %q, not %q", r.LoadType, LoadTypeError)
	}
	exception := new(Exception)
	if err := json.Unmarshal(r.Data, exception); err != nil {
		return nil, fmt.Errorf("decode exception payload: %w", err)
	}
	return exception, nil
}

// Playlist is a named list of tracks with source-specific extras.
type Playlist struct {
	Info struct {
		Name          string `json:"name"`
		SelectedTrack int    `json:"selectedTrack"`
	} `json:"info"`
	PluginInfo json.RawMessage `json:"pluginInfo,omitempty"`
	Tracks     []Track         `json:"tracks"`
}

// Exception describes a failure reported by the node.
type Exception struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Cause    string `json:"cause"`
}
