package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// PlaylistInfo describes the playlist a load result belongs to, if any.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// TrackInfo is the decoded metadata of a track.
type TrackInfo struct {
	Identifier string `json:"identifier"`
	Author     string `json:"author"`
	Title      string `json:"title"`
	URI        string `json:"uri"`
	SourceName string `json:"sourceName"`
	Length     int64  `json:"length"`
	Position   int64  `json:"position"`
	IsSeekable bool   `json:"isSeekable"`
	IsStream   bool   `json:"isStream"`
}

// Track pairs an encoded track string with its decoded metadata.
type Track struct {
	Track string    `json:"track"`
	Info  TrackInfo `json:"info"`
}

// LoadResult is the response of the track-loading endpoint.
type LoadResult struct {
	LoadType     string       `json:"loadType"`
	PlaylistInfo PlaylistInfo `json:"playlistInfo"`
	Tracks       []Track      `json:"tracks"`
}

// PluginInfo is one entry of the node's plugin listing.
type PluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// SourceListing is the response of the node's source listing endpoint:
// built-in sources plus per-plugin source maps, each flagged enabled or not.
type SourceListing struct {
	Defaults map[string]bool            `json:"defaults"`
	Plugins  map[string]map[string]bool `json:"plugins"`
}

// RoutePlannerStatus is the response of the route-planner status endpoint.
type RoutePlannerStatus struct {
	Class   string         `json:"class"`
	Details map[string]any `json:"details"`
}

func (n *Node) baseURL() string {
	scheme := "http"
	if n.useTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, n.host, n.port)
}

// doJSON performs an authorized request against the node's REST surface and
// decodes a 2xx JSON body into out. A 401/403 yields ErrUnauthorized; any
// other non-2xx status leaves out untouched and returns false with no error,
// so callers can distinguish "no results" from auth failure only.
func (n *Node) doJSON(ctx context.Context, method, path string, query url.Values, body, out any) (bool, error) {
	u := n.baseURL() + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", n.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("node request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, ErrUnauthorized
	case resp.StatusCode == http.StatusNoContent:
		return true, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return true, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return false, fmt.Errorf("decoding node response: %w", err)
		}
		return true, nil
	default:
		n.logger.Debug("node request returned non-2xx",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
		)
		return false, nil
	}
}

// GetTracks retrieves all tracks for the given query identifier. On a
// non-auth failure the result is failure-shaped rather than an error.
func (n *Node) GetTracks(ctx context.Context, identifier string) (*LoadResult, error) {
	result := &LoadResult{
		LoadType:     "LOAD_FAILED",
		PlaylistInfo: PlaylistInfo{SelectedTrack: -1},
		Tracks:       []Track{},
	}
	ok, err := n.doJSON(ctx, http.MethodGet, "/loadtracks",
		url.Values{"identifier": {identifier}}, nil, result)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &LoadResult{
			LoadType:     "LOAD_FAILED",
			PlaylistInfo: PlaylistInfo{SelectedTrack: -1},
			Tracks:       []Track{},
		}, nil
	}
	return result, nil
}

// DecodeTrack decodes a base64 track string into its metadata. Returns nil
// on a non-auth failure.
func (n *Node) DecodeTrack(ctx context.Context, track string) (*TrackInfo, error) {
	info := &TrackInfo{}
	ok, err := n.doJSON(ctx, http.MethodGet, "/decodetrack",
		url.Values{"track": {track}}, nil, info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return info, nil
}

// DecodeTracks decodes a batch of base64 track strings. Returns an empty
// slice on a non-auth failure.
func (n *Node) DecodeTracks(ctx context.Context, tracks []string) ([]TrackInfo, error) {
	var infos []TrackInfo
	ok, err := n.doJSON(ctx, http.MethodPost, "/decodetracks", nil, tracks, &infos)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []TrackInfo{}, nil
	}
	return infos, nil
}

// RoutePlannerStatus retrieves the node's route-planner state, or nil when
// the node has no route planner configured.
func (n *Node) RoutePlannerStatus(ctx context.Context) (*RoutePlannerStatus, error) {
	status := &RoutePlannerStatus{}
	ok, err := n.doJSON(ctx, http.MethodGet, "/routeplanner/status", nil, nil, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return status, nil
}

// FreeAddress releases a single banned address on the node's route planner.
func (n *Node) FreeAddress(ctx context.Context, address string) (bool, error) {
	return n.doJSON(ctx, http.MethodPost, "/routeplanner/free/address",
		nil, map[string]string{"address": address}, nil)
}

// FreeAllFailing releases every banned address on the node's route planner.
func (n *Node) FreeAllFailing(ctx context.Context) (bool, error) {
	return n.doJSON(ctx, http.MethodPost, "/routeplanner/free/all", nil, nil, nil)
}

// Plugins retrieves the node's plugin listing.
func (n *Node) Plugins(ctx context.Context) ([]PluginInfo, error) {
	var plugins []PluginInfo
	if _, err := n.doJSON(ctx, http.MethodGet, "/plugins", nil, nil, &plugins); err != nil {
		return nil, err
	}
	return plugins, nil
}

// SourceListing retrieves the node's source listing.
func (n *Node) SourceListing(ctx context.Context) (*SourceListing, error) {
	listing := &SourceListing{}
	if _, err := n.doJSON(ctx, http.MethodGet, "/sources", nil, nil, listing); err != nil {
		return listing, err
	}
	return listing, nil
}
