package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/soundmesh/fleet/internal/fleet"
)

// TrackHandler handles track resolution HTTP requests.
type TrackHandler struct {
	fleet  *fleet.Fleet
	logger *slog.Logger
}

// NewTrackHandler creates a new track handler.
func NewTrackHandler(f *fleet.Fleet, logger *slog.Logger) *TrackHandler {
	return &TrackHandler{fleet: f, logger: logger}
}

// Load handles GET /v1/tracks?identifier=... and resolves the query on the
// best node for its source.
func (h *TrackHandler) Load(w http.ResponseWriter, r *http.Request) {
	identifier := r.URL.Query().Get("identifier")
	if identifier == "" {
		WriteBadRequest(w, "identifier is required")
		return
	}
	if source := r.URL.Query().Get("search"); source != "" {
		identifier = fleet.SearchQuery(source, identifier)
	}

	result, err := h.fleet.GetTracks(r.Context(), identifier)
	if err != nil {
		if errors.Is(err, fleet.ErrNoAvailableNode) {
			WriteUnavailable(w, err.Error())
			return
		}
		h.logger.Error("track load failed", "identifier", identifier, "error", err)
		WriteInternalError(w, "could not load tracks")
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// DecodeRequest is the request body for batch track decoding.
type DecodeRequest struct {
	Tracks []string `json:"tracks"`
}

// Decode handles POST /v1/tracks/decode for one or many encoded tracks.
func (h *TrackHandler) Decode(w http.ResponseWriter, r *http.Request) {
	var req DecodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Tracks) == 0 {
		WriteBadRequest(w, "tracks is required")
		return
	}

	if len(req.Tracks) == 1 {
		info, err := h.fleet.DecodeTrack(r.Context(), req.Tracks[0])
		if err != nil {
			h.writeDecodeError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, info)
		return
	}

	infos, err := h.fleet.DecodeTracks(r.Context(), req.Tracks)
	if err != nil {
		h.writeDecodeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, infos)
}

func (h *TrackHandler) writeDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, fleet.ErrNoAvailableNode) {
		WriteUnavailable(w, err.Error())
		return
	}
	h.logger.Error("track decode failed", "error", err)
	WriteInternalError(w, "could not decode tracks")
}
