package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soundmesh/fleet/internal/player"
)

// PlayerHandler handles playback session HTTP requests.
type PlayerHandler struct {
	players *player.Coordinator
	logger  *slog.Logger
}

// NewPlayerHandler creates a new player handler.
func NewPlayerHandler(c *player.Coordinator, logger *slog.Logger) *PlayerHandler {
	return &PlayerHandler{players: c, logger: logger}
}

// PlayerView is the JSON representation of a playback session binding.
type PlayerView struct {
	SessionID    string `json:"session_id"`
	NodeID       string `json:"node_id,omitempty"`
	OriginalNode string `json:"original_node_id,omitempty"`
}

func playerView(p *player.Player) PlayerView {
	v := PlayerView{SessionID: p.SessionID()}
	if n := p.Node(); n != nil {
		v.NodeID = n.Identifier()
	}
	if n := p.OriginalNode(); n != nil {
		v.OriginalNode = n.Identifier()
	}
	return v
}

// List handles GET /v1/players.
func (h *PlayerHandler) List(w http.ResponseWriter, r *http.Request) {
	players := h.players.Players()
	views := make([]PlayerView, 0, len(players))
	for _, p := range players {
		views = append(views, playerView(p))
	}
	WriteJSON(w, http.StatusOK, views)
}

// Move handles POST /v1/players/{sessionID}/move and rebinds the session
// to the best available node.
func (h *PlayerHandler) Move(w http.ResponseWriter, r *http.Request) {
	p := h.players.Player(chi.URLParam(r, "sessionID"))
	n, err := p.EnsureNode(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		if errors.Is(err, player.ErrNoNodeWithCapability) {
			WriteUnavailable(w, err.Error())
			return
		}
		h.logger.Error("player move failed", "session_id", p.SessionID(), "error", err)
		WriteInternalError(w, "could not move player")
		return
	}
	h.logger.Info("player moved", "session_id", p.SessionID(), "node_id", n.Identifier())
	WriteJSON(w, http.StatusOK, playerView(p))
}

// Remove handles DELETE /v1/players/{sessionID}.
func (h *PlayerHandler) Remove(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.players.Remove(r.Context(), sessionID); err != nil {
		h.logger.Error("player removal failed", "session_id", sessionID, "error", err)
		WriteInternalError(w, "could not remove player")
		return
	}
	WriteJSON(w, http.StatusNoContent, nil)
}
