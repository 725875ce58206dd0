package handlers

import (
	"log/slog"
	"net/http"

	"github.com/soundmesh/fleet/internal/supervisor"
)

// SupervisorHandler handles managed-node supervision HTTP requests.
type SupervisorHandler struct {
	super  *supervisor.Supervisor
	logger *slog.Logger
}

// NewSupervisorHandler creates a new supervisor handler. The supervisor may
// be nil when node management is disabled.
func NewSupervisorHandler(s *supervisor.Supervisor, logger *slog.Logger) *SupervisorHandler {
	return &SupervisorHandler{super: s, logger: logger}
}

// SupervisorView is the JSON representation of supervisor state.
type SupervisorView struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// Status handles GET /v1/supervisor.
func (h *SupervisorHandler) Status(w http.ResponseWriter, r *http.Request) {
	if h.super == nil {
		WriteJSON(w, http.StatusOK, SupervisorView{Enabled: false})
		return
	}
	WriteJSON(w, http.StatusOK, SupervisorView{
		Enabled: true,
		State:   string(h.super.State()),
		PID:     h.super.PID(),
	})
}

// Restart handles POST /v1/supervisor/restart.
func (h *SupervisorHandler) Restart(w http.ResponseWriter, r *http.Request) {
	if h.super == nil {
		WriteConflict(w, "node management is disabled")
		return
	}
	if err := h.super.Restart(r.Context()); err != nil {
		WriteConflict(w, err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}
