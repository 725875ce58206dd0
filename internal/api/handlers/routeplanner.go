package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soundmesh/fleet/internal/fleet"
)

// RoutePlannerHandler proxies route planner operations to individual nodes.
type RoutePlannerHandler struct {
	fleet  *fleet.Fleet
	logger *slog.Logger
}

// NewRoutePlannerHandler creates a new route planner handler.
func NewRoutePlannerHandler(f *fleet.Fleet, logger *slog.Logger) *RoutePlannerHandler {
	return &RoutePlannerHandler{fleet: f, logger: logger}
}

// Status handles GET /v1/nodes/{nodeID}/routeplanner.
func (h *RoutePlannerHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.fleet.RoutePlannerStatus(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		if errors.Is(err, fleet.ErrNoAvailableNode) {
			WriteNotFound(w, err.Error())
			return
		}
		h.logger.Error("route planner status failed", "error", err)
		WriteInternalError(w, "could not fetch route planner status")
		return
	}
	if status == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"class": nil})
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// FreeAddressRequest is the request body for unmarking failing addresses.
// An empty address frees every failing address on the node.
type FreeAddressRequest struct {
	Address string `json:"address,omitempty"`
}

// Free handles POST /v1/nodes/{nodeID}/routeplanner/free.
func (h *RoutePlannerHandler) Free(w http.ResponseWriter, r *http.Request) {
	var req FreeAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	ok, err := h.fleet.FreeRoutePlannerAddress(r.Context(), chi.URLParam(r, "nodeID"), req.Address)
	if err != nil {
		if errors.Is(err, fleet.ErrNoAvailableNode) {
			WriteNotFound(w, err.Error())
			return
		}
		h.logger.Error("route planner free failed", "error", err)
		WriteInternalError(w, "could not free route planner address")
		return
	}
	if !ok {
		WriteConflict(w, "node has no route planner configured")
		return
	}
	WriteJSON(w, http.StatusNoContent, nil)
}
