package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soundmesh/fleet/internal/node"
	"github.com/soundmesh/fleet/internal/registry"
	"github.com/soundmesh/fleet/internal/store"
)

// NodeHandler handles node management HTTP requests.
type NodeHandler struct {
	registry *registry.Registry
	configs  store.NodeConfigStore
	logger   *slog.Logger
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(reg *registry.Registry, configs store.NodeConfigStore, logger *slog.Logger) *NodeHandler {
	return &NodeHandler{
		registry: reg,
		configs:  configs,
		logger:   logger,
	}
}

// NodeView is the JSON representation of a registered node.
type NodeView struct {
	Identifier string   `json:"identifier"`
	Name       string   `json:"name"`
	Host       string   `json:"host"`
	Port       int      `json:"port"`
	UseTLS     bool     `json:"use_tls"`
	Managed    bool     `json:"managed"`
	SearchOnly bool     `json:"search_only"`
	Available  bool     `json:"available"`
	Penalty    *float64 `json:"penalty,omitempty"`
	Sources    []string `json:"sources"`
	Stats      *node.Stats `json:"stats,omitempty"`
}

func nodeView(n *node.Node) NodeView {
	v := NodeView{
		Identifier: n.Identifier(),
		Name:       n.Name(),
		Host:       n.Host(),
		Port:       n.Port(),
		UseTLS:     n.UseTLS(),
		Managed:    n.Managed(),
		SearchOnly: n.SearchOnly(),
		Available:  n.Available(),
		Sources:    n.Sources(),
		Stats:      n.Stats(),
	}
	// +Inf is not representable in JSON; an unavailable node simply has
	// no penalty.
	if p := n.Penalty(); !math.IsInf(p, 1) {
		v.Penalty = &p
	}
	return v
}

// List handles GET /v1/nodes.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes := h.registry.Nodes()
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView(n))
	}
	WriteJSON(w, http.StatusOK, views)
}

// Get handles GET /v1/nodes/{nodeID}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	n := h.registry.GetNode(chi.URLParam(r, "nodeID"))
	if n == nil {
		WriteNotFound(w, "node not found")
		return
	}
	WriteJSON(w, http.StatusOK, nodeView(n))
}

// Best handles GET /v1/nodes/best?source=... and reports the node current
// selection would pick.
func (h *NodeHandler) Best(w http.ResponseWriter, r *http.Request) {
	n := h.registry.FindBestNode(r.URL.Query().Get("source"))
	if n == nil {
		WriteUnavailable(w, "no node can serve the request")
		return
	}
	WriteJSON(w, http.StatusOK, nodeView(n))
}

// AddNodeRequest is the request body for registering a node.
type AddNodeRequest struct {
	Identifier    string   `json:"identifier,omitempty"`
	Name          string   `json:"name,omitempty"`
	Host          string   `json:"host"`
	Port          int      `json:"port,omitempty"`
	Password      string   `json:"password"`
	UseTLS        bool     `json:"use_tls,omitempty"`
	SearchOnly    bool     `json:"search_only,omitempty"`
	ResumeTimeout int      `json:"resume_timeout,omitempty"`
	Disabled      []string `json:"disabled_sources,omitempty"`
}

// Validate validates the add node request.
func (r *AddNodeRequest) Validate() error {
	if r.Host == "" {
		return &APIError{Code: ErrCodeInvalidRequest, Message: "host is required"}
	}
	if r.Password == "" {
		return &APIError{Code: ErrCodeInvalidRequest, Message: "password is required"}
	}
	if r.Identifier == store.BundledNodeID {
		return &APIError{Code: ErrCodeInvalidRequest, Message: "identifier is reserved for the managed node"}
	}
	return nil
}

// Create handles POST /v1/nodes - registers and connects a node.
func (h *NodeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req AddNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	n, err := h.registry.AddNode(registry.AddOptions{
		Identifier:      req.Identifier,
		Name:            req.Name,
		Host:            req.Host,
		Port:            req.Port,
		Password:        req.Password,
		UseTLS:          req.UseTLS,
		SearchOnly:      req.SearchOnly,
		ResumeTimeout:   time.Duration(req.ResumeTimeout) * time.Second,
		DisabledSources: req.Disabled,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateIdentifier) {
			WriteConflict(w, err.Error())
			return
		}
		h.logger.Error("node registration failed", "error", err)
		WriteInternalError(w, "could not register node")
		return
	}

	if err := h.configs.Save(r.Context(), &store.NodeConfig{
		Identifier:      n.Identifier(),
		Name:            n.Name(),
		Host:            n.Host(),
		Port:            n.Port(),
		Password:        req.Password,
		UseTLS:          req.UseTLS,
		SearchOnly:      req.SearchOnly,
		DisabledSources: req.Disabled,
		ResumeTimeout:   req.ResumeTimeout,
	}); err != nil {
		h.logger.Error("persisting node config failed", "node_id", n.Identifier(), "error", err)
	}

	if err := n.Connect(r.Context()); err != nil {
		h.logger.Warn("node connect failed", "node_id", n.Identifier(), "error", err)
	}
	WriteJSON(w, http.StatusCreated, nodeView(n))
}

// Delete handles DELETE /v1/nodes/{nodeID}.
func (h *NodeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if h.registry.GetNode(nodeID) == nil {
		WriteNotFound(w, "node not found")
		return
	}
	if err := h.registry.RemoveNode(r.Context(), nodeID); err != nil {
		h.logger.Error("node removal failed", "node_id", nodeID, "error", err)
		WriteInternalError(w, "could not remove node")
		return
	}
	if err := h.configs.Delete(r.Context(), nodeID); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("deleting node config failed", "node_id", nodeID, "error", err)
	}
	WriteJSON(w, http.StatusNoContent, nil)
}

// DisableSourcesRequest is the request body for disabling sources.
type DisableSourcesRequest struct {
	Sources []string `json:"sources"`
}

// DisableSources handles PUT /v1/nodes/{nodeID}/disabled-sources.
func (h *NodeHandler) DisableSources(w http.ResponseWriter, r *http.Request) {
	n := h.registry.GetNode(chi.URLParam(r, "nodeID"))
	if n == nil {
		WriteNotFound(w, "node not found")
		return
	}
	var req DisableSourcesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := n.UpdateDisabledSources(r.Context(), req.Sources); err != nil {
		h.logger.Error("updating disabled sources failed", "node_id", n.Identifier(), "error", err)
		WriteInternalError(w, "could not update disabled sources")
		return
	}
	WriteJSON(w, http.StatusOK, map[string][]string{"disabled_sources": n.DisabledSources()})
}
