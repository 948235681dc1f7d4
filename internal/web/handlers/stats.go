package handlers

import (
	"net/http"
	"time"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/engine"
	"go.uber.org/zap"
)

// StatsHandler handles statistics, configuration and checkpoint endpoints
type StatsHandler struct {
	config *config.Config
	engine *engine.Engine
	log    *zap.Logger
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(cfg *config.Config, e *engine.Engine, log *zap.Logger) *StatsHandler {
	return &StatsHandler{config: cfg, engine: e, log: log}
}

// Get returns counts per kind and cluster figures
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Stats())
}

// ConfigResponse is the public part of the configuration
type ConfigResponse struct {
	Backend       string         `json:"backend"`
	IndexMode     string         `json:"index_mode"`
	Threshold     float64        `json:"threshold"`
	Candidates    int            `json:"candidates"`
	Dimensions    map[string]int `json:"dimensions"`
	ObjectClasses []string       `json:"object_classes"`
}

// Config returns the clustering and index configuration
func (h *StatsHandler) Config(w http.ResponseWriter, r *http.Request) {
	dims := make(map[string]int, len(h.config.Kinds))
	for _, s := range h.config.Spaces() {
		dims[string(s.Kind)] = s.Dim
	}
	cfg := h.engine.Graph().Config()
	respondJSON(w, http.StatusOK, ConfigResponse{
		Backend:       h.engine.Backend(),
		IndexMode:     h.config.Index.Mode,
		Threshold:     cfg.Threshold,
		Candidates:    cfg.CandidateK,
		Dimensions:    dims,
		ObjectClasses: h.engine.Classes().Names(),
	})
}

// Checkpoint persists the membership and index snapshots now
func (h *StatsHandler) Checkpoint(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.engine.Checkpoint(r.Context()); err != nil {
		h.log.Error("checkpoint failed", zap.Error(err))
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
