package handlers

import (
	"fmt"
	"net/http"

	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/engine"
	"github.com/kozaktomas/photo-index/internal/router"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

// VectorsHandler handles storing, reading and deleting entity vectors.
type VectorsHandler struct {
	engine  *engine.Engine
	router  *router.Router
	workers int
	log     *zap.Logger
}

// NewVectorsHandler creates a new vectors handler.
func NewVectorsHandler(e *engine.Engine, rt *router.Router, workers int, log *zap.Logger) *VectorsHandler {
	return &VectorsHandler{engine: e, router: rt, workers: workers, log: log}
}

// PutVectorRequest is the body of a single vector put.
type PutVectorRequest struct {
	ID        string      `json:"id"`
	Kind      vector.Kind `json:"kind"`
	Vector    []float32   `json:"vector"`
	Overwrite bool        `json:"overwrite"`
}

// Put stores one vector. New entities answer 201, overwrites 200.
func (h *VectorsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req PutVectorRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	kind, err := vector.ParseKind(string(req.Kind))
	if err != nil {
		respondEngineError(w, err)
		return
	}

	res, err := h.engine.Put(r.Context(), kind, req.ID, req.Vector, req.Overwrite)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replaced || res.Unchanged {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// Batch stores an array of records and reports the failures per record.
func (h *VectorsHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var records []engine.Record
	if !decodeJSON(w, r, &records) {
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusBadRequest, "no records")
		return
	}
	if len(records) > constants.MaxBatchRecords {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d records per batch", constants.MaxBatchRecords))
		return
	}

	report, err := h.engine.Ingest(r.Context(), records, h.workers, nil)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Get returns the stored vector of an entity.
func (h *VectorsHandler) Get(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	id := pathParam(r, "id")
	v, err := h.engine.Vector(r.Context(), kind, id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PutVectorRequest{ID: id, Kind: kind, Vector: v})
}

// Similar returns the entities most similar to a stored one.
func (h *VectorsHandler) Similar(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	k, err := intQuery(r, "k", constants.DefaultSimilarLimit, constants.MaxSearchLimit)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	hits, err := h.router.SimilarTo(kind, pathParam(r, "id"), k)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": hits, "count": len(hits)})
}

// DeleteEntity removes an entity from every kind.
func (h *VectorsHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	kinds, err := h.engine.DeleteEntity(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	h.log.Info("entity deleted", zap.String("id", sanitizeForLog(id)), zap.Int("kinds", len(kinds)))
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "removed": kinds})
}

// DeletePhoto removes a photo with all of its faces.
func (h *VectorsHandler) DeletePhoto(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	n, err := h.engine.DeletePhoto(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	h.log.Info("photo deleted", zap.String("photo", sanitizeForLog(id)), zap.Int("vectors", n))
	respondJSON(w, http.StatusOK, map[string]any{"photo": id, "removed": n})
}
