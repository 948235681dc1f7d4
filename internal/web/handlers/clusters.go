package handlers

import (
	"net/http"
	"strings"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/engine"
	"go.uber.org/zap"
)

// ClustersHandler handles the person clusters and the faces in them.
type ClustersHandler struct {
	engine *engine.Engine
	log    *zap.Logger
}

// NewClustersHandler creates a new clusters handler.
func NewClustersHandler(e *engine.Engine, log *zap.Logger) *ClustersHandler {
	return &ClustersHandler{engine: e, log: log}
}

// ClusterListResponse is the list of clusters.
type ClusterListResponse struct {
	Clusters []cluster.Cluster `json:"clusters"`
	Count    int               `json:"count"`
}

// List returns every cluster, or the clusters whose label matches ?label=.
func (h *ClustersHandler) List(w http.ResponseWriter, r *http.Request) {
	var clusters []cluster.Cluster
	if label := strings.TrimSpace(r.URL.Query().Get("label")); label != "" {
		clusters = h.engine.Graph().FindByLabel(label)
	} else {
		clusters = h.engine.Graph().List()
	}
	if clusters == nil {
		clusters = []cluster.Cluster{}
	}
	respondJSON(w, http.StatusOK, ClusterListResponse{Clusters: clusters, Count: len(clusters)})
}

// Get returns one cluster.
func (h *ClustersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.engine.Graph().Get(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// Members returns the face ids of a cluster.
func (h *ClustersHandler) Members(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterParam(w, r, "id")
	if !ok {
		return
	}
	members, err := h.engine.Graph().Members(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "members": members})
}

// Photos returns the photos the faces of a cluster appear on.
func (h *ClustersHandler) Photos(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterParam(w, r, "id")
	if !ok {
		return
	}
	photos, err := h.engine.Graph().Photos(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "photos": photos})
}

// RenameRequest is the body of a cluster rename.
type RenameRequest struct {
	Label string `json:"label"`
}

// Rename sets or clears the label of a cluster.
func (h *ClustersHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterParam(w, r, "id")
	if !ok {
		return
	}
	var req RenameRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.engine.Rename(id, req.Label); err != nil {
		respondEngineError(w, err)
		return
	}
	h.respondCluster(w, id)
}

// Merge moves every face of {other} into {id}.
func (h *ClustersHandler) Merge(w http.ResponseWriter, r *http.Request) {
	id, ok := clusterParam(w, r, "id")
	if !ok {
		return
	}
	other, ok := clusterParam(w, r, "other")
	if !ok {
		return
	}
	if err := h.engine.Merge(id, other); err != nil {
		respondEngineError(w, err)
		return
	}
	h.log.Info("clusters merged", zap.Int64("into", int64(id)), zap.Int64("from", int64(other)))
	h.respondCluster(w, id)
}

// Face returns the cluster of a face.
func (h *ClustersHandler) Face(w http.ResponseWriter, r *http.Request) {
	face := pathParam(r, "id")
	id, ok := h.engine.ClusterOf(face)
	if !ok {
		respondError(w, http.StatusNotFound, "face not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"face": face, "cluster_id": id})
}

// Detach moves a face into a new cluster of its own.
func (h *ClustersHandler) Detach(w http.ResponseWriter, r *http.Request) {
	face := pathParam(r, "id")
	id, err := h.engine.Detach(face)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"face": face, "cluster_id": id})
}

// Move reassigns a face to an existing cluster.
func (h *ClustersHandler) Move(w http.ResponseWriter, r *http.Request) {
	face := pathParam(r, "id")
	to, ok := clusterParam(w, r, "cluster")
	if !ok {
		return
	}
	if err := h.engine.Move(face, to); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"face": face, "cluster_id": to})
}

func (h *ClustersHandler) respondCluster(w http.ResponseWriter, id cluster.ID) {
	c, err := h.engine.Graph().Get(id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}
