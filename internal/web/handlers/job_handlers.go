package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kozaktomas/photo-index/internal/engine"
	"github.com/kozaktomas/photo-index/internal/vector"
)

// JobsHandler starts and tracks index rebuilds and reclustering.
type JobsHandler struct {
	engine *engine.Engine
	jobs   *JobManager
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(e *engine.Engine, jm *JobManager) *JobsHandler {
	return &JobsHandler{engine: e, jobs: jm}
}

// RebuildResult is the result of an index rebuild job.
type RebuildResult struct {
	Kind    vector.Kind `json:"kind"`
	Indexed int         `json:"indexed"`
}

// StartRebuild rebuilds the similarity index of {kind} from its store.
func (h *JobsHandler) StartRebuild(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}
	job := h.jobs.Start(JobTypeRebuild, kind, func(ctx context.Context, progress func(int, int)) (any, error) {
		n, err := h.engine.RebuildIndex(ctx, kind, progress)
		if err != nil {
			return nil, err
		}
		return RebuildResult{Kind: kind, Indexed: n}, nil
	})
	respondJSON(w, http.StatusAccepted, job.View())
}

// ReclusterRequest is the optional body of a recluster job.
type ReclusterRequest struct {
	Threshold *float64 `json:"threshold"`
}

// StartRecluster rebuilds the face clusters, optionally with a new threshold.
func (h *JobsHandler) StartRecluster(w http.ResponseWriter, r *http.Request) {
	var req ReclusterRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	threshold := h.engine.Graph().Config().Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < -1 || threshold > 1 {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("threshold %v outside [-1, 1]", threshold))
		return
	}

	job := h.jobs.Start(JobTypeRecluster, vector.KindFace, func(ctx context.Context, progress func(int, int)) (any, error) {
		return h.engine.Recluster(ctx, threshold, progress)
	})
	respondJSON(w, http.StatusAccepted, job.View())
}

// List returns all known jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.jobs.ListJobs())
}

// Status returns the status of a job.
func (h *JobsHandler) Status(w http.ResponseWriter, r *http.Request) {
	job := h.jobs.GetJob(pathParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.View())
}

// Events streams job events via SSE.
func (h *JobsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.jobs.GetJob(id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job.(*Job).View()
		},
	)
}

// Cancel cancels a running job.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	job := h.jobs.GetJob(pathParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if !job.Cancel() {
		respondError(w, http.StatusConflict, "job already finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

