package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/database/snapshot"
	"github.com/kozaktomas/photo-index/internal/engine"
	"github.com/kozaktomas/photo-index/internal/index"
	"github.com/kozaktomas/photo-index/internal/router"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

// testConfig creates a minimal config with two dimensional vectors for every kind
func testConfig() *config.Config {
	return &config.Config{
		Kinds: map[vector.Kind]config.KindConfig{
			vector.KindFace:     {Dim: 2},
			vector.KindSemantic: {Dim: 2},
			vector.KindObject:   {Dim: 2},
		},
		ObjectClasses: []string{"dog", "cat"},
		Clustering:    config.ClusteringConfig{Threshold: 0.9, Candidates: 5},
		Index:         config.IndexConfig{Mode: "exact"},
		Engine:        config.EngineConfig{WorkerPoolSize: 2},
	}
}

// fakeEmbedder embeds texts and images by looking up their content.
type fakeEmbedder map[string][]float32

func (f fakeEmbedder) EmbedText(_ context.Context, text string) ([]float32, error) {
	if v, ok := f[text]; ok {
		return v, nil
	}
	return nil, vector.ErrNotFound
}

func (f fakeEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	return f.EmbedText(ctx, string(image))
}

type testAPI struct {
	engine *engine.Engine
	jobs   *JobManager
	mux    *chi.Mux
}

// newTestAPI wires every handler to an engine over the in-memory backend.
func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	cfg := testConfig()
	backend, err := snapshot.Open("", cfg.Spaces())
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	e, err := engine.Open(context.Background(), backend, engine.Options{
		Cluster:       cluster.Config{Threshold: cfg.Clustering.Threshold, CandidateK: cfg.Clustering.Candidates},
		Index:         index.DefaultOptions(),
		RetryAttempts: 1,
		ObjectClasses: cfg.ObjectClasses,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}

	log := zap.NewNop()
	jm := NewJobManager(log)
	t.Cleanup(jm.Shutdown)
	rt := router.New(e, fakeEmbedder{"beach": {1, 0}, "dunes.jpg": {1, 0.1}})

	vectors := NewVectorsHandler(e, rt, cfg.Engine.WorkerPoolSize, log)
	search := NewSearchHandler(rt)
	clusters := NewClustersHandler(e, log)
	jobs := NewJobsHandler(e, jm)
	stats := NewStatsHandler(cfg, e, log)

	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Post("/vectors", vectors.Put)
	r.Post("/vectors/batch", vectors.Batch)
	r.Get("/entities/{kind}/{id}", vectors.Get)
	r.Get("/entities/{kind}/{id}/similar", vectors.Similar)
	r.Delete("/entities/{id}", vectors.DeleteEntity)
	r.Delete("/photos/{id}", vectors.DeletePhoto)
	r.Post("/search", search.Search)
	r.Post("/search/image", search.SearchImage)
	r.Get("/clusters", clusters.List)
	r.Get("/clusters/{id}", clusters.Get)
	r.Get("/clusters/{id}/members", clusters.Members)
	r.Get("/clusters/{id}/photos", clusters.Photos)
	r.Put("/clusters/{id}", clusters.Rename)
	r.Post("/clusters/{id}/merge/{other}", clusters.Merge)
	r.Get("/faces/{id}", clusters.Face)
	r.Post("/faces/{id}/detach", clusters.Detach)
	r.Post("/faces/{id}/move/{cluster}", clusters.Move)
	r.Post("/jobs/rebuild/{kind}", jobs.StartRebuild)
	r.Post("/jobs/recluster", jobs.StartRecluster)
	r.Get("/jobs", jobs.List)
	r.Get("/jobs/{jobId}", jobs.Status)
	r.Get("/jobs/{jobId}/events", jobs.Events)
	r.Delete("/jobs/{jobId}", jobs.Cancel)
	r.Get("/stats", stats.Get)
	r.Get("/config", stats.Config)
	r.Post("/checkpoint", stats.Checkpoint)

	return &testAPI{engine: e, jobs: jm, mux: r}
}

// do sends a request with an optional JSON body through the router
func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.ContentLength = int64(buf.Len())
	recorder := httptest.NewRecorder()
	a.mux.ServeHTTP(recorder, req)
	return recorder
}

// put stores a vector through the API and fails the test on any non 2xx answer
func (a *testAPI) put(t *testing.T, kind vector.Kind, id string, v ...float32) engine.PutResult {
	t.Helper()
	recorder := a.do(t, http.MethodPost, "/vectors", PutVectorRequest{ID: id, Kind: kind, Vector: v})
	if recorder.Code != http.StatusCreated && recorder.Code != http.StatusOK {
		t.Fatalf("put %s %s: status %d: %s", kind, id, recorder.Code, recorder.Body.String())
	}
	var res engine.PutResult
	parseJSONResponse(t, recorder, &res)
	return res
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
