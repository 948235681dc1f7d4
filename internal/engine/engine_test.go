package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/database/bolt"
	"github.com/kozaktomas/photo-index/internal/database/snapshot"
	"github.com/kozaktomas/photo-index/internal/index"
	"github.com/kozaktomas/photo-index/internal/vector"
	"go.uber.org/zap"
)

var testSpaces = []vector.Space{
	{Kind: vector.KindFace, Dim: 2},
	{Kind: vector.KindSemantic, Dim: 3},
	{Kind: vector.KindObject, Dim: 4},
}

func testOptions() Options {
	return Options{
		Cluster:       cluster.Config{Threshold: 0.9, CandidateK: cluster.DefaultCandidateK},
		Index:         index.DefaultOptions(),
		RetryAttempts: 3,
		RetryInterval: time.Millisecond,
		ObjectClasses: []string{"person", "dog", "cat"},
	}
}

func openBackend(t *testing.T, dir string) *snapshot.Backend {
	t.Helper()
	b, err := snapshot.Open(dir, testSpaces)
	if err != nil {
		t.Fatalf("snapshot.Open: %v", err)
	}
	return b
}

func openEngine(t *testing.T, backend database.Backend, opts Options) *Engine {
	t.Helper()
	e, err := Open(context.Background(), backend, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return e
}

func mustPut(t *testing.T, e *Engine, kind vector.Kind, id string, v ...float32) PutResult {
	t.Helper()
	res, err := e.Put(context.Background(), kind, id, v, false)
	if err != nil {
		t.Fatalf("Put(%s, %s): %v", kind, id, err)
	}
	return res
}

func TestPutAssignsFaces(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, openBackend(t, ""), testOptions())

	c1 := mustPut(t, e, vector.KindFace, "p1/0", 1, 0).Cluster
	c2 := mustPut(t, e, vector.KindFace, "p1/1", 0.99, 0.14).Cluster
	c3 := mustPut(t, e, vector.KindFace, "p2/0", 0, 1).Cluster
	if c1 != c2 || c1 == c3 {
		t.Fatalf("clusters = %d %d %d, want first two equal and third different", c1, c2, c3)
	}

	_, err := e.Put(ctx, vector.KindFace, "p1/0", []float32{1, 0}, false)
	if !errors.Is(err, vector.ErrAlreadyExists) {
		t.Errorf("duplicate put error = %v, want ErrAlreadyExists", err)
	}

	res, err := e.Put(ctx, vector.KindFace, "p1/0", []float32{1, 0}, true)
	if err != nil {
		t.Fatalf("identical overwrite: %v", err)
	}
	if !res.Unchanged || res.Cluster != c1 {
		t.Errorf("identical overwrite = %+v, want unchanged in cluster %d", res, c1)
	}

	res, err = e.Put(ctx, vector.KindFace, "p1/1", []float32{0, 1}, true)
	if err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if !res.Replaced || res.Cluster != c3 {
		t.Errorf("overwrite = %+v, want replaced into cluster %d", res, c3)
	}
	if got := e.Graph().Faces(); got != 3 {
		t.Errorf("graph faces = %d, want 3", got)
	}

	_, err = e.Put(ctx, vector.KindFace, "p3/0", []float32{1, 0, 0}, false)
	if !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Errorf("bad dimension error = %v, want ErrDimensionMismatch", err)
	}
	_, err = e.Put(ctx, vector.Kind("audio"), "x", []float32{1}, false)
	if !errors.Is(err, vector.ErrInvalidOperation) {
		t.Errorf("unknown kind error = %v, want ErrInvalidOperation", err)
	}
}

func TestDeletePhoto(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, openBackend(t, ""), testOptions())

	mustPut(t, e, vector.KindSemantic, "p1", 1, 0, 0)
	mustPut(t, e, vector.KindObject, "p1", 0.9, 0, 0, 0)
	mustPut(t, e, vector.KindFace, "p1/0", 1, 0)
	mustPut(t, e, vector.KindFace, "p1/1", 0, 1)
	mustPut(t, e, vector.KindFace, "p10/0", 0, 1)

	n, err := e.DeletePhoto(ctx, "p1")
	if err != nil {
		t.Fatalf("DeletePhoto: %v", err)
	}
	if n != 4 {
		t.Errorf("removed = %d, want 4", n)
	}
	if got := e.Graph().Faces(); got != 1 {
		t.Errorf("faces left = %d, want 1", got)
	}
	if _, ok := e.Graph().ClusterOf("p10/0"); !ok {
		t.Error("face of another photo lost its cluster")
	}
	hits, err := e.Classes().Search("person", 0, 0)
	if err != nil {
		t.Fatalf("class search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("class hits after delete = %v", hits)
	}

	if _, err := e.DeletePhoto(ctx, "p1"); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("second DeletePhoto error = %v, want ErrNotFound", err)
	}
}

func TestDeleteEntity(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, openBackend(t, ""), testOptions())

	mustPut(t, e, vector.KindSemantic, "p1", 1, 0, 0)
	mustPut(t, e, vector.KindObject, "p1", 0, 1, 0, 0)

	kinds, err := e.DeleteEntity(ctx, "p1")
	if err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	if want := []vector.Kind{vector.KindSemantic, vector.KindObject}; !reflect.DeepEqual(kinds, want) {
		t.Errorf("kinds = %v, want %v", kinds, want)
	}
	if _, err := e.Vector(ctx, vector.KindSemantic, "p1"); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("Vector after delete error = %v, want ErrNotFound", err)
	}
	if _, err := e.DeleteEntity(ctx, "p1"); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("second DeleteEntity error = %v, want ErrNotFound", err)
	}
	if err := e.Delete(ctx, vector.KindFace, "nope"); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("Delete unknown error = %v, want ErrNotFound", err)
	}
}

func TestSearchAndSimilarTo(t *testing.T) {
	e := openEngine(t, openBackend(t, ""), testOptions())

	mustPut(t, e, vector.KindSemantic, "a", 1, 0, 0)
	mustPut(t, e, vector.KindSemantic, "b", 0.9, 0.1, 0)
	mustPut(t, e, vector.KindSemantic, "c", 0, 0, 1)

	results, err := e.Search(vector.KindSemantic, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 || results[0].ID != "a" || results[1].ID != "b" {
		t.Errorf("Search = %v, want [a b]", results)
	}

	similar, err := e.SimilarTo(vector.KindSemantic, "a", 5)
	if err != nil {
		t.Fatalf("SimilarTo: %v", err)
	}
	if len(similar) != 2 || similar[0].ID != "b" || similar[1].ID != "c" {
		t.Errorf("SimilarTo = %v, want [b c]", similar)
	}
	if _, err := e.SimilarTo(vector.KindSemantic, "missing", 5); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("SimilarTo missing error = %v, want ErrNotFound", err)
	}

	above, err := e.SearchThreshold(vector.KindSemantic, []float32{1, 0, 0}, 0.5)
	if err != nil {
		t.Fatalf("SearchThreshold: %v", err)
	}
	if len(above) != 2 {
		t.Errorf("SearchThreshold = %v, want 2 results", above)
	}
}

// flakyBackend fails vector writes with a storage failure a set number of
// times before passing them through.
type flakyBackend struct {
	database.Backend
	failures atomic.Int32
}

type flakyStore struct {
	vector.Store
	b *flakyBackend
}

func (b *flakyBackend) Store(kind vector.Kind) (vector.Store, error) {
	s, err := b.Backend.Store(kind)
	if err != nil {
		return nil, err
	}
	return &flakyStore{Store: s, b: b}, nil
}

func (s *flakyStore) Put(ctx context.Context, id string, v []float32) error {
	if s.b.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: disk unavailable", vector.ErrStorageFailure)
	}
	return s.Store.Put(ctx, id, v)
}

func TestPutRetriesStorageFailures(t *testing.T) {
	tests := []struct {
		name     string
		failures int32
		attempts int
		wantErr  bool
	}{
		{"no failures", 0, 3, false},
		{"recovers", 2, 3, false},
		{"gives up", 3, 3, true},
		{"single attempt", 1, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &flakyBackend{Backend: openBackend(t, "")}
			opts := testOptions()
			opts.RetryAttempts = tt.attempts
			e := openEngine(t, b, opts)

			b.failures.Store(tt.failures)
			_, err := e.Put(context.Background(), vector.KindFace, "p1/0", []float32{1, 0}, false)
			if tt.wantErr {
				if !errors.Is(err, vector.ErrStorageFailure) {
					t.Fatalf("error = %v, want ErrStorageFailure", err)
				}
				if e.Graph().Faces() != 0 {
					t.Error("failed put left a clustered face")
				}
				if _, err := e.Search(vector.KindFace, []float32{1, 0}, 1); err != nil {
					t.Fatalf("Search: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			if e.Graph().Faces() != 1 {
				t.Error("face not clustered")
			}
		})
	}
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts := testOptions()
	opts.SnapshotDir = filepath.Join(dir, "index")

	e := openEngine(t, openBackend(t, dir), opts)
	id := mustPut(t, e, vector.KindFace, "p1/0", 1, 0).Cluster
	mustPut(t, e, vector.KindFace, "p2/0", 0.99, 0.14)
	mustPut(t, e, vector.KindFace, "p3/0", 0, 1)
	mustPut(t, e, vector.KindSemantic, "p1", 0, 1, 0)
	mustPut(t, e, vector.KindObject, "p1", 0, 0.7, 0, 0)
	if err := e.Rename(id, "Alice"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	before := e.Graph().List()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openEngine(t, openBackend(t, dir), opts)
	if got := reopened.Graph().List(); !reflect.DeepEqual(got, before) {
		t.Errorf("clusters after reopen = %+v, want %+v", got, before)
	}
	found := reopened.Graph().FindByLabel("alice")
	if len(found) != 1 || found[0].ID != id || found[0].Size != 2 {
		t.Errorf("FindByLabel = %+v", found)
	}
	results, err := reopened.Search(vector.KindSemantic, []float32{0, 1, 0}, 1)
	if err != nil || len(results) != 1 || results[0].ID != "p1" {
		t.Errorf("Search after reopen = %v, %v", results, err)
	}
	hits, err := reopened.Classes().Search("dog", 0.5, 0)
	if err != nil || len(hits) != 1 || hits[0].ID != "p1" {
		t.Errorf("class search after reopen = %v, %v", hits, err)
	}

	// New clusters never reuse ids handed out before the restart.
	next := mustPut(t, reopened, vector.KindFace, "p4/0", -1, 0).Cluster
	for _, c := range before {
		if c.ID >= next {
			t.Errorf("new cluster id %d not above existing %d", next, c.ID)
		}
	}
}

func openBolt(t *testing.T, path string) *bolt.Backend {
	t.Helper()
	b, err := bolt.Open(path, testSpaces)
	if err != nil {
		t.Fatalf("bolt.Open: %v", err)
	}
	return b
}

func TestReopenSeesWritesAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")
	opts := testOptions()
	opts.SnapshotDir = filepath.Join(dir, "index")

	e := openEngine(t, openBolt(t, dbPath), opts)
	mustPut(t, e, vector.KindSemantic, "p1", 1, 0, 0)
	mustPut(t, e, vector.KindSemantic, "p2", 0, 1, 0)
	a := mustPut(t, e, vector.KindFace, "p1/0", 1, 0).Cluster
	if got := mustPut(t, e, vector.KindFace, "p1/1", 0.99, 0.14).Cluster; got != a {
		t.Fatalf("p1/1 in cluster %d, want %d", got, a)
	}
	b := mustPut(t, e, vector.KindFace, "p2/0", 0, 1).Cluster
	if err := e.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	// Bolt persists these at once; the index snapshot and membership do not
	// see them because the process stops without another checkpoint.
	if _, err := e.Put(ctx, vector.KindSemantic, "p1", []float32{0, 0, 1}, true); err != nil {
		t.Fatal(err)
	}
	if res, err := e.Put(ctx, vector.KindFace, "p1/1", []float32{0.05, 1}, true); err != nil || res.Cluster != b {
		t.Fatalf("overwritten face = %+v, %v, want cluster %d", res, err, b)
	}
	if err := e.backend.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := openEngine(t, openBolt(t, dbPath), opts)
	t.Cleanup(func() { _ = reopened.Close(ctx) })

	results, err := reopened.Search(vector.KindSemantic, []float32{0, 0, 1}, 1)
	if err != nil || len(results) != 1 || results[0].ID != "p1" || results[0].Similarity < 0.999 {
		t.Errorf("Search after reopen = %v, %v, want p1 with similarity 1", results, err)
	}
	if got, _ := reopened.ClusterOf("p1/1"); got != b {
		t.Errorf("p1/1 in cluster %d after reopen, want %d", got, b)
	}
	for id, size := range map[cluster.ID]int{a: 1, b: 2} {
		c, err := reopened.Graph().Get(id)
		if err != nil || c.Size != size {
			t.Errorf("cluster %d = %+v, %v, want size %d", id, c, err, size)
		}
	}
}

func TestConcurrentPutsOfOnePersonShareACluster(t *testing.T) {
	ctx := context.Background()
	const writers = 8
	for round := range 20 {
		e := openEngine(t, openBackend(t, ""), testOptions())

		var wg sync.WaitGroup
		errs := make(chan error, 2*writers)
		for i := range writers {
			wg.Add(2)
			go func() {
				defer wg.Done()
				id := fmt.Sprintf("p%d/0", i)
				if _, err := e.Put(ctx, vector.KindFace, id, []float32{1, float32(i) * 0.001}, false); err != nil {
					errs <- err
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := e.Search(vector.KindFace, []float32{1, 0}, 3); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("round %d: %v", round, err)
		}

		if n := e.Graph().Len(); n != 1 {
			t.Fatalf("round %d: %d clusters, want 1", round, n)
		}
		if n := e.Graph().Faces(); n != writers {
			t.Fatalf("round %d: %d clustered faces, want %d", round, n, writers)
		}
	}
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	records := []Record{
		{Kind: vector.KindFace, ID: "p1/0", Vector: []float32{1, 0}},
		{Kind: vector.KindSemantic, ID: "p1", Vector: []float32{1, 0, 0}},
		{Kind: vector.KindFace, ID: "p2/0", Vector: []float32{0, 1}},
		{Kind: vector.KindObject, ID: "p1", Vector: []float32{1, 0, 0}},
		{Kind: vector.KindFace, ID: "p3/0", Vector: []float32{0.99, 0.14}},
		{Kind: vector.KindSemantic, ID: "p2", Vector: []float32{0, 1, 0}},
	}

	e := openEngine(t, openBackend(t, ""), testOptions())
	var calls atomic.Int32
	report, err := e.Ingest(ctx, records, 4, func(done, total int) {
		calls.Add(1)
		if total != len(records) {
			t.Errorf("progress total = %d", total)
		}
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if report.Stored != 5 || report.Failed != 1 {
		t.Errorf("report = %+v, want 5 stored and 1 failed", report)
	}
	if len(report.Errors) != 1 || report.Errors[0].Line != 4 {
		t.Errorf("errors = %+v, want failure on line 4", report.Errors)
	}
	if int(calls.Load()) != len(records) {
		t.Errorf("progress calls = %d, want %d", calls.Load(), len(records))
	}

	sequential := openEngine(t, openBackend(t, ""), testOptions())
	for _, r := range records {
		if r.Kind == vector.KindFace {
			mustPut(t, sequential, r.Kind, r.ID, r.Vector...)
		}
	}
	if got, want := e.Graph().Snapshot(), sequential.Graph().Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("ingested membership = %+v, want %+v", got, want)
	}

	again, err := e.Ingest(ctx, records[:3], 2, nil)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if again.Failed != 3 {
		t.Errorf("re-ingest without overwrite = %+v, want 3 failures", again)
	}
}

func TestIngestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := openEngine(t, openBackend(t, ""), testOptions())
	_, err := e.Ingest(ctx, []Record{{Kind: vector.KindFace, ID: "a", Vector: []float32{1, 0}}}, 1, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestRebuildIndexReportsProgress(t *testing.T) {
	e := openEngine(t, openBackend(t, ""), testOptions())
	for i := range 10 {
		mustPut(t, e, vector.KindSemantic, fmt.Sprintf("p%02d", i), float32(i), 1, 0)
	}
	last := 0
	n, err := e.RebuildIndex(context.Background(), vector.KindSemantic, func(done, total int) {
		if total != 10 {
			t.Errorf("total = %d, want 10", total)
		}
		last = done
	})
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 10 || last != 10 {
		t.Errorf("rebuilt %d, last progress %d, want 10 and 10", n, last)
	}
}

func TestReclusterAndStats(t *testing.T) {
	e := openEngine(t, openBackend(t, ""), testOptions())
	mustPut(t, e, vector.KindFace, "p1/0", 1, 0)
	mustPut(t, e, vector.KindFace, "p2/0", 0.8, 0.6)
	mustPut(t, e, vector.KindFace, "p3/0", 0, 1)
	if got := e.Graph().Len(); got != 3 {
		t.Fatalf("clusters at 0.9 = %d, want 3", got)
	}

	stats, err := e.Recluster(context.Background(), 0.5, nil)
	if err != nil {
		t.Fatalf("Recluster: %v", err)
	}
	if stats.Clusters != 2 || stats.Faces != 3 {
		t.Errorf("recluster stats = %+v, want 2 clusters of 3 faces", stats)
	}

	s := e.Stats()
	if s.Backend != "memory" || len(s.Indexes) != len(vector.Kinds) {
		t.Errorf("Stats = %+v", s)
	}
	if s.Indexes[0].Kind != vector.KindFace || s.Indexes[0].Live != 3 {
		t.Errorf("face index stats = %+v", s.Indexes[0])
	}
}

func TestClassIndex(t *testing.T) {
	c := NewClassIndex(3, []string{"Person", "dog"})
	if got := c.Names(); !reflect.DeepEqual(got, []string{"person", "dog", "class_2"}) {
		t.Errorf("Names = %v", got)
	}

	c.Set("b", []float32{0.5, 0.2, 0})
	c.Set("a", []float32{0.5, 0, 0})
	c.Set("c", []float32{0.9, 0, 0.3})

	hits, err := c.Search("PERSON", 0.5, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	want := []ClassHit{{"c", 0.9}, {"a", 0.5}, {"b", 0.5}}
	if !reflect.DeepEqual(hits, want) {
		t.Errorf("Search = %v, want %v", hits, want)
	}
	if hits, _ := c.Search("person", 0, 1); len(hits) != 1 || hits[0].ID != "c" {
		t.Errorf("limited Search = %v", hits)
	}

	c.Set("c", []float32{0, 0, 0.3})
	if hits, _ := c.Search("person", 0, 0); len(hits) != 2 {
		t.Errorf("after overwrite = %v, want 2 hits", hits)
	}
	c.Remove("b")
	if got := c.Counts(); !reflect.DeepEqual(got, map[string]int{"person": 1, "class_2": 1}) {
		t.Errorf("Counts = %v", got)
	}
	if _, err := c.Search("giraffe", 0, 0); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("unknown class error = %v, want ErrNotFound", err)
	}
}
