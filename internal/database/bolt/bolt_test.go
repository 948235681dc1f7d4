package bolt

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"slices"
	"testing"

	"github.com/kozaktomas/photo-index/internal/cluster"
	"github.com/kozaktomas/photo-index/internal/database"
	"github.com/kozaktomas/photo-index/internal/vector"
)

var spaces = []vector.Space{
	{Kind: vector.KindFace, Dim: 2},
	{Kind: vector.KindObject, Dim: 3},
}

func openTest(t *testing.T) (*Backend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	b, err := Open(path, spaces)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b, path
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	b, _ := openTest(t)
	store, err := b.Store(vector.KindFace)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.Put(ctx, "p1/0", []float32{0.25, -1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, "p1/0")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !slices.Equal(got, []float32{0.25, -1}) {
		t.Errorf("Get = %v", got)
	}

	if err := store.Put(ctx, "p1/0", []float32{1, 1}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = store.Get(ctx, "p1/0")
	if !slices.Equal(got, []float32{1, 1}) {
		t.Errorf("Get after overwrite = %v", got)
	}

	if err := store.Put(ctx, "p2/0", []float32{1, 2, 3}); !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Errorf("Put wrong dimension error = %v", err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("Get missing error = %v", err)
	}

	if err := store.Remove(ctx, "p1/0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := store.Remove(ctx, "p1/0"); !errors.Is(err, vector.ErrNotFound) {
		t.Errorf("second Remove error = %v", err)
	}
	if n, _ := store.Len(ctx); n != 0 {
		t.Errorf("Len = %d, want 0", n)
	}
}

func TestStoreIDsPagesInOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := openTest(t)
	store, _ := b.Store(vector.KindObject)

	n := database.IDPageSize + 37
	want := make([]string, 0, n)
	for i := range n {
		id := fmt.Sprintf("photo-%05d", i)
		want = append(want, id)
		if err := store.Put(ctx, id, []float32{float32(i), 0, 1}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := vector.CollectIDs(ctx, store)
	if err != nil {
		t.Fatalf("CollectIDs: %v", err)
	}
	if !slices.Equal(got, want) {
		t.Errorf("IDs returned %d ids, want %d in ascending order", len(got), len(want))
	}

	// Restartable: a second pass sees the same sequence.
	again, _ := vector.CollectIDs(ctx, store)
	if !slices.Equal(again, want) {
		t.Error("second IDs pass differs")
	}

	count, _ := store.Len(ctx)
	if count != n {
		t.Errorf("Len = %d, want %d", count, n)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	for _, err := range store.IDs(cancelled) {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled IDs error = %v", err)
		}
		break
	}
}

func TestMembershipPersists(t *testing.T) {
	ctx := context.Background()
	b, path := openTest(t)

	if _, ok, err := b.LoadMembership(ctx); ok || err != nil {
		t.Fatalf("LoadMembership on empty db = (%v, %v)", ok, err)
	}

	m := cluster.Membership{
		NextID: 5,
		Clusters: []cluster.Record{
			{ID: 2, Label: "Bob", Members: []string{"a/0", "b/1"}, Centroid: []float32{0.6, 0.8}},
			{ID: 4, Members: []string{"c/0"}, Centroid: []float32{1, 0}},
		},
	}
	if err := b.SaveMembership(ctx, m); err != nil {
		t.Fatalf("SaveMembership: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, spaces)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, ok, err := reopened.LoadMembership(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadMembership = (%v, %v)", ok, err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("membership = %+v, want %+v", got, m)
	}
}

func TestOpenRejectsDimensionChange(t *testing.T) {
	b, path := openTest(t)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	changed := []vector.Space{{Kind: vector.KindFace, Dim: 3}}
	if _, err := Open(path, changed); !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Errorf("Open with changed dimension error = %v, want ErrDimensionMismatch", err)
	}
}
