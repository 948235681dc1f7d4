package vector

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"face", KindFace, false},
		{" Semantic ", KindSemantic, false},
		{"clip", KindSemantic, false},
		{"object", KindObject, false},
		{"category", KindObject, false},
		{"audio", "", true},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidOperation) {
				t.Errorf("ParseKind(%q) error = %v, want ErrInvalidOperation", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseKind(%q) unexpected error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSpaceCheck(t *testing.T) {
	space := Space{Kind: KindFace, Dim: 3}

	if err := space.Check([]float32{1, 2, 3}); err != nil {
		t.Errorf("expected valid vector, got %v", err)
	}

	err := space.Check([]float32{1, 2})
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	var dimErr *DimensionError
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected *DimensionError, got %T", err)
	}
	if dimErr.Expected != 3 || dimErr.Actual != 2 {
		t.Errorf("unexpected dimension error fields: %+v", dimErr)
	}

	nan := float32(math.NaN())
	if err := space.Check([]float32{1, nan, 3}); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("expected ErrInvalidOperation for NaN component, got %v", err)
	}
}

func TestFaceID(t *testing.T) {
	id := FaceID("pt8abc", 2)
	if id != "pt8abc/2" {
		t.Errorf("FaceID = %q", id)
	}
	if got := PhotoOf(id); got != "pt8abc" {
		t.Errorf("PhotoOf(%q) = %q", id, got)
	}
	if got := PhotoOf("pt8abc"); got != "pt8abc" {
		t.Errorf("PhotoOf(photo) = %q", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"scaled", []float32{2, 0}, []float32{5, 0}, 1},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"length mismatch", []float32{1}, []float32{1, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestCentroid(t *testing.T) {
	c := Centroid([][]float32{{1, 0}, {0, 1}})
	want := float32(1 / math.Sqrt2)
	if math.Abs(float64(c[0]-want)) > 1e-6 || math.Abs(float64(c[1]-want)) > 1e-6 {
		t.Errorf("Centroid = %v, want [%f %f]", c, want, want)
	}
	if Centroid(nil) != nil {
		t.Error("expected nil centroid for empty input")
	}
}

func TestStepCentroidMatchesMeanForTwoVectors(t *testing.T) {
	a := []float32{1, 0}
	b := Normalize([]float32{0.99, 0.14})

	step := StepCentroid(a, b, 2)
	full := Centroid([][]float32{a, b})

	for i := range step {
		if math.Abs(float64(step[i]-full[i])) > 1e-6 {
			t.Errorf("component %d: step %f, full %f", i, step[i], full[i])
		}
	}
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Space{Kind: KindSemantic, Dim: 2})

	if err := s.Put(ctx, "b", []float32{1, 0}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "a", []float32{0, 1}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "c", []float32{1}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}

	// Overwrite in place.
	if err := s.Put(ctx, "b", []float32{0.5, 0.5}); err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	got, err := s.Get(ctx, "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[0] != 0.5 {
		t.Errorf("expected overwritten vector, got %v", got)
	}

	// Returned slices are copies.
	got[0] = 42
	again, _ := s.Get(ctx, "b")
	if again[0] != 0.5 {
		t.Error("Get must return a copy")
	}

	ids, err := CollectIDs(ctx, s)
	if err != nil {
		t.Fatalf("CollectIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("IDs = %v, want [a b]", ids)
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
	if err := s.Remove(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double remove, got %v", err)
	}

	// IDs is restartable and reflects the new state.
	ids, _ = CollectIDs(ctx, s)
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("IDs after remove = %v, want [b]", ids)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestMemoryStoreIDsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewMemoryStore(Space{Kind: KindFace, Dim: 1})
	_ = s.Put(ctx, "a", []float32{1})
	cancel()

	var gotErr error
	for _, err := range s.IDs(ctx) {
		if err != nil {
			gotErr = err
			break
		}
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", gotErr)
	}
}

func TestChecksum(t *testing.T) {
	a := []float32{0.6, 0.8}
	if Checksum(a) != Checksum([]float32{0.6, 0.8}) {
		t.Error("equal vectors have different checksums")
	}
	if Checksum(a) == Checksum([]float32{0.8, 0.6}) {
		t.Error("reordered vector has the same checksum")
	}
	if Checksum([]float32{0}) == Checksum([]float32{float32(math.Copysign(0, -1))}) {
		t.Error("checksum ignores the sign bit")
	}
}
