package database

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/kozaktomas/photo-index/internal/config"
	"github.com/kozaktomas/photo-index/internal/vector"
)

func TestVectorEncoding(t *testing.T) {
	space := vector.Space{Kind: vector.KindFace, Dim: 3}
	v := []float32{0.5, -1.25, 3e-8}

	buf := EncodeVector(v)
	if len(buf) != 12 {
		t.Fatalf("encoded length = %d, want 12", len(buf))
	}
	got, err := DecodeVector(space, buf)
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if !slices.Equal(got, v) {
		t.Errorf("DecodeVector = %v, want %v", got, v)
	}

	if _, err := DecodeVector(space, buf[:8]); !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Errorf("short vector error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := DecodeVector(space, buf[:7]); !errors.Is(err, vector.ErrStorageFailure) {
		t.Errorf("torn vector error = %v, want ErrStorageFailure", err)
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Load()
	cfg.Store.Backend = "nope"

	_, err := Open(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Errorf("Open(nope) error = %v", err)
	}
}

func TestRegisterBackend(t *testing.T) {
	var gotSpaces []vector.Space
	RegisterBackend("test-only", func(_ context.Context, _ *config.Config, spaces []vector.Space) (Backend, error) {
		gotSpaces = spaces
		return nil, errors.New("boom")
	})
	if !slices.Contains(RegisteredBackends(), "test-only") {
		t.Errorf("RegisteredBackends = %v", RegisteredBackends())
	}

	cfg := config.Load()
	cfg.Store.Backend = "test-only"
	if _, err := Open(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Open error = %v, want wrapped opener error", err)
	}
	if len(gotSpaces) != len(vector.Kinds) {
		t.Errorf("opener got %d spaces, want %d", len(gotSpaces), len(vector.Kinds))
	}
}
