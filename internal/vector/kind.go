// Package vector defines the vector kinds handled by the index, the shared error
// taxonomy, cosine math and the Store contract that owns raw vector data.
package vector

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind identifies the family a vector belongs to.
type Kind string

// Supported vector kinds.
const (
	KindFace     Kind = "face"
	KindSemantic Kind = "semantic"
	KindObject   Kind = "object"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindFace, KindSemantic, KindObject}

// ParseKind converts a user supplied string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFace, KindSemantic, KindObject:
		return k, nil
	case "clip", "image", "text":
		return KindSemantic, nil
	case "objects", "category":
		return KindObject, nil
	default:
		return "", fmt.Errorf("%w: unknown vector kind %q", ErrInvalidOperation, s)
	}
}

func (k Kind) String() string { return string(k) }

// Space binds a kind to its fixed dimension.
type Space struct {
	Kind Kind
	Dim  int
}

// Check validates that v can be stored in this space.
func (s Space) Check(v []float32) error {
	if len(v) != s.Dim {
		return &DimensionError{Kind: s.Kind, Expected: s.Dim, Actual: len(v)}
	}
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: component %d of %s vector is not finite", ErrInvalidOperation, i, s.Kind)
		}
	}
	return nil
}

// FaceID builds the entity id of the n-th face detected on a photo.
func FaceID(photoUID string, faceIndex int) string {
	return photoUID + "/" + strconv.Itoa(faceIndex)
}

// PhotoOf returns the photo that owns an entity id. Photo level ids own themselves.
func PhotoOf(id string) string {
	if i := strings.LastIndexByte(id, '/'); i > 0 {
		return id[:i]
	}
	return id
}
