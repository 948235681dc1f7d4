package database

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kozaktomas/photo-index/internal/vector"
)

// IDPageSize is the number of ids fetched per page while iterating a store.
const IDPageSize = 1000

// EncodeVector serialises v as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// DecodeVector is the inverse of EncodeVector. The length must match the space.
func DecodeVector(space vector.Space, buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("%w: %s vector of %d bytes", vector.ErrStorageFailure, space.Kind, len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	if len(v) != space.Dim {
		return nil, &vector.DimensionError{Kind: space.Kind, Expected: space.Dim, Actual: len(v)}
	}
	return v, nil
}
