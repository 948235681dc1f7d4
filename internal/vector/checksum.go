package vector

import (
	"encoding/binary"
	"hash/crc32"
	"math"
)

// Checksum returns the CRC32 of the exact bit pattern of v. Equal checksums
// mean the vector is, with overwhelming probability, unchanged.
func Checksum(v []float32) uint32 {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return crc32.ChecksumIEEE(buf)
}
