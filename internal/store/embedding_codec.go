package store

import (
	"encoding/binary"
	"math"
)

// encodeEmbedding serializes a float32 vector as a little-endian blob, the
// layout sqlite-vec expects for float[] columns.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeEmbedding reverses encodeEmbedding. Trailing bytes that do not fill a
// float32 are ignored.
func decodeEmbedding(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
