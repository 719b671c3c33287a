package vectorstore

import (
	"encoding/binary"
	"fmt"
	"math"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

// CosineSimilarity computes the cosine similarity between two float32 vectors.
// Returns a value between -1 and 1 where 1 means identical direction.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dotProduct += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dotProduct / denom
}

// Normalize returns a unit-length copy of v. A zero vector is returned as a
// zero-valued copy.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// IsZero reports whether every component of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// L2ToCosine converts the L2 distance between two unit vectors into their
// cosine similarity: cos = 1 - d²/2.
func L2ToCosine(dist float64) float64 {
	return 1.0 - (dist*dist)/2.0
}

// Encode serializes a vector into the little-endian float32 BLOB layout shared
// by the embeddings table and the vec0 sidecar.
func Encode(v []float32) ([]byte, error) {
	b, err := sqlite_vec.SerializeFloat32(v)
	if err != nil {
		return nil, fmt.Errorf("serialize vector: %w", err)
	}
	return b, nil
}

// Decode converts a little-endian float32 BLOB back to a vector.
func Decode(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("decode vector: blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
