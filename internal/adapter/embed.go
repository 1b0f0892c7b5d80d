package adapter

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashedDims is the dimensionality of HashEmbedding vectors.
const HashedDims = 256

// HashedModel is the model name recorded for HashEmbedding vectors.
const HashedModel = "hashed-bow-256"

// HashEmbedding returns a deterministic, L2-normalized bag-of-words vector
// for text. Tokens are lowercased alphanumeric runs hashed with FNV-1a into
// HashedDims buckets. Identical texts produce identical vectors, and texts
// sharing vocabulary score higher under cosine similarity.
func HashEmbedding(text string) []float32 {
	vec := make([]float32, HashedDims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := sum % HashedDims
		// Use one hash bit as a sign so unrelated tokens tend to cancel.
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
