package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// HashProvider generates deterministic embeddings from token hashes. It needs
// no external service, so it backs deployments without an embedding endpoint
// and keeps tests hermetic. Similarity is lexical rather than semantic: texts
// sharing tokens land near each other.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a deterministic local embedding provider.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 256
	}
	return &HashProvider{dims: dims}
}

// Dimensions returns the embedding vector size.
func (p *HashProvider) Dimensions() int { return p.dims }

// ModelName identifies the provider.
func (p *HashProvider) ModelName() string { return "hash" }

// Embed generates one embedding per input text, in input order.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = p.embed(t)
	}
	return vecs, nil
}

func (p *HashProvider) embed(text string) []float32 {
	vec := make([]float32, p.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		sum := sha256.Sum256([]byte(tok))
		// Each token contributes signed weight to four buckets so near-
		// duplicate texts stay close under cosine similarity.
		for j := 0; j < 4; j++ {
			idx := binary.BigEndian.Uint32(sum[j*8:]) % uint32(p.dims)
			sign := float32(1)
			if sum[j*8+4]&1 == 1 {
				sign = -1
			}
			vec[idx] += sign
		}
	}
	// L2-normalize so dot product equals cosine similarity.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
