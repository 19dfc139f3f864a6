package vector

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"

	"github.com/johncui/chatmem/pkg/model"
)

// bucketsPerWord is how many dimensions each word touches; every 4-byte
// chunk of a word's SHA-256 picks one bucket.
const bucketsPerWord = sha256.Size / 4

// HashEmbedder is a deterministic feature-hashing embedder. Texts sharing
// words get nearby vectors, which is enough for local turn recall without an
// embedding model.
type HashEmbedder struct {
	dim int
}

func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// EmbedText returns the unit-length sum of the signed buckets of every
// lowercased word in text.
func (h *HashEmbedder) EmbedText(_ context.Context, text string) ([]float64, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	if len(words) == 0 {
		words = []string{"empty"}
	}

	vec := make([]float64, h.dim)
	for _, w := range words {
		sum := sha256.Sum256([]byte(w))
		for i := 0; i < bucketsPerWord; i++ {
			chunk := binary.BigEndian.Uint32(sum[i*4:])
			weight := 0.5 + float64(chunk>>16)/math.MaxUint16
			if chunk&1 == 1 {
				weight = -weight
			}
			vec[int(chunk>>1)%h.dim] += weight
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0], norm = 1, 1
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec, nil
}

var _ model.EmbeddingClient = (*HashEmbedder)(nil)
