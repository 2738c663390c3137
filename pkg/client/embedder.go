package client

import (
	"crypto/sha256"
	"encoding/binary"
	"math/rand"

	"github.com/opaque/securesearch/pkg/hecodec"
)

// PseudoEmbed maps text to a deterministic unit vector. It stands in for an
// external embedding model: the same text always yields the same vector on
// any host, which is what the hash-consistency and privacy tests need.
func PseudoEmbed(text string, dim int) []float64 {
	sum := sha256.Sum256([]byte(text))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	v := make([]float64, dim)
	for i := range v {
		v[i] = rng.NormFloat64()
	}
	return hecodec.Normalize(v)
}

// Perturb returns a unit vector near v: v plus Gaussian noise of the given
// magnitude, drawn from seed. Used to build near-duplicate corpora.
func Perturb(v []float64, noise float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x + noise*rng.NormFloat64()
	}
	return hecodec.Normalize(out)
}

// BlendVectors mixes a base vector with a second one: (1-alpha)*base +
// alpha*other, normalized. Sentences blended toward a shared category vector
// cluster together under cosine similarity.
func BlendVectors(base, other []float64, alpha float64) []float64 {
	out := make([]float64, len(base))
	for i := range base {
		out[i] = (1-alpha)*base[i] + alpha*other[i]
	}
	return hecodec.Normalize(out)
}
