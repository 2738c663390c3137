// Package lsh provides keyed locality-sensitive hashing with random
// hyperplanes. Planes are generated per client from a deterministic seed so
// the client and server always hash identically.
package lsh

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Shape limits for per-client LSH configuration.
const (
	MinTables   = 1
	MaxTables   = 50
	MinHashSize = 8
	MaxHashSize = 32
)

// ErrBadPlaneEncoding is returned when serialized planes cannot be decoded.
var ErrBadPlaneEncoding = errors.New("bad plane encoding")

// Planes is a dense (tables, bits, dim) matrix of random hyperplanes.
// Coefficients are float32 so the serialized form is compact and identical
// across hosts. Immutable after generation.
type Planes struct {
	tables int
	bits   int
	dim    int
	coef   []float32
}

// Config describes the shape of a plane set.
type Config struct {
	NumTables     int
	HashSize      int
	EmbeddingDim  int
	NumCandidates int
}

// Validate checks the configured shape against the supported limits.
func (c Config) Validate() error {
	if c.NumTables < MinTables || c.NumTables > MaxTables {
		return fmt.Errorf("num_tables %d out of range [%d,%d]", c.NumTables, MinTables, MaxTables)
	}
	if c.HashSize < MinHashSize || c.HashSize > MaxHashSize {
		return fmt.Errorf("hash_size %d out of range [%d,%d]", c.HashSize, MinHashSize, MaxHashSize)
	}
	if c.EmbeddingDim <= 0 {
		return fmt.Errorf("embedding_dim %d must be positive", c.EmbeddingDim)
	}
	if c.NumCandidates <= 0 {
		return fmt.Errorf("num_candidates %d must be positive", c.NumCandidates)
	}
	return nil
}

// SeedFor derives the deterministic plane seed for a client. The server secret
// keys the derivation so clients cannot predict each other's planes.
func SeedFor(clientID string, serverSecret []byte) int64 {
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(clientID))
	sum := mac.Sum(nil)
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Generate creates a plane set from a seed. Each hyperplane is drawn from a
// standard normal distribution and normalized to unit length. The same seed
// and shape always produce identical planes on any host.
func Generate(seed int64, tables, bits, dim int) *Planes {
	rng := rand.New(rand.NewSource(seed))

	p := &Planes{
		tables: tables,
		bits:   bits,
		dim:    dim,
		coef:   make([]float32, tables*bits*dim),
	}

	plane := make([]float64, dim)
	for t := 0; t < tables; t++ {
		for b := 0; b < bits; b++ {
			var norm float64
			for j := 0; j < dim; j++ {
				plane[j] = rng.NormFloat64()
				norm += plane[j] * plane[j]
			}
			norm = math.Sqrt(norm)
			base := (t*bits + b) * dim
			for j := 0; j < dim; j++ {
				if norm > 0 {
					p.coef[base+j] = float32(plane[j] / norm)
				} else {
					p.coef[base+j] = float32(plane[j])
				}
			}
		}
	}
	return p
}

// NumTables returns the number of hash tables.
func (p *Planes) NumTables() int { return p.tables }

// HashSize returns the bits per table hash.
func (p *Planes) HashSize() int { return p.bits }

// Dim returns the embedding dimension.
func (p *Planes) Dim() int { return p.dim }

// Hash computes the per-table bucket values for a vector. The input is
// unit-normalized first; bit i of table t is set iff the dot product with
// hyperplane (t, i) is non-negative. Values are in [0, 2^bits).
func (p *Planes) Hash(v []float64) ([]uint32, error) {
	if len(v) != p.dim {
		return nil, fmt.Errorf("vector dimension %d does not match planes dimension %d", len(v), p.dim)
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)

	hashes := make([]uint32, p.tables)
	for t := 0; t < p.tables; t++ {
		var h uint32
		for b := 0; b < p.bits; b++ {
			base := (t*p.bits + b) * p.dim
			var dot float64
			for j := 0; j < p.dim; j++ {
				dot += v[j] * float64(p.coef[base+j])
			}
			if norm > 0 {
				dot /= norm
			}
			if dot >= 0 {
				h |= 1 << b
			}
		}
		hashes[t] = h
	}
	return hashes, nil
}

const planeMagic = "LSHP1"

// Marshal serializes the planes: magic, shape header, then little-endian
// float32 coefficients in (table, bit, dim) order.
func (p *Planes) Marshal() []byte {
	out := make([]byte, len(planeMagic)+12+4*len(p.coef))
	copy(out, planeMagic)
	off := len(planeMagic)
	binary.LittleEndian.PutUint32(out[off:], uint32(p.tables))
	binary.LittleEndian.PutUint32(out[off+4:], uint32(p.bits))
	binary.LittleEndian.PutUint32(out[off+8:], uint32(p.dim))
	off += 12
	for _, c := range p.coef {
		binary.LittleEndian.PutUint32(out[off:], math.Float32bits(c))
		off += 4
	}
	return out
}

// Unmarshal decodes planes serialized by Marshal.
func Unmarshal(data []byte) (*Planes, error) {
	header := len(planeMagic) + 12
	if len(data) < header || string(data[:len(planeMagic)]) != planeMagic {
		return nil, ErrBadPlaneEncoding
	}
	off := len(planeMagic)
	tables := int(binary.LittleEndian.Uint32(data[off:]))
	bits := int(binary.LittleEndian.Uint32(data[off+4:]))
	dim := int(binary.LittleEndian.Uint32(data[off+8:]))
	n := tables * bits * dim
	if tables <= 0 || bits <= 0 || dim <= 0 || len(data) != header+4*n {
		return nil, ErrBadPlaneEncoding
	}

	p := &Planes{tables: tables, bits: bits, dim: dim, coef: make([]float32, n)}
	off = header
	for i := range p.coef {
		p.coef[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
		off += 4
	}
	return p, nil
}
