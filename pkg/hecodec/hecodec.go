// Package hecodec provides the homomorphic encryption capability used by the
// search engine. The engine depends only on the byte-level Codec surface so the
// real CKKS backend and the deterministic mock are interchangeable.
package hecodec

import (
	"errors"
	"math"
)

var (
	// ErrCorruptCiphertext is returned when ciphertext bytes cannot be decoded.
	ErrCorruptCiphertext = errors.New("corrupt ciphertext")
	// ErrNoSecretKey is returned when a client-only operation is invoked on a
	// server-side codec.
	ErrNoSecretKey = errors.New("secret key not available")
)

// Scheme tags carried in the client's HE context descriptor.
const (
	SchemeCKKS = "CKKS"
	SchemeMock = "CKKS_MOCK"
)

// Codec is the server-side capability: it computes on serialized ciphertexts
// and never holds key material that could decrypt them.
type Codec interface {
	// InnerProduct computes the encrypted dot product of an encrypted query and
	// an encrypted stored vector. Both inputs and the output are serialized
	// ciphertext bytes. The result decrypts to the plaintext dot product.
	InnerProduct(encQuery, encVector []byte) ([]byte, error)
}

// ClientCodec extends Codec with the key-holding operations performed on the
// client side of the pipeline.
type ClientCodec interface {
	Codec

	// EncodeVector encrypts a plaintext vector for storage.
	EncodeVector(v []float64) ([]byte, error)

	// EncodeQuery encrypts a plaintext query vector. Both the CKKS codec and
	// the mock use the same encoding as EncodeVector.
	EncodeQuery(v []float64) ([]byte, error)

	// DecryptScalar decrypts an encrypted scalar (an inner product result).
	DecryptScalar(enc []byte) (float64, error)

	// PublicContext returns the serialized public material (public key and
	// evaluation keys) a server needs to compute inner products on this
	// client's ciphertexts.
	PublicContext() ([]byte, error)
}

// Normalize scales a vector to unit length. A zero vector is returned as-is.
func Normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
