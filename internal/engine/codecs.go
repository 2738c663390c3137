package engine

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/opaque/securesearch/internal/store"
	"github.com/opaque/securesearch/pkg/hecodec"
)

// CodecProvider resolves the server-side codec for a client's HE context.
type CodecProvider interface {
	CodecFor(client *store.Client) (hecodec.Codec, error)
}

// SchemeProvider builds codecs from the scheme tag in the client record.
// CKKS server engines are expensive to construct (evaluation key
// deserialization), so they are cached per client and rebuilt only when the
// client's public material changes.
type SchemeProvider struct {
	parallelism int
	mock        *hecodec.MockCodec

	mu    sync.Mutex
	cache map[uuid.UUID]cachedCodec
}

type cachedCodec struct {
	keyFingerprint [32]byte
	codec          hecodec.Codec
}

// NewSchemeProvider creates a provider whose CKKS engines run with the given
// evaluator parallelism.
func NewSchemeProvider(parallelism int) *SchemeProvider {
	return &SchemeProvider{
		parallelism: parallelism,
		mock:        hecodec.NewMockCodec(),
		cache:       make(map[uuid.UUID]cachedCodec),
	}
}

// CodecFor returns the codec matching the client's HE context descriptor.
func (p *SchemeProvider) CodecFor(client *store.Client) (hecodec.Codec, error) {
	switch client.HEScheme {
	case hecodec.SchemeMock:
		return p.mock, nil
	case hecodec.SchemeCKKS:
		fingerprint := sha256.Sum256(client.HEPublicKey)

		p.mu.Lock()
		defer p.mu.Unlock()
		if cached, ok := p.cache[client.ClientID]; ok && cached.keyFingerprint == fingerprint {
			return cached.codec, nil
		}

		codec, err := hecodec.NewCKKSServer(client.PolyModulusDegree, client.Scale, client.HEPublicKey, p.parallelism)
		if err != nil {
			return nil, err
		}
		p.cache[client.ClientID] = cachedCodec{keyFingerprint: fingerprint, codec: codec}
		return codec, nil
	default:
		return nil, fmt.Errorf("unsupported scheme %q", client.HEScheme)
	}
}

// Invalidate drops a cached codec, e.g. on client deactivation.
func (p *SchemeProvider) Invalidate(clientID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cache, clientID)
}
