package hecodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"sync"

	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"
)

// Supported polynomial modulus degrees.
var logNForDegree = map[int]int{
	4096:  12,
	8192:  13,
	16384: 14,
	32768: 15,
}

// SupportedDegree reports whether the polynomial modulus degree is one the
// codec can build parameters for.
func SupportedDegree(polyModulusDegree int) bool {
	_, ok := logNForDegree[polyModulusDegree]
	return ok
}

// ckksParams builds CKKS parameters for the given polynomial modulus degree and
// scale. The modulus chains leave room for at least one multiplication plus
// the rotation tree used by the inner product (one level for 4096 and 8192,
// two for 16384, three for 32768).
func ckksParams(polyModulusDegree int, scale uint64) (hefloat.Parameters, error) {
	logN, ok := logNForDegree[polyModulusDegree]
	if !ok {
		return hefloat.Parameters{}, fmt.Errorf("unsupported poly_modulus_degree %d", polyModulusDegree)
	}

	logScale := bits.Len64(scale) - 1
	if logScale < 20 || logScale > 60 {
		logScale = 40
	}

	var logQ, logP []int
	switch logN {
	case 12:
		logQ, logP = []int{45, 34}, []int{40}
	case 13:
		logQ, logP = []int{55, 45}, []int{61}
	case 14:
		logQ, logP = []int{60, 45, 45}, []int{61}
	case 15:
		logQ, logP = []int{60, 50, 50, 50}, []int{61, 61}
	}

	params, err := hefloat.NewParametersFromLiteral(hefloat.ParametersLiteral{
		LogN:            logN,
		LogQ:            logQ,
		LogP:            logP,
		LogDefaultScale: logScale,
	})
	if err != nil {
		return hefloat.Parameters{}, fmt.Errorf("create CKKS parameters: %w", err)
	}
	return params, nil
}

// galoisElements returns the Galois elements for the power-of-two rotations
// used by the inner-product summation tree.
func galoisElements(params hefloat.Parameters) []uint64 {
	logSlots := params.LogMaxSlots()
	elements := make([]uint64, logSlots)
	for i := 0; i < logSlots; i++ {
		elements[i] = params.GaloisElement(1 << i)
	}
	return elements
}

// CKKSClient is the key-holding side of the CKKS codec. It encrypts vectors,
// decrypts scalars, and exports the public evaluation material the server
// needs for ciphertext-by-ciphertext inner products.
type CKKSClient struct {
	params    hefloat.Parameters
	encoder   *hefloat.Encoder
	evaluator *hefloat.Evaluator
	secretKey *rlwe.SecretKey
	publicKey *rlwe.PublicKey
	relinKey  *rlwe.RelinearizationKey
	galKeys   []*rlwe.GaloisKey
	encryptor *rlwe.Encryptor
	decryptor *rlwe.Decryptor

	mu sync.Mutex
}

// NewCKKSClient generates a fresh key pair plus the relinearization and Galois
// keys required for encrypted inner products.
func NewCKKSClient(polyModulusDegree int, scale uint64) (*CKKSClient, error) {
	params, err := ckksParams(polyModulusDegree, scale)
	if err != nil {
		return nil, err
	}

	kgen := rlwe.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()
	rlk := kgen.GenRelinearizationKeyNew(sk)
	gks := kgen.GenGaloisKeysNew(galoisElements(params), sk)

	evk := rlwe.NewMemEvaluationKeySet(rlk, gks...)

	return &CKKSClient{
		params:    params,
		encoder:   hefloat.NewEncoder(params),
		evaluator: hefloat.NewEvaluator(params, evk),
		secretKey: sk,
		publicKey: pk,
		relinKey:  rlk,
		galKeys:   gks,
		encryptor: rlwe.NewEncryptor(params, pk),
		decryptor: rlwe.NewDecryptor(params, sk),
	}, nil
}

// EncodeVector encrypts a plaintext vector. Values should be unit-normalized
// for best precision. The vector is padded with zeros to the slot count, which
// does not affect the inner-product sum.
func (c *CKKSClient) EncodeVector(v []float64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	maxSlots := c.params.MaxSlots()
	if len(v) > maxSlots {
		return nil, fmt.Errorf("vector dimension %d exceeds slot count %d", len(v), maxSlots)
	}
	padded := make([]float64, maxSlots)
	copy(padded, v)

	pt := hefloat.NewPlaintext(c.params, c.params.MaxLevel())
	if err := c.encoder.Encode(padded, pt); err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}

	ct, err := c.encryptor.EncryptNew(pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt vector: %w", err)
	}
	return serializeCiphertext(ct)
}

// EncodeQuery encrypts a query vector. Identical encoding to EncodeVector.
func (c *CKKSClient) EncodeQuery(v []float64) ([]byte, error) {
	return c.EncodeVector(v)
}

// DecryptScalar decrypts an encrypted inner-product result. The value lives in
// the first slot.
func (c *CKKSClient) DecryptScalar(enc []byte) (float64, error) {
	ct, err := c.deserialize(enc)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.decryptor == nil {
		return 0, ErrNoSecretKey
	}
	pt := c.decryptor.DecryptNew(ct)
	decoded := make([]float64, 1)
	if err := c.encoder.Decode(pt, decoded); err != nil {
		return 0, fmt.Errorf("decode scalar: %w", err)
	}
	return decoded[0], nil
}

// InnerProduct computes the encrypted dot product locally. Mostly used in
// tests; production traffic runs the server-side codec.
func (c *CKKSClient) InnerProduct(encQuery, encVector []byte) ([]byte, error) {
	q, err := c.deserialize(encQuery)
	if err != nil {
		return nil, err
	}
	v, err := c.deserialize(encVector)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res, err := innerProduct(c.params, c.evaluator, q, v)
	if err != nil {
		return nil, err
	}
	return serializeCiphertext(res)
}

// PublicContext serializes the public key, relinearization key, and Galois
// keys into the context blob distributed to the server at initialize.
func (c *CKKSClient) PublicContext() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteString(contextMagic)
	if err := writeSection(buf, c.publicKey); err != nil {
		return nil, fmt.Errorf("serialize public key: %w", err)
	}
	if err := writeSection(buf, c.relinKey); err != nil {
		return nil, fmt.Errorf("serialize relinearization key: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(c.galKeys))); err != nil {
		return nil, err
	}
	for _, gk := range c.galKeys {
		if err := writeSection(buf, gk); err != nil {
			return nil, fmt.Errorf("serialize galois key: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (c *CKKSClient) deserialize(data []byte) (*rlwe.Ciphertext, error) {
	return deserializeCiphertext(c.params, data)
}

const contextMagic = "SSHE1"

// CKKSServer computes inner products on ciphertexts using only public
// evaluation material. It cannot decrypt anything.
//
// Lattigo evaluators are not thread-safe, so the server keeps a pool of
// shallow copies sharing the same evaluation keys.
type CKKSServer struct {
	params hefloat.Parameters
	free   chan *hefloat.Evaluator
}

// NewCKKSServer builds a server-side codec from a client's public context
// blob. parallelism bounds the number of concurrent inner products.
func NewCKKSServer(polyModulusDegree int, scale uint64, publicContext []byte, parallelism int) (*CKKSServer, error) {
	params, err := ckksParams(polyModulusDegree, scale)
	if err != nil {
		return nil, err
	}

	r := bytes.NewReader(publicContext)
	magic := make([]byte, len(contextMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != contextMagic {
		return nil, fmt.Errorf("%w: bad context header", ErrCorruptCiphertext)
	}

	pk := rlwe.NewPublicKey(params)
	if err := readSection(r, pk); err != nil {
		return nil, fmt.Errorf("deserialize public key: %w", err)
	}
	rlk := rlwe.NewRelinearizationKey(params)
	if err := readSection(r, rlk); err != nil {
		return nil, fmt.Errorf("deserialize relinearization key: %w", err)
	}
	var numGKs uint16
	if err := binary.Read(r, binary.LittleEndian, &numGKs); err != nil {
		return nil, fmt.Errorf("read galois key count: %w", err)
	}
	gks := make([]*rlwe.GaloisKey, numGKs)
	for i := range gks {
		gks[i] = rlwe.NewGaloisKey(params)
		if err := readSection(r, gks[i]); err != nil {
			return nil, fmt.Errorf("deserialize galois key %d: %w", i, err)
		}
	}

	evk := rlwe.NewMemEvaluationKeySet(rlk, gks...)

	if parallelism < 1 {
		parallelism = 1
	}
	s := &CKKSServer{
		params: params,
		free:   make(chan *hefloat.Evaluator, parallelism),
	}
	primary := hefloat.NewEvaluator(params, evk)
	s.free <- primary
	for i := 1; i < parallelism; i++ {
		s.free <- primary.ShallowCopy()
	}
	return s, nil
}

// InnerProduct computes E(q · v) from two serialized ciphertexts.
func (s *CKKSServer) InnerProduct(encQuery, encVector []byte) ([]byte, error) {
	q, err := deserializeCiphertext(s.params, encQuery)
	if err != nil {
		return nil, err
	}
	v, err := deserializeCiphertext(s.params, encVector)
	if err != nil {
		return nil, err
	}

	eval := <-s.free
	defer func() { s.free <- eval }()

	res, err := innerProduct(s.params, eval, q, v)
	if err != nil {
		return nil, err
	}
	return serializeCiphertext(res)
}

// innerProduct multiplies the two ciphertexts slot-wise, relinearizes, and
// sums all slots into slot 0 with a rotation tree.
func innerProduct(params hefloat.Parameters, eval *hefloat.Evaluator, a, b *rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	result, err := eval.MulRelinNew(a, b)
	if err != nil {
		return nil, fmt.Errorf("multiply: %w", err)
	}
	if err := eval.Rescale(result, result); err != nil {
		return nil, fmt.Errorf("rescale: %w", err)
	}

	maxSlots := params.MaxSlots()
	for i := 1; i < maxSlots; i *= 2 {
		rotated, err := eval.RotateNew(result, i)
		if err != nil {
			return nil, fmt.Errorf("rotate by %d: %w", i, err)
		}
		if err := eval.Add(result, rotated, result); err != nil {
			return nil, fmt.Errorf("add: %w", err)
		}
	}
	return result, nil
}

func serializeCiphertext(ct *rlwe.Ciphertext) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := ct.WriteTo(buf); err != nil {
		return nil, fmt.Errorf("serialize ciphertext: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializeCiphertext(params hefloat.Parameters, data []byte) (*rlwe.Ciphertext, error) {
	ct := rlwe.NewCiphertext(params, 1, params.MaxLevel())
	if _, err := ct.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCiphertext, err)
	}
	return ct, nil
}

func writeSection(buf *bytes.Buffer, wt io.WriterTo) error {
	var section bytes.Buffer
	if _, err := wt.WriteTo(&section); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(section.Len())); err != nil {
		return err
	}
	_, err := buf.Write(section.Bytes())
	return err
}

func readSection(r *bytes.Reader, rf io.ReaderFrom) error {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return err
	}
	section := make([]byte, n)
	if _, err := io.ReadFull(r, section); err != nil {
		return err
	}
	_, err := rf.ReadFrom(bytes.NewReader(section))
	return err
}
