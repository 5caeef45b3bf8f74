package guardian

import (
    "crypto/sha512"
    "encoding/binary"
    "fmt"
    "hash"

    "golang.org/x/crypto/blake2b"
    "golang.org/x/crypto/sha3"
)

// HashAlgorithm selects the hash used to derive Fiat-Shamir challenges
type HashAlgorithm string

const (
    // HashSHA512 is the default and matches the RFC 9591 ciphersuites
    HashSHA512 HashAlgorithm = "sha512"
    // HashBlake2b uses Blake2b-512
    HashBlake2b HashAlgorithm = "blake2b"
    // HashShake256 squeezes 64 bytes from the SHAKE256 XOF
    HashShake256 HashAlgorithm = "shake256"
)

const (
    zkpDomain      = "GUARDIAN_DLOG_PROOF_v1"
    challengeBytes = 64

    // proofFormat leads every encoded proof
    proofFormat byte = 0
)

// ParseHashAlgorithm maps a configuration string to a HashAlgorithm. Empty selects SHA-512.
func ParseHashAlgorithm(name string) (HashAlgorithm, error) {
    switch HashAlgorithm(name) {
    case "", HashSHA512:
        return HashSHA512, nil
    case HashBlake2b:
        return HashBlake2b, nil
    case HashShake256:
        return HashShake256, nil
    default:
        return "", fmt.Errorf("unsupported hash algorithm %q", name)
    }
}

// transcriptHash writes length prefixed parts and returns challengeBytes of output
func transcriptHash(alg HashAlgorithm, parts ...[]byte) ([]byte, error) {
    var h hash.Hash
    switch alg {
    case HashSHA512, "":
        h = sha512.New()
    case HashBlake2b:
        b, err := blake2b.New(challengeBytes, nil)
        if err != nil {
            return nil, fmt.Errorf("failed to create Blake2b hasher: %w", err)
        }
        h = b
    case HashShake256:
        shake := sha3.NewShake256()
        writeTranscript(shake, parts)
        out := make([]byte, challengeBytes)
        if _, err := shake.Read(out); err != nil {
            return nil, fmt.Errorf("SHAKE256 read failed: %w", err)
        }
        return out, nil
    default:
        return nil, fmt.Errorf("unsupported hash algorithm %q", alg)
    }

    writeTranscript(h, parts)
    return h.Sum(nil), nil
}

func writeTranscript(w interface{ Write([]byte) (int, error) }, parts [][]byte) {
    var lengthBytes [4]byte
    for _, part := range parts {
        binary.BigEndian.PutUint32(lengthBytes[:], uint32(len(part)))
        w.Write(lengthBytes[:])
        w.Write(part)
    }
}

// DiscreteLogProof is a Schnorr proof of knowledge of x with Y = x·G.
// FirstMessage is T = k·G and Response is r = k + c·x.
type DiscreteLogProof struct {
    FirstMessage Point
    Challenge    Scalar
    Response     Scalar
    // Commitment is caller supplied data the proof is bound to
    Commitment []byte
    Context    []byte
}

type proveOptions struct {
    challenge Scalar
    context   []byte
}

// ProveOption customizes a single Prove call
type ProveOption func(*proveOptions)

// WithChallenge supplies the verifier's challenge (interactive mode). The resulting proof only
// verifies through VerifyWithChallenge.
func WithChallenge(c Scalar) ProveOption {
    return func(o *proveOptions) { o.challenge = c }
}

// WithContext binds additional context bytes into the Fiat-Shamir challenge
func WithContext(context []byte) ProveOption {
    return func(o *proveOptions) { o.context = append([]byte(nil), context...) }
}

// ZeroKnowledgeProofSystem proves and verifies knowledge of discrete logarithms
type ZeroKnowledgeProofSystem struct {
    curve Curve
    hash  HashAlgorithm
}

// NewZeroKnowledgeProofSystem creates a proof system over curve using the given challenge hash
func NewZeroKnowledgeProofSystem(curve Curve, alg HashAlgorithm) *ZeroKnowledgeProofSystem {
    if alg == "" {
        alg = HashSHA512
    }
    return &ZeroKnowledgeProofSystem{curve: curve, hash: alg}
}

// Curve returns the group the proofs live in
func (z *ZeroKnowledgeProofSystem) Curve() Curve {
    return z.curve
}

// Prove creates a proof of knowledge of secret bound to commitment
func (z *ZeroKnowledgeProofSystem) Prove(secret Scalar, commitment []byte, opts ...ProveOption) (*DiscreteLogProof, error) {
    if secret == nil {
        return nil, fmt.Errorf("secret cannot be nil")
    }

    var o proveOptions
    for _, opt := range opts {
        opt(&o)
    }

    nonce, err := z.curve.ScalarRandom()
    if err != nil {
        return nil, fmt.Errorf("failed to generate nonce: %w", err)
    }
    defer nonce.Zeroize()

    firstMessage := z.curve.BasePoint().Mul(nonce)
    publicKey := z.curve.BasePoint().Mul(secret)

    proof := &DiscreteLogProof{
        FirstMessage: firstMessage,
        Commitment:   append([]byte(nil), commitment...),
        Context:      o.context,
    }

    if o.challenge != nil {
        proof.Challenge = o.challenge
    } else {
        proof.Challenge, err = z.challenge(firstMessage, commitment, publicKey, o.context)
        if err != nil {
            return nil, err
        }
    }

    proof.Response = nonce.Add(proof.Challenge.Mul(secret))
    return proof, nil
}

// Verify checks a Fiat-Shamir proof: c must be the hash of the transcript and r·G == T + c·Y
func (z *ZeroKnowledgeProofSystem) Verify(proof *DiscreteLogProof, publicKey Point) bool {
    if !wellFormed(proof, publicKey) {
        return false
    }
    expected, err := z.challenge(proof.FirstMessage, proof.Commitment, publicKey, proof.Context)
    if err != nil || !expected.Equal(proof.Challenge) {
        return false
    }
    return z.holds(proof, publicKey)
}

// VerifyWithChallenge checks an interactive proof against the challenge the verifier issued.
// It is only sound when challenge was chosen after T was received.
func (z *ZeroKnowledgeProofSystem) VerifyWithChallenge(proof *DiscreteLogProof, publicKey Point, challenge Scalar) bool {
    if !wellFormed(proof, publicKey) || challenge == nil || !challenge.Equal(proof.Challenge) {
        return false
    }
    return z.holds(proof, publicKey)
}

func wellFormed(proof *DiscreteLogProof, publicKey Point) bool {
    return proof != nil && publicKey != nil && proof.FirstMessage != nil && proof.Challenge != nil && proof.Response != nil
}

// holds checks r·G == T + c·Y
func (z *ZeroKnowledgeProofSystem) holds(proof *DiscreteLogProof, publicKey Point) bool {
    left := z.curve.BasePoint().Mul(proof.Response)
    right := proof.FirstMessage.Add(publicKey.Mul(proof.Challenge))
    return left.Equal(right)
}

// Simulate produces an interactive transcript for publicKey without knowing its secret:
// r and c are sampled first and T = r·G - c·Y. It passes VerifyWithChallenge for its own
// challenge and never passes Verify.
func (z *ZeroKnowledgeProofSystem) Simulate(publicKey Point, commitment []byte) (*DiscreteLogProof, error) {
    challenge, err := z.curve.ScalarRandom()
    if err != nil {
        return nil, err
    }
    response, err := z.curve.ScalarRandom()
    if err != nil {
        return nil, err
    }

    return &DiscreteLogProof{
        FirstMessage: z.curve.BasePoint().Mul(response).Sub(publicKey.Mul(challenge)),
        Challenge:    challenge,
        Response:     response,
        Commitment:   append([]byte(nil), commitment...),
    }, nil
}

func (z *ZeroKnowledgeProofSystem) challenge(firstMessage Point, commitment []byte, publicKey Point, context []byte) (Scalar, error) {
    digest, err := transcriptHash(z.hash,
        []byte(zkpDomain),
        []byte(z.curve.Name()),
        firstMessage.Bytes(),
        commitment,
        publicKey.Bytes(),
        context,
    )
    if err != nil {
        return nil, fmt.Errorf("failed to compute challenge: %w", err)
    }
    defer ZeroizeBytes(digest)
    return z.curve.ScalarFromUniformBytes(digest)
}

// EncodeProof serializes a proof as
// format(1) ‖ T ‖ c ‖ r ‖ len(commitment)(4) ‖ commitment ‖ len(context)(4) ‖ context
func (z *ZeroKnowledgeProofSystem) EncodeProof(proof *DiscreteLogProof) []byte {
    out := make([]byte, 0, 1+z.curve.PointSize()+2*z.curve.ScalarSize()+8+len(proof.Commitment)+len(proof.Context))
    out = append(out, proofFormat)
    out = append(out, proof.FirstMessage.Bytes()...)
    out = append(out, proof.Challenge.Bytes()...)
    out = append(out, proof.Response.Bytes()...)
    out = binary.BigEndian.AppendUint32(out, uint32(len(proof.Commitment)))
    out = append(out, proof.Commitment...)
    out = binary.BigEndian.AppendUint32(out, uint32(len(proof.Context)))
    out = append(out, proof.Context...)
    return out
}

// DecodeProof parses EncodeProof output, failing with ErrMalformedProof
func (z *ZeroKnowledgeProofSystem) DecodeProof(data []byte) (*DiscreteLogProof, error) {
    pointSize, scalarSize := z.curve.PointSize(), z.curve.ScalarSize()
    fixed := 1 + pointSize + 2*scalarSize
    if len(data) < fixed+8 {
        return nil, ErrMalformedProof.WithDetails("proof too short: %d bytes", len(data))
    }

    if data[0] != proofFormat {
        return nil, ErrMalformedProof.WithDetails("unknown proof format %#x", data[0])
    }

    offset := 1
    firstMessage, err := z.curve.PointFromBytes(data[offset : offset+pointSize])
    if err != nil {
        return nil, ErrMalformedProof.WithCause(err)
    }
    offset += pointSize

    challenge, err := z.curve.ScalarFromBytes(data[offset : offset+scalarSize])
    if err != nil {
        return nil, ErrMalformedProof.WithCause(err)
    }
    offset += scalarSize

    response, err := z.curve.ScalarFromBytes(data[offset : offset+scalarSize])
    if err != nil {
        return nil, ErrMalformedProof.WithCause(err)
    }
    offset += scalarSize

    commitment, offset, err := readLengthPrefixed(data, offset)
    if err != nil {
        return nil, err
    }
    context, offset, err := readLengthPrefixed(data, offset)
    if err != nil {
        return nil, err
    }
    if offset != len(data) {
        return nil, ErrMalformedProof.WithDetails("%d trailing bytes", len(data)-offset)
    }

    return &DiscreteLogProof{
        FirstMessage: firstMessage,
        Challenge:    challenge,
        Response:     response,
        Commitment:   commitment,
        Context:      context,
    }, nil
}

func readLengthPrefixed(data []byte, offset int) ([]byte, int, error) {
    if len(data)-offset < 4 {
        return nil, offset, ErrMalformedProof.WithDetails("truncated length prefix")
    }
    n := int(binary.BigEndian.Uint32(data[offset:]))
    offset += 4
    if n > len(data)-offset {
        return nil, offset, ErrMalformedProof.WithDetails("length %d exceeds remaining %d bytes", n, len(data)-offset)
    }
    out := append([]byte(nil), data[offset:offset+n]...)
    return out, offset + n, nil
}
