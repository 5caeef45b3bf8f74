package guardian

import (
    "context"
    "encoding/binary"
    "fmt"
    "sync"
    "sync/atomic"

    "golang.org/x/sync/errgroup"
)

const thresholdChallengeDomain = "GUARDIAN_THRESHOLD_SCHNORR_v1"

// ShareProvider hands out the private share a node holds for an epoch
type ShareProvider interface {
    Share(nodeID string) (*KeyShare, bool)
}

// ThresholdSignature is a Schnorr signature (R, z) under the group key of Epoch
type ThresholdSignature struct {
    Epoch uint64
    R     Point
    Z     Scalar
}

// Bytes encodes the signature as epoch(8, big endian) ‖ R ‖ z
func (s *ThresholdSignature) Bytes() []byte {
    out := make([]byte, 0, 8+33+32)
    out = binary.BigEndian.AppendUint64(out, s.Epoch)
    out = append(out, s.R.Bytes()...)
    out = append(out, s.Z.Bytes()...)
    return out
}

// DecodeThresholdSignature parses ThresholdSignature.Bytes output, failing with ErrMalformedSignature
func DecodeThresholdSignature(curve Curve, data []byte) (*ThresholdSignature, error) {
    want := 8 + curve.PointSize() + curve.ScalarSize()
    if len(data) != want {
        return nil, ErrMalformedSignature.WithDetails("signature has %d bytes, want %d", len(data), want)
    }

    r, err := curve.PointFromBytes(data[8 : 8+curve.PointSize()])
    if err != nil {
        return nil, ErrMalformedSignature.WithCause(err)
    }
    z, err := curve.ScalarFromBytes(data[8+curve.PointSize():])
    if err != nil {
        return nil, ErrMalformedSignature.WithCause(err)
    }

    return &ThresholdSignature{
        Epoch: binary.BigEndian.Uint64(data[:8]),
        R:     r,
        Z:     z,
    }, nil
}

// SigningCommitment is a signer's nonce commitment R_i = k_i·G
type SigningCommitment struct {
    ParticipantID ParticipantIndex
    Commitment    Point
}

// SigningResponse is a signer's partial signature z_i
type SigningResponse struct {
    ParticipantID ParticipantIndex
    Response      Scalar
}

// SigningSession is one signer's side of a two phase threshold Schnorr signature
type SigningSession struct {
    curve    Curve
    keyShare *KeyShare
    signers  []ParticipantIndex

    nonce      Scalar
    commitment Point
}

// NewSigningSession creates a signing session for keyShare within the signer set
func NewSigningSession(curve Curve, keyShare *KeyShare, signers []ParticipantIndex) (*SigningSession, error) {
    if !containsIndex(signers, keyShare.Index) {
        return nil, fmt.Errorf("participant %d not in signers list", keyShare.Index)
    }
    return &SigningSession{
        curve:    curve,
        keyShare: keyShare,
        signers:  signers,
    }, nil
}

// Round1 samples the nonce and returns its commitment
func (ss *SigningSession) Round1() (*SigningCommitment, error) {
    nonce, err := ss.curve.ScalarRandom()
    if err != nil {
        return nil, fmt.Errorf("failed to generate nonce: %w", err)
    }
    ss.nonce = nonce
    ss.commitment = ss.curve.BasePoint().Mul(nonce)

    return &SigningCommitment{
        ParticipantID: ss.keyShare.Index,
        Commitment:    ss.commitment,
    }, nil
}

// Round2 computes z_i = k_i + c·λ_i·x_i and consumes the nonce
func (ss *SigningSession) Round2(challenge Scalar) (*SigningResponse, error) {
    if ss.nonce == nil {
        return nil, fmt.Errorf("Round1 must be called before Round2")
    }

    lambda, err := LagrangeCoefficient(ss.curve, ss.signers, ss.keyShare.Index, nil)
    if err != nil {
        return nil, fmt.Errorf("failed to compute Lagrange coefficient: %w", err)
    }

    response := ss.nonce.Add(challenge.Mul(lambda).Mul(ss.keyShare.SecretShare))
    ss.nonce.Zeroize()
    ss.nonce = nil

    return &SigningResponse{
        ParticipantID: ss.keyShare.Index,
        Response:      response,
    }, nil
}

// keyEpochs is the published signing state: the active epoch first, then retained ones
type keyEpochs struct {
    epochs []*KeyMaterial
}

func (ke *keyEpochs) active() *KeyMaterial {
    if ke == nil || len(ke.epochs) == 0 {
        return nil
    }
    return ke.epochs[0]
}

func (ke *keyEpochs) lookup(epoch uint64) *KeyMaterial {
    if ke == nil {
        return nil
    }
    for _, m := range ke.epochs {
        if m.Epoch == epoch {
            return m
        }
    }
    return nil
}

// ThresholdSignatureSystem creates and verifies t-of-n threshold Schnorr signatures.
// Security rests on the discrete log assumption in the random oracle model.
type ThresholdSignatureSystem struct {
    curve    Curve
    shares   ShareProvider
    eligible func(nodeID string) bool
    retain   int

    state    atomic.Pointer[keyEpochs]
    updateMu sync.Mutex
}

// ThresholdOption customizes a ThresholdSignatureSystem
type ThresholdOption func(*ThresholdSignatureSystem)

// WithRetainedEpochs keeps the group keys of the last n epochs for verification. 1 keeps only
// the active epoch.
func WithRetainedEpochs(n int) ThresholdOption {
    return func(t *ThresholdSignatureSystem) {
        if n >= 1 {
            t.retain = n
        }
    }
}

// WithEligibility installs a predicate consulted for every signatory
func WithEligibility(fn func(nodeID string) bool) ThresholdOption {
    return func(t *ThresholdSignatureSystem) { t.eligible = fn }
}

// NewThresholdSignatureSystem creates a signature system reading private shares from shares
func NewThresholdSignatureSystem(curve Curve, shares ShareProvider, opts ...ThresholdOption) *ThresholdSignatureSystem {
    t := &ThresholdSignatureSystem{
        curve:  curve,
        shares: shares,
        retain: 1,
    }
    for _, opt := range opts {
        opt(t)
    }
    return t
}

// ActiveKeyMaterial returns the material new signatures are created under, or nil
func (t *ThresholdSignatureSystem) ActiveKeyMaterial() *KeyMaterial {
    return t.state.Load().active()
}

// UpdateKeys atomically makes material the active epoch. The previous epoch can no longer sign.
func (t *ThresholdSignatureSystem) UpdateKeys(material *KeyMaterial) error {
    if material == nil || material.GroupPublicKey == nil {
        return ErrKeyRotation.WithDetails("key material cannot be nil")
    }
    if err := ValidateThreshold(material.Threshold, material.TotalParties); err != nil {
        return ErrKeyRotation.WithCause(err)
    }

    t.updateMu.Lock()
    defer t.updateMu.Unlock()

    current := t.state.Load()
    if active := current.active(); active != nil && material.Epoch <= active.Epoch {
        return ErrKeyRotation.WithDetails("epoch %d does not advance active epoch %d", material.Epoch, active.Epoch)
    }

    next := &keyEpochs{epochs: []*KeyMaterial{material}}
    if current != nil {
        for _, m := range current.epochs {
            if len(next.epochs) >= t.retain {
                break
            }
            next.epochs = append(next.epochs, m)
        }
    }
    t.state.Store(next)
    return nil
}

// Sign produces a threshold signature on message by the given signatories. All signatories take
// part; at least Threshold of them are required.
func (t *ThresholdSignatureSystem) Sign(ctx context.Context, message []byte, signatories []string) ([]byte, error) {
    material := t.ActiveKeyMaterial()
    if material == nil {
        return nil, ErrNoKeyMaterial
    }
    if len(signatories) < material.Threshold {
        return nil, ErrInsufficientSignatories.WithDetails("need %d, got %d", material.Threshold, len(signatories))
    }

    shares := make([]*KeyShare, len(signatories))
    signers := make([]ParticipantIndex, len(signatories))
    seen := make(map[string]struct{}, len(signatories))
    for i, id := range signatories {
        if _, dup := seen[id]; dup {
            return nil, ErrDuplicateSigner.WithContext("node_id", id)
        }
        seen[id] = struct{}{}

        index, ok := material.Indices[id]
        if !ok || (t.eligible != nil && !t.eligible(id)) {
            return nil, ErrUnrecognizedSigner.WithContext("node_id", id)
        }
        share, ok := t.shares.Share(id)
        if !ok || share.Epoch != material.Epoch || share.Index != index {
            return nil, ErrUnrecognizedSigner.WithDetails("no share for epoch %d", material.Epoch).WithContext("node_id", id)
        }
        shares[i] = share
        signers[i] = index
    }

    sessions := make([]*SigningSession, len(shares))
    for i, share := range shares {
        session, err := NewSigningSession(t.curve, share, signers)
        if err != nil {
            return nil, err
        }
        sessions[i] = session
    }

    // Phase 1: nonce commitments
    commitments := make([]*SigningCommitment, len(sessions))
    g, gctx := errgroup.WithContext(ctx)
    for i := range sessions {
        g.Go(func() error {
            if err := gctx.Err(); err != nil {
                return err
            }
            var err error
            commitments[i], err = sessions[i].Round1()
            return err
        })
    }
    if err := g.Wait(); err != nil {
        zeroizeNonces(sessions)
        return nil, fmt.Errorf("signing round 1: %w", err)
    }

    groupCommitment := t.curve.PointIdentity()
    for _, c := range commitments {
        groupCommitment = groupCommitment.Add(c.Commitment)
    }

    challenge, err := t.challenge(groupCommitment, material.GroupPublicKey, message)
    if err != nil {
        zeroizeNonces(sessions)
        return nil, err
    }

    // Phase 2: partial signatures, each checked against the signer's public share
    responses := make([]*SigningResponse, len(sessions))
    g, gctx = errgroup.WithContext(ctx)
    for i := range sessions {
        g.Go(func() error {
            if err := gctx.Err(); err != nil {
                return err
            }
            var err error
            if responses[i], err = sessions[i].Round2(challenge); err != nil {
                return err
            }
            return t.verifyPartial(material, signatories[i], signers, commitments[i], responses[i], challenge)
        })
    }
    if err := g.Wait(); err != nil {
        zeroizeNonces(sessions)
        return nil, err
    }

    z := t.curve.ScalarZero()
    for _, r := range responses {
        z = z.Add(r.Response)
    }

    signature := &ThresholdSignature{Epoch: material.Epoch, R: groupCommitment, Z: z}
    return signature.Bytes(), nil
}

// verifyPartial checks z_i·G == R_i + c·λ_i·X_i
func (t *ThresholdSignatureSystem) verifyPartial(
    material *KeyMaterial,
    nodeID string,
    signers []ParticipantIndex,
    commitment *SigningCommitment,
    response *SigningResponse,
    challenge Scalar,
) error {
    publicShare, ok := material.PublicShares[nodeID]
    if !ok {
        return ErrUnrecognizedSigner.WithContext("node_id", nodeID)
    }
    lambda, err := LagrangeCoefficient(t.curve, signers, response.ParticipantID, nil)
    if err != nil {
        return err
    }

    left := t.curve.BasePoint().Mul(response.Response)
    right := commitment.Commitment.Add(publicShare.Mul(challenge.Mul(lambda)))
    if !left.Equal(right) {
        return ErrInvalidPartialSignature.WithContext("node_id", nodeID)
    }
    return nil
}

// Verify reports whether signature is valid for message. Only a malformed encoding is an error;
// signatures from an epoch that is no longer retained are reported invalid.
func (t *ThresholdSignatureSystem) Verify(message, signature []byte) (bool, error) {
    sig, err := DecodeThresholdSignature(t.curve, signature)
    if err != nil {
        return false, err
    }

    material := t.state.Load().lookup(sig.Epoch)
    if material == nil {
        return false, nil
    }

    challenge, err := t.challenge(sig.R, material.GroupPublicKey, message)
    if err != nil {
        return false, nil
    }

    left := t.curve.BasePoint().Mul(sig.Z)
    right := sig.R.Add(material.GroupPublicKey.Mul(challenge))
    return left.Equal(right), nil
}

// challenge computes c = H(R ‖ PK ‖ m)
func (t *ThresholdSignatureSystem) challenge(r, groupPublicKey Point, message []byte) (Scalar, error) {
    c, err := HashToScalar(t.curve, thresholdChallengeDomain, r.Bytes(), groupPublicKey.Bytes(), message)
    if err != nil {
        return nil, fmt.Errorf("failed to compute challenge: %w", err)
    }
    return c, nil
}

func zeroizeNonces(sessions []*SigningSession) {
    for _, s := range sessions {
        if s != nil && s.nonce != nil {
            s.nonce.Zeroize()
            s.nonce = nil
        }
    }
}
