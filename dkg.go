package guardian

import (
    "context"
    "encoding/binary"
    "errors"
    "fmt"
    "sort"

    "golang.org/x/sync/errgroup"
)

// KeyShare is one participant's private share of the group signing key
type KeyShare struct {
    NodeID         string
    Index          ParticipantIndex
    SecretShare    Scalar
    PublicShare    Point
    GroupPublicKey Point
    Epoch          uint64
}

// Zeroize securely clears the secret share
func (ks *KeyShare) Zeroize() {
    if ks.SecretShare != nil {
        ks.SecretShare.Zeroize()
    }
}

// Bytes encodes the share as epoch(8) ‖ index(4) ‖ secret ‖ public share ‖ group key
func (ks *KeyShare) Bytes() []byte {
    out := make([]byte, 0, 12+32+2*33)
    out = binary.BigEndian.AppendUint64(out, ks.Epoch)
    out = binary.BigEndian.AppendUint32(out, uint32(ks.Index))
    out = append(out, ks.SecretShare.Bytes()...)
    out = append(out, ks.PublicShare.Bytes()...)
    out = append(out, ks.GroupPublicKey.Bytes()...)
    return out
}

// DecodeKeyShare parses KeyShare.Bytes output and checks the secret against the public share
func DecodeKeyShare(curve Curve, nodeID string, data []byte) (*KeyShare, error) {
    scalarSize, pointSize := curve.ScalarSize(), curve.PointSize()
    if len(data) != 12+scalarSize+2*pointSize {
        return nil, fmt.Errorf("key share encoding has %d bytes, want %d", len(data), 12+scalarSize+2*pointSize)
    }

    share := &KeyShare{
        NodeID: nodeID,
        Epoch:  binary.BigEndian.Uint64(data[0:8]),
        Index:  ParticipantIndex(binary.BigEndian.Uint32(data[8:12])),
    }
    offset := 12

    var err error
    if share.SecretShare, err = curve.ScalarFromBytes(data[offset : offset+scalarSize]); err != nil {
        return nil, fmt.Errorf("secret share: %w", err)
    }
    offset += scalarSize
    if share.PublicShare, err = curve.PointFromBytes(data[offset : offset+pointSize]); err != nil {
        return nil, fmt.Errorf("public share: %w", err)
    }
    offset += pointSize
    if share.GroupPublicKey, err = curve.PointFromBytes(data[offset : offset+pointSize]); err != nil {
        return nil, fmt.Errorf("group public key: %w", err)
    }

    if !curve.BasePoint().Mul(share.SecretShare).Equal(share.PublicShare) {
        share.Zeroize()
        return nil, fmt.Errorf("secret share does not match public share")
    }
    return share, nil
}

// KeyMaterial is the public part of one key epoch. It is immutable once published.
type KeyMaterial struct {
    Threshold      int
    TotalParties   int
    Curve          Curve
    GroupPublicKey Point
    PublicShares   map[string]Point
    Indices        map[string]ParticipantIndex
    Epoch          uint64
}

// NodeIDs returns the participants of the epoch ordered by index
func (km *KeyMaterial) NodeIDs() []string {
    ids := make([]string, 0, len(km.Indices))
    for id := range km.Indices {
        ids = append(ids, id)
    }
    sort.Slice(ids, func(i, j int) bool { return km.Indices[ids[i]] < km.Indices[ids[j]] })
    return ids
}

// withEpoch returns a copy carrying a different epoch number
func (km *KeyMaterial) withEpoch(epoch uint64) *KeyMaterial {
    clone := *km
    clone.Epoch = epoch
    return &clone
}

// KeygenRound1 is broadcast by every participant: Feldman commitments plus a proof of knowledge
// of the constant term
type KeygenRound1 struct {
    ParticipantID ParticipantIndex
    Commitments   *Commitments
    Proof         *DiscreteLogProof
}

// KeygenRound2 carries f_i(j) from sender i to receivers j
type KeygenRound2 struct {
    ParticipantID ParticipantIndex
    Shares        map[ParticipantIndex]Scalar
}

// KeygenResult contains one participant's outcome of a DKG run
type KeygenResult struct {
    KeyShare       *KeyShare
    GroupPublicKey Point
    PublicShares   map[ParticipantIndex]Point
    Participants   []ParticipantIndex
    Threshold      int
}

// KeygenSession manages one participant's side of a dealer-less key generation
type KeygenSession struct {
    curve         Curve
    proofs        *ZeroKnowledgeProofSystem
    sessionID     []byte
    participantID ParticipantIndex
    participants  []ParticipantIndex
    threshold     int

    round1Data  *KeygenRound1
    commitments map[ParticipantIndex]*Commitments
    polynomial  *Polynomial

    processedRound1 bool
    processedRound2 bool
}

// NewKeygenSession creates a new keygen session. sessionID binds the proofs of knowledge to one run.
func NewKeygenSession(
    curve Curve,
    proofs *ZeroKnowledgeProofSystem,
    sessionID []byte,
    participantID ParticipantIndex,
    participants []ParticipantIndex,
    threshold int,
) (*KeygenSession, error) {
    if err := ValidateThreshold(threshold, len(participants)); err != nil {
        return nil, err
    }

    seen := make(map[ParticipantIndex]bool)
    for _, pid := range participants {
        if pid == 0 {
            return nil, ErrInvalidParticipantID.WithDetails("participant index 0 is reserved")
        }
        if seen[pid] {
            return nil, ErrDuplicateParticipants.WithContext("index", pid)
        }
        seen[pid] = true
    }
    if !seen[participantID] {
        return nil, ErrParticipantNotFound.WithDetails("participant %d is not in the participant list", participantID)
    }

    return &KeygenSession{
        curve:         curve,
        proofs:        proofs,
        sessionID:     append([]byte(nil), sessionID...),
        participantID: participantID,
        participants:  append([]ParticipantIndex(nil), participants...),
        threshold:     threshold,
        commitments:   make(map[ParticipantIndex]*Commitments),
    }, nil
}

// proofBinding is the commitment a participant's proof of knowledge is bound to
func (ks *KeygenSession) proofBinding(id ParticipantIndex) []byte {
    out := append([]byte("dkg"), ks.sessionID...)
    return binary.BigEndian.AppendUint32(out, uint32(id))
}

// Round1 samples the secret polynomial and returns its commitments
func (ks *KeygenSession) Round1() (*KeygenRound1, error) {
    if ks.round1Data != nil {
        return nil, fmt.Errorf("Round1 has already been run")
    }

    polynomial, err := NewRandomPolynomial(ks.curve, ks.threshold-1, nil)
    if err != nil {
        return nil, fmt.Errorf("failed to generate polynomial: %w", err)
    }
    ks.polynomial = polynomial

    commitments := polynomial.Commit()
    proof, err := ks.proofs.Prove(polynomial.Constant(), ks.proofBinding(ks.participantID))
    if err != nil {
        return nil, fmt.Errorf("failed to generate proof: %w", err)
    }

    ks.round1Data = &KeygenRound1{
        ParticipantID: ks.participantID,
        Commitments:   commitments,
        Proof:         proof,
    }
    ks.commitments[ks.participantID] = commitments
    return ks.round1Data, nil
}

// ProcessRound1 verifies every other participant's commitments and proof of knowledge
func (ks *KeygenSession) ProcessRound1(round1Data []*KeygenRound1) error {
    if ks.round1Data == nil {
        return fmt.Errorf("Round1 must be called before ProcessRound1")
    }
    if ks.processedRound1 {
        return fmt.Errorf("Round1 has already been processed")
    }

    expected := make(map[ParticipantIndex]bool, len(ks.participants))
    for _, pid := range ks.participants {
        if pid != ks.participantID {
            expected[pid] = true
        }
    }

    var culprits []ParticipantIndex
    for _, data := range round1Data {
        if data == nil || !expected[data.ParticipantID] {
            continue
        }
        delete(expected, data.ParticipantID)

        if data.Commitments == nil || data.Commitments.Degree() != ks.threshold-1 ||
            !ks.proofs.Verify(data.Proof, data.Commitments.Constant()) ||
            !SecureCompare(data.Proof.Commitment, ks.proofBinding(data.ParticipantID)) {
            culprits = append(culprits, data.ParticipantID)
            continue
        }
        ks.commitments[data.ParticipantID] = data.Commitments
    }
    for pid := range expected {
        culprits = append(culprits, pid)
    }

    if len(culprits) > 0 {
        return dkgFailure("invalid or missing round 1 data", culprits)
    }

    ks.processedRound1 = true
    return nil
}

// Round2 evaluates the secret polynomial at every other participant's index
func (ks *KeygenSession) Round2() (*KeygenRound2, error) {
    if !ks.processedRound1 {
        return nil, fmt.Errorf("ProcessRound1 must be called before Round2")
    }

    shares := make(map[ParticipantIndex]Scalar, len(ks.participants)-1)
    for _, pid := range ks.participants {
        if pid == ks.participantID {
            continue
        }
        share, err := ks.polynomial.EvaluateAt(pid)
        if err != nil {
            return nil, fmt.Errorf("failed to evaluate polynomial for participant %d: %w", pid, err)
        }
        shares[pid] = share
    }

    return &KeygenRound2{
        ParticipantID: ks.participantID,
        Shares:        shares,
    }, nil
}

// ProcessRound2 verifies every received share against its sender's commitments and finalizes
// the key. Any failing sender makes the whole run fail.
func (ks *KeygenSession) ProcessRound2(round2Data []*KeygenRound2) (*KeygenResult, error) {
    if !ks.processedRound1 {
        return nil, fmt.Errorf("ProcessRound1 must be called before ProcessRound2")
    }
    if ks.processedRound2 {
        return nil, fmt.Errorf("Round2 has already been processed")
    }

    received := make(map[ParticipantIndex]Scalar, len(ks.participants)-1)
    var culprits []ParticipantIndex
    for _, data := range round2Data {
        if data == nil || data.ParticipantID == ks.participantID {
            continue
        }
        commitments, ok := ks.commitments[data.ParticipantID]
        if !ok {
            continue
        }
        if _, dup := received[data.ParticipantID]; dup {
            continue
        }

        share, ok := data.Shares[ks.participantID]
        if !ok {
            culprits = append(culprits, data.ParticipantID)
            continue
        }
        valid, err := commitments.VerifyShare(ks.participantID, share)
        if err != nil || !valid {
            culprits = append(culprits, data.ParticipantID)
            continue
        }
        received[data.ParticipantID] = share
    }
    for _, pid := range ks.participants {
        if pid == ks.participantID {
            continue
        }
        if _, ok := received[pid]; !ok && !containsIndex(culprits, pid) {
            culprits = append(culprits, pid)
        }
    }

    if len(culprits) > 0 {
        ZeroizeScalarSlice(mapValues(received))
        return nil, dkgFailure("share verification failed", culprits)
    }

    finalShare, err := ks.polynomial.EvaluateAt(ks.participantID)
    if err != nil {
        return nil, err
    }
    for _, share := range received {
        finalShare = finalShare.Add(share)
    }
    ZeroizeScalarSlice(mapValues(received))
    ks.polynomial.Zeroize()

    vectors := make([]*Commitments, 0, len(ks.commitments))
    for _, pid := range ks.participants {
        vectors = append(vectors, ks.commitments[pid])
    }
    joint, err := SumCommitments(ks.curve, vectors)
    if err != nil {
        return nil, ErrInitialization.WithCause(err)
    }

    groupPublicKey := joint.Constant()
    publicShares := make(map[ParticipantIndex]Point, len(ks.participants))
    samples := make([]PointSample, 0, len(ks.participants))
    for _, pid := range ks.participants {
        publicShare, err := joint.EvaluateAt(pid)
        if err != nil {
            return nil, ErrInitialization.WithCause(err)
        }
        publicShares[pid] = publicShare
        samples = append(samples, PointSample{Index: pid, Value: publicShare})
    }

    // The joint public shares must interpolate to the group key
    reconstructed, err := ReconstructPoint(ks.curve, samples, ks.threshold)
    if err != nil || !reconstructed.Equal(groupPublicKey) {
        return nil, ErrInitialization.WithDetails("public shares do not interpolate to the group key")
    }

    publicShare := ks.curve.BasePoint().Mul(finalShare)
    if !publicShare.Equal(publicShares[ks.participantID]) {
        return nil, ErrInitialization.WithDetails("own share does not match joint commitments")
    }

    ks.processedRound2 = true
    return &KeygenResult{
        KeyShare: &KeyShare{
            Index:          ks.participantID,
            SecretShare:    finalShare,
            PublicShare:    publicShare,
            GroupPublicKey: groupPublicKey,
        },
        GroupPublicKey: groupPublicKey,
        PublicShares:   publicShares,
        Participants:   append([]ParticipantIndex(nil), ks.participants...),
        Threshold:      ks.threshold,
    }, nil
}

// dkgFailure builds the fatal error naming the misbehaving participants
func dkgFailure(reason string, culprits []ParticipantIndex) error {
    sort.Slice(culprits, func(i, j int) bool { return culprits[i] < culprits[j] })
    return ErrInitialization.WithDetails("%s: %v", reason, culprits).WithContext("culprits", culprits)
}

// CulpritsOf returns the participant indices blamed by a DKG failure
func CulpritsOf(err error) []ParticipantIndex {
    var secErr *SecurityError
    if !errors.As(err, &secErr) {
        return nil
    }
    culprits, _ := secErr.Context["culprits"].([]ParticipantIndex)
    return culprits
}

func containsIndex(list []ParticipantIndex, v ParticipantIndex) bool {
    for _, x := range list {
        if x == v {
            return true
        }
    }
    return false
}

func mapValues(m map[ParticipantIndex]Scalar) []Scalar {
    out := make([]Scalar, 0, len(m))
    for _, v := range m {
        out = append(out, v)
    }
    return out
}

// ShareInterceptor sees every round 2 share in transit and returns the share to deliver
type ShareInterceptor func(from, to ParticipantIndex, share Scalar) Scalar

type dkgOptions struct {
    proofs      *ZeroKnowledgeProofSystem
    interceptor ShareInterceptor
}

// DKGOption customizes RunDKG
type DKGOption func(*dkgOptions)

// WithProofSystem selects the proof system used for the proofs of knowledge
func WithProofSystem(proofs *ZeroKnowledgeProofSystem) DKGOption {
    return func(o *dkgOptions) { o.proofs = proofs }
}

// WithShareInterceptor installs a hook on the in-process share delivery
func WithShareInterceptor(interceptor ShareInterceptor) DKGOption {
    return func(o *dkgOptions) { o.interceptor = interceptor }
}

// AssignIndices maps node ids to participant indices 1..n in sorted id order
func AssignIndices(nodeIDs []string) (map[string]ParticipantIndex, []string, error) {
    if err := ValidateNodeIDs(nodeIDs); err != nil {
        return nil, nil, err
    }

    sorted := append([]string(nil), nodeIDs...)
    sort.Strings(sorted)
    indices := make(map[string]ParticipantIndex, len(sorted))
    for i, id := range sorted {
        indices[id] = ParticipantIndex(i + 1)
    }
    return indices, sorted, nil
}

// RunDKG runs a full dealer-less key generation for nodeIDs in process. Either every participant
// finishes with a consistent share or the run fails with an InitializationError.
func RunDKG(ctx context.Context, curve Curve, nodeIDs []string, threshold int, opts ...DKGOption) (*KeyMaterial, map[string]*KeyShare, error) {
    o := dkgOptions{}
    for _, opt := range opts {
        opt(&o)
    }
    if o.proofs == nil {
        o.proofs = NewZeroKnowledgeProofSystem(curve, HashSHA512)
    }

    indices, sorted, err := AssignIndices(nodeIDs)
    if err != nil {
        return nil, nil, ErrInitialization.WithCause(err)
    }
    if err := ValidateThreshold(threshold, len(sorted)); err != nil {
        return nil, nil, ErrInitialization.WithCause(err)
    }

    sessionID, err := SecureRandom(16)
    if err != nil {
        return nil, nil, ErrInitialization.WithCause(err)
    }

    participants := make([]ParticipantIndex, len(sorted))
    for i, id := range sorted {
        participants[i] = indices[id]
    }

    sessions := make([]*KeygenSession, len(participants))
    for i, pid := range participants {
        if sessions[i], err = NewKeygenSession(curve, o.proofs, sessionID, pid, participants, threshold); err != nil {
            return nil, nil, ErrInitialization.WithCause(err)
        }
    }

    // Round 1
    round1 := make([]*KeygenRound1, len(sessions))
    if err := fanOut(ctx, len(sessions), func(i int) error {
        var err error
        round1[i], err = sessions[i].Round1()
        return err
    }); err != nil {
        return nil, nil, initializationError(err, sorted)
    }

    if err := fanOut(ctx, len(sessions), func(i int) error {
        return sessions[i].ProcessRound1(round1)
    }); err != nil {
        return nil, nil, initializationError(err, sorted)
    }

    // Round 2
    round2 := make([]*KeygenRound2, len(sessions))
    if err := fanOut(ctx, len(sessions), func(i int) error {
        var err error
        round2[i], err = sessions[i].Round2()
        return err
    }); err != nil {
        return nil, nil, initializationError(err, sorted)
    }

    results := make([]*KeygenResult, len(sessions))
    if err := fanOut(ctx, len(sessions), func(i int) error {
        me := participants[i]
        inbox := make([]*KeygenRound2, 0, len(round2)-1)
        for _, msg := range round2 {
            if msg.ParticipantID == me {
                continue
            }
            share := msg.Shares[me]
            if o.interceptor != nil {
                share = o.interceptor(msg.ParticipantID, me, share)
            }
            inbox = append(inbox, &KeygenRound2{
                ParticipantID: msg.ParticipantID,
                Shares:        map[ParticipantIndex]Scalar{me: share},
            })
        }

        var err error
        results[i], err = sessions[i].ProcessRound2(inbox)
        return err
    }); err != nil {
        zeroizeResults(results)
        return nil, nil, initializationError(err, sorted)
    }

    groupPublicKey := results[0].GroupPublicKey
    for _, r := range results[1:] {
        if !r.GroupPublicKey.Equal(groupPublicKey) {
            zeroizeResults(results)
            return nil, nil, ErrInitialization.WithDetails("participants disagree on the group key")
        }
    }

    material := &KeyMaterial{
        Threshold:      threshold,
        TotalParties:   len(sorted),
        Curve:          curve,
        GroupPublicKey: groupPublicKey,
        PublicShares:   make(map[string]Point, len(sorted)),
        Indices:        indices,
    }
    shares := make(map[string]*KeyShare, len(sorted))
    for i, id := range sorted {
        material.PublicShares[id] = results[0].PublicShares[participants[i]]
        share := results[i].KeyShare
        share.NodeID = id
        shares[id] = share
    }

    return material, shares, nil
}

// fanOut runs fn for every session concurrently and returns the first failure
func fanOut(ctx context.Context, n int, fn func(i int) error) error {
    if err := ctx.Err(); err != nil {
        return err
    }

    g, gctx := errgroup.WithContext(ctx)
    for i := 0; i < n; i++ {
        g.Go(func() error {
            if err := gctx.Err(); err != nil {
                return err
            }
            return fn(i)
        })
    }
    return g.Wait()
}

// initializationError maps culprit indices onto node ids
func initializationError(err error, sorted []string) error {
    culprits := CulpritsOf(err)
    if len(culprits) == 0 {
        if errors.Is(err, ErrInitialization) {
            return err
        }
        return ErrInitialization.WithCause(err)
    }

    nodes := make([]string, 0, len(culprits))
    for _, pid := range culprits {
        if int(pid) >= 1 && int(pid) <= len(sorted) {
            nodes = append(nodes, sorted[pid-1])
        }
    }
    var secErr *SecurityError
    errors.As(err, &secErr)
    return secErr.WithContext("culprit_nodes", nodes)
}

func zeroizeResults(results []*KeygenResult) {
    for _, r := range results {
        if r != nil && r.KeyShare != nil {
            r.KeyShare.Zeroize()
        }
    }
}
