package guardian

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/canopy-network/canopy/lib/guardian/logger"
	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

// ManagerState is the lifecycle state of a ConsensusSecurityManager
type ManagerState int32

const (
	StateUninitialized ManagerState = iota
	StateActive
	StateShuttingDown
	StateStopped
)

func (s ManagerState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type managerOptions struct {
	audit      AuditLogger
	storage    KeyStorage
	registerer prometheus.Registerer
	keys       KeyManager
	monitor    SecurityMonitor
	signer     ThresholdSigner
	prover     DiscreteLogProver
}

// ManagerOption customizes a ConsensusSecurityManager
type ManagerOption func(*managerOptions)

// WithAuditLogger replaces the logger built from Config.Logging
func WithAuditLogger(audit AuditLogger) ManagerOption {
	return func(o *managerOptions) { o.audit = audit }
}

// WithKeyStorage persists key shares through storage
func WithKeyStorage(storage KeyStorage) ManagerOption {
	return func(o *managerOptions) { o.storage = storage }
}

// WithMetricsRegisterer exports the security metrics to reg
func WithMetricsRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(o *managerOptions) { o.registerer = reg }
}

// WithKeyManager replaces the default SecureKeyManager
func WithKeyManager(keys KeyManager) ManagerOption {
	return func(o *managerOptions) { o.keys = keys }
}

// WithSecurityMonitor replaces the default ConsensusSecurityMonitor
func WithSecurityMonitor(mon SecurityMonitor) ManagerOption {
	return func(o *managerOptions) { o.monitor = mon }
}

// WithThresholdSigner replaces the default ThresholdSignatureSystem. The manager still rejects
// signatories that are not registered participants.
func WithThresholdSigner(signer ThresholdSigner) ManagerOption {
	return func(o *managerOptions) { o.signer = signer }
}

// WithProver replaces the default ZeroKnowledgeProofSystem used by the proof operations.
// Key generation keeps its own proof system.
func WithProver(prover DiscreteLogProver) ManagerOption {
	return func(o *managerOptions) { o.prover = prover }
}

// ConsensusSecurityManager orchestrates key generation, signing, proofs and the periodic
// security check. It owns the participant registry, reputation, event log and metrics.
type ConsensusSecurityManager struct {
	cfg       *Config
	curve     Curve
	transport Transport
	audit     AuditLogger
	keys      KeyManager
	signer    ThresholdSigner
	prover    DiscreteLogProver
	monitor   SecurityMonitor

	state       atomic.Int32
	lifecycleMu sync.Mutex
	checking    atomic.Bool
	cancel      context.CancelFunc
	loopDone    chan struct{}

	mu           sync.RWMutex
	participants map[string]monitor.Participant
	reputation   map[string]float64
	isolated     map[string]struct{}
	events       *EventLog

	metrics  *metricsRecorder
	notifier *notifier
	peers    *lru.Cache[string, time.Time]
	// closeLog releases the logger built from Config.Logging
	closeLog func() error
}

// NewConsensusSecurityManager validates cfg and wires the security subsystems. Nothing runs
// until Initialize.
func NewConsensusSecurityManager(cfg *Config, transport Transport, opts ...ManagerOption) (*ConsensusSecurityManager, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig.WithDetails("configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrInvalidConfig.WithDetails("transport is required")
	}

	var o managerOptions
	for _, opt := range opts {
		opt(&o)
	}

	curve, err := NewCurve(cfg.Curve)
	if err != nil {
		return nil, ErrInvalidConfig.WithCause(err)
	}
	hashAlg, err := ParseHashAlgorithm(string(cfg.ZKPHash))
	if err != nil {
		return nil, ErrInvalidConfig.WithCause(err)
	}

	var closeLog func() error
	if o.audit == nil {
		l, err := logger.New(cfg.Logging)
		if err != nil {
			return nil, ErrInvalidConfig.WithCause(err)
		}
		o.audit = l.With("node_id", cfg.NodeID, "component", "guardian")
		closeLog = l.Close
	}

	proofs := NewZeroKnowledgeProofSystem(curve, hashAlg)
	if o.keys == nil {
		o.keys = NewSecureKeyManager(curve, o.storage, proofs)
	}
	if o.prover == nil {
		o.prover = proofs
	}
	if o.monitor == nil {
		mon, err := monitor.New(cfg.AttackThresholds)
		if err != nil {
			return nil, ErrInvalidConfig.WithCause(err)
		}
		o.monitor = mon
	}

	metrics, err := newMetricsRecorder(o.registerer)
	if err != nil {
		return nil, err
	}
	peers, err := lru.New[string, time.Time](cfg.PeerTrackerSize)
	if err != nil {
		return nil, ErrInvalidConfig.WithCause(err)
	}

	m := &ConsensusSecurityManager{
		cfg:          cfg,
		curve:        curve,
		transport:    transport,
		audit:        o.audit,
		keys:         o.keys,
		signer:       o.signer,
		prover:       o.prover,
		monitor:      o.monitor,
		participants: make(map[string]monitor.Participant),
		reputation:   make(map[string]float64),
		isolated:     make(map[string]struct{}),
		events:       NewEventLog(cfg.MaxSecurityEvents),
		metrics:      metrics,
		notifier:     newNotifier(),
		peers:        peers,
		closeLog:     closeLog,
	}
	if m.signer == nil {
		m.signer = NewThresholdSignatureSystem(curve, o.keys,
			WithRetainedEpochs(cfg.RetainedKeyEpochs),
			WithEligibility(m.isParticipant),
		)
	}
	return m, nil
}

// State returns the lifecycle state
func (m *ConsensusSecurityManager) State() ManagerState {
	return ManagerState(m.state.Load())
}

// Initialize runs key generation over the configured participants, seeds reputation and
// starts the periodic check. On failure the manager stays uninitialized.
func (m *ConsensusSecurityManager) Initialize(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if state := m.State(); state != StateUninitialized {
		return ErrAlreadyInitialized.WithContext("state", state.String())
	}

	result, err := m.keys.Rotate(ctx, m.cfg.participantIDs(), m.cfg.Threshold)
	if err != nil {
		m.logError("security manager initialization failed", "error", err)
		if errors.Is(err, ErrInitialization) {
			return err
		}
		return ErrInitialization.WithCause(err)
	}
	if err := m.signer.UpdateKeys(result.Material); err != nil {
		m.logError("security manager initialization failed", "error", err)
		return ErrInitialization.WithCause(err)
	}

	m.mu.Lock()
	for _, p := range m.cfg.NetworkParticipants {
		m.participants[p.NodeID] = p
		m.reputation[p.NodeID] = InitialReputation
	}
	tracked := len(m.reputation)
	m.mu.Unlock()
	m.metrics.setTrackedParticipants(tracked)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loopDone = make(chan struct{})
	m.state.Store(int32(StateActive))
	go m.run(loopCtx, m.loopDone)

	m.logInfo("security manager initialized",
		"participants", result.NewConfiguration.ParticipantCount,
		"threshold", result.NewConfiguration.Threshold,
		"curve", m.curve.Name(),
		"epoch", result.NewConfiguration.Epoch,
		"security_level", string(result.NewConfiguration.SecurityLevel),
	)
	m.publish(Initialized{NodeID: m.cfg.NodeID})
	return nil
}

// run drives PerformSecurityCheck until ctx is cancelled
func (m *ConsensusSecurityManager) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.MonitoringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.PerformSecurityCheck(ctx); err != nil && !errors.Is(err, ErrCheckInFlight) && ctx.Err() == nil {
				m.logCheckFailure(err)
			}
		}
	}
}

// logCheckFailure logs each failure of a periodic check; unrecoverable ones at error level
func (m *ConsensusSecurityManager) logCheckFailure(err error) {
	for _, e := range multierr.Errors(err) {
		if IsRecoverableError(e) {
			m.logWarn("security check failed", "error", e)
			continue
		}
		m.logError("security check failed", "error", e, "recoverable", false)
	}
}

// RotateKeys runs key generation over the current participants and activates the new epoch
func (m *ConsensusSecurityManager) RotateKeys(ctx context.Context) (*SecurityEvent, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.State() != StateActive {
		return nil, ErrNotActive
	}

	start := time.Now()
	nodeIDs := m.participantIDs()
	result, err := m.keys.Rotate(ctx, nodeIDs, m.cfg.Threshold)
	if err != nil {
		m.logError("key rotation failed", "error", err, "participants", len(nodeIDs))
		return nil, ErrKeyRotation.WithCause(err)
	}
	if err := m.signer.UpdateKeys(result.Material); err != nil {
		m.logError("key rotation failed", "error", err)
		if errors.Is(err, ErrKeyRotation) {
			return nil, err
		}
		return nil, ErrKeyRotation.WithCause(err)
	}
	overhead := time.Since(start)

	event := NewSecurityEventBuilder(EventKeyRotation, monitor.SeverityMedium).
		WithRotation(result).
		WithDetail("overhead_ms", overhead.Milliseconds()).
		Build()

	m.mu.Lock()
	m.events.Append(event)
	m.mu.Unlock()

	m.metrics.recordRotation(overhead)
	m.logInfo("keys rotated", "epoch", result.NewConfiguration.Epoch, "participants", len(nodeIDs))
	m.publish(KeyRotated{Event: event.clone()})

	out := event.clone()
	return &out, nil
}

// ActiveKeyMaterial returns the key material signatures are created under
func (m *ConsensusSecurityManager) ActiveKeyMaterial() *KeyMaterial {
	return m.signer.ActiveKeyMaterial()
}

// CreateThresholdSignature signs message with the given signatories. Requests rejected before
// any partial signature is computed leave the metrics untouched.
func (m *ConsensusSecurityManager) CreateThresholdSignature(ctx context.Context, message []byte, signatories []string) ([]byte, error) {
	if m.State() != StateActive {
		return nil, ErrNotActive
	}
	for _, id := range signatories {
		if !m.isParticipant(id) {
			return nil, ErrUnrecognizedSigner.WithContext("node_id", id)
		}
	}
	sig, err := m.signer.Sign(ctx, message, signatories)
	if signingRejected(err) {
		return nil, err
	}
	m.metrics.recordSignature(err)
	return sig, err
}

// signingRejected reports errors raised while validating a signing request
func signingRejected(err error) bool {
	return errors.Is(err, ErrInsufficientSignatories) ||
		errors.Is(err, ErrDuplicateSigner) ||
		errors.Is(err, ErrUnrecognizedSigner) ||
		errors.Is(err, ErrNoKeyMaterial)
}

// VerifyThresholdSignature checks signature against the retained group keys
func (m *ConsensusSecurityManager) VerifyThresholdSignature(message, signature []byte) (bool, error) {
	start := time.Now()
	ok, err := m.signer.Verify(message, signature)
	m.metrics.recordVerification(time.Since(start), err)
	return ok, err
}

// CreateZeroKnowledgeProof proves knowledge of secret, bound to commitment
func (m *ConsensusSecurityManager) CreateZeroKnowledgeProof(secret Scalar, commitment []byte, opts ...ProveOption) (*DiscreteLogProof, error) {
	start := time.Now()
	proof, err := m.prover.Prove(secret, commitment, opts...)
	m.metrics.recordProof(time.Since(start), err)
	return proof, err
}

// VerifyZeroKnowledgeProof checks proof against publicKey
func (m *ConsensusSecurityManager) VerifyZeroKnowledgeProof(proof *DiscreteLogProof, publicKey Point) bool {
	ok := m.prover.Verify(proof, publicKey)
	m.metrics.recordProofVerification()
	return ok
}

// Curve returns the group the manager signs and proves over
func (m *ConsensusSecurityManager) Curve() Curve {
	return m.curve
}

// AddParticipant registers p with neutral reputation. It can sign after the next rotation.
func (m *ConsensusSecurityManager) AddParticipant(p monitor.Participant) error {
	if m.State() != StateActive {
		return ErrNotActive
	}
	if p.NodeID == "" {
		return ErrInvalidParticipantID.WithDetails("empty node id")
	}

	m.mu.Lock()
	if _, ok := m.isolated[p.NodeID]; ok {
		m.mu.Unlock()
		return ErrInvalidParticipantID.WithDetails("node %s is isolated", p.NodeID)
	}
	if _, ok := m.participants[p.NodeID]; ok {
		m.mu.Unlock()
		return ErrDuplicateParticipants.WithContext("duplicates", []string{p.NodeID})
	}
	m.participants[p.NodeID] = p
	m.reputation[p.NodeID] = InitialReputation
	tracked := len(m.reputation)
	m.mu.Unlock()

	m.metrics.setTrackedParticipants(tracked)
	m.logInfo("participant added", "participant", p.NodeID, "subnet", p.IPSubnet, "as_number", p.ASNumber)
	return nil
}

// RemoveParticipant drops nodeID from the registry and the reputation map
func (m *ConsensusSecurityManager) RemoveParticipant(nodeID string) error {
	if m.State() != StateActive {
		return ErrNotActive
	}

	m.mu.Lock()
	if _, ok := m.participants[nodeID]; !ok {
		m.mu.Unlock()
		return ErrParticipantNotFound.WithContext("node_id", nodeID)
	}
	delete(m.participants, nodeID)
	delete(m.reputation, nodeID)
	tracked := len(m.reputation)
	m.mu.Unlock()

	m.metrics.setTrackedParticipants(tracked)
	m.logInfo("participant removed", "participant", nodeID)
	return nil
}

// GetParticipants returns the registered participants in node id order
func (m *ConsensusSecurityManager) GetParticipants() []monitor.Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]monitor.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// GetReputationScores returns a copy of the reputation map
func (m *ConsensusSecurityManager) GetReputationScores() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.reputation))
	for id, score := range m.reputation {
		out[id] = score
	}
	return out
}

// GetMetrics returns an independent snapshot of the security metrics
func (m *ConsensusSecurityManager) GetMetrics() *SecurityMetrics {
	return m.metrics.snapshot()
}

// GetSecurityEvents returns the last limit events in append order; limit <= 0 returns all
func (m *ConsensusSecurityManager) GetSecurityEvents(limit int) []SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events.Recent(limit)
}

// Subscribe returns a channel of notifications and a function that cancels the subscription.
// Notifications are dropped for a subscriber whose buffer is full.
func (m *ConsensusSecurityManager) Subscribe(buffer int) (<-chan Notification, func()) {
	return m.notifier.subscribe(buffer)
}

// Shutdown stops the check loop, cleans up key material and closes every subscription.
// Cleanup failures are logged; the manager always ends Stopped.
func (m *ConsensusSecurityManager) Shutdown(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	switch m.State() {
	case StateStopped, StateShuttingDown:
		return
	}
	m.state.Store(int32(StateShuttingDown))

	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.loopDone:
		case <-ctx.Done():
			m.logWarn("shutdown did not wait for the in-flight security check", "error", ctx.Err())
		}
	}

	var err error
	err = multierr.Append(err, m.keys.Cleanup(ctx))
	if c, ok := m.monitor.(interface{ Cleanup(context.Context) error }); ok {
		err = multierr.Append(err, c.Cleanup(ctx))
	}
	if err != nil {
		m.logError("cleanup failed during shutdown", "error", ErrCleanup.WithCause(err))
	}

	m.publish(ShutdownNotice{NodeID: m.cfg.NodeID})
	m.notifier.close()
	m.state.Store(int32(StateStopped))
	m.logInfo("security manager stopped", "cleanup_errors", len(multierr.Errors(err)))
	if m.closeLog != nil {
		_ = m.closeLog()
	}
}

func (m *ConsensusSecurityManager) isParticipant(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.participants[nodeID]
	return ok
}

func (m *ConsensusSecurityManager) participantIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedParticipantIDs(m.participants)
}

func (m *ConsensusSecurityManager) publish(n Notification) {
	m.metrics.recordDropped(m.notifier.publish(n))
}

func (m *ConsensusSecurityManager) logInfo(msg string, fields ...interface{}) {
	m.guardAudit(func() { m.audit.Info(msg, fields...) })
}

func (m *ConsensusSecurityManager) logWarn(msg string, fields ...interface{}) {
	m.guardAudit(func() { m.audit.Warn(msg, fields...) })
}

func (m *ConsensusSecurityManager) logError(msg string, fields ...interface{}) {
	m.guardAudit(func() { m.audit.Error(msg, fields...) })
}

// guardAudit keeps a failing audit sink from affecting the manager
func (m *ConsensusSecurityManager) guardAudit(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
