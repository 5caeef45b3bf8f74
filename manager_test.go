package guardian

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/canopy-network/canopy/lib/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/canopy-network/canopy/lib/guardian/logger"
	"github.com/canopy-network/canopy/lib/guardian/monitor"
	"github.com/canopy-network/canopy/lib/guardian/transport"
)

type auditEntry struct {
	level  string
	msg    string
	fields []interface{}
}

// recordingAudit keeps every audit entry for inspection
type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *recordingAudit) record(level, msg string, fields []interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{level: level, msg: msg, fields: fields})
}

func (a *recordingAudit) Info(msg string, fields ...interface{})  { a.record("info", msg, fields) }
func (a *recordingAudit) Warn(msg string, fields ...interface{})  { a.record("warn", msg, fields) }
func (a *recordingAudit) Error(msg string, fields ...interface{}) { a.record("error", msg, fields) }

func (a *recordingAudit) has(level, msg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

func testManagerConfig() *Config {
	cfg := DefaultConfig()
	cfg.NodeID = "validator-01"
	cfg.Threshold = 3
	cfg.TotalParties = 5
	cfg.MonitoringInterval = time.Hour
	cfg.Logging = logger.Config{Level: "error"}
	for i, id := range nodeIDs(5) {
		cfg.NetworkParticipants = append(cfg.NetworkParticipants, monitor.Participant{
			NodeID:   id,
			IPSubnet: fmt.Sprintf("10.0.%d.0/24", i),
			ASNumber: uint32(64512 + i),
		})
	}
	return cfg
}

// newTestManager builds an initialized manager over five validators with t=3
func newTestManager(t *testing.T, cfg *Config, tr Transport, opts ...ManagerOption) (*ConsensusSecurityManager, *recordingAudit) {
	t.Helper()
	if cfg == nil {
		cfg = testManagerConfig()
	}
	audit := &recordingAudit{}
	m, err := NewConsensusSecurityManager(cfg, tr, append([]ManagerOption{WithAuditLogger(audit)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, audit
}

func eventsOfKind(events []SecurityEvent, kind monitor.AttackKind) []SecurityEvent {
	var out []SecurityEvent
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testManagerConfig()
	m, err := NewConsensusSecurityManager(cfg, transport.NewMemory(), WithAuditLogger(logger.Nop()))
	require.NoError(t, err)
	require.Equal(t, StateUninitialized, m.State())

	_, err = m.PerformSecurityCheck(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	_, err = m.RotateKeys(ctx)
	require.ErrorIs(t, err, ErrNotActive)
	_, err = m.CreateThresholdSignature(ctx, []byte("m"), nodeIDs(3))
	require.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, m.Initialize(ctx))
	require.Equal(t, StateActive, m.State())
	require.ErrorIs(t, m.Initialize(ctx), ErrAlreadyInitialized)

	scores := m.GetReputationScores()
	require.Len(t, scores, 5)
	for _, score := range scores {
		require.Equal(t, InitialReputation, score)
	}
	require.Len(t, m.GetParticipants(), 5)
	require.Equal(t, uint64(1), m.ActiveKeyMaterial().Epoch)

	m.Shutdown(ctx)
	require.Equal(t, StateStopped, m.State())
	m.Shutdown(ctx)
	require.Equal(t, StateStopped, m.State())
	require.ErrorIs(t, m.Initialize(ctx), ErrAlreadyInitialized)
	_, err = m.PerformSecurityCheck(ctx)
	require.ErrorIs(t, err, ErrNotActive)
}

func TestNewManagerRejectsBadInput(t *testing.T) {
	_, err := NewConsensusSecurityManager(nil, transport.NewMemory())
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewConsensusSecurityManager(testManagerConfig(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg := testManagerConfig()
	cfg.Threshold = 6
	_, err = NewConsensusSecurityManager(cfg, transport.NewMemory())
	require.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testManagerConfig()
	cfg.Logging.Level = "chatty"
	_, err = NewConsensusSecurityManager(cfg, transport.NewMemory())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

type failingKeyManager struct {
	*SecureKeyManager
}

func (f failingKeyManager) Rotate(context.Context, []string, int) (*RotationResult, error) {
	return nil, errors.New("key generation unavailable")
}

func TestManagerInitializeFailure(t *testing.T) {
	curve := NewEd25519Curve()
	audit := &recordingAudit{}
	m, err := NewConsensusSecurityManager(testManagerConfig(), transport.NewMemory(),
		WithAuditLogger(audit),
		WithKeyManager(failingKeyManager{NewSecureKeyManager(curve, nil, nil)}),
	)
	require.NoError(t, err)

	err = m.Initialize(context.Background())
	require.ErrorIs(t, err, ErrInitialization)
	require.ErrorContains(t, err, "key generation unavailable")
	require.Equal(t, StateUninitialized, m.State())
	require.Empty(t, m.GetReputationScores())
	require.Nil(t, m.ActiveKeyMaterial())
	require.True(t, audit.has("error", "security manager initialization failed"))
}

func TestManagerSybilDecaysReputation(t *testing.T) {
	cfg := testManagerConfig()
	for i := 1; i < 4; i++ {
		cfg.NetworkParticipants[i].IPSubnet = "192.168.7.0/24"
		cfg.NetworkParticipants[i].ASNumber = 65000
	}
	m, _ := newTestManager(t, cfg, transport.NewMemory())

	events, err := m.PerformSecurityCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, monitor.KindSybil, events[0].Kind)
	require.Equal(t, monitor.SeverityMedium, events[0].Severity)
	require.Equal(t, []string{"validator-03", "validator-04"}, events[0].Details["suspects"])

	scores := m.GetReputationScores()
	require.Equal(t, InitialReputation, scores["validator-02"])
	require.InDelta(t, InitialReputation-DefaultSybilReputationDecay, scores["validator-03"], 1e-9)
	require.InDelta(t, InitialReputation-DefaultSybilReputationDecay, scores["validator-04"], 1e-9)
	require.Less(t, scores["validator-04"], InitialReputation)

	metrics := m.GetMetrics()
	require.Equal(t, uint64(1), metrics.SybilAttempts)
	require.Equal(t, uint64(1), metrics.ThreatsDetected)
	require.Len(t, metrics.AttackDetectionLatency, 1)
}

func TestManagerIsolatesByzantineNode(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	m, audit := newTestManager(t, nil, tr)

	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-02", Round: 7, PayloadHash: transport.HashPayload([]byte("block a"))})
	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-02", Round: 7, PayloadHash: transport.HashPayload([]byte("block b"))})
	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-03", Round: 7, PayloadHash: transport.HashPayload([]byte("block a"))})

	events, err := m.PerformSecurityCheck(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, monitor.KindByzantine, events[0].Kind)
	require.Equal(t, monitor.SeverityHigh, events[0].Severity)
	require.Equal(t, "validator-02", events[0].Details["node_id"])
	require.True(t, audit.has("warn", "participant isolated"))

	_, present := m.GetReputationScores()["validator-02"]
	require.False(t, present)
	require.Len(t, m.GetParticipants(), 4)
	require.Equal(t, uint64(1), m.GetMetrics().ByzantineNodes)

	// The isolated node can no longer sign or rejoin
	_, err = m.CreateThresholdSignature(ctx, []byte("m"), []string{"validator-01", "validator-02", "validator-03"})
	require.ErrorIs(t, err, ErrUnrecognizedSigner)
	require.ErrorIs(t, m.AddParticipant(monitor.Participant{NodeID: "validator-02"}), ErrInvalidParticipantID)

	sig, err := m.CreateThresholdSignature(ctx, []byte("m"), []string{"validator-01", "validator-03", "validator-04"})
	require.NoError(t, err)
	valid, err := m.VerifyThresholdSignature([]byte("m"), sig)
	require.NoError(t, err)
	require.True(t, valid)

	// The next rotation excludes the isolated node
	_, err = m.RotateKeys(ctx)
	require.NoError(t, err)
	require.NotContains(t, m.ActiveKeyMaterial().NodeIDs(), "validator-02")
	require.Equal(t, 4, m.ActiveKeyMaterial().TotalParties)
}

func TestManagerDetectsEclipse(t *testing.T) {
	tr := transport.NewMemory()
	m, audit := newTestManager(t, nil, tr)

	tr.SetPeerView([]string{"validator-02", "stranger-1", "stranger-2", "stranger-3", "stranger-4"})
	events, err := m.PerformSecurityCheck(context.Background())
	require.NoError(t, err)

	eclipse := eventsOfKind(events, monitor.KindEclipse)
	require.Len(t, eclipse, 1)
	require.Equal(t, monitor.SeverityCritical, eclipse[0].Severity)
	require.Equal(t, []string{"stranger-1", "stranger-2", "stranger-3", "stranger-4"}, eclipse[0].Details["new_low_trust_peers"])
	require.InDelta(t, 0.8, eclipse[0].Details["low_trust_fraction"], 1e-9)
	require.True(t, audit.has("error", "eclipse attack in progress"))

	// Alerting does not change reputation
	require.Len(t, m.GetReputationScores(), 5)
	require.Equal(t, uint64(1), m.GetMetrics().EclipseAttempts)
}

func TestManagerPeersStopBeingNew(t *testing.T) {
	cfg := testManagerConfig()
	cfg.NewPeerWindow = 0
	tr := transport.NewMemory()
	m, _ := newTestManager(t, cfg, tr)

	tr.SetPeerView([]string{"stranger-1", "stranger-2", "stranger-3"})
	events, err := m.PerformSecurityCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, eventsOfKind(events, monitor.KindEclipse), 1)

	time.Sleep(5 * time.Millisecond)
	events, err = m.PerformSecurityCheck(context.Background())
	require.NoError(t, err)
	require.Empty(t, eventsOfKind(events, monitor.KindEclipse))
}

func TestManagerRateLimitsFloodingNode(t *testing.T) {
	fixed := time.Unix(5000, 0)
	tr := transport.NewMemory(transport.WithClock(func() time.Time { return fixed }))
	m, _ := newTestManager(t, nil, tr)

	for i := 0; i < 150; i++ {
		tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-04", Round: uint64(i), PayloadHash: []byte{0x01}})
	}

	events, err := m.PerformSecurityCheck(context.Background())
	require.NoError(t, err)
	dos := eventsOfKind(events, monitor.KindDoS)
	require.Len(t, dos, 1)
	require.Equal(t, monitor.SeverityMedium, dos[0].Severity)
	require.Equal(t, []string{"validator-04"}, tr.RateLimited())
	require.Equal(t, uint64(1), m.GetMetrics().DoSAttempts)
}

// scriptedTransport returns canned data and records rate limits
type scriptedTransport struct {
	mu          sync.Mutex
	messagesErr error
	rates       map[string]float64
	limitErr    error
	limited     []string
}

func (s *scriptedTransport) RecentConsensusMessages(context.Context) ([]monitor.ConsensusMessage, error) {
	return nil, s.messagesErr
}

func (s *scriptedTransport) MessageRates(context.Context) (map[string]float64, error) {
	return s.rates, nil
}

func (s *scriptedTransport) ApplyRateLimit(_ context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limited = append(s.limited, nodeID)
	return s.limitErr
}

func TestManagerCheckContinuesPastTransportErrors(t *testing.T) {
	tr := &scriptedTransport{
		messagesErr: errors.New("gossip unavailable"),
		rates:       map[string]float64{"validator-05": 500},
		limitErr:    errors.New("firewall rejected rule"),
	}
	m, audit := newTestManager(t, nil, tr)

	events, err := m.PerformSecurityCheck(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "gossip unavailable")
	require.ErrorContains(t, err, "firewall rejected rule")

	require.Len(t, events, 1)
	require.Equal(t, monitor.KindDoS, events[0].Kind)
	require.Equal(t, monitor.SeverityHigh, events[0].Severity)
	require.Equal(t, []string{"validator-05"}, tr.limited)
	require.True(t, audit.has("error", "rate limit failed"))

	metrics := m.GetMetrics()
	require.Equal(t, uint64(1), metrics.CheckFailures)
	require.Len(t, m.GetSecurityEvents(0), 1)
}

func TestManagerDetectorFailure(t *testing.T) {
	mon, err := monitor.New(monitor.DefaultThresholds(),
		monitor.WithDetector("broken", func(monitor.Snapshot, monitor.Thresholds) ([]monitor.Attack, error) {
			panic("index out of range")
		}),
	)
	require.NoError(t, err)

	tr := transport.NewMemory()
	m, audit := newTestManager(t, nil, tr, WithSecurityMonitor(mon))

	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-05", Round: 1, PayloadHash: []byte{0x01}})
	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-05", Round: 1, PayloadHash: []byte{0x02}})

	events, err := m.PerformSecurityCheck(context.Background())
	require.ErrorContains(t, err, "broken")
	require.Len(t, events, 1)
	require.Equal(t, monitor.KindByzantine, events[0].Kind)
	require.True(t, audit.has("warn", "detector failed"))
	require.Equal(t, uint64(1), m.GetMetrics().CheckFailures)
}

// blockingMonitor parks Detect until released
type blockingMonitor struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMonitor) Detect(monitor.Snapshot) monitor.Report {
	b.entered <- struct{}{}
	<-b.release
	return monitor.Report{}
}

func TestManagerCheckIsNotReentrant(t *testing.T) {
	mon := &blockingMonitor{entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestManager(t, nil, transport.NewMemory(), WithSecurityMonitor(mon))

	done := make(chan error, 1)
	go func() {
		_, err := m.PerformSecurityCheck(context.Background())
		done <- err
	}()
	<-mon.entered

	_, err := m.PerformSecurityCheck(context.Background())
	require.ErrorIs(t, err, ErrCheckInFlight)
	require.Equal(t, uint64(1), m.GetMetrics().SkippedChecks)

	close(mon.release)
	require.NoError(t, <-done)

	go func() { <-mon.entered }()
	_, err = m.PerformSecurityCheck(context.Background())
	require.NoError(t, err)
}

func TestManagerDropsForgedMessages(t *testing.T) {
	cfg := testManagerConfig()
	keys := make(map[string]crypto.PrivateKeyI)
	for i := range cfg.NetworkParticipants {
		key, err := crypto.NewBLS12381PrivateKey()
		require.NoError(t, err)
		keys[cfg.NetworkParticipants[i].NodeID] = key
		cfg.NetworkParticipants[i].IdentityKey = key.PublicKey()
	}
	tr := transport.NewMemory()
	m, _ := newTestManager(t, cfg, tr)

	// Genuine equivocation by validator-01
	tr.Deliver(transport.NewSignedMessage("validator-01", 3, []byte("a"), keys["validator-01"]))
	tr.Deliver(transport.NewSignedMessage("validator-01", 3, []byte("b"), keys["validator-01"]))
	// Forged equivocation framing validator-02
	tr.Deliver(transport.NewSignedMessage("validator-02", 3, []byte("a"), keys["validator-02"]))
	tr.Deliver(transport.NewSignedMessage("validator-02", 3, []byte("b"), keys["validator-03"]))
	// Unsigned message
	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-03", Round: 3, PayloadHash: transport.HashPayload([]byte("c"))})
	// Unregistered sender
	tr.Deliver(monitor.ConsensusMessage{NodeID: "outsider", Round: 3, PayloadHash: transport.HashPayload([]byte("d"))})

	events, err := m.PerformSecurityCheck(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "validator-01", events[0].Details["node_id"])
	require.Equal(t, uint64(2), m.GetMetrics().ForgedMessages)

	_, present := m.GetReputationScores()["validator-02"]
	require.True(t, present)
}

func TestManagerRotateKeys(t *testing.T) {
	ctx := context.Background()
	m, audit := newTestManager(t, nil, transport.NewMemory())

	before := m.ActiveKeyMaterial()
	eventsBefore := len(m.GetSecurityEvents(0))

	event, err := m.RotateKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, EventKeyRotation, event.Type)
	require.Equal(t, monitor.SeverityMedium, event.Severity)
	require.Equal(t, uint64(1), event.Details["old_epoch"])
	require.Equal(t, uint64(2), event.Details["new_epoch"])
	require.Contains(t, event.Details, "overhead_ms")

	events := m.GetSecurityEvents(0)
	require.Len(t, events, eventsBefore+1)
	require.Equal(t, event.ID, events[len(events)-1].ID)

	after := m.ActiveKeyMaterial()
	require.Equal(t, uint64(2), after.Epoch)
	require.False(t, after.GroupPublicKey.Equal(before.GroupPublicKey))
	require.Equal(t, uint64(1), m.GetMetrics().KeyRotations)
	require.Len(t, m.GetMetrics().KeyRotationOverhead, 1)
	require.True(t, audit.has("info", "keys rotated"))

	// With one retained epoch, old signatures stop verifying
	sig, err := m.CreateThresholdSignature(ctx, []byte("m"), nodeIDs(3))
	require.NoError(t, err)
	_, err = m.RotateKeys(ctx)
	require.NoError(t, err)
	valid, err := m.VerifyThresholdSignature([]byte("m"), sig)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestManagerAddedParticipantSignsAfterRotation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, transport.NewMemory())

	require.NoError(t, m.AddParticipant(monitor.Participant{NodeID: "validator-06", IPSubnet: "10.9.0.0/24"}))
	require.ErrorIs(t, m.AddParticipant(monitor.Participant{NodeID: "validator-06"}), ErrDuplicateParticipants)
	require.ErrorIs(t, m.AddParticipant(monitor.Participant{}), ErrInvalidParticipantID)
	require.Equal(t, InitialReputation, m.GetReputationScores()["validator-06"])

	signers := []string{"validator-01", "validator-02", "validator-06"}
	_, err := m.CreateThresholdSignature(ctx, []byte("m"), signers)
	require.ErrorIs(t, err, ErrUnrecognizedSigner)

	_, err = m.RotateKeys(ctx)
	require.NoError(t, err)
	sig, err := m.CreateThresholdSignature(ctx, []byte("m"), signers)
	require.NoError(t, err)
	valid, err := m.VerifyThresholdSignature([]byte("m"), sig)
	require.NoError(t, err)
	require.True(t, valid)

	require.NoError(t, m.RemoveParticipant("validator-06"))
	require.ErrorIs(t, m.RemoveParticipant("validator-06"), ErrParticipantNotFound)
	_, err = m.CreateThresholdSignature(ctx, []byte("m"), signers)
	require.ErrorIs(t, err, ErrUnrecognizedSigner)

	metrics := m.GetMetrics()
	require.Equal(t, uint64(1), metrics.SignaturesCreated)
	require.Equal(t, uint64(1), metrics.ConsensusSuccess)
	require.Zero(t, metrics.ConsensusFailures)
	require.Equal(t, uint64(1), metrics.SignaturesVerified)
}

func TestManagerRejectedSigningLeavesMetricsUntouched(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, transport.NewMemory())

	_, err := m.CreateThresholdSignature(ctx, []byte("m"), nodeIDs(2))
	require.ErrorIs(t, err, ErrInsufficientSignatories)
	_, err = m.CreateThresholdSignature(ctx, []byte("m"), []string{"validator-01", "validator-01", "validator-02"})
	require.ErrorIs(t, err, ErrDuplicateSigner)
	_, err = m.CreateThresholdSignature(ctx, []byte("m"), []string{"validator-01", "validator-02", "outsider"})
	require.ErrorIs(t, err, ErrUnrecognizedSigner)

	before := m.GetMetrics()
	require.Zero(t, before.ConsensusFailures)
	require.Zero(t, before.ConsensusSuccess)
	require.Zero(t, before.SignaturesCreated)

	// Cancellation happens during signing and counts as a consensus failure
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.CreateThresholdSignature(cancelled, []byte("m"), nodeIDs(3))
	require.Error(t, err)
	require.Equal(t, uint64(1), m.GetMetrics().ConsensusFailures)
}

func TestManagerRecentEvents(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, nil, transport.NewMemory())

	for i := 0; i < 7; i++ {
		_, err := m.RotateKeys(ctx)
		require.NoError(t, err)
	}

	recent := m.GetSecurityEvents(5)
	require.Len(t, recent, 5)
	for k, event := range recent {
		require.Equal(t, uint64(k+4), event.Details["new_epoch"])
	}
	require.Len(t, m.GetSecurityEvents(0), 7)
}

func TestManagerEventLogIsBounded(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxSecurityEvents = 2
	m, _ := newTestManager(t, cfg, transport.NewMemory())

	for i := 0; i < 3; i++ {
		_, err := m.RotateKeys(context.Background())
		require.NoError(t, err)
	}
	events := m.GetSecurityEvents(0)
	require.Len(t, events, 2)
	require.Equal(t, uint64(3), events[0].Details["new_epoch"])
}

func TestManagerProofs(t *testing.T) {
	m, _ := newTestManager(t, nil, transport.NewMemory())
	curve := m.Curve()

	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	proof, err := m.CreateZeroKnowledgeProof(secret, []byte("validator-01 registration"))
	require.NoError(t, err)
	require.True(t, m.VerifyZeroKnowledgeProof(proof, curve.BasePoint().Mul(secret)))
	require.False(t, m.VerifyZeroKnowledgeProof(proof, curve.BasePoint()))

	_, err = m.CreateZeroKnowledgeProof(nil, nil)
	require.Error(t, err)

	metrics := m.GetMetrics()
	require.Equal(t, uint64(1), metrics.ProofsCreated)
	require.Equal(t, uint64(2), metrics.ProofsVerified)
	require.Len(t, metrics.ZKPGenerationTime, 1)
}

func TestManagerMetricsSnapshotsAreIndependent(t *testing.T) {
	m, _ := newTestManager(t, nil, transport.NewMemory())
	_, err := m.RotateKeys(context.Background())
	require.NoError(t, err)

	first := m.GetMetrics()
	first.KeyRotations = 99
	first.KeyRotationOverhead[0] = time.Hour

	second := m.GetMetrics()
	require.Equal(t, uint64(1), second.KeyRotations)
	require.NotEqual(t, time.Hour, second.KeyRotationOverhead[0])
}

func TestManagerNotifications(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewMemory()
	cfg := testManagerConfig()
	m, err := NewConsensusSecurityManager(cfg, tr, WithAuditLogger(logger.Nop()))
	require.NoError(t, err)

	sub, unsubscribe := m.Subscribe(16)
	defer unsubscribe()

	require.NoError(t, m.Initialize(ctx))
	rotation, err := m.RotateKeys(ctx)
	require.NoError(t, err)

	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-05", Round: 1, PayloadHash: []byte{0x01}})
	tr.Deliver(monitor.ConsensusMessage{NodeID: "validator-05", Round: 1, PayloadHash: []byte{0x02}})
	events, err := m.PerformSecurityCheck(ctx)
	require.NoError(t, err)
	m.Shutdown(ctx)

	var received []Notification
	for n := range sub {
		received = append(received, n)
	}
	require.Len(t, received, 4)
	require.Equal(t, Initialized{NodeID: "validator-01"}, received[0])
	require.Equal(t, rotation.ID, received[1].(KeyRotated).Event.ID)
	require.Equal(t, events[0].ID, received[2].(AttackDetected).Event.ID)
	require.Equal(t, ShutdownNotice{NodeID: "validator-01"}, received[3])

	late, _ := m.Subscribe(1)
	_, open := <-late
	require.False(t, open)
}

func TestManagerCountsDroppedNotifications(t *testing.T) {
	m, err := NewConsensusSecurityManager(testManagerConfig(), transport.NewMemory(), WithAuditLogger(logger.Nop()))
	require.NoError(t, err)
	_, unsubscribe := m.Subscribe(1)
	defer unsubscribe()

	require.NoError(t, m.Initialize(context.Background()))
	defer m.Shutdown(context.Background())
	_, err = m.RotateKeys(context.Background())
	require.NoError(t, err)

	require.Equal(t, uint64(1), m.GetMetrics().DroppedNotifications)
}

func TestManagerShutdownWithFailingCleanup(t *testing.T) {
	storage := newMemoryKeyStorage()
	storage.cleanupErr = errors.New("permission denied")
	m, audit := newTestManager(t, nil, transport.NewMemory(), WithKeyStorage(storage))
	require.Len(t, storage.shares, 5)

	m.Shutdown(context.Background())
	require.Equal(t, StateStopped, m.State())
	require.True(t, storage.cleaned)
	require.True(t, audit.has("error", "cleanup failed during shutdown"))
	require.True(t, audit.has("info", "security manager stopped"))
}

func TestManagerPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, nil, transport.NewMemory(), WithMetricsRegisterer(reg))
	_, err := m.RotateKeys(context.Background())
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	require.Equal(t, 1.0, values["guardian_key_rotations_total"])
	require.Equal(t, 5.0, values["guardian_tracked_participants"])

	// A second manager cannot register the same collectors
	_, err = NewConsensusSecurityManager(testManagerConfig(), transport.NewMemory(),
		WithAuditLogger(logger.Nop()), WithMetricsRegisterer(reg))
	require.Error(t, err)
}

func TestManagerWritesAuditLogFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	cfg := testManagerConfig()
	cfg.Logging = logger.Config{FileOutput: true, FileName: path, Level: "info"}

	m, err := NewConsensusSecurityManager(cfg, transport.NewMemory())
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	m.Shutdown(context.Background())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"message":"security manager initialized"`)
	require.Contains(t, string(data), `"component":"guardian"`)
	require.Contains(t, string(data), `"node_id":"validator-01"`)
}

func TestManagerToleratesPanickingAudit(t *testing.T) {
	m, err := NewConsensusSecurityManager(testManagerConfig(), transport.NewMemory(), WithAuditLogger(panickingAudit{}))
	require.NoError(t, err)
	require.NoError(t, m.Initialize(context.Background()))
	_, err = m.RotateKeys(context.Background())
	require.NoError(t, err)
	m.Shutdown(context.Background())
	require.Equal(t, StateStopped, m.State())
}

type panickingAudit struct{}

func (panickingAudit) Info(string, ...interface{})  { panic("audit sink down") }
func (panickingAudit) Warn(string, ...interface{})  { panic("audit sink down") }
func (panickingAudit) Error(string, ...interface{}) { panic("audit sink down") }

// recordingSigner stands in for the threshold scheme and records what the manager hands it
type recordingSigner struct {
	mu        sync.Mutex
	material  *KeyMaterial
	signed    [][]string
	signature []byte
}

func (r *recordingSigner) Sign(_ context.Context, _ []byte, signatories []string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signed = append(r.signed, append([]string(nil), signatories...))
	return r.signature, nil
}

func (r *recordingSigner) Verify(_ []byte, signature []byte) (bool, error) {
	return string(signature) == string(r.signature), nil
}

func (r *recordingSigner) UpdateKeys(material *KeyMaterial) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.material = material
	return nil
}

func (r *recordingSigner) ActiveKeyMaterial() *KeyMaterial {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.material
}

func TestManagerWithInjectedSigner(t *testing.T) {
	ctx := context.Background()
	signer := &recordingSigner{signature: []byte("stub signature")}
	m, _ := newTestManager(t, nil, transport.NewMemory(), WithThresholdSigner(signer))

	require.NotNil(t, signer.material)
	require.Equal(t, uint64(1), m.ActiveKeyMaterial().Epoch)

	sig, err := m.CreateThresholdSignature(ctx, []byte("m"), nodeIDs(3))
	require.NoError(t, err)
	require.Equal(t, []byte("stub signature"), sig)
	valid, err := m.VerifyThresholdSignature([]byte("m"), sig)
	require.NoError(t, err)
	require.True(t, valid)

	// Registry membership is enforced whatever the scheme
	_, err = m.CreateThresholdSignature(ctx, []byte("m"), []string{"validator-01", "validator-02", "outsider"})
	require.ErrorIs(t, err, ErrUnrecognizedSigner)
	require.Len(t, signer.signed, 1)

	_, err = m.RotateKeys(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), signer.material.Epoch)
}

// rejectingProver accepts no proof
type rejectingProver struct {
	verified int
}

func (r *rejectingProver) Prove(Scalar, []byte, ...ProveOption) (*DiscreteLogProof, error) {
	return nil, errors.New("prover offline")
}

func (r *rejectingProver) Verify(*DiscreteLogProof, Point) bool {
	r.verified++
	return false
}

func TestManagerWithInjectedProver(t *testing.T) {
	prover := &rejectingProver{}
	m, _ := newTestManager(t, nil, transport.NewMemory(), WithProver(prover))

	curve := m.Curve()
	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	_, err = m.CreateZeroKnowledgeProof(secret, nil)
	require.ErrorContains(t, err, "prover offline")

	honest, err := NewZeroKnowledgeProofSystem(curve, HashSHA512).Prove(secret, nil)
	require.NoError(t, err)
	require.False(t, m.VerifyZeroKnowledgeProof(honest, curve.BasePoint().Mul(secret)))
	require.Equal(t, 1, prover.verified)

	metrics := m.GetMetrics()
	require.Zero(t, metrics.ProofsCreated)
	require.Equal(t, uint64(1), metrics.ProofsVerified)
}

func TestManagerRejectsSimulatedProof(t *testing.T) {
	m, _ := newTestManager(t, nil, transport.NewMemory())
	curve := m.Curve()

	secret, err := curve.ScalarRandom()
	require.NoError(t, err)
	publicKey := curve.BasePoint().Mul(secret)
	simulated, err := NewZeroKnowledgeProofSystem(curve, HashSHA512).Simulate(publicKey, []byte("registration"))
	require.NoError(t, err)
	require.False(t, m.VerifyZeroKnowledgeProof(simulated, publicKey))
}

// panickingMonitor fails every detection pass
type panickingMonitor struct{}

func (panickingMonitor) Detect(monitor.Snapshot) monitor.Report {
	panic("detector state corrupted")
}

func TestCheckLoopClassifiesFailures(t *testing.T) {
	t.Run("recoverable", func(t *testing.T) {
		cfg := testManagerConfig()
		cfg.MonitoringInterval = 5 * time.Millisecond
		tr := &scriptedTransport{messagesErr: errors.New("gossip unavailable")}
		_, audit := newTestManager(t, cfg, tr)

		require.Eventually(t, func() bool { return audit.has("warn", "security check failed") }, 2*time.Second, 5*time.Millisecond)
		require.False(t, audit.has("error", "security check failed"))
	})

	t.Run("unrecoverable", func(t *testing.T) {
		cfg := testManagerConfig()
		cfg.MonitoringInterval = 5 * time.Millisecond
		_, audit := newTestManager(t, cfg, transport.NewMemory(), WithSecurityMonitor(panickingMonitor{}))

		require.Eventually(t, func() bool { return audit.has("error", "security check failed") }, 2*time.Second, 5*time.Millisecond)
	})
}

func TestCheckErrorsAreClassified(t *testing.T) {
	tr := &scriptedTransport{
		messagesErr: errors.New("gossip unavailable"),
		rates:       map[string]float64{"validator-05": 500},
		limitErr:    errors.New("firewall rejected rule"),
	}
	m, _ := newTestManager(t, nil, tr)

	_, err := m.PerformSecurityCheck(context.Background())
	require.ErrorIs(t, err, ErrTransportUnavailable)
	require.ErrorIs(t, err, ErrMitigationFailed)
	require.True(t, IsRecoverableError(err))

	m2, _ := newTestManager(t, nil, transport.NewMemory(), WithSecurityMonitor(panickingMonitor{}))
	_, err = m2.PerformSecurityCheck(context.Background())
	require.ErrorIs(t, err, ErrCheckPanicked)
	require.False(t, IsRecoverableError(err))
}
