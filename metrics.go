package guardian

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

// maxTimingSamples bounds every rolling timing series
const maxTimingSamples = 256

// SecurityMetrics is a snapshot of the manager's counters and timing samples
type SecurityMetrics struct {
	ThreatsDetected   uint64 `json:"threats_detected"`
	ByzantineNodes    uint64 `json:"byzantine_nodes"`
	SybilAttempts     uint64 `json:"sybil_attempts"`
	EclipseAttempts   uint64 `json:"eclipse_attempts"`
	DoSAttempts       uint64 `json:"dos_attempts"`
	ConsensusSuccess  uint64 `json:"consensus_success"`
	ConsensusFailures uint64 `json:"consensus_failures"`

	SignaturesCreated    uint64 `json:"signatures_created"`
	SignaturesVerified   uint64 `json:"signatures_verified"`
	ProofsCreated        uint64 `json:"proofs_created"`
	ProofsVerified       uint64 `json:"proofs_verified"`
	KeyRotations         uint64 `json:"key_rotations"`
	CheckFailures        uint64 `json:"check_failures"`
	SkippedChecks        uint64 `json:"skipped_checks"`
	ForgedMessages       uint64 `json:"forged_messages"`
	DroppedNotifications uint64 `json:"dropped_notifications"`

	SignatureVerificationTime []time.Duration `json:"signature_verification_time"`
	ZKPGenerationTime         []time.Duration `json:"zkp_generation_time"`
	AttackDetectionLatency    []time.Duration `json:"attack_detection_latency"`
	KeyRotationOverhead       []time.Duration `json:"key_rotation_overhead"`
}

func (m *SecurityMetrics) clone() *SecurityMetrics {
	c := *m
	c.SignatureVerificationTime = append([]time.Duration(nil), m.SignatureVerificationTime...)
	c.ZKPGenerationTime = append([]time.Duration(nil), m.ZKPGenerationTime...)
	c.AttackDetectionLatency = append([]time.Duration(nil), m.AttackDetectionLatency...)
	c.KeyRotationOverhead = append([]time.Duration(nil), m.KeyRotationOverhead...)
	return &c
}

func appendSample(samples []time.Duration, d time.Duration) []time.Duration {
	if len(samples) >= maxTimingSamples {
		copy(samples, samples[1:])
		samples = samples[:len(samples)-1]
	}
	return append(samples, d)
}

// promCollectors mirrors the metrics into prometheus
type promCollectors struct {
	threats     *prometheus.CounterVec
	operations  *prometheus.CounterVec
	rotations   prometheus.Counter
	checks      *prometheus.CounterVec
	durations   *prometheus.HistogramVec
	reputations prometheus.Gauge
}

func newPromCollectors(reg prometheus.Registerer) (*promCollectors, error) {
	c := &promCollectors{
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "threats_total",
			Help:      "Detected attacks by kind.",
		}, []string{"kind"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "operations_total",
			Help:      "Cryptographic operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "key_rotations_total",
			Help:      "Completed key rotations.",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "guardian",
			Name:      "security_checks_total",
			Help:      "Security checks by outcome.",
		}, []string{"outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "guardian",
			Name:      "operation_duration_seconds",
			Help:      "Duration of timed security operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),
		reputations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "guardian",
			Name:      "tracked_participants",
			Help:      "Participants holding a reputation score.",
		}),
	}

	for _, col := range []prometheus.Collector{c.threats, c.operations, c.rotations, c.checks, c.durations, c.reputations} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics collector: %w", err)
		}
	}
	return c, nil
}

// metricsRecorder owns the live metrics. Each method applies one operation's update atomically.
type metricsRecorder struct {
	mu   sync.Mutex
	live SecurityMetrics
	prom *promCollectors
}

func newMetricsRecorder(reg prometheus.Registerer) (*metricsRecorder, error) {
	r := &metricsRecorder{}
	if reg != nil {
		prom, err := newPromCollectors(reg)
		if err != nil {
			return nil, err
		}
		r.prom = prom
	}
	return r, nil
}

func (r *metricsRecorder) snapshot() *SecurityMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live.clone()
}

func (r *metricsRecorder) recordAttack(attack monitor.Attack, latency time.Duration) {
	r.mu.Lock()
	r.live.ThreatsDetected++
	switch attack.(type) {
	case *monitor.ByzantineAttack:
		r.live.ByzantineNodes++
	case *monitor.SybilAttack:
		r.live.SybilAttempts++
	case *monitor.EclipseAttack:
		r.live.EclipseAttempts++
	case *monitor.DoSAttack:
		r.live.DoSAttempts++
	}
	r.live.AttackDetectionLatency = appendSample(r.live.AttackDetectionLatency, latency)
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.threats.WithLabelValues(string(attack.Kind())).Inc()
		r.prom.durations.WithLabelValues("attack_detection").Observe(latency.Seconds())
	}
}

func (r *metricsRecorder) recordSignature(err error) {
	r.mu.Lock()
	if err != nil {
		r.live.ConsensusFailures++
	} else {
		r.live.SignaturesCreated++
		r.live.ConsensusSuccess++
	}
	r.mu.Unlock()

	r.observeOperation("sign", err)
}

func (r *metricsRecorder) recordVerification(d time.Duration, err error) {
	r.mu.Lock()
	r.live.SignaturesVerified++
	r.live.SignatureVerificationTime = appendSample(r.live.SignatureVerificationTime, d)
	r.mu.Unlock()

	r.observeOperation("verify_signature", err)
	if r.prom != nil {
		r.prom.durations.WithLabelValues("signature_verification").Observe(d.Seconds())
	}
}

func (r *metricsRecorder) recordProof(d time.Duration, err error) {
	r.mu.Lock()
	if err == nil {
		r.live.ProofsCreated++
		r.live.ZKPGenerationTime = appendSample(r.live.ZKPGenerationTime, d)
	}
	r.mu.Unlock()

	r.observeOperation("prove", err)
	if r.prom != nil && err == nil {
		r.prom.durations.WithLabelValues("zkp_generation").Observe(d.Seconds())
	}
}

func (r *metricsRecorder) recordProofVerification() {
	r.mu.Lock()
	r.live.ProofsVerified++
	r.mu.Unlock()

	r.observeOperation("verify_proof", nil)
}

func (r *metricsRecorder) recordRotation(d time.Duration) {
	r.mu.Lock()
	r.live.KeyRotations++
	r.live.KeyRotationOverhead = appendSample(r.live.KeyRotationOverhead, d)
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.rotations.Inc()
		r.prom.durations.WithLabelValues("key_rotation").Observe(d.Seconds())
	}
}

func (r *metricsRecorder) recordCheck(failed bool) {
	outcome := "ok"
	if failed {
		outcome = "failed"
		r.mu.Lock()
		r.live.CheckFailures++
		r.mu.Unlock()
	}
	if r.prom != nil {
		r.prom.checks.WithLabelValues(outcome).Inc()
	}
}

func (r *metricsRecorder) recordSkippedCheck() {
	r.mu.Lock()
	r.live.SkippedChecks++
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.checks.WithLabelValues("skipped").Inc()
	}
}

func (r *metricsRecorder) recordForged(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.live.ForgedMessages += uint64(n)
	r.mu.Unlock()
}

func (r *metricsRecorder) recordDropped(n int) {
	if n == 0 {
		return
	}
	r.mu.Lock()
	r.live.DroppedNotifications += uint64(n)
	r.mu.Unlock()
}

func (r *metricsRecorder) setTrackedParticipants(n int) {
	if r.prom != nil {
		r.prom.reputations.Set(float64(n))
	}
}

func (r *metricsRecorder) observeOperation(op string, err error) {
	if r.prom == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.prom.operations.WithLabelValues(op, outcome).Inc()
}
