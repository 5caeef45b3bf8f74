// Package monitor detects Byzantine, Sybil, Eclipse and denial of service behavior in snapshots
// of consensus traffic. Detection is a pure function of the snapshot and the thresholds.
package monitor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/canopy/lib/crypto"
)

// Participant is a registered consensus node
type Participant struct {
	NodeID   string `yaml:"node_id"`
	IPSubnet string `yaml:"ip_subnet"`
	ASNumber uint32 `yaml:"as_number"`
	Region   string `yaml:"region"`
	// IdentityKey authenticates the node's consensus messages when set
	IdentityKey crypto.PublicKeyI `yaml:"-"`
}

// Fingerprint returns the participant's network fingerprint
func (p Participant) Fingerprint() Fingerprint {
	return Fingerprint{IPSubnet: p.IPSubnet, ASNumber: p.ASNumber}
}

// ConsensusMessage is one consensus message as observed by the transport
type ConsensusMessage struct {
	NodeID      string
	Round       uint64
	PayloadHash []byte
	Signature   []byte
}

// SigningBytes returns the bytes a node signs with its identity key: round(8) ‖ payload hash
func (m ConsensusMessage) SigningBytes() []byte {
	out := make([]byte, 8, 8+len(m.PayloadHash))
	binary.BigEndian.PutUint64(out, m.Round)
	return append(out, m.PayloadHash...)
}

// Snapshot is the input of one detection pass
type Snapshot struct {
	Participants []Participant
	Messages     []ConsensusMessage
	// MessageRates holds messages per second per node
	MessageRates map[string]float64
	// Reputation holds trust in [0,1]; absent nodes count as 0
	Reputation map[string]float64
	// PeerView is the local node's visible peer set
	PeerView []string
	// NewPeers marks peers first seen within the recent window
	NewPeers map[string]bool
}

// Thresholds configures the detectors
type Thresholds struct {
	// Byzantine is the contradiction count at which equivocation becomes CRITICAL
	Byzantine int `yaml:"byzantine"`
	// Sybil is the cluster size at which a fingerprint is flagged
	Sybil int `yaml:"sybil"`
	// Eclipse is the low trust fraction of the peer view that triggers detection
	Eclipse float64 `yaml:"eclipse"`
	// DoS is the message rate per second above which a node is flagged
	DoS float64 `yaml:"dos"`
	// LowTrustCutoff is the reputation below which a peer is low trust
	LowTrustCutoff float64 `yaml:"low_trust_cutoff"`
	// MinNewLowTrustPeers is the number of newly seen low trust peers required for an eclipse
	MinNewLowTrustPeers int `yaml:"min_new_low_trust_peers"`
}

// DefaultThresholds returns the default detector configuration
func DefaultThresholds() Thresholds {
	return Thresholds{
		Byzantine:           2,
		Sybil:               3,
		Eclipse:             0.5,
		DoS:                 100,
		LowTrustCutoff:      0.3,
		MinNewLowTrustPeers: 3,
	}
}

// Validate checks the thresholds are usable
func (t Thresholds) Validate() error {
	var errs []error
	if t.Byzantine < 1 {
		errs = append(errs, fmt.Errorf("byzantine threshold must be at least 1, got %d", t.Byzantine))
	}
	if t.Sybil < 2 {
		errs = append(errs, fmt.Errorf("sybil threshold must be at least 2, got %d", t.Sybil))
	}
	if t.Eclipse <= 0 || t.Eclipse > 1 {
		errs = append(errs, fmt.Errorf("eclipse threshold must be in (0,1], got %v", t.Eclipse))
	}
	if t.DoS <= 0 {
		errs = append(errs, fmt.Errorf("dos threshold must be positive, got %v", t.DoS))
	}
	if t.LowTrustCutoff < 0 || t.LowTrustCutoff > 1 {
		errs = append(errs, fmt.Errorf("low trust cutoff must be in [0,1], got %v", t.LowTrustCutoff))
	}
	if t.MinNewLowTrustPeers < 0 {
		errs = append(errs, fmt.Errorf("min new low trust peers cannot be negative"))
	}
	return errors.Join(errs...)
}

// Detector inspects a snapshot. It may return attacks together with an error describing input
// it had to skip.
type Detector func(snapshot Snapshot, thresholds Thresholds) ([]Attack, error)

// DetectorFailure records a detector that errored or panicked
type DetectorFailure struct {
	Detector string
	Err      error
}

// Report is the outcome of one detection pass
type Report struct {
	Attacks  []Attack
	Failures []DetectorFailure
	// Durations holds how long each detector ran
	Durations map[string]time.Duration
}

type namedDetector struct {
	name   string
	detect Detector
}

// ConsensusSecurityMonitor runs the detectors in a fixed order
type ConsensusSecurityMonitor struct {
	thresholds Thresholds
	detectors  []namedDetector
}

// Option customizes a ConsensusSecurityMonitor
type Option func(*ConsensusSecurityMonitor)

// WithDetector appends an additional detector
func WithDetector(name string, detect Detector) Option {
	return func(m *ConsensusSecurityMonitor) {
		m.detectors = append(m.detectors, namedDetector{name: name, detect: detect})
	}
}

// New creates a monitor with the Byzantine, Sybil, Eclipse and DoS detectors
func New(thresholds Thresholds, opts ...Option) (*ConsensusSecurityMonitor, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}

	m := &ConsensusSecurityMonitor{
		thresholds: thresholds,
		detectors: []namedDetector{
			{name: "byzantine", detect: DetectByzantine},
			{name: "sybil", detect: DetectSybil},
			{name: "eclipse", detect: DetectEclipse},
			{name: "dos", detect: DetectDoS},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Thresholds returns the configured thresholds
func (m *ConsensusSecurityMonitor) Thresholds() Thresholds {
	return m.thresholds
}

// Detect runs every detector. A failing or panicking detector is recorded in the report and
// does not stop the others.
func (m *ConsensusSecurityMonitor) Detect(snapshot Snapshot) Report {
	report := Report{Durations: make(map[string]time.Duration, len(m.detectors))}
	for _, d := range m.detectors {
		start := time.Now()
		attacks, err := runIsolated(d.detect, snapshot, m.thresholds)
		report.Durations[d.name] = time.Since(start)

		report.Attacks = append(report.Attacks, attacks...)
		if err != nil {
			report.Failures = append(report.Failures, DetectorFailure{Detector: d.name, Err: err})
		}
	}
	return report
}

func runIsolated(detect Detector, snapshot Snapshot, thresholds Thresholds) (attacks []Attack, err error) {
	defer func() {
		if r := recover(); r != nil {
			attacks = nil
			err = fmt.Errorf("detector panicked: %v", r)
		}
	}()
	return detect(snapshot, thresholds)
}
