package guardian

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canopy-network/canopy/lib/guardian/logger"
	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

// Configuration defaults
const (
	DefaultMonitoringInterval   = 30 * time.Second
	DefaultMaxSecurityEvents    = 1000
	DefaultSybilReputationDecay = 0.1
	DefaultRetainedKeyEpochs    = 1
	DefaultNewPeerWindow        = 10 * time.Minute
	DefaultPeerTrackerSize      = 4096
	InitialReputation           = 0.5
)

// Config is the construction-time configuration of a ConsensusSecurityManager
type Config struct {
	NodeID              string                `yaml:"node_id"`
	Threshold           int                   `yaml:"threshold"`
	TotalParties        int                   `yaml:"total_parties"`
	Curve               CurveType             `yaml:"curve"`
	AttackThresholds    monitor.Thresholds    `yaml:"attack_thresholds"`
	NetworkParticipants []monitor.Participant `yaml:"network_participants"`
	MonitoringInterval  time.Duration         `yaml:"monitoring_interval"`
	MaxSecurityEvents   int                   `yaml:"max_security_events"`
	// SybilReputationDecay is subtracted from each Sybil suspect's reputation per detection
	SybilReputationDecay float64 `yaml:"sybil_reputation_decay"`
	// RetainedKeyEpochs is how many key epochs, the active one included, still verify
	RetainedKeyEpochs int `yaml:"retained_key_epochs"`
	// NewPeerWindow is how long a peer counts as newly seen for eclipse detection
	NewPeerWindow   time.Duration `yaml:"new_peer_window"`
	PeerTrackerSize int           `yaml:"peer_tracker_size"`
	ZKPHash         HashAlgorithm `yaml:"zkp_hash"`
	Logging         logger.Config `yaml:"logging"`
}

// DefaultConfig returns a configuration with every optional field set
func DefaultConfig() *Config {
	return &Config{
		Curve:                Ed25519,
		AttackThresholds:     monitor.DefaultThresholds(),
		MonitoringInterval:   DefaultMonitoringInterval,
		MaxSecurityEvents:    DefaultMaxSecurityEvents,
		SybilReputationDecay: DefaultSybilReputationDecay,
		RetainedKeyEpochs:    DefaultRetainedKeyEpochs,
		NewPeerWindow:        DefaultNewPeerWindow,
		PeerTrackerSize:      DefaultPeerTrackerSize,
		ZKPHash:              HashSHA512,
		Logging:              logger.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML over DefaultConfig and validates the result
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}

	result := NewDefaultThresholdValidator().ValidateThresholdParameters(c.TotalParties, c.Threshold)
	for _, msg := range result.Errors {
		errs = append(errs, errors.New(msg))
	}

	if _, err := NewCurve(c.Curve); err != nil {
		errs = append(errs, err)
	}

	if err := c.AttackThresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("attack_thresholds: %w", err))
	}

	if err := c.validateParticipants(); err != nil {
		errs = append(errs, err)
	}

	if c.MonitoringInterval <= 0 {
		errs = append(errs, errors.New("monitoring_interval must be positive"))
	}
	if c.MaxSecurityEvents < 1 {
		errs = append(errs, errors.New("max_security_events must be at least 1"))
	}
	if c.SybilReputationDecay < 0 || c.SybilReputationDecay > 1 {
		errs = append(errs, fmt.Errorf("sybil_reputation_decay must be in [0,1], got %v", c.SybilReputationDecay))
	}
	if c.RetainedKeyEpochs < 1 {
		errs = append(errs, errors.New("retained_key_epochs must be at least 1"))
	}
	if c.NewPeerWindow < 0 {
		errs = append(errs, errors.New("new_peer_window cannot be negative"))
	}
	if c.PeerTrackerSize < 1 {
		errs = append(errs, errors.New("peer_tracker_size must be at least 1"))
	}
	if _, err := ParseHashAlgorithm(string(c.ZKPHash)); err != nil {
		errs = append(errs, fmt.Errorf("zkp_hash: %w", err))
	}

	if len(errs) > 0 {
		return ErrInvalidConfig.WithCause(errors.Join(errs...))
	}
	return nil
}

func (c *Config) validateParticipants() error {
	if len(c.NetworkParticipants) != c.TotalParties {
		return fmt.Errorf("network_participants lists %d nodes but total_parties is %d",
			len(c.NetworkParticipants), c.TotalParties)
	}

	ids := make([]string, len(c.NetworkParticipants))
	for i, p := range c.NetworkParticipants {
		ids[i] = p.NodeID
	}
	if err := ValidateNodeIDs(ids); err != nil {
		return fmt.Errorf("network_participants: %w", err)
	}
	return nil
}

// participantIDs returns the configured node ids in configuration order
func (c *Config) participantIDs() []string {
	ids := make([]string, len(c.NetworkParticipants))
	for i, p := range c.NetworkParticipants {
		ids[i] = p.NodeID
	}
	return ids
}
