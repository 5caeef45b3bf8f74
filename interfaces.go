package guardian

import (
	"context"

	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

// Transport supplies consensus traffic to the security checks and enforces rate limits
type Transport interface {
	// RecentConsensusMessages returns the messages observed since the previous call
	RecentConsensusMessages(ctx context.Context) ([]monitor.ConsensusMessage, error)
	// MessageRates returns messages per second per node over the monitoring window
	MessageRates(ctx context.Context) (map[string]float64, error)
	// ApplyRateLimit throttles a node flagged for denial of service
	ApplyRateLimit(ctx context.Context, nodeID string) error
}

// PeerViewer is implemented by transports that expose the local node's peer set
type PeerViewer interface {
	PeerView(ctx context.Context) ([]string, error)
}

// AuditLogger is the structured audit sink. fields alternate key and value.
type AuditLogger interface {
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// KeyStorage persists private key shares
type KeyStorage interface {
	StoreKeyShare(ctx context.Context, nodeID string, epoch uint64, share []byte) error
	Cleanup(ctx context.Context) error
}

// ThresholdSigner is the capability set of a threshold signature scheme
type ThresholdSigner interface {
	Sign(ctx context.Context, message []byte, signatories []string) ([]byte, error)
	Verify(message, signature []byte) (bool, error)
	UpdateKeys(material *KeyMaterial) error
	ActiveKeyMaterial() *KeyMaterial
}

// DiscreteLogProver is the capability set of a discrete log proof system
type DiscreteLogProver interface {
	Prove(secret Scalar, commitment []byte, opts ...ProveOption) (*DiscreteLogProof, error)
	Verify(proof *DiscreteLogProof, publicKey Point) bool
}

// KeyManager owns private key shares and their rotation
type KeyManager interface {
	ShareProvider
	Material() *KeyMaterial
	Rotate(ctx context.Context, nodeIDs []string, threshold int) (*RotationResult, error)
	Cleanup(ctx context.Context) error
}

// SecurityMonitor runs the attack detectors over a snapshot
type SecurityMonitor interface {
	Detect(snapshot monitor.Snapshot) monitor.Report
}

var (
	_ ThresholdSigner   = (*ThresholdSignatureSystem)(nil)
	_ DiscreteLogProver = (*ZeroKnowledgeProofSystem)(nil)
	_ KeyManager        = (*SecureKeyManager)(nil)
	_ SecurityMonitor   = (*monitor.ConsensusSecurityMonitor)(nil)
)
