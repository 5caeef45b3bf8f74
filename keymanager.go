package guardian

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Configuration describes one key epoch
type Configuration struct {
	Curve            string        `json:"curve"`
	Threshold        int           `json:"threshold"`
	Participants     []string      `json:"participants"`
	ParticipantCount int           `json:"participant_count"`
	Epoch            uint64        `json:"epoch"`
	SecurityLevel    SecurityLevel `json:"security_level"`
	CreatedAt        time.Time     `json:"created_at"`
}

// RotationResult contains the outcome of a key generation or rotation
type RotationResult struct {
	Material           *KeyMaterial        `json:"-"`
	OldConfiguration   *Configuration      `json:"old_configuration,omitempty"`
	NewConfiguration   *Configuration      `json:"new_configuration"`
	SecurityAssessment *SecurityAssessment `json:"security_assessment"`
	Duration           time.Duration       `json:"duration"`
}

// SecureKeyManager holds every local participant's private share and drives key generation.
// Shares of the previous epoch are kept until the next rotation so in-flight signatures finish.
type SecureKeyManager struct {
	curve   Curve
	storage KeyStorage
	proofs  *ZeroKnowledgeProofSystem

	mu       sync.RWMutex
	material *KeyMaterial
	config   *Configuration
	shares   map[string]*KeyShare
	previous map[string]*KeyShare
}

// NewSecureKeyManager creates a key manager persisting shares to storage (which may be nil)
func NewSecureKeyManager(curve Curve, storage KeyStorage, proofs *ZeroKnowledgeProofSystem) *SecureKeyManager {
	if proofs == nil {
		proofs = NewZeroKnowledgeProofSystem(curve, HashSHA512)
	}
	return &SecureKeyManager{
		curve:   curve,
		storage: storage,
		proofs:  proofs,
		shares:  make(map[string]*KeyShare),
	}
}

// Share returns the active share of nodeID
func (km *SecureKeyManager) Share(nodeID string) (*KeyShare, bool) {
	km.mu.RLock()
	defer km.mu.RUnlock()
	share, ok := km.shares[nodeID]
	return share, ok
}

// Material returns the active key material, or nil before the first generation
func (km *SecureKeyManager) Material() *KeyMaterial {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.material
}

// Configuration returns a copy of the active epoch's configuration
func (km *SecureKeyManager) Configuration() *Configuration {
	km.mu.RLock()
	defer km.mu.RUnlock()
	if km.config == nil {
		return nil
	}
	c := *km.config
	c.Participants = append([]string(nil), km.config.Participants...)
	return &c
}

// Rotate runs a fresh DKG over nodeIDs and installs the result as the next epoch
func (km *SecureKeyManager) Rotate(ctx context.Context, nodeIDs []string, threshold int) (*RotationResult, error) {
	start := time.Now()

	material, shares, err := RunDKG(ctx, km.curve, nodeIDs, threshold, WithProofSystem(km.proofs))
	if err != nil {
		return nil, err
	}

	km.mu.RLock()
	var nextEpoch uint64 = 1
	if km.material != nil {
		nextEpoch = km.material.Epoch + 1
	}
	oldConfig := km.config
	km.mu.RUnlock()

	material = material.withEpoch(nextEpoch)
	if err := km.Install(ctx, material, shares); err != nil {
		return nil, err
	}

	return &RotationResult{
		Material:           material,
		OldConfiguration:   oldConfig,
		NewConfiguration:   km.Configuration(),
		SecurityAssessment: AssessSecurity(material.TotalParties, material.Threshold),
		Duration:           time.Since(start),
	}, nil
}

// Install persists shares through the storage collaborator and then publishes them with
// material. Nothing changes if persisting any share fails.
func (km *SecureKeyManager) Install(ctx context.Context, material *KeyMaterial, shares map[string]*KeyShare) error {
	if material == nil {
		return fmt.Errorf("key material cannot be nil")
	}
	for id := range material.Indices {
		if _, ok := shares[id]; !ok {
			return fmt.Errorf("missing share for %s", id)
		}
	}

	for id, share := range shares {
		share.Epoch = material.Epoch
		share.NodeID = id
	}

	if km.storage != nil {
		for _, id := range material.NodeIDs() {
			encoded := shares[id].Bytes()
			err := km.storage.StoreKeyShare(ctx, id, material.Epoch, encoded)
			ZeroizeBytes(encoded)
			if err != nil {
				for _, share := range shares {
					share.Zeroize()
				}
				return fmt.Errorf("failed to store key share for %s: %w", id, err)
			}
		}
	}

	participants := material.NodeIDs()
	sort.Strings(participants)
	config := &Configuration{
		Curve:            km.curve.Name(),
		Threshold:        material.Threshold,
		Participants:     participants,
		ParticipantCount: material.TotalParties,
		Epoch:            material.Epoch,
		SecurityLevel:    AssessSecurity(material.TotalParties, material.Threshold).OverallRating,
		CreatedAt:        time.Now(),
	}

	km.mu.Lock()
	stale := km.previous
	km.previous = km.shares
	km.shares = shares
	km.material = material
	km.config = config
	km.mu.Unlock()

	for _, share := range stale {
		share.Zeroize()
	}
	return nil
}

// Cleanup zeroizes every held share and cleans the storage collaborator
func (km *SecureKeyManager) Cleanup(ctx context.Context) error {
	km.mu.Lock()
	for _, share := range km.shares {
		share.Zeroize()
	}
	for _, share := range km.previous {
		share.Zeroize()
	}
	km.shares = make(map[string]*KeyShare)
	km.previous = nil
	km.mu.Unlock()

	var err error
	if km.storage != nil {
		err = multierr.Append(err, km.storage.Cleanup(ctx))
	}
	if err != nil {
		return ErrCleanup.WithCause(err)
	}
	return nil
}
