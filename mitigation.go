package guardian

import (
	"context"
	"fmt"
	"math"

	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

// mitigate applies the response for one detection. Unknown kinds are logged without any state
// change.
func (m *ConsensusSecurityManager) mitigate(ctx context.Context, attack monitor.Attack) error {
	switch a := attack.(type) {
	case *monitor.SybilAttack:
		m.decayReputation(a.Suspects, m.cfg.SybilReputationDecay)
		return nil
	case *monitor.ByzantineAttack:
		m.isolate(a.NodeID)
		return nil
	case *monitor.DoSAttack:
		if err := m.transport.ApplyRateLimit(ctx, a.NodeID); err != nil {
			m.logError("rate limit failed", "node_id", a.NodeID, "error", err)
			return ErrMitigationFailed.WithDetails("rate limit %s", a.NodeID).WithCause(err)
		}
		m.logInfo("rate limit applied", "node_id", a.NodeID, "rate", a.Rate)
		return nil
	case *monitor.EclipseAttack:
		m.logError("eclipse attack in progress",
			"low_trust_fraction", a.LowTrustFraction,
			"new_low_trust_peers", a.NewLowTrustPeers,
		)
		return nil
	default:
		m.logWarn("no mitigation for attack",
			"error", ErrUnknownAttackType.WithContext("kind", fmt.Sprintf("%T", attack)))
		return nil
	}
}

// decayReputation lowers each node's score by decay, floored at 0
func (m *ConsensusSecurityManager) decayReputation(nodeIDs []string, decay float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range nodeIDs {
		score, ok := m.reputation[id]
		if !ok {
			continue
		}
		m.reputation[id] = clampReputation(score - decay)
	}
}

// isolate permanently removes nodeID from the registry and the reputation map
func (m *ConsensusSecurityManager) isolate(nodeID string) {
	m.mu.Lock()
	_, known := m.participants[nodeID]
	delete(m.participants, nodeID)
	delete(m.reputation, nodeID)
	m.isolated[nodeID] = struct{}{}
	tracked := len(m.reputation)
	m.mu.Unlock()

	m.metrics.setTrackedParticipants(tracked)
	if known {
		m.logWarn("participant isolated", "node_id", nodeID)
	}
}

func clampReputation(score float64) float64 {
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(1, score))
}
