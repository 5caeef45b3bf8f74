package monitor

import (
	"encoding/hex"
	"fmt"
)

// Severity grades a detection
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities from LOW (1) to CRITICAL (4); unknown values rank 0
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AttackKind names an attack class
type AttackKind string

const (
	KindByzantine AttackKind = "BYZANTINE_ATTACK"
	KindSybil     AttackKind = "SYBIL_ATTACK"
	KindEclipse   AttackKind = "ECLIPSE_ATTACK"
	KindDoS       AttackKind = "DOS_ATTACK"
)

// Attack is a detection record. The set of implementations is closed: ByzantineAttack,
// SybilAttack, EclipseAttack and DoSAttack.
type Attack interface {
	Kind() AttackKind
	Severity() Severity
	// Nodes returns the implicated node ids
	Nodes() []string
	// Details returns the evidence payload recorded with the security event
	Details() map[string]interface{}

	attack()
}

// Contradiction is one round in which a node sent more than one distinct payload
type Contradiction struct {
	Round         uint64
	PayloadHashes [][]byte
}

// ByzantineAttack reports equivocation by a single node
type ByzantineAttack struct {
	NodeID         string
	Contradictions []Contradiction
	Level          Severity
}

func (a *ByzantineAttack) Kind() AttackKind  { return KindByzantine }
func (a *ByzantineAttack) Severity() Severity { return a.Level }
func (a *ByzantineAttack) Nodes() []string    { return []string{a.NodeID} }
func (a *ByzantineAttack) attack()            {}

// ContradictionCount is the number of extra payloads beyond the first, summed over rounds
func (a *ByzantineAttack) ContradictionCount() int {
	n := 0
	for _, c := range a.Contradictions {
		n += len(c.PayloadHashes) - 1
	}
	return n
}

func (a *ByzantineAttack) Details() map[string]interface{} {
	rounds := make([]map[string]interface{}, 0, len(a.Contradictions))
	for _, c := range a.Contradictions {
		hashes := make([]string, len(c.PayloadHashes))
		for i, h := range c.PayloadHashes {
			hashes[i] = hex.EncodeToString(h)
		}
		rounds = append(rounds, map[string]interface{}{"round": c.Round, "payload_hashes": hashes})
	}
	return map[string]interface{}{
		"node_id":        a.NodeID,
		"contradictions": a.ContradictionCount(),
		"rounds":         rounds,
	}
}

// Fingerprint is the network identity used to cluster participants
type Fingerprint struct {
	IPSubnet string
	ASNumber uint32
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s/AS%d", f.IPSubnet, f.ASNumber)
}

// SybilAttack reports a cluster of participants sharing one fingerprint
type SybilAttack struct {
	Fingerprint Fingerprint
	ClusterSize int
	// Suspects are every cluster member but the first in node id order
	Suspects []string
	Level    Severity
}

func (a *SybilAttack) Kind() AttackKind  { return KindSybil }
func (a *SybilAttack) Severity() Severity { return a.Level }
func (a *SybilAttack) Nodes() []string    { return append([]string(nil), a.Suspects...) }
func (a *SybilAttack) attack()            {}

func (a *SybilAttack) Details() map[string]interface{} {
	return map[string]interface{}{
		"fingerprint":  a.Fingerprint.String(),
		"cluster_size": a.ClusterSize,
		"suspects":     append([]string(nil), a.Suspects...),
	}
}

// EclipseAttack reports a peer view dominated by low trust peers
type EclipseAttack struct {
	VisiblePeers     int
	LowTrustPeers    []string
	NewLowTrustPeers []string
	LowTrustFraction float64
}

func (a *EclipseAttack) Kind() AttackKind  { return KindEclipse }
func (a *EclipseAttack) Severity() Severity { return SeverityCritical }
func (a *EclipseAttack) Nodes() []string    { return append([]string(nil), a.NewLowTrustPeers...) }
func (a *EclipseAttack) attack()            {}

func (a *EclipseAttack) Details() map[string]interface{} {
	return map[string]interface{}{
		"visible_peers":       a.VisiblePeers,
		"low_trust_peers":     append([]string(nil), a.LowTrustPeers...),
		"new_low_trust_peers": append([]string(nil), a.NewLowTrustPeers...),
		"low_trust_fraction":  a.LowTrustFraction,
	}
}

// DoSAttack reports a node exceeding the message rate threshold
type DoSAttack struct {
	NodeID    string
	Rate      float64
	Threshold float64
	Level     Severity
}

func (a *DoSAttack) Kind() AttackKind  { return KindDoS }
func (a *DoSAttack) Severity() Severity { return a.Level }
func (a *DoSAttack) Nodes() []string    { return []string{a.NodeID} }
func (a *DoSAttack) attack()            {}

func (a *DoSAttack) Details() map[string]interface{} {
	return map[string]interface{}{
		"node_id":   a.NodeID,
		"rate":      a.Rate,
		"threshold": a.Threshold,
		"multiple":  a.Rate / a.Threshold,
	}
}
