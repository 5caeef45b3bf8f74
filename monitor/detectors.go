package monitor

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
)

// DetectByzantine flags nodes that sent two or more distinct payloads for the same round.
// One contradiction is HIGH; thresholds.Byzantine or more is CRITICAL.
func DetectByzantine(snapshot Snapshot, thresholds Thresholds) ([]Attack, error) {
	type slot struct {
		node  string
		round uint64
	}
	payloads := make(map[slot][][]byte)
	var malformed []string
	for _, msg := range snapshot.Messages {
		if msg.NodeID == "" || len(msg.PayloadHash) == 0 {
			malformed = append(malformed, fmt.Sprintf("%q/%d", msg.NodeID, msg.Round))
			continue
		}
		key := slot{node: msg.NodeID, round: msg.Round}
		if !containsHash(payloads[key], msg.PayloadHash) {
			payloads[key] = append(payloads[key], append([]byte(nil), msg.PayloadHash...))
		}
	}

	byNode := make(map[string][]Contradiction)
	for key, hashes := range payloads {
		if len(hashes) < 2 {
			continue
		}
		sort.Slice(hashes, func(i, j int) bool { return bytes.Compare(hashes[i], hashes[j]) < 0 })
		byNode[key.node] = append(byNode[key.node], Contradiction{Round: key.round, PayloadHashes: hashes})
	}

	attacks := make([]Attack, 0, len(byNode))
	for _, node := range sortedKeys(byNode) {
		contradictions := byNode[node]
		sort.Slice(contradictions, func(i, j int) bool { return contradictions[i].Round < contradictions[j].Round })

		a := &ByzantineAttack{NodeID: node, Contradictions: contradictions, Level: SeverityHigh}
		if a.ContradictionCount() >= thresholds.Byzantine {
			a.Level = SeverityCritical
		}
		attacks = append(attacks, a)
	}

	if len(malformed) > 0 {
		return attacks, fmt.Errorf("skipped %d malformed messages: %s", len(malformed), strings.Join(malformed, ", "))
	}
	return attacks, nil
}

// DetectSybil clusters participants by (ipSubnet, asNumber). A cluster of thresholds.Sybil or
// more members flags every member after the first; twice the threshold is HIGH.
func DetectSybil(snapshot Snapshot, thresholds Thresholds) ([]Attack, error) {
	clusters := make(map[Fingerprint][]string)
	for _, p := range snapshot.Participants {
		if p.IPSubnet == "" {
			continue
		}
		clusters[p.Fingerprint()] = append(clusters[p.Fingerprint()], p.NodeID)
	}

	fingerprints := make([]Fingerprint, 0, len(clusters))
	for f := range clusters {
		fingerprints = append(fingerprints, f)
	}
	sort.Slice(fingerprints, func(i, j int) bool { return fingerprints[i].String() < fingerprints[j].String() })

	var attacks []Attack
	for _, f := range fingerprints {
		members := clusters[f]
		if len(members) < thresholds.Sybil {
			continue
		}
		sort.Strings(members)

		level := SeverityMedium
		if len(members) >= 2*thresholds.Sybil {
			level = SeverityHigh
		}
		attacks = append(attacks, &SybilAttack{
			Fingerprint: f,
			ClusterSize: len(members),
			Suspects:    append([]string(nil), members[1:]...),
			Level:       level,
		})
	}
	return attacks, nil
}

// DetectEclipse flags a peer view in which the low trust fraction reaches thresholds.Eclipse
// and at least thresholds.MinNewLowTrustPeers low trust peers are newly seen
func DetectEclipse(snapshot Snapshot, thresholds Thresholds) ([]Attack, error) {
	peers := uniqueSorted(snapshot.PeerView)
	if len(peers) == 0 {
		return nil, nil
	}

	var lowTrust, newLowTrust []string
	for _, peer := range peers {
		score, known := snapshot.Reputation[peer]
		if !known {
			score = 0
		}
		if score >= thresholds.LowTrustCutoff {
			continue
		}
		lowTrust = append(lowTrust, peer)
		if snapshot.NewPeers[peer] {
			newLowTrust = append(newLowTrust, peer)
		}
	}

	fraction := float64(len(lowTrust)) / float64(len(peers))
	if fraction < thresholds.Eclipse || len(newLowTrust) < thresholds.MinNewLowTrustPeers {
		return nil, nil
	}

	return []Attack{&EclipseAttack{
		VisiblePeers:     len(peers),
		LowTrustPeers:    lowTrust,
		NewLowTrustPeers: newLowTrust,
		LowTrustFraction: fraction,
	}}, nil
}

// DetectDoS flags nodes whose message rate exceeds thresholds.DoS: MEDIUM up to twice the
// threshold, HIGH up to five times, CRITICAL beyond
func DetectDoS(snapshot Snapshot, thresholds Thresholds) ([]Attack, error) {
	var attacks []Attack
	var invalid []string
	for _, node := range sortedKeys(snapshot.MessageRates) {
		rate := snapshot.MessageRates[node]
		if math.IsNaN(rate) || rate < 0 {
			invalid = append(invalid, node)
			continue
		}
		if rate <= thresholds.DoS {
			continue
		}

		level := SeverityCritical
		switch multiple := rate / thresholds.DoS; {
		case multiple <= 2:
			level = SeverityMedium
		case multiple <= 5:
			level = SeverityHigh
		}
		attacks = append(attacks, &DoSAttack{NodeID: node, Rate: rate, Threshold: thresholds.DoS, Level: level})
	}

	if len(invalid) > 0 {
		return attacks, fmt.Errorf("invalid message rates for %s", strings.Join(invalid, ", "))
	}
	return attacks, nil
}

func containsHash(list [][]byte, h []byte) bool {
	for _, x := range list {
		if bytes.Equal(x, h) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
