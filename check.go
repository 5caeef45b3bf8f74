package guardian

import (
	"context"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

// PerformSecurityCheck gathers a snapshot from the transport, runs the detectors and records
// and mitigates every detection. It never runs concurrently with itself: an overlapping call
// returns ErrCheckInFlight and is counted as skipped. Detector and collaborator failures are
// returned combined after all detections have been handled.
func (m *ConsensusSecurityManager) PerformSecurityCheck(ctx context.Context) (events []SecurityEvent, err error) {
	if m.State() != StateActive {
		return nil, ErrNotActive
	}
	if !m.checking.CompareAndSwap(false, true) {
		m.metrics.recordSkippedCheck()
		return nil, ErrCheckInFlight
	}
	defer m.checking.Store(false)

	defer func() {
		if r := recover(); r != nil {
			err = multierr.Append(err, ErrCheckPanicked.WithDetails("%v", r))
		}
		m.metrics.recordCheck(err != nil)
	}()

	start := time.Now()
	snapshot, err := m.gatherSnapshot(ctx)

	report := m.monitor.Detect(snapshot)
	for _, f := range report.Failures {
		m.logWarn("detector failed", "detector", f.Detector, "error", f.Err)
		err = multierr.Append(err, ErrDetectorFailed.WithDetails("detector %s", f.Detector).WithCause(f.Err))
	}

	for _, attack := range report.Attacks {
		event := m.recordAttack(attack, time.Since(start))
		if mitigationErr := m.mitigate(ctx, attack); mitigationErr != nil {
			err = multierr.Append(err, mitigationErr)
		}
		events = append(events, event)
	}
	return events, err
}

// gatherSnapshot builds the detector input. Collaborator failures leave the matching part of
// the snapshot empty and are returned.
func (m *ConsensusSecurityManager) gatherSnapshot(ctx context.Context) (monitor.Snapshot, error) {
	var errs error

	messages, err := m.transport.RecentConsensusMessages(ctx)
	if err != nil {
		errs = multierr.Append(errs, ErrTransportUnavailable.WithDetails("consensus messages").WithCause(err))
	}
	rates, err := m.transport.MessageRates(ctx)
	if err != nil {
		errs = multierr.Append(errs, ErrTransportUnavailable.WithDetails("message rates").WithCause(err))
	}

	var view []string
	if viewer, ok := m.transport.(PeerViewer); ok {
		if view, err = viewer.PeerView(ctx); err != nil {
			errs = multierr.Append(errs, ErrTransportUnavailable.WithDetails("peer view").WithCause(err))
		}
	}

	m.mu.RLock()
	participants := make([]monitor.Participant, 0, len(m.participants))
	for _, id := range sortedParticipantIDs(m.participants) {
		participants = append(participants, m.participants[id])
	}
	reputation := make(map[string]float64, len(m.reputation))
	for id, score := range m.reputation {
		reputation[id] = score
	}
	authentic, forged := m.authenticate(messages)
	m.mu.RUnlock()

	if forged > 0 {
		m.metrics.recordForged(forged)
		m.logWarn("dropped unauthenticated consensus messages", "count", forged)
	}

	return monitor.Snapshot{
		Participants: participants,
		Messages:     authentic,
		MessageRates: rates,
		Reputation:   reputation,
		PeerView:     view,
		NewPeers:     m.trackPeers(view, time.Now()),
	}, errs
}

// authenticate keeps messages from registered participants whose identity signature verifies.
// Participants without an identity key are trusted as is. Callers hold m.mu.
func (m *ConsensusSecurityManager) authenticate(messages []monitor.ConsensusMessage) ([]monitor.ConsensusMessage, int) {
	out := make([]monitor.ConsensusMessage, 0, len(messages))
	forged := 0
	for _, msg := range messages {
		p, ok := m.participants[msg.NodeID]
		if !ok {
			continue
		}
		if p.IdentityKey != nil && (len(msg.Signature) == 0 || !p.IdentityKey.VerifyBytes(msg.SigningBytes(), msg.Signature)) {
			forged++
			continue
		}
		out = append(out, msg)
	}
	return out, forged
}

// trackPeers records first-seen times and returns the peers first seen within NewPeerWindow
func (m *ConsensusSecurityManager) trackPeers(view []string, now time.Time) map[string]bool {
	fresh := make(map[string]bool)
	for _, peer := range view {
		firstSeen, ok := m.peers.Get(peer)
		if !ok {
			m.peers.Add(peer, now)
			firstSeen = now
		}
		if now.Sub(firstSeen) <= m.cfg.NewPeerWindow {
			fresh[peer] = true
		}
	}
	return fresh
}

// recordAttack appends the event, updates metrics and notifies subscribers
func (m *ConsensusSecurityManager) recordAttack(attack monitor.Attack, latency time.Duration) SecurityEvent {
	event := NewAttackEvent(attack)

	m.mu.Lock()
	m.events.Append(event)
	m.mu.Unlock()

	m.metrics.recordAttack(attack, latency)
	m.logWarn("attack detected",
		"kind", string(attack.Kind()),
		"severity", string(attack.Severity()),
		"nodes", attack.Nodes(),
		"event_id", event.ID,
	)
	m.publish(AttackDetected{Event: event.clone()})
	return event.clone()
}

func sortedParticipantIDs(participants map[string]monitor.Participant) []string {
	ids := make([]string, 0, len(participants))
	for id := range participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
