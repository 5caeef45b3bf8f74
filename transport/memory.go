// Package transport provides an in-process consensus transport that feeds the security checks.
package transport

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/canopy/lib/crypto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

const (
	DefaultLimit = rate.Limit(10)
	DefaultBurst = 20
	// minWindow keeps rates finite right after a window reset
	minWindow = time.Second
)

// HashPayload returns the 32 byte Blake2b digest consensus messages refer to
func HashPayload(payload []byte) []byte {
	sum := blake2b.Sum256(payload)
	return sum[:]
}

// NewSignedMessage builds a consensus message and signs it with the node's identity key
func NewSignedMessage(nodeID string, round uint64, payload []byte, key crypto.PrivateKeyI) monitor.ConsensusMessage {
	msg := monitor.ConsensusMessage{NodeID: nodeID, Round: round, PayloadHash: HashPayload(payload)}
	if key != nil {
		msg.Signature = key.Sign(msg.SigningBytes())
	}
	return msg
}

// Memory buffers delivered messages, measures per-node rates and throttles nodes put under a
// rate limit
type Memory struct {
	mu          sync.Mutex
	pending     []monitor.ConsensusMessage
	counts      map[string]int
	windowStart time.Time
	peers       []string
	limiters    map[string]*rate.Limiter
	dropped     map[string]int

	limit rate.Limit
	burst int
	now   func() time.Time
}

// Option customizes a Memory transport
type Option func(*Memory)

// WithRateLimit sets the rate granted to a throttled node
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(m *Memory) {
		m.limit = limit
		m.burst = burst
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty transport
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		counts:   make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		dropped:  make(map[string]int),
		limit:    DefaultLimit,
		burst:    DefaultBurst,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.windowStart = m.now()
	return m
}

// Deliver accepts a message from the network. It returns false when the sender is throttled
// and the message was dropped.
func (m *Memory) Deliver(msg monitor.ConsensusMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, ok := m.limiters[msg.NodeID]; ok && !limiter.AllowN(m.now(), 1) {
		m.dropped[msg.NodeID]++
		return false
	}
	m.counts[msg.NodeID]++
	m.pending = append(m.pending, msg)
	return true
}

// SetPeerView replaces the local node's visible peer set
func (m *Memory) SetPeerView(peers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = append([]string(nil), peers...)
}

// RecentConsensusMessages returns and clears the messages delivered since the previous call
func (m *Memory) RecentConsensusMessages(ctx context.Context) ([]monitor.ConsensusMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out, nil
}

// MessageRates returns messages per second per node since the previous call and starts a new
// window
func (m *Memory) MessageRates(ctx context.Context) (map[string]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	elapsed := now.Sub(m.windowStart)
	if elapsed < minWindow {
		elapsed = minWindow
	}

	rates := make(map[string]float64, len(m.counts))
	for node, n := range m.counts {
		rates[node] = float64(n) / elapsed.Seconds()
	}
	m.counts = make(map[string]int)
	m.windowStart = now
	return rates, nil
}

// PeerView returns the local node's visible peers
func (m *Memory) PeerView(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.peers...), nil
}

// ApplyRateLimit throttles nodeID to the configured rate. Repeated calls keep the existing
// limiter.
func (m *Memory) ApplyRateLimit(ctx context.Context, nodeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.limiters[nodeID]; !ok {
		m.limiters[nodeID] = rate.NewLimiter(m.limit, m.burst)
	}
	return nil
}

// RateLimited returns the throttled nodes in order
func (m *Memory) RateLimited() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.limiters))
	for id := range m.limiters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Dropped returns how many messages from nodeID were dropped by its rate limit
func (m *Memory) Dropped(nodeID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[nodeID]
}
