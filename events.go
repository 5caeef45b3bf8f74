package guardian

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/canopy-network/canopy/lib/guardian/monitor"
)

// EventType tags a security event
type EventType string

const (
	EventAttackDetected EventType = "ATTACK_DETECTED"
	EventKeyRotation    EventType = "KEY_ROTATION"
)

// SecurityEvent is an entry of the security event log
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Kind      monitor.AttackKind     `json:"kind,omitempty"`
	Severity  monitor.Severity       `json:"severity"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// clone returns a copy that shares nothing mutable with e
func (e SecurityEvent) clone() SecurityEvent {
	e.Details = cloneDetails(e.Details)
	return e
}

func cloneDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = cloneDetails(val)
		case []map[string]interface{}:
			list := make([]map[string]interface{}, len(val))
			for i, m := range val {
				list[i] = cloneDetails(m)
			}
			out[k] = list
		case []string:
			out[k] = append([]string(nil), val...)
		default:
			out[k] = v
		}
	}
	return out
}

// SecurityEventBuilder helps construct security events with proper defaults
type SecurityEventBuilder struct {
	event *SecurityEvent
}

// NewSecurityEventBuilder creates a new security event builder
func NewSecurityEventBuilder(eventType EventType, severity monitor.Severity) *SecurityEventBuilder {
	return &SecurityEventBuilder{
		event: &SecurityEvent{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			Type:      eventType,
			Severity:  severity,
			Details:   make(map[string]interface{}),
		},
	}
}

// NewAttackEvent builds the ATTACK_DETECTED event of a detection
func NewAttackEvent(attack monitor.Attack) SecurityEvent {
	b := NewSecurityEventBuilder(EventAttackDetected, attack.Severity()).WithKind(attack.Kind())
	for k, v := range attack.Details() {
		b.WithDetail(k, v)
	}
	return b.Build()
}

// WithKind sets the attack kind
func (b *SecurityEventBuilder) WithKind(kind monitor.AttackKind) *SecurityEventBuilder {
	b.event.Kind = kind
	return b
}

// WithDetail adds an evidence entry
func (b *SecurityEventBuilder) WithDetail(key string, value interface{}) *SecurityEventBuilder {
	b.event.Details[key] = value
	return b
}

// WithRotation records the configuration change of a key rotation
func (b *SecurityEventBuilder) WithRotation(result *RotationResult) *SecurityEventBuilder {
	if result.OldConfiguration != nil {
		b.event.Details["old_epoch"] = result.OldConfiguration.Epoch
		b.event.Details["old_participants"] = append([]string(nil), result.OldConfiguration.Participants...)
	}
	b.event.Details["new_epoch"] = result.NewConfiguration.Epoch
	b.event.Details["new_participants"] = append([]string(nil), result.NewConfiguration.Participants...)
	b.event.Details["threshold"] = result.NewConfiguration.Threshold
	b.event.Details["duration_ms"] = result.Duration.Milliseconds()
	return b
}

// Build returns the constructed event
func (b *SecurityEventBuilder) Build() SecurityEvent {
	return *b.event
}

// EventLog is a bounded, append-ordered log evicting the oldest entries first.
// It is not safe for concurrent use.
type EventLog struct {
	events   deque.Deque[SecurityEvent]
	capacity int
}

// NewEventLog creates a log holding at most capacity events
func NewEventLog(capacity int) *EventLog {
	if capacity < 1 {
		capacity = 1
	}
	return &EventLog{capacity: capacity}
}

// Append adds an event, evicting the oldest when full
func (l *EventLog) Append(event SecurityEvent) {
	for l.events.Len() >= l.capacity {
		l.events.PopFront()
	}
	l.events.PushBack(event)
}

// Len returns the number of stored events
func (l *EventLog) Len() int {
	return l.events.Len()
}

// Recent returns copies of the last limit events in append order. limit <= 0 returns all.
func (l *EventLog) Recent(limit int) []SecurityEvent {
	n := l.events.Len()
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]SecurityEvent, 0, limit)
	for i := n - limit; i < n; i++ {
		out = append(out, l.events.At(i).clone())
	}
	return out
}

// Clear drops every event
func (l *EventLog) Clear() {
	l.events.Clear()
}
