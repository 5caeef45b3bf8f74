package guardian

import "sync"

// Notification is published to subscribers. The set of implementations is closed:
// Initialized, KeyRotated, AttackDetected and ShutdownNotice.
type Notification interface {
	notification()
}

// Initialized is published once the manager becomes active
type Initialized struct {
	NodeID string
}

// KeyRotated is published after a successful key rotation
type KeyRotated struct {
	Event SecurityEvent
}

// AttackDetected mirrors a recorded ATTACK_DETECTED event
type AttackDetected struct {
	Event SecurityEvent
}

// ShutdownNotice is the last notification before subscriptions are closed
type ShutdownNotice struct {
	NodeID string
}

func (Initialized) notification()    {}
func (KeyRotated) notification()     {}
func (AttackDetected) notification() {}
func (ShutdownNotice) notification() {}

const defaultSubscriptionBuffer = 64

// notifier fans notifications out to subscriber channels, dropping on backpressure
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Notification
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Notification)}
}

// subscribe registers a channel with the given buffer. The returned function unsubscribes
// and closes the channel.
func (n *notifier) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	ch := make(chan Notification, buffer)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if sub, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(sub)
			}
		})
	}
}

// publish delivers to every subscriber without blocking and returns the number of drops
func (n *notifier) publish(msg Notification) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	dropped := 0
	for _, ch := range n.subs {
		select {
		case ch <- msg:
		default:
			dropped++
		}
	}
	return dropped
}

// close closes every subscription; later subscriptions receive a closed channel
func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
	n.closed = true
}
