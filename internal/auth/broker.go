package auth

import (
	"sync"
	"time"
)

// EventType names a session state change.
type EventType string

const (
	EventSignedIn     EventType = "signed_in"
	EventSignedOut    EventType = "signed_out"
	EventLevelChanged EventType = "level_changed"
)

// SessionEvent is delivered to every open session of an identity.
type SessionEvent struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
	Level  Level     `json:"level,omitempty"`
	At     time.Time `json:"at"`
}

const subscriberBuffer = 8

// Broker fans session events out to per-identity subscribers. A subscriber
// whose buffer is full misses the event; publishers never block.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SessionEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan SessionEvent]struct{})}
}

// Subscribe registers a subscriber for userID. The returned cancel func
// unregisters it and closes the channel; it is safe to call more than once.
func (b *Broker) Subscribe(userID string) (<-chan SessionEvent, func()) {
	ch := make(chan SessionEvent, subscriberBuffer)

	b.mu.Lock()
	set := b.subs[userID]
	if set == nil {
		set = make(map[chan SessionEvent]struct{})
		b.subs[userID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[userID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, userID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers evt to the subscribers of evt.UserID and reports how many
// received it.
func (b *Broker) Publish(evt SessionEvent) int {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for ch := range b.subs[evt.UserID] {
		select {
		case ch <- evt:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of open subscriptions for userID.
func (b *Broker) Subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}
