package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event phases published on lifecycle transitions.
const (
	PhaseUserCreated  = "user-created"
	PhaseUserUpdated  = "user-updated"
	PhaseUserDeleted  = "user-deleted"
	PhaseSpawnPending = "spawn-pending"
	PhaseRunning      = "running"
	PhaseSpawnFailed  = "spawn-failed"
	PhaseStopPending  = "stop-pending"
	PhaseStopped      = "stopped"
	PhaseStopFailed   = "stop-failed"
)

// Event describes one lifecycle transition of a user's account or server.
type Event struct {
	ID    string    `json:"id"`
	User  string    `json:"user"`
	Phase string    `json:"phase"`
	Time  time.Time `json:"time"`
}

// eventBus fans lifecycle events out to subscribers. Slow subscribers drop
// events rather than block the hub.
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[chan Event]struct{})}
}

func (b *eventBus) publish(user, phase string) {
	ev := Event{
		ID:    uuid.NewString(),
		User:  user,
		Phase: phase,
		Time:  time.Now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *eventBus) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}
