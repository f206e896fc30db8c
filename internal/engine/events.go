package engine

import (
	"sync"
	"time"

	"github.com/desertthunder/mirrorbot/internal/models"
	"golang.org/x/time/rate"
)

// Event is one observation of a task, published on every state transition
// and periodically while the task is active. Consumers (status renderers,
// the TUI) only ever see these snapshots, never live task state.
type Event struct {
	TaskID    string
	State     models.TaskState
	Progress  models.Progress
	Timestamp time.Time
}

// broker fans events out to subscribers. Sends never block: a slow consumer
// drops events rather than stalling a transfer, the same way progress
// channels behave everywhere else in this codebase. Periodic progress
// events are additionally capped by a rate limiter so a chatty backend
// cannot flood subscribers; transition events always go through.
type broker struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	limiter *rate.Limiter
}

func newBroker(eventsPerSec float64) *broker {
	if eventsPerSec <= 0 {
		eventsPerSec = 10
	}
	return &broker{
		subs:    make(map[int]chan Event),
		limiter: rate.NewLimiter(rate.Limit(eventsPerSec), int(eventsPerSec)),
	}
}

// Subscribe registers a consumer. The returned cancel function must be
// called to release the subscription; the channel is closed afterwards.
func (b *broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish delivers an event to every subscriber without blocking. When
// transition is false the event is a periodic progress sample and subject
// to the rate cap.
func (b *broker) publish(ev Event, transition bool) {
	if !transition && !b.limiter.Allow() {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			// Consumer is behind; drop rather than stall.
		}
	}
}
