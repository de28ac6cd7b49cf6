package activitypub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/perchnet/perch/domain"
)

// timelineBuffer is how many notes a slow subscriber may fall behind
// before further notes are dropped for it.
const timelineBuffer = 32

// TimelineBroadcaster fans public notes out to live subscribers as they
// arrive, locally posted and federated in alike. Publishing never blocks:
// a subscriber whose channel is full misses the note.
type TimelineBroadcaster struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]chan *domain.Note
	closed      bool
}

// NewTimelineBroadcaster creates a broadcaster with no subscribers.
func NewTimelineBroadcaster() *TimelineBroadcaster {
	return &TimelineBroadcaster{
		subscribers: make(map[uuid.UUID]chan *domain.Note),
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed by Unsubscribe or Close.
func (b *TimelineBroadcaster) Subscribe() (uuid.UUID, <-chan *domain.Note) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New()
	ch := make(chan *domain.Note, timelineBuffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *TimelineBroadcaster) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish delivers a note to every subscriber that has room for it.
func (b *TimelineBroadcaster) Publish(note *domain.Note) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- note:
		default:
		}
	}
}

// Close drops all subscribers and closes their channels. Later Subscribe
// calls get an already closed channel.
func (b *TimelineBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
