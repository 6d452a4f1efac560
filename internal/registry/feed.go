package registry

import (
	"sync"

	"github.com/developer-mesh/capability-server/pkg/models"
	"github.com/developer-mesh/capability-server/pkg/observability"
)

// ChangeType classifies a registry mutation.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeReplaced ChangeType = "replaced"
	ChangeRemoved  ChangeType = "removed"
)

// ChangeEvent is one entry in the change feed. Sequence numbers start at 1
// and are strictly increasing and gap-free.
type ChangeEvent struct {
	Seq        uint64             `json:"seq"`
	Type       ChangeType         `json:"type"`
	Capability *models.Capability `json:"capability"`
}

// Subscription delivers change events in order. The channel is closed when
// the subscriber is dropped (slow consumer) or the feed shuts down.
type Subscription struct {
	C      <-chan ChangeEvent
	cancel func()
}

// Close detaches the subscriber.
func (s *Subscription) Close() { s.cancel() }

const (
	feedBufferSize       = 1024
	subscriberBufferSize = 64
)

// Feed is the ordered change stream behind Registry.Subscribe. It keeps a
// bounded replay buffer so restarted subscribers can resume from a
// sequence number, and drops subscribers that stop draining rather than
// blocking registry writers.
type Feed struct {
	mu     sync.Mutex
	seq    uint64
	buffer []ChangeEvent // ring ordered oldest first, len <= feedBufferSize
	subs   map[int]chan ChangeEvent
	nextID int
	logger observability.Logger
}

func newFeed(logger observability.Logger) *Feed {
	return &Feed{
		subs:   make(map[int]chan ChangeEvent),
		logger: logger.WithPrefix("registry.feed"),
	}
}

// publish appends an event and fans it out. Called with the registry write
// lock held, which is what makes the sequence monotonic and gap-free.
func (f *Feed) publish(changeType ChangeType, cap *models.Capability) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	event := ChangeEvent{Seq: f.seq, Type: changeType, Capability: cap}

	f.buffer = append(f.buffer, event)
	if len(f.buffer) > feedBufferSize {
		f.buffer = f.buffer[len(f.buffer)-feedBufferSize:]
	}

	for id, ch := range f.subs {
		select {
		case ch <- event:
		default:
			// A subscriber that stopped draining must not block writers.
			close(ch)
			delete(f.subs, id)
			f.logger.Warn("Dropped slow change-feed subscriber", map[string]interface{}{
				"subscriber": id,
				"seq":        event.Seq,
			})
		}
	}
	return f.seq
}

// Subscribe attaches a subscriber. fromSeq == 0 delivers only future
// events; fromSeq > 0 first replays buffered events with seq >= fromSeq.
// Returns conflict when fromSeq has already fallen out of the replay
// buffer, in which case the caller should resynchronize with List and
// subscribe from the current head.
func (f *Feed) Subscribe(fromSeq uint64) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var replay []ChangeEvent
	if fromSeq > 0 {
		if len(f.buffer) > 0 && f.buffer[0].Seq > fromSeq {
			return nil, models.NewError(models.ErrConflict,
				"sequence %d no longer buffered (earliest %d)", fromSeq, f.buffer[0].Seq)
		}
		if len(f.buffer) == 0 && fromSeq <= f.seq {
			return nil, models.NewError(models.ErrConflict,
				"sequence %d no longer buffered", fromSeq)
		}
		for _, event := range f.buffer {
			if event.Seq >= fromSeq {
				replay = append(replay, event)
			}
		}
	}

	ch := make(chan ChangeEvent, subscriberBufferSize+len(replay))
	for _, event := range replay {
		ch <- event
	}

	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if existing, ok := f.subs[id]; ok {
				close(existing)
				delete(f.subs, id)
			}
		},
	}, nil
}

// Seq returns the sequence number of the most recent event.
func (f *Feed) Seq() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}
