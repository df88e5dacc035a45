// Package broker implements the per-operation event topic: ordered fan-out
// to independently-buffered subscribers, a replay ring for late joiners, and
// a head-truncation overflow policy that never blocks producers.
package broker

import (
	"sync"
	"time"

	"github.com/redgraph/redgraph/internal/types"
)

const (
	// DefaultReplayLimit is how many recent events the broker retains for
	// subscribers that join with a from-seq in the past.
	DefaultReplayLimit = 100

	// DefaultQueueLimit bounds each subscriber's pending queue.
	DefaultQueueLimit = 256
)

// Broker is a single operation's event topic. Publish assigns monotonic
// sequence numbers under the broker lock, so intra-topic order is identical
// for every subscriber.
type Broker struct {
	mu          sync.Mutex
	seq         uint64
	ring        []types.Event
	replayLimit int
	queueLimit  int
	subs        map[int]*subscriber
	nextSub     int
	closed      bool
}

type subscriber struct {
	mu      sync.Mutex
	queue   []types.Event
	limit   int
	dropped int
	notify  chan struct{}
	done    chan struct{}
	out     chan types.Event
}

// New creates a Broker retaining replayLimit events; zero means
// DefaultReplayLimit.
func New(replayLimit int) *Broker {
	if replayLimit <= 0 {
		replayLimit = DefaultReplayLimit
	}
	return &Broker{
		replayLimit: replayLimit,
		queueLimit:  DefaultQueueLimit,
		subs:        make(map[int]*subscriber),
	}
}

// Publish appends an event to the topic and fans it out. It never blocks:
// a full subscriber queue is truncated from the head and the subscriber
// later receives a single overflow marker in place of the dropped events.
// The assigned event (with seq and timestamp) is returned so callers can
// log or persist it.
func (b *Broker) Publish(kind types.EventKind, role types.Role, data map[string]any) types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := types.Event{
		Seq:       b.seq,
		Timestamp: time.Now().UTC(),
		Event:     kind,
		Role:      role,
		Data:      data,
	}
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.replayLimit {
		b.ring = b.ring[len(b.ring)-b.replayLimit:]
	}
	for _, s := range b.subs {
		s.push(ev)
	}
	return ev
}

// Seq returns the sequence number of the most recently published event.
func (b *Broker) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Replay returns the retained events with seq >= fromSeq, oldest first.
func (b *Broker) Replay(fromSeq uint64) []types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Event
	for _, ev := range b.ring {
		if ev.Seq >= fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribe registers a subscriber. Events with seq >= fromSeq still held in
// the replay ring are delivered first; fromSeq 0 requests live events only
// (no replay). The returned cancel func detaches the subscriber and closes
// its channel.
func (b *Broker) Subscribe(fromSeq uint64) (<-chan types.Event, func()) {
	s := &subscriber{
		limit:  b.queueLimit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan types.Event),
	}

	b.mu.Lock()
	if fromSeq > 0 {
		for _, ev := range b.ring {
			if ev.Seq >= fromSeq {
				s.queue = append(s.queue, ev)
			}
		}
	}
	if b.closed {
		close(s.done)
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}
	return s.out, cancel
}

// Close detaches all subscribers and closes their channels after their
// queues drain. Publish after Close is a no-op fan-out (events still get
// sequence numbers for the ring).
func (b *Broker) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		close(s.done)
	}
}

func (s *subscriber) push(ev types.Event) {
	s.mu.Lock()
	if len(s.queue) >= s.limit {
		// Truncate from the head; the marker is synthesized on drain.
		drop := len(s.queue) - s.limit + 1
		s.dropped += drop
		s.queue = append(s.queue[:0], s.queue[drop:]...)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump drains the queue into the out channel. Delivery blocks on the
// consumer only; producers are isolated by the bounded queue.
func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		dropped := s.dropped
		s.dropped = 0
		s.mu.Unlock()

		if dropped > 0 && len(batch) > 0 {
			marker := types.Event{
				Seq:       batch[0].Seq,
				Timestamp: time.Now().UTC(),
				Event:     types.EventOverflow,
				Data:      map[string]any{"dropped": dropped},
			}
			batch = append([]types.Event{marker}, batch...)
		}
		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			// Drain anything pushed between the last batch and done.
			s.mu.Lock()
			rest := s.queue
			s.queue = nil
			s.mu.Unlock()
			for _, ev := range rest {
				select {
				case s.out <- ev:
				default:
					return
				}
			}
			return
		}
	}
}
