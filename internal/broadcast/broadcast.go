// SPDX-License-Identifier: MIT

// Package broadcast implements Broadcaster: a fan-out point that hands
// each subscriber its own bounded queue and drops the oldest queued frame
// rather than blocking the publisher when a subscriber falls behind.
// Grounded in the teacher repository's WebSocketTransport client-map +
// mutex pattern, generalized away from the websocket-specific send loop
// into a per-subscriber channel so a slow reader cannot stall the others.
package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"ultrasonic/internal/frame"
)

// DefaultQueueCapacity is the default per-subscriber buffer depth before
// the oldest queued frame is dropped in favor of the newest.
const DefaultQueueCapacity = 4

// Subscriber is a single registered receiver of broadcast frames.
type Subscriber struct {
	ID string

	frames chan frame.WireFrame
	mu     sync.Mutex // guards droppedByLag against concurrent publish/drain

	droppedByLag uint64
}

// Frames returns the channel to range over for this subscriber's frames.
// Closed when the subscriber is unsubscribed.
func (s *Subscriber) Frames() <-chan frame.WireFrame { return s.frames }

// DroppedByLag is the count of frames dropped for this subscriber because
// its queue was full when a new frame was published.
func (s *Subscriber) DroppedByLag() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedByLag
}

// Broadcaster fans WireFrames out to every subscribed Subscriber.
type Broadcaster struct {
	mu            sync.RWMutex
	subscribers   map[string]*Subscriber
	queueCapacity int

	totalPublished atomic.Uint64
}

// Snapshot is a point-in-time view of a Broadcaster's fan-out counters.
type Snapshot struct {
	SubscriberCount int
	TotalPublished  uint64
	TotalDropped    uint64
}

// New creates a Broadcaster whose subscriber queues hold queueCapacity
// frames before the oldest is dropped. queueCapacity <= 0 uses
// DefaultQueueCapacity.
func New(queueCapacity int) *Broadcaster {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	return &Broadcaster{
		subscribers:   make(map[string]*Subscriber),
		queueCapacity: queueCapacity,
	}
}

// Subscribe registers a new Subscriber with its own queue and returns it.
func (b *Broadcaster) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		frames: make(chan frame.WireFrame, b.queueCapacity),
	}
	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than
// once or with an already-removed subscriber.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.frames)
	}
}

// Publish fans w out to every current subscriber. A subscriber whose
// queue is full has its oldest queued frame dropped to make room, so
// Publish never blocks on a slow reader.
func (b *Broadcaster) Publish(w frame.WireFrame) {
	b.totalPublished.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		select {
		case sub.frames <- w:
		default:
			select {
			case <-sub.frames:
			default:
			}
			select {
			case sub.frames <- w:
			default:
			}
			sub.mu.Lock()
			sub.droppedByLag++
			sub.mu.Unlock()
		}
	}
}

// Count returns the number of currently subscribed receivers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Snapshot returns the Broadcaster's aggregate fan-out counters: how many
// subscribers are attached, how many frames have been published in total,
// and how many subscriber-queue drops have accumulated across all of them.
func (b *Broadcaster) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var totalDropped uint64
	for _, sub := range b.subscribers {
		totalDropped += sub.DroppedByLag()
	}
	return Snapshot{
		SubscriberCount: len(b.subscribers),
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    totalDropped,
	}
}

// Close unsubscribes and closes every subscriber's channel. Use when the
// owning pipeline is torn down.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.frames)
	}
}
