// Package broker is the in-process pub/sub channel for delay lifecycle
// notifications.
package broker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/patrykwozinski/waw-trams-sub000/pkg/delaystore"
)

type Kind string

const (
	KindDelayStarted  Kind = "delay_started"
	KindDelayResolved Kind = "delay_resolved"
)

// Message is one broadcast on the delays topic. Event is a snapshot of the
// persisted row at publish time; resolved messages carry duration and the
// multi-cycle flag.
type Message struct {
	Kind  Kind
	Event delaystore.Event
}

type Config struct {
	Logger *slog.Logger

	// BufferSize is the per-subscriber channel capacity. Defaults to 64.
	BufferSize int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	return nil
}

// Broker fans messages out to subscribers. Delivery is at most once: a
// subscriber that stops draining its channel loses messages rather than
// blocking the publishers.
type Broker struct {
	log *slog.Logger
	cfg Config

	// Publishers run concurrently under the read lock, so the drop
	// counter is atomic rather than mu-guarded.
	dropped atomic.Int64

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Message
}

func New(cfg Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broker{
		log:  cfg.Logger,
		cfg:  cfg,
		subs: make(map[int]chan Message),
	}, nil
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the subscription; the channel is closed by it.
func (b *Broker) Subscribe() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Message, b.cfg.BufferSize)
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

// Publish delivers msg to every subscriber without blocking.
func (b *Broker) Publish(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
			b.log.Warn("broker: subscriber lagging, message dropped",
				"kind", msg.Kind, "vehicle_id", msg.Event.VehicleID)
		}
	}
}

// Dropped returns the total number of messages dropped on lagging
// subscribers.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}

// SubscriberCount returns the current number of subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
