// Package broadcast fans session events out to subscribers over bounded
// channels. A slow subscriber loses only its own events; publishers and
// the other subscribers never block on it.
package broadcast

import (
	"sync"

	"github.com/codefionn/agentdraht/internal/consts"
	"github.com/codefionn/agentdraht/internal/logger"
	"github.com/codefionn/agentdraht/internal/wire"
)

type subscriber struct {
	ch    chan wire.Event
	label string
	drops int
}

// Broadcaster delivers events to any number of subscribers in
// publication order. Closing it signals end-of-stream to current and
// future subscribers; events buffered before the close stay readable.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[<-chan wire.Event]*subscriber
	closed bool
	log    *logger.Logger
}

// New creates a broadcaster. name shows up in log lines, typically the
// owning session id.
func New(name string) *Broadcaster {
	return &Broadcaster{
		subs: make(map[<-chan wire.Event]*subscriber),
		log:  logger.Global().WithPrefix("broadcast").WithPrefix(name),
	}
}

// Subscribe attaches a new subscriber with the given buffer capacity.
// A non-positive buffer selects the default. On a closed broadcaster
// the returned channel is already closed.
func (b *Broadcaster) Subscribe(buffer int) <-chan wire.Event {
	if buffer <= 0 {
		buffer = consts.DefaultEventBufferSize
	}
	ch := make(chan wire.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	sub := &subscriber{ch: ch, label: NewLabel()}
	b.subs[ch] = sub
	b.log.Debug("Subscriber %s attached (buffer %d, total %d)", sub.label, buffer, len(b.subs))
	return ch
}

// Unsubscribe detaches a subscriber and closes its channel. Unknown
// channels are ignored.
func (b *Broadcaster) Unsubscribe(ch <-chan wire.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
	b.log.Debug("Subscriber %s detached (total %d)", sub.label, len(b.subs))
}

// Publish delivers ev to every subscriber without blocking. When a
// subscriber's buffer is full the event is dropped for that subscriber
// only.
func (b *Broadcaster) Publish(ev wire.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.drops++
			b.log.Debug("Subscriber %s full, dropping %s event (%d dropped so far)", sub.label, ev.Type, sub.drops)
		}
	}
}

// Close ends the stream. Every subscriber channel is closed after its
// buffered events; subscribers attached later receive an already closed
// channel. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, ch)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
