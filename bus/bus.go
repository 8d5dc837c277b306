// Package bus distributes normalized chat events to consumers and routes
// outgoing send requests back to the adapter owning the target source.
//
// Publishing never blocks an adapter: each subscriber has a bounded buffer,
// and when it is full the oldest buffered event is discarded so the newest
// still lands. Sustained overflow shows up on the dropped-event counter
// instead of silently stalling network reads. Events from one channel keep
// their source order; no ordering is promised across channels.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"multichat/chat"
	"multichat/telemetry"
)

// Sender delivers an outgoing message on a live transport session.
type Sender interface {
	Send(req chat.SendRequest) error
}

// Subscription is one consumer's view of the event stream.
type Subscription struct {
	C      <-chan chat.Event
	ch     chan chat.Event
	filter func(chat.Event) bool
	bus    *Bus
	once   sync.Once
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Bus is the multi-producer, multi-consumer event hub.
type Bus struct {
	mu       sync.Mutex
	subs     []*Subscription
	modSinks []chan chat.ModerationEvent
	statSubs []chan chat.StatusEvent
	senders  map[chat.Source]Sender
	capacity int
	closed   bool
}

// New returns a bus whose subscribers buffer up to capacity events each.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 512
	}
	telemetry.Init()
	return &Bus{
		senders:  make(map[chat.Source]Sender),
		capacity: capacity,
	}
}

// Subscribe registers a consumer. A nil filter receives everything.
func (b *Bus) Subscribe(filter func(chat.Event) bool) *Subscription {
	ch := make(chan chat.Event, b.capacity)
	sub := &Subscription{C: ch, ch: ch, filter: filter, bus: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, sub)
	return sub
}

// SubscribeChannel is a convenience filter on one channel identity.
func (b *Bus) SubscribeChannel(id chat.ChannelID) *Subscription {
	return b.Subscribe(func(e chat.Event) bool {
		return e.Source == id.Source && e.Channel == id.Name
	})
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish fans an event out to every matching subscriber without blocking.
func (b *Bus) Publish(e chat.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	telemetry.EventsPublished.Inc()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Buffer full: make room by discarding the oldest so the newest
			// is never the one lost.
			select {
			case <-sub.ch:
				telemetry.EventsDropped.Inc()
			default:
			}
			select {
			case sub.ch <- e:
			default:
				telemetry.EventsDropped.Inc()
			}
		}
	}
}

// SubscribeModeration returns a sink for out-of-band moderation events.
func (b *Bus) SubscribeModeration() <-chan chat.ModerationEvent {
	ch := make(chan chat.ModerationEvent, b.capacity)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modSinks = append(b.modSinks, ch)
	return ch
}

// PublishModeration routes a moderation event to the moderation sinks only;
// it never appears on the chat stream.
func (b *Bus) PublishModeration(m chat.ModerationEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.modSinks {
		select {
		case ch <- m:
		default:
			telemetry.EventsDropped.Inc()
		}
	}
}

// SubscribeStatus returns a sink for connection state transitions.
func (b *Bus) SubscribeStatus() <-chan chat.StatusEvent {
	ch := make(chan chat.StatusEvent, b.capacity)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statSubs = append(b.statSubs, ch)
	return ch
}

// PublishStatus distributes a connection state transition.
func (b *Bus) PublishStatus(s chat.StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.statSubs {
		select {
		case ch <- s:
		default:
		}
	}
}

// RegisterSender attaches the outbound side of an adapter for a source.
func (b *Bus) RegisterSender(src chat.Source, s Sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[src] = s
}

// UnregisterSender detaches a source's outbound side.
func (b *Bus) UnregisterSender(src chat.Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.senders, src)
}

// Send routes an outgoing message to the adapter owning the target source.
func (b *Bus) Send(req chat.SendRequest) error {
	b.mu.Lock()
	s, ok := b.senders[req.Channel.Source]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("send to %s: %w", req.Channel, chat.ErrNotConnected)
	}
	if err := s.Send(req); err != nil {
		slog.Warn("outgoing send failed",
			slog.String("channel", req.Channel.String()), slog.Any("err", err))
		return err
	}
	return nil
}

// Close detaches all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
	for _, ch := range b.modSinks {
		close(ch)
	}
	b.modSinks = nil
	for _, ch := range b.statSubs {
		close(ch)
	}
	b.statSubs = nil
}
