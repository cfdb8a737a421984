// Package memory provides an in-process bus for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-agent/internal/bus"
)

// Message is one message held by the in-memory bus.
type Message struct {
	ID         string
	Data       []byte
	Attributes map[string]string
}

// Bus is an in-process pub/sub. A topic and the subscription reading from
// it share a name; everything published to a name is delivered to the
// subscriber bound to that name and kept in a log for inspection.
type Bus struct {
	mu     sync.Mutex
	seq    int
	log    map[string][]Message
	queues map[string]chan Message
	acked  []string
	nacked []string
}

// New constructs an empty bus.
func New() *Bus {
	return &Bus{
		log:    make(map[string][]Message),
		queues: make(map[string]chan Message),
	}
}

// Publish appends the message to the topic log and queues it for delivery.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	b.mu.Lock()
	b.seq++
	msg := Message{
		ID:         fmt.Sprintf("mem-%d", b.seq),
		Data:       append([]byte(nil), data...),
		Attributes: cloneAttrs(attrs),
	}
	b.log[topic] = append(b.log[topic], msg)
	ch := b.queue(topic)
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("publish canceled: %w", ctx.Err())
	case ch <- msg:
		return msg.ID, nil
	}
}

// Subscriber returns a subscriber bound to the named queue.
func (b *Bus) Subscriber(name string) bus.Subscriber {
	b.mu.Lock()
	ch := b.queue(name)
	b.mu.Unlock()
	return &subscription{bus: b, name: name, ch: ch}
}

// Published returns a copy of everything published to the topic.
func (b *Bus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.log[topic]...)
}

// Acked lists the message IDs acknowledged so far.
func (b *Bus) Acked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.acked...)
}

// Nacked lists the message IDs negatively acknowledged so far.
func (b *Bus) Nacked() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.nacked...)
}

// queue returns the channel for name; callers must hold b.mu.
func (b *Bus) queue(name string) chan Message {
	ch, ok := b.queues[name]
	if !ok {
		ch = make(chan Message, 128)
		b.queues[name] = ch
	}
	return ch
}

func (b *Bus) recordAck(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, id)
}

func (b *Bus) recordNack(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked = append(b.nacked, id)
}

type subscription struct {
	bus  *Bus
	name string
	ch   chan Message
}

// Receive delivers queued messages to handler one at a time until ctx is
// canceled.
func (s *subscription) Receive(ctx context.Context, handler bus.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-s.ch:
			handler(ctx, &delivery{bus: s.bus, sub: s, msg: msg})
		}
	}
}

type delivery struct {
	bus  *Bus
	sub  *subscription
	msg  Message
	once sync.Once
}

func (d *delivery) ID() string                    { return d.msg.ID }
func (d *delivery) Data() []byte                  { return d.msg.Data }
func (d *delivery) Attributes() map[string]string { return d.msg.Attributes }

func (d *delivery) Ack() {
	d.once.Do(func() {
		d.bus.recordAck(d.msg.ID)
	})
}

// Nack puts the message back on the queue for redelivery.
func (d *delivery) Nack() {
	d.once.Do(func() {
		d.bus.recordNack(d.msg.ID)
		select {
		case d.sub.ch <- d.msg:
		default:
		}
	})
}

func cloneAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return nil
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
