// Package pubsub adapts Google Cloud Pub/Sub to the bus interfaces.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	pubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/JakeFAU/crawl-agent/internal/bus"
)

// Bus wraps one Pub/Sub client for both subscribing and publishing.
type Bus struct {
	client *pubsub.Client
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New connects a Bus to the given project.
func New(ctx context.Context, projectID string, logger *zap.Logger, opts ...option.ClientOption) (*Bus, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client for %s: %w", projectID, err)
	}
	return &Bus{
		client: client,
		logger: logger,
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Subscriber returns a subscriber bound to the named subscription.
func (b *Bus) Subscriber(id string) bus.Subscriber {
	return &subscription{sub: b.client.Subscription(id)}
}

// Publish sends data to the named topic and waits for the server ID.
// Topic handles are cached and flushed on Close.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) (string, error) {
	result := b.topic(topic).Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes cached topic handles and releases the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.topics = make(map[string]*pubsub.Topic)
	b.mu.Unlock()

	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (b *Bus) topic(id string) *pubsub.Topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[id]
	if !ok {
		t = b.client.Topic(id)
		b.topics[id] = t
		b.logger.Debug("opened topic publisher", zap.String("topic", id))
	}
	return t
}

// subscription adapts one Pub/Sub subscription. The receive settings pin
// the flow to a single outstanding message so the callback never runs
// concurrently with itself.
type subscription struct {
	sub *pubsub.Subscription
}

// Receive blocks delivering messages to handler until ctx is canceled.
func (s *subscription) Receive(ctx context.Context, handler bus.Handler) error {
	s.sub.ReceiveSettings.MaxOutstandingMessages = 1
	s.sub.ReceiveSettings.NumGoroutines = 1
	s.sub.ReceiveSettings.MaxExtension = 24 * time.Hour
	err := s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		handler(ctx, &delivery{msg: m})
	})
	if err != nil {
		return fmt.Errorf("receive on %s: %w", s.sub.ID(), err)
	}
	return nil
}

type delivery struct {
	msg *pubsub.Message
}

func (d *delivery) ID() string                    { return d.msg.ID }
func (d *delivery) Data() []byte                  { return d.msg.Data }
func (d *delivery) Attributes() map[string]string { return d.msg.Attributes }
func (d *delivery) Ack()                          { d.msg.Ack() }
func (d *delivery) Nack()                         { d.msg.Nack() }
