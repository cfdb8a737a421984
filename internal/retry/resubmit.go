package retry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/bus"
	"github.com/JakeFAU/crawl-agent/internal/metrics"
	"github.com/JakeFAU/crawl-agent/internal/stage"
)

// Resubmitter publishes failed jobs back to the retry topic and clears
// their staged files once the publish is confirmed.
type Resubmitter struct {
	publisher    bus.Publisher
	store        *stage.Store
	topic        string
	subscription string
	logger       *zap.Logger
}

// NewResubmitter wires a resubmitter for one subscription.
func NewResubmitter(publisher bus.Publisher, store *stage.Store, topic, subscription string, logger *zap.Logger) *Resubmitter {
	return &Resubmitter{
		publisher:    publisher,
		store:        store,
		topic:        topic,
		subscription: subscription,
		logger:       logger,
	}
}

// Resubmit publishes the job to the retry topic after the decision's
// cooldown and removes the staged file once the bus has the message. The
// staged file stays put if the cooldown is interrupted or the publish
// fails, so a later sweep picks the job up again.
func (r *Resubmitter) Resubmit(ctx context.Context, job *stage.Job, genre Genre, decision Decision) error {
	attrs := make(map[string]string, len(job.Attributes)+4)
	for k, v := range job.Attributes {
		attrs[k] = v
	}
	attrs[stage.AttrRetryCount] = strconv.Itoa(job.RetryCount() + 1)
	if _, ok := attrs[stage.AttrOriginMessageID]; !ok {
		attrs[stage.AttrOriginMessageID] = job.MessageID
	}
	if _, ok := attrs[stage.AttrOriginSubscription]; !ok {
		attrs[stage.AttrOriginSubscription] = r.subscription
	}
	if genre != "" {
		if _, ok := attrs[stage.AttrErrorGenre]; !ok {
			attrs[stage.AttrErrorGenre] = string(genre)
		}
	}

	if decision.Delay > 0 {
		r.logger.Info("cooling down before resubmit",
			zap.String("message_id", job.MessageID),
			zap.Duration("delay", decision.Delay))
		timer := time.NewTimer(decision.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("cooldown interrupted for %s: %w", job.MessageID, ctx.Err())
		case <-timer.C:
		}
	}

	id, err := r.publisher.Publish(ctx, r.topic, job.Data, attrs)
	if err != nil {
		return fmt.Errorf("publish retry for %s: %w", job.MessageID, err)
	}
	metrics.ObserveRetryPublished(r.subscription, genreLabel(genre))
	r.logger.Info("job resubmitted for retry",
		zap.String("message_id", job.MessageID),
		zap.String("retry_message_id", id),
		zap.String("retry_count", attrs[stage.AttrRetryCount]),
		zap.String("genre", genreLabel(genre)))

	return r.store.Remove(job)
}

func genreLabel(g Genre) string {
	if g == "" {
		return "none"
	}
	return string(g)
}
