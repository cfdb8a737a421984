// Package agent runs one durable dispatch worker per subscription. A
// supervisor stages every delivery to disk before acknowledging it, then
// feeds staged jobs one at a time through the crawl subprocess, retrying
// or dropping failures according to the retry policy.
package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/artifact"
	"github.com/JakeFAU/crawl-agent/internal/bus"
	"github.com/JakeFAU/crawl-agent/internal/dispatch"
	"github.com/JakeFAU/crawl-agent/internal/errorlog"
	"github.com/JakeFAU/crawl-agent/internal/metrics"
	"github.com/JakeFAU/crawl-agent/internal/retry"
	"github.com/JakeFAU/crawl-agent/internal/stage"
)

// Executor runs one staged job through the crawl subprocess.
type Executor interface {
	Execute(ctx context.Context, job *stage.Job) dispatch.Result
}

// Resubmitter publishes a staged job back onto the retry topic.
type Resubmitter interface {
	Resubmit(ctx context.Context, job *stage.Job, genre retry.Genre, decision retry.Decision) error
}

// Config controls Supervisor behavior.
type Config struct {
	// PendingBuffer bounds how many staged jobs may queue for dispatch
	// behind the running one. Deliveries block once the buffer is full.
	PendingBuffer int
}

// Supervisor owns the lifecycle of one subscription worker: recovery of
// staged jobs, delivery staging, and sequential dispatch.
type Supervisor struct {
	store        *stage.Store
	subscriber   bus.Subscriber
	executor     Executor
	policy       *retry.Policy
	resubmitter  Resubmitter
	errors       errorlog.Recorder
	artifacts    artifact.Uploader
	clock        stage.Clock
	cfg          Config
	logger       *zap.Logger
	subscription string
	pending      chan *stage.Job
}

// New constructs a Supervisor. The resubmitter may be nil when no retry
// topic is configured, and the artifact uploader may be nil when failure
// output is not archived. A nil error recorder disables the sink.
func New(
	store *stage.Store,
	subscriber bus.Subscriber,
	executor Executor,
	policy *retry.Policy,
	resubmitter Resubmitter,
	errors errorlog.Recorder,
	artifacts artifact.Uploader,
	clock stage.Clock,
	cfg Config,
	logger *zap.Logger,
) *Supervisor {
	if cfg.PendingBuffer <= 0 {
		cfg.PendingBuffer = 64
	}
	return &Supervisor{
		store:        store,
		subscriber:   subscriber,
		executor:     executor,
		policy:       policy,
		resubmitter:  resubmitter,
		errors:       errors,
		artifacts:    artifacts,
		clock:        clock,
		cfg:          cfg,
		logger:       logger,
		subscription: store.Subscription(),
		pending:      make(chan *stage.Job, cfg.PendingBuffer),
	}
}

// Run recovers previously staged jobs, then consumes deliveries until the
// context finishes. Staged files always outlive the delivery
// acknowledgment, so a crash at any point leaves the job on disk for the
// next run.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.recoverStaged(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.dispatchLoop(ctx)
	}()

	err := s.subscriber.Receive(ctx, s.handleDelivery)
	<-done
	if err != nil {
		return fmt.Errorf("receive %s: %w", s.subscription, err)
	}
	return nil
}

// recoverStaged replays jobs left behind by a previous run, oldest first,
// before any new delivery is consumed.
func (s *Supervisor) recoverStaged(ctx context.Context) error {
	jobs, err := s.store.Sweep()
	if err != nil {
		return fmt.Errorf("sweep staging dir: %w", err)
	}
	s.updateBacklog()
	if len(jobs) == 0 {
		return nil
	}

	s.logger.Info("recovering staged jobs", zap.Int("count", len(jobs)))
	for _, job := range jobs {
		if ctx.Err() != nil {
			s.logger.Info("shutdown during recovery, remaining jobs stay staged",
				zap.String("next", job.Path),
			)
			return nil
		}
		s.process(ctx, job)
	}
	return nil
}

// handleDelivery stages the message, acknowledges it, and hands the job to
// the dispatch loop. Once the file is written the disk copy is the source
// of truth, so the delivery is acked before dispatch. A message that
// cannot be staged is nacked for redelivery.
func (s *Supervisor) handleDelivery(ctx context.Context, d bus.Delivery) {
	job := &stage.Job{
		MessageID:  d.ID(),
		Attributes: d.Attributes(),
		Data:       d.Data(),
	}
	if err := s.store.Stage(job); err != nil {
		s.logger.Error("stage delivery",
			zap.String("message_id", d.ID()),
			zap.Error(err),
		)
		d.Nack()
		return
	}
	d.Ack()
	s.updateBacklog()
	s.logger.Debug("delivery staged",
		zap.String("message_id", job.MessageID),
		zap.String("path", job.Path),
	)

	select {
	case s.pending <- job:
	case <-ctx.Done():
		s.logger.Info("shutdown before dispatch, job stays staged",
			zap.String("message_id", job.MessageID),
			zap.String("path", job.Path),
		)
	}
}

func (s *Supervisor) dispatchLoop(ctx context.Context) {
	for {
		select {
		case job := <-s.pending:
			s.process(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) process(ctx context.Context, job *stage.Job) {
	res := s.executor.Execute(ctx, job)
	if res.Success {
		metrics.ObserveJob(s.subscription, "success", res.Duration)
		s.updateBacklog()
		return
	}
	metrics.ObserveJob(s.subscription, "failure", res.Duration)
	s.handleFailure(ctx, job, res)
	s.updateBacklog()
}

// handleFailure archives the subprocess output, files classified failures
// with the error sink, and either resubmits the job or drops it once the
// retry budget is spent. The staged file is removed only when the job is
// handed back to the bus or given up on.
func (s *Supervisor) handleFailure(ctx context.Context, job *stage.Job, res dispatch.Result) {
	s.uploadArtifact(ctx, job, res)

	genre, classified := retry.ClassifyExit(res.ExitCode)
	if classified {
		s.recordError(ctx, genre)
	}

	decision := s.policy.Decide(genre, job.RetryCount())
	if decision.Allowed {
		if s.resubmitter != nil {
			if err := s.resubmitter.Resubmit(ctx, job, genre, decision); err != nil {
				s.logger.Error("resubmit staged job",
					zap.String("message_id", job.MessageID),
					zap.Error(err),
				)
			}
			return
		}
		s.logger.Warn("no retry topic configured, dropping job",
			zap.String("message_id", job.MessageID),
			zap.String("genre", string(genre)),
		)
	} else {
		s.logger.Warn("retry budget exhausted, dropping job",
			zap.String("message_id", job.MessageID),
			zap.Int("retry_count", job.RetryCount()),
			zap.String("genre", string(genre)),
		)
	}

	if err := s.store.Remove(job); err != nil {
		s.logger.Error("remove dropped job",
			zap.String("path", job.Path),
			zap.Error(err),
		)
	}
}

func (s *Supervisor) uploadArtifact(ctx context.Context, job *stage.Job, res dispatch.Result) {
	if s.artifacts == nil {
		return
	}
	key := fmt.Sprintf("%s/%s/attempt-%d.log", s.subscription, job.MessageID, job.Attempts)
	uri, err := s.artifacts.Upload(ctx, key, "text/plain; charset=utf-8",
		artifact.RenderOutput(res.Stdout, res.Stderr))
	if err != nil {
		metrics.ObserveArtifactUpload(s.subscription, "error")
		s.logger.Warn("upload failure artifact",
			zap.String("message_id", job.MessageID),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveArtifactUpload(s.subscription, "ok")
	s.logger.Info("failure artifact uploaded",
		zap.String("message_id", job.MessageID),
		zap.String("uri", uri),
	)
}

func (s *Supervisor) recordError(ctx context.Context, genre retry.Genre) {
	if s.errors == nil {
		return
	}
	if err := s.errors.Record(ctx, s.subscription, string(genre), s.clock.Now()); err != nil {
		metrics.IncErrorSinkFailure(s.subscription)
		s.logger.Error("record crawl error",
			zap.String("genre", string(genre)),
			zap.Error(err),
		)
	}
}

func (s *Supervisor) updateBacklog() {
	n, err := s.store.Pending()
	if err != nil {
		s.logger.Warn("count staged jobs", zap.Error(err))
		return
	}
	metrics.SetStagedBacklog(s.subscription, n)
}
