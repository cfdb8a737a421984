// Package dispatch runs the crawl subprocess for staged jobs.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-agent/internal/stage"
)

// UnexpectedError is recorded on a staged job when the subprocess could
// not run at all, as opposed to running and exiting nonzero.
const UnexpectedError = "unexpected_error"

// Config describes how to launch the crawl executable for one
// subscription. The final command line is the executable, the base
// arguments, the arguments carried in the job payload, then the extra
// arguments.
type Config struct {
	Executable string
	BaseArgs   []string
	ExtraArgs  []string
	WorkingDir string
}

// Result reports how one dispatch ended. ExitCode is -1 when the
// subprocess never ran.
type Result struct {
	Success  bool
	ExitCode int
	Duration time.Duration
	Stdout   []byte
	Stderr   []byte
}

// Runner shells out to the crawl executable and keeps the staged record in
// step with what happened.
type Runner struct {
	cfg    Config
	store  *stage.Store
	clock  stage.Clock
	logger *zap.Logger
}

// NewRunner wires a runner for one subscription.
func NewRunner(cfg Config, store *stage.Store, clock stage.Clock, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		store:  store,
		clock:  clock,
		logger: logger,
	}
}

// Execute runs one staged job through the crawl executable. The attempt
// counter is persisted before the subprocess starts, so a crash mid-run
// still shows the attempt after recovery. On success the staged file is
// removed; on failure the record keeps the error for the caller and the
// next sweep. The subprocess is deliberately not bound to ctx: a crawl
// already running finishes even when the agent is shutting down.
func (r *Runner) Execute(ctx context.Context, job *stage.Job) Result {
	logger := r.logger.With(zap.String("message_id", job.MessageID))

	if err := r.recordAttempt(job); err != nil {
		logger.Error("persist attempt failed", zap.Error(err))
		r.markFailed(job, UnexpectedError)
		return Result{ExitCode: -1}
	}
	logger = logger.With(zap.Int("attempt", job.Attempts))

	args := r.buildArgs(job)
	logger.Info("dispatching crawl",
		zap.String("command", displayCommand(r.cfg.Executable, args)))

	cmd := exec.Command(r.cfg.Executable, args...)
	cmd.Dir = r.cfg.WorkingDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := r.clock.Now()
	runErr := cmd.Run()
	result := Result{
		Duration: r.clock.Now().Sub(start),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}

	if runErr == nil {
		result.Success = true
		r.logOutput(logger, result)
		logger.Info("crawl finished", zap.Duration("duration", result.Duration))
		if err := r.store.Remove(job); err != nil {
			logger.Error("remove staged job failed", zap.Error(err))
		}
		return result
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		r.logOutput(logger, result)
		logger.Warn("crawl failed",
			zap.Int("exit_code", result.ExitCode),
			zap.Duration("duration", result.Duration))
		r.markFailed(job, "subprocess_failed:"+strconv.Itoa(result.ExitCode))
		return result
	}

	result.ExitCode = -1
	logger.Error("crawl could not run", zap.Error(runErr))
	r.markFailed(job, UnexpectedError)
	return result
}

func (r *Runner) recordAttempt(job *stage.Job) error {
	now := r.clock.Now()
	job.Attempts++
	job.LastAttemptAt = &now
	if err := r.store.Update(job); err != nil {
		return fmt.Errorf("record attempt for %s: %w", job.MessageID, err)
	}
	return nil
}

// markFailed writes the failure onto the staged record. The write is best
// effort; a failed update must not keep the job from the retry flow.
func (r *Runner) markFailed(job *stage.Job, reason string) {
	now := r.clock.Now()
	job.LastError = reason
	job.LastErrorAt = &now
	if err := r.store.Update(job); err != nil {
		r.logger.Error("persist failure state failed",
			zap.String("message_id", job.MessageID), zap.Error(err))
	}
}

func (r *Runner) buildArgs(job *stage.Job) []string {
	payload := r.payloadArgs(job)
	args := make([]string, 0, len(r.cfg.BaseArgs)+len(payload)+len(r.cfg.ExtraArgs))
	args = append(args, r.cfg.BaseArgs...)
	args = append(args, payload...)
	args = append(args, r.cfg.ExtraArgs...)
	return args
}

// payloadArgs decodes {"args": [...]} from the message body. A malformed
// body is not fatal; the crawl runs without payload arguments.
func (r *Runner) payloadArgs(job *stage.Job) []string {
	if len(job.Data) == 0 {
		return nil
	}
	var payload struct {
		Args []string `json:"args"`
	}
	if err := json.Unmarshal(job.Data, &payload); err != nil {
		r.logger.Warn("invalid job payload, dispatching without arguments",
			zap.String("message_id", job.MessageID), zap.Error(err))
		return nil
	}
	return payload.Args
}

func (r *Runner) logOutput(logger *zap.Logger, result Result) {
	if out := bytes.TrimRight(result.Stdout, "\n"); len(out) > 0 {
		logger.Info("subprocess stdout", zap.ByteString("output", out))
	}
	errOut := bytes.TrimRight(result.Stderr, "\n")
	if len(errOut) == 0 {
		return
	}
	if result.Success {
		logger.Warn("subprocess stderr", zap.ByteString("output", errOut))
	} else {
		logger.Error("subprocess stderr", zap.ByteString("output", errOut))
	}
}

// displayCommand renders the command line for logs, quoting arguments
// that contain whitespace.
func displayCommand(executable string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{executable}, args...) {
		if strings.ContainsAny(a, " \t") {
			parts = append(parts, strconv.Quote(a))
		} else {
			parts = append(parts, a)
		}
	}
	return strings.Join(parts, " ")
}
