package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

// Budget bounds one stage: attempts per invocation, linear backoff between
// attempts and concurrent invocations (0 means unbounded).
type Budget struct {
	MaxAttempts int           `mapstructure:"max-attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	Concurrency int           `mapstructure:"concurrency"`
}

// DefaultBudgets returns the production budgets: sync retries three times
// with at most five accounts at once, process-listing and digest retry twice.
func DefaultBudgets() map[Stage]Budget {
	return map[Stage]Budget{
		StageSyncAccount:    {MaxAttempts: 4, Backoff: 10 * time.Second, Concurrency: 5},
		StageProcessListing: {MaxAttempts: 3, Backoff: 2 * time.Second},
		StageDispatchDigest: {MaxAttempts: 3, Backoff: 30 * time.Second, Concurrency: 1},
	}
}

// Runner drives stage invocations through the job state machine.
type Runner struct {
	budgets  map[Stage]Budget
	slots    map[Stage]chan struct{}
	locker   Locker
	recorder JobRecorder
	lockTTL  time.Duration
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithWait replaces the backoff wait, mostly for tests.
func WithWait(wait func(ctx context.Context, d time.Duration) error) RunnerOption {
	return func(r *Runner) { r.wait = wait }
}

// WithLockTTL bounds how long an idempotency key stays held by a crashed worker.
func WithLockTTL(ttl time.Duration) RunnerOption {
	return func(r *Runner) { r.lockTTL = ttl }
}

// NewRunner builds a runner. Stages missing from budgets use DefaultBudgets.
func NewRunner(budgets map[Stage]Budget, locker Locker, recorder JobRecorder, log *zap.Logger, opts ...RunnerOption) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if recorder == nil {
		recorder = NewMemoryJobs()
	}

	merged := DefaultBudgets()
	for stage, b := range budgets {
		if b.MaxAttempts <= 0 {
			b.MaxAttempts = 1
		}
		merged[stage] = b
	}

	r := &Runner{
		budgets:  merged,
		slots:    make(map[Stage]chan struct{}),
		locker:   locker,
		recorder: recorder,
		lockTTL:  30 * time.Minute,
		now:      time.Now,
		wait:     utils.WaitFor,
		logger:   log,
	}
	for stage, b := range merged {
		if b.Concurrency > 0 {
			r.slots[stage] = make(chan struct{}, b.Concurrency)
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Budget returns the budget applied to stage.
func (r *Runner) Budget(stage Stage) Budget {
	return r.budgets[stage]
}

// Attempt is the body of one stage attempt.
type Attempt func(ctx context.Context, attempt int) error

// Run executes fn under the stage budget for the idempotency key. The
// returned job is in a terminal state unless the key was already in flight.
func (r *Runner) Run(ctx context.Context, stage Stage, key string, fn Attempt) (Job, error) {
	budget := r.budgets[stage]
	log := logger.WithFields(r.logger, logger.JobFields(string(stage), key, 0)...)

	release, err := r.acquireSlot(ctx, stage)
	if err != nil {
		return Job{}, err
	}
	defer release()

	unlock, err := r.locker.Acquire(ctx, JobID(stage, key), r.lockTTL)
	if err != nil {
		if errors.Is(err, ErrInFlight) {
			log.Info("skipping, same key already running")
		}
		return Job{}, err
	}
	defer unlock()

	job := NewJob(stage, key, budget.MaxAttempts, r.now())
	r.record(ctx, log, job)

	for {
		if err := job.Transition(JobRunning, r.now()); err != nil {
			return job, err
		}
		r.record(ctx, log, job)

		attemptLog := log.With(zap.Int(logger.FieldAttempt, job.Attempt))
		attemptLog.Debug("attempt started")

		runErr := r.safeRun(ctx, fn, job.Attempt)
		if runErr == nil {
			_ = job.Transition(JobSucceeded, r.now())
			job.LastError = ""
			r.record(ctx, log, job)
			attemptLog.Info("job succeeded")
			return job, nil
		}

		job.LastError = runErr.Error()

		if !IsRetryable(runErr) || job.Attempt >= job.MaxAttempts || ctx.Err() != nil {
			_ = job.Transition(JobFailedTerminal, r.now())
			r.record(ctx, log, job)
			attemptLog.Error("job failed", zap.Error(runErr), zap.Bool("retryable", IsRetryable(runErr)))
			return job, runErr
		}

		_ = job.Transition(JobFailedRetryable, r.now())
		r.record(ctx, log, job)

		delay := budget.Backoff * time.Duration(job.Attempt)
		attemptLog.Warn("attempt failed, retrying", zap.Error(runErr), zap.Duration("backoff", delay))

		if err := r.wait(ctx, delay); err != nil {
			_ = job.Transition(JobFailedTerminal, r.now())
			job.LastError = fmt.Sprintf("%s (abandoned: %v)", job.LastError, err)
			r.record(ctx, log, job)
			return job, fmt.Errorf("%w: %w", err, runErr)
		}
	}
}

func (r *Runner) acquireSlot(ctx context.Context, stage Stage) (func(), error) {
	slots, ok := r.slots[stage]
	if !ok {
		return func() {}, nil
	}

	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Runner) safeRun(ctx context.Context, fn Attempt, attempt int) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, attempt)
}

func (r *Runner) record(ctx context.Context, log *zap.Logger, job Job) {
	// Recording uses a detached context so a cancelled invocation still leaves
	// its terminal state behind.
	if err := r.recorder.RecordJob(context.WithoutCancel(ctx), job); err != nil {
		log.Warn("recording job state failed", zap.Error(err), zap.String("state", string(job.State)))
	}
}
