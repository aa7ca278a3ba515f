package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

// Consumer is the stream side a worker drives.
type Consumer interface {
	Read(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	Requeue(ctx context.Context, msg Message, reason string) error
	SendDLQ(ctx context.Context, msg Message, reason string) error
}

var _ Consumer = (*RedisConsumer)(nil)

type WorkerConfig struct {
	// MaxAttempts bounds redeliveries of a trigger whose key was in flight.
	MaxAttempts int
	// ErrorBackoff is the pause after a failed read.
	ErrorBackoff time.Duration
}

// Worker reads triggers and runs them until stopped.
type Worker struct {
	consumer Consumer
	handler  Handler
	cfg      WorkerConfig
	logger   *zap.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewWorker(consumer Consumer, handler Handler, cfg WorkerConfig, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	return &Worker{
		consumer:  consumer,
		handler:   handler,
		cfg:       cfg,
		logger:    log,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	w.logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			w.logger.Info("worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx); err != nil {
				w.logger.Error("batch processing error", zap.Error(err))
				if waitErr := utils.WaitFor(ctx, w.cfg.ErrorBackoff); waitErr != nil {
					return waitErr
				}
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		w.Process(ctx, msg)
	}
	return nil
}

// Process runs msg and settles it: acked on success, requeued when its key
// was busy, dead-lettered once the stage gave up. A trigger interrupted by
// shutdown stays pending for the reclaimer.
func (w *Worker) Process(ctx context.Context, msg Message) {
	log := w.logger.With(append(
		logger.JobFields(string(msg.Trigger.Stage), msg.Trigger.Key(), msg.Trigger.Attempt),
		zap.String("message_id", msg.ID),
	)...)

	err := w.processMessageSafe(ctx, log, msg)
	switch {
	case err == nil:
		if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
			log.Warn("failed to ack trigger", zap.Error(ackErr))
		}
	case ctx.Err() != nil:
		log.Info("trigger interrupted, leaving it pending", zap.Error(err))
	default:
		w.handleFailedMessage(ctx, log, msg, err)
	}
}

func (w *Worker) processMessageSafe(ctx context.Context, log *zap.Logger, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic recovered in trigger handler", zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	log.Info("processing trigger")
	return w.handler(ctx, msg.Trigger)
}

func (w *Worker) handleFailedMessage(ctx context.Context, log *zap.Logger, msg Message, err error) {
	if errors.Is(err, pipeline.ErrInFlight) && msg.Trigger.Attempt < w.cfg.MaxAttempts {
		log.Warn("key in flight, requeuing trigger")
		if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
			log.Error("failed to requeue trigger", zap.Error(requeueErr))
		}
		return
	}

	log.Error("trigger failed, sending to DLQ", zap.Error(err))
	if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
		log.Error("failed to send to DLQ", zap.Error(dlqErr))
	}
}
