package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ReclaimerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
}

// Reclaimer takes over triggers left pending by a worker that died between
// reading and acknowledging them.
type Reclaimer struct {
	client *redis.Client
	cfg    ReclaimerConfig
	worker *Worker
	acker  Consumer
	logger *zap.Logger

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewReclaimer(client *redis.Client, cfg ReclaimerConfig, worker *Worker, acker Consumer, log *zap.Logger) *Reclaimer {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 45 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Reclaimer{
		client:    client,
		cfg:       cfg,
		worker:    worker,
		acker:     acker,
		logger:    log.With(zap.String("component", "reclaimer")),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run blocks until ctx is done or Stop is called.
func (r *Reclaimer) Run(ctx context.Context) {
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reclaimer started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("min_idle", r.cfg.MinIdle),
		zap.String("stream", r.cfg.Stream))

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			r.logger.Info("reclaimer stopping")
			return
		case <-ticker.C:
			if err := r.reclaimOnce(ctx); err != nil {
				r.logger.Error("reclaim cycle error", zap.Error(err))
			}
		}
	}
}

func (r *Reclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

func (r *Reclaimer) reclaimOnce(ctx context.Context) error {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Idle:   r.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  r.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}

	for _, p := range pending {
		if err := r.reclaimMessage(ctx, p); err != nil {
			r.logger.Error("failed to reclaim trigger",
				zap.Error(err),
				zap.String("message_id", p.ID),
				zap.String("original_consumer", p.Consumer),
				zap.Duration("idle", p.Idle))
		}
	}
	return nil
}

func (r *Reclaimer) reclaimMessage(ctx context.Context, pending redis.XPendingExt) error {
	messages, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.cfg.Stream,
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		MinIdle:  r.cfg.MinIdle,
		Messages: []string{pending.ID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}
	if len(messages) == 0 {
		// another worker got there first
		return nil
	}

	raw := messages[0]
	parsed, err := ParseMessage(raw)
	if err != nil {
		r.logger.Error("dropping unparsable reclaimed trigger", zap.String("message_id", raw.ID), zap.Error(err))
		return r.acker.Ack(ctx, Message{ID: raw.ID, Raw: raw})
	}

	r.logger.Info("reclaimed trigger",
		zap.String("message_id", raw.ID),
		zap.String("original_consumer", pending.Consumer),
		zap.Int64("retry_count", pending.RetryCount))
	r.worker.Process(ctx, parsed)
	return nil
}
