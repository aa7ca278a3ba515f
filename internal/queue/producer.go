package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

// Producer appends triggers to the trigger stream.
type Producer struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

var _ pipeline.Enqueuer = (*Producer)(nil)

func NewProducer(client *redis.Client, stream string, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{client: client, stream: stream, logger: log}
}

// Enqueue validates and appends t.
func (p *Producer) Enqueue(ctx context.Context, t Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	attempt := t.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: triggerValues(t, attempt),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue %s trigger: %w", t.Stage, err)
	}

	p.logger.Debug("trigger enqueued", logger.JobFields(string(t.Stage), t.Key(), attempt)...)
	return nil
}

func (p *Producer) EnqueueSync(ctx context.Context, accountID int64) error {
	return p.Enqueue(ctx, Trigger{Stage: pipeline.StageSyncAccount, AccountID: accountID})
}

func (p *Producer) EnqueueProcessListing(ctx context.Context, listingID int64) error {
	return p.Enqueue(ctx, Trigger{Stage: pipeline.StageProcessListing, ListingID: listingID})
}

func (p *Producer) EnqueueDigest(ctx context.Context, tick time.Time) error {
	return p.Enqueue(ctx, Trigger{Stage: pipeline.StageDispatchDigest, Tick: tick.Format(pipeline.TickLayout)})
}
