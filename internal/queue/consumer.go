package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type ConsumerConfig struct {
	Stream       string
	Group        string
	Consumer     string
	DLQStream    string
	BatchSize    int64
	Block        time.Duration
	RequeueDelay time.Duration
}

// RedisConsumer reads triggers through a consumer group.
type RedisConsumer struct {
	client *redis.Client
	cfg    ConsumerConfig
	logger *zap.Logger
}

func NewRedisConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig, log *zap.Logger) (*RedisConsumer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	c := &RedisConsumer{
		client: client,
		cfg:    cfg,
		logger: log.With(zap.String("stream", cfg.Stream), zap.String("consumer", cfg.Consumer)),
	}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureGroup creates the group from the start of the stream so triggers
// added before the first worker are not lost.
func (c *RedisConsumer) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Read returns new triggers. Unparsable entries are acknowledged and dropped.
func (c *RedisConsumer) Read(ctx context.Context) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []Message{}, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			parsed, err := ParseMessage(raw)
			if err != nil {
				c.logger.Error("dropping unparsable trigger", zap.String("message_id", raw.ID), zap.Error(err))
				_ = c.Ack(ctx, Message{ID: raw.ID, Raw: raw})
				continue
			}
			messages = append(messages, parsed)
		}
	}

	if len(messages) > 0 {
		c.logger.Debug("read triggers", zap.Int("count", len(messages)))
	}
	return messages, nil
}

func (c *RedisConsumer) Ack(ctx context.Context, msg Message) error {
	if err := c.client.XAck(ctx, c.cfg.Stream, c.cfg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", c.cfg.Stream, err)
	}
	return nil
}

// Requeue acknowledges msg and appends it again with the next attempt number.
func (c *RedisConsumer) Requeue(ctx context.Context, msg Message, reason string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking trigger for requeue: %w", err)
	}

	next := msg.Trigger.Attempt + 1
	values := triggerValues(msg.Trigger, next)
	if reason != "" {
		values["last_error"] = reason
	}

	if c.cfg.RequeueDelay > 0 {
		timer := time.NewTimer(c.cfg.RequeueDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.Stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd requeue: %w", err)
	}

	c.logger.Info("trigger requeued", zap.Int("next_attempt", next), zap.String("reason", reason))
	return nil
}

// SendDLQ acknowledges msg and parks it on the dead letter stream.
func (c *RedisConsumer) SendDLQ(ctx context.Context, msg Message, reason string) error {
	if err := c.Ack(ctx, msg); err != nil {
		return fmt.Errorf("acking trigger for dlq: %w", err)
	}

	values := triggerValues(msg.Trigger, msg.Trigger.Attempt)
	values["error"] = reason

	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: c.cfg.DLQStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd dlq (stream=%s): %w", c.cfg.DLQStream, err)
	}

	c.logger.Error("trigger sent to DLQ", zap.String("final_error", reason), zap.String("dlq_stream", c.cfg.DLQStream))
	return nil
}
