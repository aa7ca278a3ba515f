// Package notify hands digests to the delivery service.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

// StreamNotifier appends each digest to a Redis stream the mailer consumes.
type StreamNotifier struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

var _ pipeline.Notifier = (*StreamNotifier)(nil)

// NewStreamNotifier trims the stream to roughly maxLen entries; 0 keeps everything.
func NewStreamNotifier(client *redis.Client, stream string, maxLen int64, log *zap.Logger) *StreamNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamNotifier{client: client, stream: stream, maxLen: maxLen, logger: log}
}

func (n *StreamNotifier) Notify(ctx context.Context, digest pipeline.Digest) error {
	payload, err := json.Marshal(digest)
	if err != nil {
		return fmt.Errorf("encoding digest: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: n.stream,
		Values: map[string]any{
			"user_id": digest.UserID,
			"tick":    digest.Tick,
			"items":   digest.Len(),
			"payload": string(payload),
		},
	}
	if n.maxLen > 0 {
		args.MaxLen = n.maxLen
		args.Approx = true
	}

	id, err := n.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("publishing digest for user %d: %w", digest.UserID, err)
	}

	n.logger.Info("digest published",
		zap.Int64(logger.FieldUserID, digest.UserID),
		zap.String("tick", digest.Tick),
		zap.Int("items", digest.Len()),
		zap.String("message_id", id))
	return nil
}

// LogNotifier writes digests to the log instead of delivering them. Used by
// `digest --dry-run`.
type LogNotifier struct {
	logger *zap.Logger
}

var _ pipeline.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{logger: log}
}

func (n *LogNotifier) Notify(_ context.Context, digest pipeline.Digest) error {
	for _, group := range digest.Groups {
		for i, item := range group.Items {
			n.logger.Info("digest item",
				zap.Int64(logger.FieldUserID, digest.UserID),
				zap.String("tier", string(group.Tier)),
				zap.String("rank", strconv.Itoa(i+1)),
				zap.Int("score", item.Score),
				zap.String("title", item.Title),
				zap.String("value", item.Value),
				zap.String("url", item.URL))
		}
	}
	return nil
}
