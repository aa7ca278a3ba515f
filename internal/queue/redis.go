package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config names the Redis endpoint and the keys the queue uses.
type Config struct {
	URL       string `mapstructure:"url"`
	Stream    string `mapstructure:"stream"`
	Group     string `mapstructure:"group"`
	DLQStream string `mapstructure:"dlq-stream"`
	KeyPrefix string `mapstructure:"key-prefix"`
}

// WithDefaults fills unset names.
func (c Config) WithDefaults() Config {
	if c.Stream == "" {
		c.Stream = "tenderwatch:triggers"
	}
	if c.Group == "" {
		c.Group = "tenderwatch-workers"
	}
	if c.DLQStream == "" {
		c.DLQStream = c.Stream + ":dlq"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "tenderwatch"
	}
	return c
}

// NewClient parses url and verifies connectivity.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}
