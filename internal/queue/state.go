package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker holds idempotency keys across worker processes.
type RedisLocker struct {
	client *redis.Client
	prefix string
	tokens pipeline.IDGenerator
	logger *zap.Logger
}

var _ pipeline.Locker = (*RedisLocker)(nil)

func NewRedisLocker(client *redis.Client, prefix string, tokens pipeline.IDGenerator, log *zap.Logger) *RedisLocker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{client: client, prefix: prefix, tokens: tokens, logger: log}
}

func (l *RedisLocker) key(k string) string {
	return l.prefix + ":lock:" + k
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	raw, err := l.tokens.NewID()
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	token := strconv.FormatInt(raw, 10)

	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring %s: %w", key, err)
	}
	if !ok {
		return nil, pipeline.ErrInFlight
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, token).Err(); err != nil {
			l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// RedisJobs records job state in one hash per job.
type RedisJobs struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ pipeline.JobRecorder = (*RedisJobs)(nil)

// NewRedisJobs keeps each job for ttl after its last update.
func NewRedisJobs(client *redis.Client, prefix string, ttl time.Duration) *RedisJobs {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisJobs{client: client, prefix: prefix, ttl: ttl}
}

func (j *RedisJobs) key(stage pipeline.Stage, key string) string {
	return j.prefix + ":job:" + pipeline.JobID(stage, key)
}

func (j *RedisJobs) RecordJob(ctx context.Context, job pipeline.Job) error {
	k := j.key(job.Stage, job.Key)

	_, err := j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, jobValues(job))
		pipe.Expire(ctx, k, j.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording job %s: %w", job.ID(), err)
	}
	return nil
}

// Job returns the latest recorded state. ErrNotFound when none exists.
func (j *RedisJobs) Job(ctx context.Context, stage pipeline.Stage, key string) (pipeline.Job, error) {
	values, err := j.client.HGetAll(ctx, j.key(stage, key)).Result()
	if err != nil {
		return pipeline.Job{}, fmt.Errorf("loading job: %w", err)
	}
	if len(values) == 0 {
		return pipeline.Job{}, pipeline.ErrNotFound
	}
	return decodeJob(values)
}

func jobValues(job pipeline.Job) map[string]any {
	return map[string]any{
		"stage":        string(job.Stage),
		"key":          job.Key,
		"state":        string(job.State),
		"attempt":      job.Attempt,
		"max_attempts": job.MaxAttempts,
		"last_error":   job.LastError,
		"created_at":   job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":   job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeJob(values map[string]string) (pipeline.Job, error) {
	var job pipeline.Job
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		Result:           &job,
	})
	if err != nil {
		return pipeline.Job{}, err
	}
	if err := decoder.Decode(values); err != nil {
		return pipeline.Job{}, fmt.Errorf("decoding job: %w", err)
	}
	if _, err := pipeline.ParseJobState(string(job.State)); err != nil {
		return pipeline.Job{}, err
	}
	if job.Stage == "" {
		return pipeline.Job{}, errors.New("decoding job: missing stage")
	}
	return job, nil
}
