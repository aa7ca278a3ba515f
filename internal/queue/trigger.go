// Package queue carries pipeline triggers over Redis streams and keeps the
// shared job state the stages need across workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"

	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

// Trigger asks a worker to run one stage for one key.
type Trigger struct {
	Stage     pipeline.Stage `mapstructure:"stage"`
	AccountID int64          `mapstructure:"account_id"`
	ListingID int64          `mapstructure:"listing_id"`
	Tick      string         `mapstructure:"tick"`
	Attempt   int            `mapstructure:"attempt"`
	LastError string         `mapstructure:"last_error"`
}

// Message is a trigger read from a stream.
type Message struct {
	ID      string
	Trigger Trigger
	Raw     redis.XMessage
}

// Key returns the idempotency key the stage runs under.
func (t Trigger) Key() string {
	switch t.Stage {
	case pipeline.StageSyncAccount:
		return strconv.FormatInt(t.AccountID, 10)
	case pipeline.StageProcessListing:
		return strconv.FormatInt(t.ListingID, 10)
	default:
		return t.Tick
	}
}

// Validate checks that the stage is known and its key is present.
func (t Trigger) Validate() error {
	if _, err := pipeline.ParseStage(string(t.Stage)); err != nil {
		return err
	}
	switch t.Stage {
	case pipeline.StageSyncAccount:
		if t.AccountID <= 0 {
			return errors.New("missing account_id")
		}
	case pipeline.StageProcessListing:
		if t.ListingID <= 0 {
			return errors.New("missing listing_id")
		}
	case pipeline.StageDispatchDigest:
		if _, err := time.Parse(pipeline.TickLayout, t.Tick); err != nil {
			return fmt.Errorf("invalid tick %q: %w", t.Tick, err)
		}
	}
	return nil
}

// ParseMessage decodes stream values into a trigger.
func ParseMessage(msg redis.XMessage) (Message, error) {
	var t Trigger
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &t,
	})
	if err != nil {
		return Message{}, err
	}
	if err := decoder.Decode(msg.Values); err != nil {
		return Message{}, fmt.Errorf("decoding trigger %s: %w", msg.ID, err)
	}

	if t.Attempt <= 0 {
		t.Attempt = 1
	}
	if err := t.Validate(); err != nil {
		return Message{}, fmt.Errorf("trigger %s: %w", msg.ID, err)
	}

	return Message{ID: msg.ID, Trigger: t, Raw: msg}, nil
}

func triggerValues(t Trigger, attempt int) map[string]any {
	values := map[string]any{
		"stage":   string(t.Stage),
		"attempt": attempt,
	}
	switch t.Stage {
	case pipeline.StageSyncAccount:
		values["account_id"] = t.AccountID
	case pipeline.StageProcessListing:
		values["listing_id"] = t.ListingID
	case pipeline.StageDispatchDigest:
		values["tick"] = t.Tick
	}
	return values
}

// Stages are the pipeline entry points a worker dispatches to.
type Stages interface {
	SyncAccount(ctx context.Context, accountID int64) (pipeline.SyncReport, error)
	ProcessListing(ctx context.Context, listingID int64) (pipeline.ProcessReport, error)
	DispatchDigest(ctx context.Context, tick time.Time) (pipeline.DigestReport, error)
}

// Handler runs one trigger.
type Handler func(ctx context.Context, t Trigger) error

// StageHandler routes triggers to the matching stage.
func StageHandler(stages Stages) Handler {
	return func(ctx context.Context, t Trigger) error {
		switch t.Stage {
		case pipeline.StageSyncAccount:
			_, err := stages.SyncAccount(ctx, t.AccountID)
			return err
		case pipeline.StageProcessListing:
			_, err := stages.ProcessListing(ctx, t.ListingID)
			return err
		case pipeline.StageDispatchDigest:
			tick, err := time.Parse(pipeline.TickLayout, t.Tick)
			if err != nil {
				return err
			}
			_, err = stages.DispatchDigest(ctx, tick)
			return err
		default:
			return fmt.Errorf("unknown stage %q", t.Stage)
		}
	}
}
