// Package scheduler emits the periodic pipeline triggers: a sync for every
// linked account and the daily digest tick.
package scheduler

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

type Config struct {
	// SyncSpec is a cron spec, e.g. "@every 6h".
	SyncSpec string `mapstructure:"sync-spec"`
	// DigestSpec fires the digest tick, "0 7 * * *" by default.
	DigestSpec string `mapstructure:"digest-spec"`
	// Timezone the specs and digest ticks are read in.
	Timezone    string `mapstructure:"timezone"`
	SyncOnStart bool   `mapstructure:"sync-on-start"`
}

// Location resolves Timezone, UTC when unset.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Accounts lists the accounts a sync cycle covers.
type Accounts interface {
	ListLinkedAccounts(ctx context.Context) ([]pipeline.Account, error)
}

// Triggers enqueues stage work.
type Triggers interface {
	EnqueueSync(ctx context.Context, accountID int64) error
	EnqueueDigest(ctx context.Context, tick time.Time) error
}

// Scheduler wraps robfig/cron.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	loc      *time.Location
	accounts Accounts
	triggers Triggers
	now      func() time.Time
	logger   *zap.Logger
}

func New(cfg Config, accounts Accounts, triggers Triggers, log *zap.Logger) (*Scheduler, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.SyncSpec == "" {
		cfg.SyncSpec = "@every 6h"
	}
	if cfg.DigestSpec == "" {
		cfg.DigestSpec = "0 7 * * *"
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	log = log.With(zap.String("component", "scheduler"))
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{log.Sugar()})),
		cfg:      cfg,
		loc:      loc,
		accounts: accounts,
		triggers: triggers,
		now:      time.Now,
		logger:   log,
	}, nil
}

// Start registers both jobs and starts the cron loop. ctx bounds every
// enqueue the jobs make.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.SyncSpec, func() { s.EnqueueSyncs(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc(%s): %w", s.cfg.SyncSpec, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.DigestSpec, func() { s.EnqueueDigest(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc(%s): %w", s.cfg.DigestSpec, err)
	}

	s.cron.Start()
	s.logger.Info("cron started",
		zap.String("sync_spec", s.cfg.SyncSpec),
		zap.String("digest_spec", s.cfg.DigestSpec),
		zap.String("timezone", s.loc.String()))

	if s.cfg.SyncOnStart {
		go s.EnqueueSyncs(ctx)
	}
	return nil
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron stopped")
}

// EnqueueSyncs emits one sync trigger per linked account and returns how
// many were accepted.
func (s *Scheduler) EnqueueSyncs(ctx context.Context) int {
	accounts, err := s.accounts.ListLinkedAccounts(ctx)
	if err != nil {
		s.logger.Error("listing linked accounts failed", zap.Error(err))
		return 0
	}

	enqueued := 0
	for _, a := range accounts {
		if err := s.triggers.EnqueueSync(ctx, a.ID); err != nil {
			s.logger.Error("enqueue sync failed", zap.Int64(logger.FieldAccountID, a.ID), zap.Error(err))
			continue
		}
		enqueued++
	}

	s.logger.Info("sync cycle enqueued", zap.Int("accounts", len(accounts)), zap.Int("enqueued", enqueued))
	return enqueued
}

// EnqueueDigest emits the digest trigger for today's date in the scheduler's timezone.
func (s *Scheduler) EnqueueDigest(ctx context.Context) {
	tick := s.now().In(s.loc)
	if err := s.triggers.EnqueueDigest(ctx, tick); err != nil {
		s.logger.Error("enqueue digest failed", zap.String("tick", tick.Format(pipeline.TickLayout)), zap.Error(err))
		return
	}
	s.logger.Info("digest enqueued", zap.String("tick", tick.Format(pipeline.TickLayout)))
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
