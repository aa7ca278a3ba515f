package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/browser"
	"github.com/dennissolver/tenderwatch/internal/id"
	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/notify"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/portal/austender"
	"github.com/dennissolver/tenderwatch/internal/portal/feed"
	"github.com/dennissolver/tenderwatch/internal/queue"
	"github.com/dennissolver/tenderwatch/internal/secrets"
	"github.com/dennissolver/tenderwatch/internal/store/postgres"
	"github.com/dennissolver/tenderwatch/internal/summary"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

// application holds the collaborators every long-running command shares.
type application struct {
	cfg      *Config
	logger   *zap.Logger
	db       *postgres.DB
	redis    *redis.Client
	producer *queue.Producer
	jobs     *queue.RedisJobs
	pipeline *pipeline.Pipeline
}

type appOptions struct {
	// dryRun logs digests instead of publishing them and leaves matches
	// unnotified and job records untouched.
	dryRun bool
}

// unmarkedStores keeps matches unnotified during a dry run.
type unmarkedStores struct {
	pipeline.Stores
}

func (unmarkedStores) MarkNotified(context.Context, []pipeline.MatchVersion, time.Time) error { return nil }

func newApplication(ctx context.Context, cfg *Config, log *zap.Logger, opts appOptions) (*application, error) {
	if err := id.Init(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("initialising id generator: %w", err)
	}

	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rdb, err := queue.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &application{cfg: cfg, logger: log, db: db, redis: rdb}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *application) wire(ctx context.Context, opts appOptions) error {
	cfg, log := a.cfg, a.logger

	box, err := secrets.LoadBox(cfg.CredentialKey)
	if err != nil {
		return err
	}

	registry, err := newRegistry(cfg.Sites, log)
	if err != nil {
		return err
	}

	weekly, err := parseWeekday(cfg.Pipeline.WeeklyDigestDay)
	if err != nil {
		return err
	}

	a.producer = queue.NewProducer(a.redis, cfg.Redis.Stream, log)
	a.jobs = queue.NewRedisJobs(a.redis, cfg.Redis.KeyPrefix, cfg.Worker.JobTTL)
	locker := queue.NewRedisLocker(a.redis, cfg.Redis.KeyPrefix, id.Generator{}, log)

	var runnerOpts []pipeline.RunnerOption
	if cfg.Pipeline.LockTTL > 0 {
		runnerOpts = append(runnerOpts, pipeline.WithLockTTL(cfg.Pipeline.LockTTL))
	}

	var (
		stores   pipeline.Stores      = a.db.Store()
		recorder pipeline.JobRecorder = a.jobs
		notifier pipeline.Notifier    = notify.NewStreamNotifier(a.redis, cfg.Digest.Stream, cfg.Digest.MaxLen, log)
	)
	if opts.dryRun {
		stores = unmarkedStores{Stores: stores}
		recorder = pipeline.NewMemoryJobs()
		notifier = notify.NewLogNotifier(log)
	}
	runner := pipeline.NewRunner(cfg.Pipeline.Budgets, locker, recorder, log, runnerOpts...)

	deps := pipeline.Deps{
		Stores:      stores,
		Registry:    registry,
		Sessions:    browser.NewProvisioner(cfg.Browser, log),
		Credentials: box,
		Triggers:    a.producer,
		Notifier:    notifier,
		IDs:         id.Generator{},
		Engine:      matching.NewEngine(nil),
		Runner:      runner,
	}

	summarizer, err := newSummarizer(ctx, cfg.AI, log)
	if err != nil {
		log.Warn("match summaries disabled", zap.Error(err))
	} else if summarizer != nil {
		deps.Summarizer = summarizer
	}

	a.pipeline, err = pipeline.New(pipeline.Config{
		WeeklyDigestDay: weekly,
		LogoutTimeout:   cfg.Pipeline.LogoutTimeout,
	}, deps, log)
	return err
}

func (a *application) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}

func openDB(ctx context.Context, cfg *Config) (*postgres.DB, error) {
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return nil, errors.New("postgres.dsn is not configured (set TENDERWATCH_POSTGRES_DSN or DATABASE_URL)")
	}

	db, err := postgres.New(ctx, cfg.Postgres.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// newRegistry registers AusTender and every configured feed site.
func newRegistry(cfg SitesConfig, log *zap.Logger) (*portal.Registry, error) {
	registry := portal.NewRegistry()

	if err := registry.Register(tender.SiteAusTender, austender.New(cfg.AusTender, log)); err != nil {
		return nil, err
	}

	for name, feedCfg := range cfg.Feeds {
		site, err := tender.ParseSite(name)
		if err != nil {
			return nil, fmt.Errorf("sites.feeds: %w", err)
		}
		if err := registry.Register(site, feed.New(site, feedCfg, log)); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// newSummarizer returns nil when summaries are disabled.
func newSummarizer(ctx context.Context, cfg *AIConfig, log *zap.Logger) (*summary.Summarizer, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	provider := strings.TrimSpace(strings.ToLower(cfg.Provider))
	if provider != "" && provider != "gemini" {
		return nil, fmt.Errorf("unsupported ai provider: %s", cfg.Provider)
	}
	if cfg.Gemini == nil {
		return nil, errors.New("ai.gemini section is required")
	}

	src := cfg.Gemini.APIKey
	if src.Name == "" {
		src.Name = "gemini api key"
	}
	apiKey, err := secrets.Load(src)
	if err != nil {
		return nil, fmt.Errorf("%w (set ai.gemini.api-key.file or GEMINI_API_KEY)", err)
	}

	generator, err := summary.NewGenerator(ctx, apiKey, cfg.Gemini.Model)
	if err != nil {
		return nil, err
	}
	return summary.New(generator, log, cfg.Gemini.MaxLogLength), nil
}
