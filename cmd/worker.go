package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/httpapi"
	"github.com/dennissolver/tenderwatch/internal/queue"
	"github.com/dennissolver/tenderwatch/internal/scheduler"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume pipeline triggers, run the schedule and serve the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
		noHTTP, _ := cmd.Flags().GetBool("no-http")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := getConfig()
		if err != nil {
			return err
		}
		log := newLogger()

		a, err := newApplication(ctx, cfg, log, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		return a.serve(ctx, !noScheduler, !noHTTP)
	},
}

func init() {
	workerCmd.Flags().Bool("no-scheduler", false, "do not run the sync and digest schedule")
	workerCmd.Flags().Bool("no-http", false, "do not serve the HTTP API")
	rootCmd.AddCommand(workerCmd)
}

func consumerName(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = app
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (a *application) serve(ctx context.Context, withScheduler, withHTTP bool) error {
	cfg, log := a.cfg, a.logger
	name := consumerName(cfg.Worker.Consumer)

	consumer, err := queue.NewRedisConsumer(ctx, a.redis, queue.ConsumerConfig{
		Stream:       cfg.Redis.Stream,
		Group:        cfg.Redis.Group,
		Consumer:     name,
		DLQStream:    cfg.Redis.DLQStream,
		BatchSize:    cfg.Worker.BatchSize,
		Block:        cfg.Worker.Block,
		RequeueDelay: cfg.Worker.RequeueDelay,
	}, log)
	if err != nil {
		return err
	}

	handler := queue.StageHandler(a.pipeline)
	workerCfg := queue.WorkerConfig{MaxAttempts: cfg.Worker.MaxAttempts}

	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	workers := make([]*queue.Worker, concurrency)
	for i := range workers {
		workers[i] = queue.NewWorker(consumer, handler, workerCfg, log.With(zap.Int("worker", i)))
		wg.Add(1)
		go func(w *queue.Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("worker stopped with error", zap.Error(err))
			}
		}(workers[i])
	}

	reclaimer := queue.NewReclaimer(a.redis, queue.ReclaimerConfig{
		Stream:    cfg.Redis.Stream,
		Group:     cfg.Redis.Group,
		Consumer:  name,
		MinIdle:   cfg.Worker.ReclaimIdle,
		Interval:  cfg.Worker.ReclaimInterval,
		BatchSize: cfg.Worker.BatchSize,
	}, workers[0], consumer, log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reclaimer.Run(ctx)
	}()

	var sched *scheduler.Scheduler
	if withScheduler {
		sched, err = scheduler.New(cfg.Scheduler, a.db.Store(), a.producer, log)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	var srv *http.Server
	if withHTTP {
		loc, err := cfg.Scheduler.Location()
		if err != nil {
			return err
		}
		srv = httpapi.NewServer(cfg.HTTP, httpapi.NewHandler(a.producer, a.jobs, map[string]httpapi.Pinger{
			"postgres": a.db.Ping,
			"redis":    func(ctx context.Context) error { return a.redis.Ping(ctx).Err() },
		}, log, httpapi.WithTickLocation(loc)), log)

		go func() {
			log.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server failed", zap.Error(err))
			}
		}()
	}

	log.Info("worker running", zap.String("consumer", name), zap.Int("concurrency", concurrency))
	<-ctx.Done()
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
		cancel()
	}
	if sched != nil {
		sched.Stop()
	}
	for _, w := range workers {
		w.Stop()
	}
	reclaimer.Stop()
	wg.Wait()

	return nil
}
