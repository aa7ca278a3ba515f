package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

var (
	syncCmd = &cobra.Command{
		Use:   "sync <account-id>",
		Short: "Synchronise a linked portal account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			accountID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runStage(cmd, appOptions{},
				func(ctx context.Context, a *application) error {
					return a.producer.EnqueueSync(ctx, accountID)
				},
				func(ctx context.Context, a *application) (any, error) {
					return a.pipeline.SyncAccount(ctx, accountID)
				})
		},
	}

	processCmd = &cobra.Command{
		Use:   "process <listing-id>",
		Short: "Score a listing against every active watch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			listingID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runStage(cmd, appOptions{},
				func(ctx context.Context, a *application) error {
					return a.producer.EnqueueProcessListing(ctx, listingID)
				},
				func(ctx context.Context, a *application) (any, error) {
					return a.pipeline.ProcessListing(ctx, listingID)
				})
		},
	}

	digestCmd = &cobra.Command{
		Use:   "digest",
		Short: "Dispatch digests for a schedule tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rawTick, _ := cmd.Flags().GetString("tick")
			dryRun, _ := cmd.Flags().GetBool("dry-run")

			cfg, err := getConfig()
			if err != nil {
				return err
			}
			loc, err := cfg.Scheduler.Location()
			if err != nil {
				return err
			}
			tick, err := digestTick(rawTick, time.Now().In(loc))
			if err != nil {
				return err
			}

			return runStage(cmd, appOptions{dryRun: dryRun},
				func(ctx context.Context, a *application) error {
					return a.producer.EnqueueDigest(ctx, tick)
				},
				func(ctx context.Context, a *application) (any, error) {
					return a.pipeline.DispatchDigest(ctx, tick)
				})
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{syncCmd, processCmd, digestCmd} {
		c.Flags().Bool("enqueue", false, "emit a trigger for the workers instead of running inline")
		rootCmd.AddCommand(c)
	}
	digestCmd.Flags().String("tick", "", "schedule tick as YYYY-MM-DD (default today)")
	digestCmd.Flags().Bool("dry-run", false, "log digests instead of handing them off")
}

// digestTick parses raw, or falls back to today in the schedule's timezone.
func digestTick(raw string, today time.Time) (time.Time, error) {
	if raw == "" {
		return today, nil
	}
	tick, err := time.Parse(pipeline.TickLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --tick %q, expected YYYY-MM-DD", raw)
	}
	return tick, nil
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

// runStage either enqueues a trigger or runs the stage in this process and
// prints its report.
func runStage(
	cmd *cobra.Command,
	opts appOptions,
	enqueue func(ctx context.Context, a *application) error,
	run func(ctx context.Context, a *application) (any, error),
) error {
	enqueueOnly, _ := cmd.Flags().GetBool("enqueue")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := getConfig()
	if err != nil {
		return err
	}
	log := newLogger()

	a, err := newApplication(ctx, cfg, log, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	if enqueueOnly {
		if err := enqueue(ctx, a); err != nil {
			return err
		}
		log.Info("trigger enqueued", zap.String("command", cmd.Name()))
		return nil
	}

	report, runErr := run(ctx, a)
	if err := printJSON(report); err != nil {
		return err
	}
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
