package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/matching"
)

const promptAllWatches = "All watches"

// evaluation is printed for every watch the listing was scored against.
type evaluation struct {
	WatchID   int64           `json:"watch_id"`
	WatchName string          `json:"watch_name"`
	Result    matching.Result `json:"result"`
	Summary   string          `json:"summary,omitempty"`
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <listing-id>",
	Short: "Score a stored listing against watches without saving matches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		listingID, err := parseID(args[0])
		if err != nil {
			return err
		}
		userID, _ := cmd.Flags().GetInt64("user")
		all, _ := cmd.Flags().GetBool("all")
		withSummary, _ := cmd.Flags().GetBool("summary")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := getConfig()
		if err != nil {
			return err
		}
		log := newLogger()
		defer log.Sync()

		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		store := db.Store()

		listing, err := store.FindListing(ctx, listingID)
		if err != nil {
			return fmt.Errorf("loading listing %d: %w", listingID, err)
		}

		var watches []matching.Watch
		if userID > 0 {
			watches, err = store.FindActiveWatchesByUser(ctx, userID)
		} else {
			watches, err = store.FindActiveWatches(ctx)
		}
		if err != nil {
			return fmt.Errorf("loading watches: %w", err)
		}
		if len(watches) == 0 {
			return errors.New("no active watches found")
		}

		if !all {
			if watches, err = chooseWatches(watches); err != nil {
				return err
			}
		}

		var summarize func(w matching.Watch) string
		if withSummary {
			summarizer, err := newSummarizer(ctx, cfg.AI, log)
			if err != nil {
				return err
			}
			if summarizer == nil {
				return errors.New("--summary needs ai.enabled")
			}
			summarize = func(w matching.Watch) string {
				s, err := summarizer.Summarize(ctx, listing, w)
				if err != nil {
					log.Warn("summary failed", zap.Int64("watch_id", w.ID), zap.Error(err))
				}
				return s
			}
		}

		engine := matching.NewEngine(nil)
		out := make([]evaluation, 0, len(watches))
		for _, w := range watches {
			e := evaluation{WatchID: w.ID, WatchName: w.Name, Result: engine.Evaluate(listing, w)}
			if summarize != nil && e.Result.Recommended() {
				e.Summary = summarize(w)
			}
			out = append(out, e)
		}
		return printJSON(out)
	},
}

func init() {
	evaluateCmd.Flags().Int64P("user", "u", 0, "only consider watches of this user")
	evaluateCmd.Flags().BoolP("all", "a", false, "evaluate every watch without asking")
	evaluateCmd.Flags().Bool("summary", false, "write a summary for recommended matches")
	rootCmd.AddCommand(evaluateCmd)
}

func chooseWatches(watches []matching.Watch) ([]matching.Watch, error) {
	if len(watches) == 1 {
		return watches, nil
	}

	items := make([]string, 0, len(watches)+1)
	items = append(items, promptAllWatches)
	for _, w := range watches {
		items = append(items, fmt.Sprintf("%d: %s", w.ID, w.Name))
	}

	prompt := promptui.Select{
		Label: "Choose a watch and press ENTER",
		Items: items,
	}
	idx, _, err := prompt.Run()
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		return watches, nil
	}
	return watches[idx-1 : idx], nil
}
