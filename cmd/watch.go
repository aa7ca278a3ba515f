package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/id"
	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/store/postgres"
)

// watchFile is the document read by `watch import`.
type watchFile struct {
	User struct {
		ID    int64  `mapstructure:"id"`
		Email string `mapstructure:"email"`
		Name  string `mapstructure:"name"`
	} `mapstructure:"user"`
	Watches []matching.Watch `mapstructure:"watches"`
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage watch configurations",
}

var watchImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update a user's watches from a yaml or json file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readWatchFile(args[0])
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := getConfig()
		if err != nil {
			return err
		}
		log := newLogger()
		defer log.Sync()

		if err := id.Init(cfg.NodeID); err != nil {
			return err
		}
		if err := assignWatchIDs(doc.Watches); err != nil {
			return err
		}

		db, err := openDB(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		err = db.WithTx(ctx, func(s *postgres.Store) error {
			if err := s.EnsureUser(ctx, doc.User.ID, doc.User.Email, doc.User.Name); err != nil {
				return err
			}
			for i := range doc.Watches {
				if err := s.SaveWatch(ctx, doc.Watches[i]); err != nil {
					return fmt.Errorf("saving watch %q: %w", doc.Watches[i].Name, err)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, w := range doc.Watches {
			log.Info("watch saved", zap.Int64("watch_id", w.ID), zap.String("name", w.Name), zap.Bool("active", w.Active))
		}
		return nil
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print active watches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetInt64("user")

		cfg, err := getConfig()
		if err != nil {
			return err
		}

		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		var watches []matching.Watch
		if userID > 0 {
			watches, err = db.Store().FindActiveWatchesByUser(cmd.Context(), userID)
		} else {
			watches, err = db.Store().FindActiveWatches(cmd.Context())
		}
		if err != nil {
			return err
		}
		return printJSON(watches)
	},
}

func init() {
	watchListCmd.Flags().Int64P("user", "u", 0, "only list watches of this user")

	watchCmd.AddCommand(watchImportCmd, watchListCmd)
	rootCmd.AddCommand(watchCmd)
}

// readWatchFile decodes and validates a watch document. Every watch belongs
// to the document's user and is active unless the file says otherwise.
func readWatchFile(path string) (*watchFile, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc watchFile
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if doc.User.ID <= 0 {
		return nil, errors.New("user.id is required")
	}
	if doc.User.Email == "" {
		return nil, errors.New("user.email is required")
	}
	if len(doc.Watches) == 0 {
		return nil, errors.New("no watches in file")
	}

	raw, _ := v.Get("watches").([]any)
	for i := range doc.Watches {
		w := &doc.Watches[i]
		if i < len(raw) && !hasKey(raw[i], "active") {
			w.Active = true
		}
		if w.Name == "" {
			return nil, fmt.Errorf("watch #%d has no name", i+1)
		}
		w.UserID = doc.User.ID
		if err := w.Normalize(); err != nil {
			return nil, err
		}
	}
	return &doc, nil
}

func hasKey(item any, key string) bool {
	m, ok := item.(map[string]any)
	if !ok {
		return false
	}
	for k := range m {
		if strings.EqualFold(k, key) {
			return true
		}
	}
	return false
}

// assignWatchIDs must run after id.Init.
func assignWatchIDs(watches []matching.Watch) error {
	for i := range watches {
		if watches[i].ID != 0 {
			continue
		}
		next, err := id.Next()
		if err != nil {
			return err
		}
		watches[i].ID = next
	}
	return nil
}
