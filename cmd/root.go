package cmd

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/browser"
	"github.com/dennissolver/tenderwatch/internal/httpapi"
	"github.com/dennissolver/tenderwatch/internal/logger"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
	"github.com/dennissolver/tenderwatch/internal/portal/austender"
	"github.com/dennissolver/tenderwatch/internal/portal/feed"
	"github.com/dennissolver/tenderwatch/internal/queue"
	"github.com/dennissolver/tenderwatch/internal/scheduler"
	"github.com/dennissolver/tenderwatch/internal/secrets"
	"github.com/dennissolver/tenderwatch/internal/store/postgres"
)

const (
	app       = "tenderwatch"
	envPrefix = "TENDERWATCH"
)

type Config struct {
	NodeID        int64            `mapstructure:"node-id"`
	Postgres      PostgresConfig   `mapstructure:"postgres"`
	Redis         queue.Config     `mapstructure:"redis"`
	Worker        WorkerConfig     `mapstructure:"worker"`
	Browser       browser.Config   `mapstructure:"browser"`
	Sites         SitesConfig      `mapstructure:"sites"`
	Pipeline      PipelineConfig   `mapstructure:"pipeline"`
	Scheduler     scheduler.Config `mapstructure:"scheduler"`
	HTTP          httpapi.Config   `mapstructure:"http"`
	Digest        DigestConfig     `mapstructure:"digest"`
	CredentialKey secrets.Source   `mapstructure:"credential-key"`
	AI            *AIConfig        `mapstructure:"ai"`
}

type PostgresConfig struct {
	postgres.Config `mapstructure:",squash"`
	Migrate         bool `mapstructure:"migrate"`
}

type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	Consumer        string        `mapstructure:"consumer"`
	BatchSize       int64         `mapstructure:"batch-size"`
	Block           time.Duration `mapstructure:"block"`
	MaxAttempts     int           `mapstructure:"max-attempts"`
	RequeueDelay    time.Duration `mapstructure:"requeue-delay"`
	ReclaimIdle     time.Duration `mapstructure:"reclaim-idle"`
	ReclaimInterval time.Duration `mapstructure:"reclaim-interval"`
	JobTTL          time.Duration `mapstructure:"job-ttl"`
}

type SitesConfig struct {
	AusTender austender.Config `mapstructure:"austender"`
	// Feeds maps a site identifier to its listing feed.
	Feeds map[string]feed.Config `mapstructure:"feeds"`
}

type PipelineConfig struct {
	// WeeklyDigestDay is a weekday name, monday by default.
	WeeklyDigestDay string                             `mapstructure:"weekly-digest-day"`
	LogoutTimeout   time.Duration                      `mapstructure:"logout-timeout"`
	LockTTL         time.Duration                      `mapstructure:"lock-ttl"`
	Budgets         map[pipeline.Stage]pipeline.Budget `mapstructure:"budgets"`
}

type DigestConfig struct {
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max-len"`
}

type AIConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey       secrets.Source `mapstructure:"api-key"`
	Model        string         `mapstructure:"model"`
	MaxLogLength int            `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "tenderwatch watches procurement portals and sends scored tender digests",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is tenderwatch.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	for key, envs := range map[string][]string{
		"postgres.dsn":            {"TENDERWATCH_POSTGRES_DSN", "DATABASE_URL"},
		"redis.url":               {"TENDERWATCH_REDIS_URL", "REDIS_URL"},
		"credential-key.value":    {"TENDERWATCH_CREDENTIAL_KEY", "CREDENTIALS_ENCRYPTION_KEY"},
		"credential-key.file":     {"TENDERWATCH_CREDENTIAL_KEY_FILE"},
		"ai.gemini.api-key.value": {"GEMINI_API_KEY"},
		"ai.gemini.api-key.file":  {"GEMINI_API_KEY_FILE"},
	} {
		if err := viper.BindEnv(append([]string{key}, envs...)...); err != nil {
			log.Fatalf("binding %s environment variables: %v", key, err)
		}
	}

	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("http.addr", ":8080")
	viper.SetDefault("pipeline.weekly-digest-day", "monday")
	viper.SetDefault("scheduler.digest-spec", "0 7 * * *")
	viper.SetDefault("scheduler.sync-spec", "@every 6h")
	viper.SetDefault("scheduler.timezone", "Australia/Sydney")
	viper.SetDefault("browser.headless", true)
	viper.SetDefault("digest.stream", "tenderwatch:digests")
	viper.SetDefault("worker.concurrency", 8)
}

func initConfig() {
	// A local .env is a convenience for development; its absence is fine.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return
		}
		// We can't proceed if the config file parsed with error.
		log.Fatal(err)
	}
}

func getConfig() (*Config, error) {
	var config *Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if config == nil {
		config = &Config{}
	}
	config.Redis = config.Redis.WithDefaults()
	return config, nil
}

func newLogger() *zap.Logger {
	l, err := logger.New(logger.Options{
		JSON:    viper.GetBool("json"),
		Debug:   viper.GetBool("debug"),
		Service: app,
	})
	if err != nil {
		log.Fatalf("creating a logger: %v", err)
	}
	return l
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return time.Monday, nil
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}
