package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Settings struct {
	Database        DbSettings        `mapstructure:"database"`
	Lock            LockSettings      `mapstructure:"lock"`
	Worker          WorkerSettings    `mapstructure:"worker"`
	Provider        ProviderSettings  `mapstructure:"provider"`
	Broker          BrokerSettings    `mapstructure:"broker"`
	Rebuild         RebuildSettings   `mapstructure:"rebuild"`
	Retention       RetentionSettings `mapstructure:"retention"`
	Admin           AdminSettings     `mapstructure:"admin"`
	Log             LogSettings       `mapstructure:"log"`
	PollInterval    time.Duration     `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int               `mapstructure:"batch_size" validate:"gt=0"`
	MaxRetries      int               `mapstructure:"max_retries" validate:"gte=1"`
	RetryBackoff    time.Duration     `mapstructure:"retry_backoff" validate:"gt=0"` // initial backoff duration
	RetryBackoffMax time.Duration     `mapstructure:"retry_backoff_max" validate:"gtefield=RetryBackoff"`
	DeadLetterTopic string            `mapstructure:"dead_letter_topic"`
	Observability   Observability     `mapstructure:"observability"` // Observability settings
}

// keys lists every setting that can be overridden from the environment.
var keys = []string{
	"database.type",
	"database.dsn",
	"database.uri",
	"database.migrate_on_start",
	"lock.type",
	"lock.uri",
	"lock.database",
	"lock.collection",
	"lock.lease_ttl",
	"worker.concurrency",
	"worker.provider_timeout",
	"worker.processing_stale_after",
	"worker.instance_id",
	"provider.client_id",
	"provider.client_secret",
	"provider.token_url",
	"provider.endpoint",
	"broker.type",
	"broker.url",
	"broker.project_id",
	"broker.pool_size",
	"rebuild.entity_view",
	"rebuild.max_deletes_per_attempt",
	"retention.max_age",
	"retention.interval",
	"admin.addr",
	"log.level",
	"log.format",
	"poll_interval",
	"batch_size",
	"max_retries",
	"retry_backoff",
	"retry_backoff_max",
	"dead_letter_topic",
	"observability.service_name",
	"observability.tracing_url",
}

func (c *Settings) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Broker.Type != "" && c.DeadLetterTopic == "" {
		return errors.New("dead_letter_topic is required when a broker is configured")
	}
	// The longest attempt is a rebuild pass: one bounded provider call per deleted event.
	budget := c.Worker.ProviderTimeout * time.Duration(c.Rebuild.MaxDeletesPerAttempt)
	if c.Worker.ProcessingStaleAfter <= budget {
		return fmt.Errorf("worker.processing_stale_after (%s) must exceed worker.provider_timeout x rebuild.max_deletes_per_attempt (%s)",
			c.Worker.ProcessingStaleAfter, budget)
	}
	if c.Lock.Type == "mongo" && c.Lock.LeaseTTL <= budget {
		return fmt.Errorf("lock.lease_ttl (%s) must exceed worker.provider_timeout x rebuild.max_deletes_per_attempt (%s)",
			c.Lock.LeaseTTL, budget)
	}
	return nil
}

func setDefaults() {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "calsync"
	}

	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("database.migrate_on_start", false)
	viper.SetDefault("lock.type", "postgres")
	viper.SetDefault("lock.database", "calsync")
	viper.SetDefault("lock.collection", "sync_locks")
	viper.SetDefault("lock.lease_ttl", 5*time.Minute)
	viper.SetDefault("worker.concurrency", 1)
	viper.SetDefault("worker.provider_timeout", 30*time.Second)
	viper.SetDefault("worker.processing_stale_after", 5*time.Minute)
	viper.SetDefault("worker.instance_id", hostname)
	viper.SetDefault("rebuild.max_deletes_per_attempt", DefaultRebuildMaxDeletes)
	viper.SetDefault("broker.pool_size", 2)
	viper.SetDefault("retention.max_age", 30*24*time.Hour)
	viper.SetDefault("retention.interval", time.Duration(0))
	viper.SetDefault("admin.addr", ":8081")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("poll_interval", 5*time.Second)
	viper.SetDefault("batch_size", 10)
	viper.SetDefault("max_retries", 5)
	viper.SetDefault("retry_backoff", time.Second)
	viper.SetDefault("retry_backoff_max", time.Hour)
	viper.SetDefault("observability.service_name", "calsync")
}

// LoadFromFile reads calsync.yaml from filePath (or the working directory), merges
// calsync.<ENVIRONMENT>.yaml when present, applies CALSYNC_* environment overrides
// and validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName("calsync")
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.ReadInConfig(); err != nil {
		slog.Info("No config file read, relying on environment", "error", err)
	}

	if err := mergeConfig(filePath, "calsync."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("CALSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like CALSYNC_DATABASE_TYPE

	for _, key := range keys {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
