package config

import "time"

type WorkerSettings struct {
	Concurrency          int           `mapstructure:"concurrency" validate:"gte=1"`
	ProviderTimeout      time.Duration `mapstructure:"provider_timeout" validate:"gt=0"`
	ProcessingStaleAfter time.Duration `mapstructure:"processing_stale_after" validate:"gt=0"`
	InstanceID           string        `mapstructure:"instance_id" validate:"required"`
}

// ProviderSettings configures the Google Calendar OAuth client used to refresh tokens.
type ProviderSettings struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url" validate:"omitempty,url"`
	Endpoint     string `mapstructure:"endpoint" validate:"omitempty,url"` // overrides the Calendar API base URL
}

// DefaultRebuildMaxDeletes is used when no rebuild batch size is configured.
const DefaultRebuildMaxDeletes = 8

type RebuildSettings struct {
	EntityView string `mapstructure:"entity_view"`
	// MaxDeletesPerAttempt caps the provider deletes one REBUILD_ALL item performs.
	MaxDeletesPerAttempt int `mapstructure:"max_deletes_per_attempt" validate:"gte=1"`
}

type RetentionSettings struct {
	MaxAge   time.Duration `mapstructure:"max_age" validate:"gt=0"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"` // zero disables the in-process sweeper
}

type AdminSettings struct {
	Addr string `mapstructure:"addr"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"`
}
