package config

import "time"

// DbSettings selects the queue store backend.
// Bindings and connections always live in Postgres, so DSN is required for both types.
type DbSettings struct {
	Type           string `mapstructure:"type" validate:"required,oneof=postgres spanner"`
	DSN            string `mapstructure:"dsn" validate:"required"`
	URI            string `mapstructure:"uri" validate:"required_if=Type spanner"` // Spanner database path
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// LockSettings selects the distributed lock implementation.
type LockSettings struct {
	Type       string        `mapstructure:"type" validate:"required,oneof=postgres mongo"`
	URI        string        `mapstructure:"uri" validate:"required_if=Type mongo"`
	Database   string        `mapstructure:"database"`
	Collection string        `mapstructure:"collection"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
}
