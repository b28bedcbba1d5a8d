package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"executor/internal/config"
)

// Config holds database connection settings.
type Config struct {
	Driver          string        // sqlite3 or pgx
	DSN             string        // file path for sqlite, connection URL for postgres
	MaxOpenConns    int           // default: 10 (forced to 1 for in-memory sqlite)
	ConnMaxLifetime time.Duration // default: 30m
	BusyTimeout     time.Duration // sqlite only, default: 5s
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Driver:          config.GetEnv("DATABASE_DRIVER", "sqlite3"),
		DSN:             config.GetEnv("DATABASE_DSN", "executor.db"),
		MaxOpenConns:    config.GetIntEnv("DATABASE_MAX_OPEN_CONNS", 10),
		ConnMaxLifetime: config.GetDurationEnv("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		BusyTimeout:     config.GetDurationEnv("DATABASE_BUSY_TIMEOUT", 5*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = "sqlite3"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = 5 * time.Second
	}
	return c
}

// Open connects to the configured database and applies connection settings.
// Migrations are not run; call Migrate.
func Open(ctx context.Context, cfg Config) (*sql.DB, Dialect, error) {
	cfg = cfg.withDefaults()
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, Dialect{}, err
	}

	db, err := sql.Open(dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, Dialect{}, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if dialect == SQLite && isMemoryDSN(cfg.DSN) {
		// Every connection to :memory: is a separate database.
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if dialect == SQLite {
		pragmas := []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA foreign_keys = ON",
			fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		}
		for _, p := range pragmas {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, Dialect{}, fmt.Errorf("failed to apply %q: %w", p, err)
			}
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, Dialect{}, fmt.Errorf("failed to reach database: %w", err)
	}

	slog.Info("Database opened", "driver", dialect.DriverName, "dialect", dialect.Name)
	return db, dialect, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || dsn == "file::memory:" || len(dsn) > 13 && dsn[:13] == "file::memory:"
}
