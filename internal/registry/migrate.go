package registry

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies pending schema migrations in version order. Each
// migration runs in its own transaction and is recorded in
// schema_migrations. Migrations are additive only.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	applied := 0
	for _, filename := range files {
		version := strings.SplitN(filename, "_", 2)[0]

		var count int
		err := db.QueryRowContext(ctx,
			dialect.Rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), version,
		).Scan(&count)
		if err != nil {
			// The table does not exist until migration 000 has run.
			if version != "000" {
				return fmt.Errorf("schema_migrations missing before migration %s: %w", filename, err)
			}
		} else if count > 0 {
			continue
		}

		body, err := migrations.ReadFile(path.Join("migrations", filename))
		if err != nil {
			return fmt.Errorf("read %s: %w", filename, err)
		}

		slog.Info("Applying migration", "migration", filename, "version", version)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute %s: %w", filename, err)
		}
		if _, err := tx.ExecContext(ctx,
			dialect.Rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			version, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record %s: %w", filename, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", filename, err)
		}
		applied++
	}

	slog.Info("Migrations complete", "total", len(files), "applied", applied)
	return nil
}
