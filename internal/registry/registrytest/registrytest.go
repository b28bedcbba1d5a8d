// Package registrytest provides an in-memory registry for tests.
package registrytest

import (
	"context"
	"testing"

	"executor/internal/registry"
)

// New opens a migrated in-memory sqlite registry that is closed when the
// test ends.
func New(tb testing.TB, opts ...registry.Option) *registry.Store {
	tb.Helper()
	ctx := context.Background()

	db, dialect, err := registry.Open(ctx, registry.Config{Driver: "sqlite3", DSN: ":memory:"})
	if err != nil {
		tb.Fatalf("open registry: %v", err)
	}
	tb.Cleanup(func() { db.Close() })

	if err := registry.Migrate(ctx, db, dialect); err != nil {
		tb.Fatalf("migrate registry: %v", err)
	}
	return registry.New(db, dialect, opts...)
}
