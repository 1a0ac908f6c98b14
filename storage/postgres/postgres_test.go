package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/polar/storage"
	"github.com/jmcleod/polar/storage/storagetest"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	dsn := os.Getenv("POLAR_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POLAR_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	s := New(pool)
	// Clean tables for test isolation.
	if err := s.Reset(ctx); err != nil {
		pool.Close()
		t.Fatalf("could not reset tables: %v", err)
	}
	return s
}

func TestPostgresStore(t *testing.T) {
	if os.Getenv("POLAR_TEST_POSTGRES_DSN") == "" {
		t.Skip("POLAR_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}
	storagetest.Run(t, newTestStore)
}
