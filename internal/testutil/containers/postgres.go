//go:build integration

// Package containers starts throwaway PostgreSQL and Redis instances for
// integration tests.
package containers

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/jmerrifield20/privacychain/migrations"
)

// NewPostgres returns a migrated connection pool. DATABASE_URL, when set,
// points at an existing database instead of starting a container.
func NewPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("privacychain"),
			tcpostgres.WithUsername("privacychain"),
			tcpostgres.WithPassword("privacychain"),
			tcpostgres.BasicWaitStrategies(),
		)
		testcontainers.CleanupContainer(t, container)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}

		dbURL, err = container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get postgres connection string: %v", err)
		}
	}

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect to postgres: %v", err)
	}
	t.Cleanup(db.Close)
	if err := db.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	if _, err := migrations.Apply(ctx, db, nil); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

// ResetTables empties the tracking index and truncates the ledger back to its
// genesis entry.
func ResetTables(t *testing.T, db *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range []string{
		"DELETE FROM tracking",
		"DELETE FROM ledger_entries WHERE idx > 0",
	} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}
}
