// Package testutil provides a migrated PostgreSQL database for integration
// tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/walletgate/internal/sqldb"
	"github.com/mbd888/walletgate/migrations"
)

const image = "postgres:16-alpine"

// PGTest returns a migrated PostgreSQL database. It uses POSTGRES_URL when
// set and otherwise starts a disposable container. All application tables
// are truncated when the test finishes.
//
//	db := testutil.PGTest(t)
func PGTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		dsn = startContainer(t, ctx)
	}

	db, err := sql.Open(sqldb.DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect: %v", err)
	}
	if err := migrations.Up(ctx, db, sqldb.DriverPostgres); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: migrate: %v", err)
	}

	t.Cleanup(func() {
		truncateAll(context.Background(), db)
		_ = db.Close()
	})
	return db
}

func startContainer(t *testing.T, ctx context.Context) string {
	t.Helper()
	if testing.Short() {
		t.Skip("short mode: no POSTGRES_URL and containers disabled")
	}

	ctr, err := postgres.Run(ctx, image,
		postgres.WithDatabase("walletgate"),
		postgres.WithUsername("walletgate"),
		postgres.WithPassword("walletgate"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("pgtest: cannot start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("pgtest: terminate container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("pgtest: connection string: %v", err)
	}
	return dsn
}

// truncateAll empties every application table, leaving goose's version table.
func truncateAll(ctx context.Context, db *sql.DB) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	if len(tables) > 0 {
		_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202 -- names from pg_tables
	}
}
