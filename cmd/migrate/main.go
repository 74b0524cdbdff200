// Command migrate runs the embedded goose migrations against a wallet or
// directory database.
//
// Usage:
//
//	go run ./cmd/migrate up                         # DATABASE_URL, postgres
//	go run ./cmd/migrate -driver sqlite -dsn wallet.db status
//	go run ./cmd/migrate down                       # Roll back the last migration
//	go run ./cmd/migrate up-to 3
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/sqldb"
	"github.com/mbd888/walletgate/migrations"
)

func main() {
	_ = godotenv.Load()

	driver := flag.String("driver", sqldb.DriverPostgres, "database driver: postgres or sqlite")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "connection string (default $DATABASE_URL)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-driver postgres|sqlite] [-dsn DSN] <command> [args]")
		fmt.Fprintln(os.Stderr, "Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := logging.New("info", "text")
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if *dsn == "" {
		logger.Error("a DSN is required (-dsn or DATABASE_URL)")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := sqldb.Open(ctx, *driver, *dsn)
	if err != nil {
		logger.Error("failed to open database", "driver", *driver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	command := flag.Arg(0)
	if err := migrations.Run(ctx, db, *driver, command, flag.Args()[1:]...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1) //nolint:gocritic // db closes with the process
	}
	logger.Info("migration complete", "command", command, "driver", *driver)
}
