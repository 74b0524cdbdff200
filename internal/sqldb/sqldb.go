// Package sqldb holds the database/sql plumbing shared by the SQL stores:
// opening connections, placeholder rebinding and driver error classification.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Supported database/sql driver names.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects to dsn with the named driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverSQLite:
		return OpenSQLite(dsn)
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("sqldb: unsupported driver %q", driver)
	}

	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// OpenSQLite opens a single-writer SQLite database with WAL and a busy
// timeout. path may be ":memory:" for tests.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// Rebind rewrites ? placeholders to $n when driver is Postgres.
func Rebind(driver, q string) string {
	if driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique or primary key conflict.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// IsSerializationFailure reports whether a Postgres transaction lost a
// serialization conflict and can be retried.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "40001"
	}
	return false
}

// CheckDriver returns an error for anything but the supported drivers.
func CheckDriver(driver string) error {
	switch driver {
	case DriverPostgres, DriverSQLite:
		return nil
	default:
		return fmt.Errorf("sqldb: unsupported driver %q", driver)
	}
}
