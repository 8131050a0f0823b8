// Package store opens the arbitration database and papers over the
// dialect differences between the two supported drivers: PostgreSQL for
// deployments, SQLite for single-node setups and tests.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"      // postgres driver
	_ "modernc.org/sqlite"     // sqlite driver
)

// Dialect identifies the SQL dialect of an open database.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Open opens the database named by url. A postgres:// URL selects the
// PostgreSQL driver; anything else is treated as a SQLite DSN.
func Open(url string) (*sql.DB, Dialect, error) {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := sql.Open("postgres", url)
		if err != nil {
			return nil, "", fmt.Errorf("store: failed to open postgres: %w", err)
		}
		return db, DialectPostgres, nil
	}
	db, err := sql.Open("sqlite", url)
	if err != nil {
		return nil, "", fmt.Errorf("store: failed to open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids spurious
	// SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)
	return db, DialectSQLite, nil
}

// Rebind rewrites ?-style placeholders into the dialect's native form.
// Queries throughout this repo are written with ?; PostgreSQL needs $N.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// ForUpdate returns the row-lock clause for SELECTs that take an
// exclusive lock. SQLite locks the whole database per writing
// transaction, so the clause is empty there.
func (d Dialect) ForUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// ForUpdateSkipLocked is ForUpdate for queue-style consumers: a
// concurrent reader skips rows another transaction holds instead of
// waiting on them and re-reading an emptied predicate.
func (d Dialect) ForUpdateSkipLocked() string {
	if d == DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// IsUniqueViolation reports whether err is a uniqueness-constraint
// violation in either dialect. Used by the get-or-create paths to turn a
// racing insert into a re-select.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	// lib/pq: "duplicate key value violates unique constraint";
	// modernc sqlite: "UNIQUE constraint failed" / "constraint failed".
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
