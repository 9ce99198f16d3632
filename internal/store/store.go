// Package store persists entitlements, download tokens and their audit trail.
//
// A single SQL implementation serves both PostgreSQL and SQLite. Queries are
// written with "?" placeholders and rebound for PostgreSQL. Timestamps are stored
// as UTC unix milliseconds so expiry comparisons behave identically on both.
package store

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenExhausted    = errors.New("token exhausted")
	ErrFileNotAuthorized = errors.New("file not authorized")
	ErrDuplicateEvent    = errors.New("duplicate event")

	// ErrPassQuotaExhausted means the pass used up its period download allowance.
	ErrPassQuotaExhausted = errors.New("pass period quota exhausted")

	errNoMatch = errors.New("conditional update matched no row")
)

// SQLStore is the Entitlement Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// New wraps db. dialect selects placeholder syntax and row locking.
func New(db *sql.DB, dialect string) *SQLStore {
	if dialect != DialectPostgres {
		dialect = DialectSQLite
	}
	return &SQLStore{db: db, dialect: dialect}
}

// DB exposes the handle for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind converts "?" placeholders to "$n" for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate returns the row lock clause where the dialect has one. SQLite
// serializes writers at the database level.
func (s *SQLStore) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
