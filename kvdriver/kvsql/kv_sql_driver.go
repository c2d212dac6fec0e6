// Package kvsql provides a driver for Go's built-in database/sql. It supports
// SQLite (through a pure Go driver like modernc.org/sqlite) and Postgres
// (through lib/pq or Pgx's stdlib adapter).
//
// With SQLite, atomic units take the database's write lock up front, so a pool
// should be opened with `_txlock=immediate` or limited to a single connection
// with SetMaxOpenConns(1). With Postgres, atomic units run in serializable
// transactions and are retried on serialization failures.
package kvsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/lib/pq"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvtx"
)

// Dialect is the flavor of SQL spoken by the database behind a pool.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const (
	maxAttemptsDefault = 50
	tableDefault       = "bull_kv"
)

// Config is configuration for the database/sql driver.
type Config struct {
	// MaxAttempts is the number of times an atomic unit is run before giving
	// up on serialization failures. Defaults to 50.
	MaxAttempts int

	// Table is the name of the table holding values. Defaults to "bull_kv".
	Table string

	// TimeGenerator is used to evaluate key expiry. Defaults to the wall
	// clock.
	TimeGenerator bulltype.TimeGenerator
}

// Driver is an implementation of kvdriver.Driver for database/sql.
type Driver struct {
	dbPool        *sql.DB
	dialect       Dialect
	maxAttempts   int
	table         string
	timeGenerator bulltype.TimeGenerator
}

var _ kvdriver.Driver = &Driver{}

// New returns a new database/sql driver. config may be nil.
//
// The pool must not be closed while associated queue objects are running.
func New(dbPool *sql.DB, dialect Dialect, config *Config) *Driver {
	switch dialect {
	case DialectPostgres, DialectSQLite:
	default:
		panic("unsupported dialect: " + string(dialect))
	}

	driver := &Driver{
		dbPool:        dbPool,
		dialect:       dialect,
		maxAttempts:   maxAttemptsDefault,
		table:         tableDefault,
		timeGenerator: &bulltype.UnStubbableTimeGenerator{},
	}
	if config != nil {
		if config.MaxAttempts > 0 {
			driver.maxAttempts = config.MaxAttempts
		}
		if config.Table != "" {
			driver.table = config.Table
		}
		if config.TimeGenerator != nil {
			driver.timeGenerator = config.TimeGenerator
		}
	}
	return driver
}

// Migrate creates the table holding values if it doesn't already exist.
func (d *Driver) Migrate(ctx context.Context) error {
	valueType := "bytea"
	if d.dialect == DialectSQLite {
		valueType = "blob"
	}

	_, err := d.dbPool.ExecContext(ctx, d.sql(
		"CREATE TABLE IF NOT EXISTS /* TEMPLATE: table */ (key text PRIMARY KEY, value "+valueType+" NOT NULL)",
	))
	return err
}

func (d *Driver) Atomic(ctx context.Context, fn func(ctx context.Context, tx kvdriver.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := d.runAttempt(ctx, fn)
		if err == nil {
			return nil
		}

		if d.isRetryable(err) {
			if attempt >= d.maxAttempts {
				return fmt.Errorf("gave up after %d attempts because of serialization failures: %w", attempt, err)
			}
			continue
		}

		if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "sql: database is closed") {
			return kvdriver.ErrClosed
		}
		return err
	}
}

func (d *Driver) runAttempt(ctx context.Context, fn func(ctx context.Context, tx kvdriver.Tx) error) error {
	var txOpts *sql.TxOptions
	if d.dialect == DialectPostgres {
		txOpts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}

	dbTx, err := d.dbPool.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}
	defer dbTx.Rollback() //nolint:errcheck

	selectSQL := d.sql("SELECT value FROM /* TEMPLATE: table */ WHERE key = $1")

	tx := kvtx.New(kvtx.LoaderFunc(func(ctx context.Context, key string) (*kvdriver.Value, error) {
		var data []byte
		if err := dbTx.QueryRowContext(ctx, selectSQL, key).Scan(&data); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, nil
			}
			return nil, err
		}
		return kvdriver.DecodeValue(data)
	}), d.timeGenerator.NowUTC)

	if err := fn(ctx, tx); err != nil {
		return err
	}

	var (
		deleteSQL = d.sql("DELETE FROM /* TEMPLATE: table */ WHERE key = $1")
		upsertSQL = d.sql("INSERT INTO /* TEMPLATE: table */ (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = excluded.value")
	)
	for _, write := range tx.Writes() {
		if write.Value == nil {
			if _, err := dbTx.ExecContext(ctx, deleteSQL, write.Key); err != nil {
				return err
			}
			continue
		}

		data, err := kvdriver.EncodeValue(write.Value)
		if err != nil {
			return err
		}
		if _, err := dbTx.ExecContext(ctx, upsertSQL, write.Key, data); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

// sql injects the table name and rewrites placeholders for SQLite.
func (d *Driver) sql(query string) string {
	query = strings.ReplaceAll(query, "/* TEMPLATE: table */", pq.QuoteIdentifier(d.table))
	if d.dialect == DialectSQLite {
		query = strings.NewReplacer("$1", "?1", "$2", "?2").Replace(query)
	}
	return query
}

func (d *Driver) isRetryable(err error) bool {
	if d.dialect != DialectPostgres {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.SerializationFailure || string(pqErr.Code) == pgerrcode.DeadlockDetected
	}
	return false
}
