// Package kvpgx provides a driver for Postgres built on Pgx v5.
//
// Values live in a single key/value table. Every atomic unit runs in a
// serializable transaction, and transactions aborted by Postgres because of a
// serialization failure or deadlock are retried from scratch.
package kvpgx

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvtx"
)

//go:embed schema.sql
var schemaSQL string

const (
	maxAttemptsDefault = 50
	tableDefault       = "bull_kv"
)

// Config is configuration for the Pgx driver.
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

// Driver is an implementation of kvdriver.Driver for Pgx v5.
type Driver struct {
	dbPool        *pgxpool.Pool
	maxAttempts   int
	table         string
	timeGenerator bulltype.TimeGenerator
}

var _ kvdriver.Driver = &Driver{}

// New returns a new Pgx v5 driver. config may be nil.
//
// The pool must not be closed while associated queue objects are running.
func New(dbPool *pgxpool.Pool, config *Config) *Driver {
	driver := &Driver{
		dbPool:        dbPool,
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
	if _, err := d.dbPool.Exec(ctx, d.sql(schemaSQL)); err != nil {
		return interpretError(err)
	}
	return nil
}

func (d *Driver) Atomic(ctx context.Context, fn func(ctx context.Context, tx kvdriver.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := d.runAttempt(ctx, fn)
		if err == nil {
			return nil
		}

		if isRetryable(err) {
			if attempt >= d.maxAttempts {
				return fmt.Errorf("gave up after %d attempts because of serialization failures: %w", attempt, err)
			}
			continue
		}

		return interpretError(err)
	}
}

func (d *Driver) runAttempt(ctx context.Context, fn func(ctx context.Context, tx kvdriver.Tx) error) error {
	dbTx, err := d.dbPool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer dbTx.Rollback(ctx)

	selectSQL := d.sql("SELECT value FROM /* TEMPLATE: table */ WHERE key = $1")

	tx := kvtx.New(kvtx.LoaderFunc(func(ctx context.Context, key string) (*kvdriver.Value, error) {
		var data []byte
		if err := dbTx.QueryRow(ctx, selectSQL, key).Scan(&data); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
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
		batch     pgx.Batch
		deleteSQL = d.sql("DELETE FROM /* TEMPLATE: table */ WHERE key = $1")
		upsertSQL = d.sql("INSERT INTO /* TEMPLATE: table */ (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = excluded.value")
	)
	for _, write := range tx.Writes() {
		if write.Value == nil {
			batch.Queue(deleteSQL, write.Key)
			continue
		}

		data, err := kvdriver.EncodeValue(write.Value)
		if err != nil {
			return err
		}
		batch.Queue(upsertSQL, write.Key, data)
	}

	if batch.Len() > 0 {
		if err := dbTx.SendBatch(ctx, &batch).Close(); err != nil {
			return err
		}
	}

	return dbTx.Commit(ctx)
}

func (d *Driver) sql(query string) string {
	return strings.ReplaceAll(query, "/* TEMPLATE: table */", pgx.Identifier{d.table}.Sanitize())
}

func interpretError(err error) error {
	if errors.Is(err, puddle.ErrClosedPool) {
		return kvdriver.ErrClosed
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return false
}
