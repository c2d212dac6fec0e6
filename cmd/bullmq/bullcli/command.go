package bullcli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/VladimirMikulic/bullmq"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvmem"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvpgx"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvredis"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvsql"
)

// Command is an interface to a bullmq CLI subcommand. Commands generally only
// implement a Run function, and get the rest of the implementation by embedding
// CommandBase.
type Command[TOpts CommandOpts] interface {
	Run(ctx context.Context, opts TOpts) (bool, error)
	GetCommandBase() *CommandBase
	SetCommandBase(b *CommandBase)
}

// CommandBase provides common facilities for a bullmq CLI command. It's
// generally embedded on the struct of a command.
type CommandBase struct {
	Logger *slog.Logger
	Out    io.Writer
	Queue  *bullmq.Queue
}

func (b *CommandBase) GetCommandBase() *CommandBase     { return b }
func (b *CommandBase) SetCommandBase(base *CommandBase) { *b = *base }

// CommandOpts are options for a command options. It makes sure that options
// provide a way of validating themselves.
type CommandOpts interface {
	Validate() error
}

// QueueOpts are options shared by every command that operates on a queue.
type QueueOpts struct {
	DatabaseSQL bool
	DatabaseURL string
	Prefix      string
	Queue       string
}

func (o *QueueOpts) Validate() error {
	if o.DatabaseURL == "" {
		return errors.New("database URL cannot be empty")
	}
	if o.Queue == "" {
		return errors.New("queue cannot be empty")
	}
	return nil
}

// RunCommandBundle is a bundle of utilities for RunCommand.
type RunCommandBundle struct {
	Logger    *slog.Logger
	OutStd    io.Writer
	QueueOpts *QueueOpts
}

// RunCommand bootstraps and runs a bullmq CLI subcommand.
func RunCommand[TOpts CommandOpts](ctx context.Context, bundle *RunCommandBundle, command Command[TOpts], opts TOpts) error {
	openAndRun := func() (bool, error) {
		if err := opts.Validate(); err != nil {
			return false, err
		}

		driver, closeDriver, err := openDriver(ctx, bundle.QueueOpts)
		if err != nil {
			return false, err
		}
		defer closeDriver()

		queue, err := bullmq.NewQueue(driver, &bullmq.QueueConfig{
			Logger: bundle.Logger,
			Name:   bundle.QueueOpts.Queue,
			Prefix: bundle.QueueOpts.Prefix,
		})
		if err != nil {
			return false, err
		}

		command.SetCommandBase(&CommandBase{
			Logger: bundle.Logger,
			Out:    bundle.OutStd,
			Queue:  queue,
		})

		return command.Run(ctx, opts)
	}

	ok, err := openAndRun()
	if err != nil {
		return err
	}
	if !ok {
		os.Exit(1)
	}
	return nil
}

// openDriver opens a store driver based on the scheme of the database URL,
// returning it along with a function that releases its resources.
func openDriver(ctx context.Context, opts *QueueOpts) (kvdriver.Driver, func(), error) {
	protocol, urlWithoutProtocol, ok := strings.Cut(opts.DatabaseURL, "://")
	if !ok {
		return nil, nil, fmt.Errorf("expected database URL (`%s`) to be formatted like `redis://...`", opts.DatabaseURL)
	}

	switch protocol {
	case "memory":
		return kvmem.New(nil), func() {}, nil

	case "postgres", "postgresql":
		if opts.DatabaseSQL {
			dbPool, err := sql.Open("postgres", opts.DatabaseURL)
			if err != nil {
				return nil, nil, fmt.Errorf("error connecting to Postgres database: %w", err)
			}

			driver := kvsql.New(dbPool, kvsql.DialectPostgres, nil)
			if err := driver.Migrate(ctx); err != nil {
				dbPool.Close()
				return nil, nil, err
			}
			return driver, func() { dbPool.Close() }, nil
		}

		dbPool, err := openPgxV5DBPool(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}

		driver := kvpgx.New(dbPool, nil)
		if err := driver.Migrate(ctx); err != nil {
			dbPool.Close()
			return nil, nil, err
		}
		return driver, dbPool.Close, nil

	case "redis", "rediss":
		redisOpts, err := redis.ParseURL(opts.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing database URL: %w", err)
		}

		client := redis.NewClient(redisOpts)
		return kvredis.New(client, nil), func() { client.Close() }, nil

	case "sqlite":
		dbPool, err := openSQLitePool(protocol, urlWithoutProtocol)
		if err != nil {
			return nil, nil, err
		}

		driver := kvsql.New(dbPool, kvsql.DialectSQLite, nil)
		if err := driver.Migrate(ctx); err != nil {
			dbPool.Close()
			return nil, nil, err
		}
		return driver, func() { dbPool.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unsupported database URL (`%s`); try one with a `memory://`, `postgres://`, `redis://`, or `sqlite://` scheme/prefix", opts.DatabaseURL)
}

func openPgxV5DBPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	const (
		defaultIdleInTransactionSessionTimeout = 11 * time.Second // should be greater than statement timeout because statements count towards idle-in-transaction
		defaultStatementTimeout                = 10 * time.Second
	)

	pgxConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing database URL: %w", err)
	}

	setParamIfUnset(pgxConfig.ConnConfig.RuntimeParams, "application_name", "bullmq CLI")
	setParamIfUnset(pgxConfig.ConnConfig.RuntimeParams, "idle_in_transaction_session_timeout", strconv.Itoa(int(defaultIdleInTransactionSessionTimeout.Milliseconds())))
	setParamIfUnset(pgxConfig.ConnConfig.RuntimeParams, "statement_timeout", strconv.Itoa(int(defaultStatementTimeout.Milliseconds())))

	dbPool, err := pgxpool.NewWithConfig(ctx, pgxConfig)
	if err != nil {
		return nil, fmt.Errorf("error connecting to Postgres database: %w", err)
	}

	return dbPool, nil
}

func openSQLitePool(protocol, urlWithoutProtocol string) (*sql.DB, error) {
	dbPool, err := sql.Open(protocol, urlWithoutProtocol)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite database: %w", err)
	}

	// Concurrent writers get SQLITE_BUSY.
	dbPool.SetMaxOpenConns(1)

	return dbPool, nil
}

// Sets a parameter in a parameter map (aimed at a Postgres connection
// configuration map), but only if that parameter wasn't already set.
func setParamIfUnset(runtimeParams map[string]string, name, val string) {
	if currentVal := runtimeParams[name]; currentVal != "" {
		return
	}

	runtimeParams[name] = val
}
