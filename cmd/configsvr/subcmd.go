package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore/glsql"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore/mongostore"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/distlock"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(ctx context.Context, flags *flag.FlagSet, config config.Config) error
}

const defaultConnectTimeout = 30 * time.Second

var subcommands = map[string]subcmd{
	serveCmdName:            newServeSubcommand(logger),
	enableShardingCmdName:   newEnableShardingSubcommand(os.Stdout),
	listDatabasesCmdName:    newListDatabasesSubcommand(os.Stdout),
	sqlPingCmdName:          newSQLPingSubcommand(os.Stdout),
	sqlMigrateCmdName:       newSQLMigrateSubCommand(os.Stdout),
	sqlMigrateStatusCmdName: newSQLMigrateStatusSubcommand(os.Stdout),
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(ctx, flags, conf); err != nil {
		printfErr("%s\n", err)
		if ctx.Err() != nil {
			return 130 // indicates program was interrupted
		}
		return 1
	}

	return 0
}

func openDB(ctx context.Context, conf config.DB) (*sql.DB, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	db, err := glsql.OpenDB(ctx, conf)
	if err != nil {
		return nil, nil, fmt.Errorf("sql open: %v", err)
	}

	clean := func() {
		if err := db.Close(); err != nil {
			printfErr("sql close: %v\n", err)
		}
	}

	return db, clean, nil
}

// backends holds the metadata store and the locker selected by the configuration.
type backends struct {
	store   datastore.DatabaseStore
	locker  distlock.Locker
	closers []io.Closer
}

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }

func openBackends(ctx context.Context, conf config.Config) (_ *backends, returnedErr error) {
	ctx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	b := &backends{}
	defer func() {
		if returnedErr != nil {
			b.Close()
		}
	}()

	switch conf.Datastore.Backend {
	case config.DatastorePostgres:
		db, err := glsql.OpenDB(ctx, conf.DB)
		if err != nil {
			return nil, fmt.Errorf("sql open: %w", err)
		}
		b.closers = append(b.closers, db)
		b.store = datastore.NewPostgresDatabaseStore(db)
	case config.DatastoreMongoDB:
		store, err := mongostore.Open(ctx, conf.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("mongodb open: %w", err)
		}
		b.closers = append(b.closers, closerFunc(func() error { return store.Close(context.Background()) }))

		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("mongodb migrate: %w", err)
		}
		b.store = store
	case config.DatastoreMemory:
		b.store = datastore.NewMemoryDatabaseStore()
	default:
		return nil, fmt.Errorf("unsupported datastore backend: %q", conf.Datastore.Backend)
	}

	switch conf.Locking.Backend {
	case config.LockPostgres:
		db, err := glsql.OpenDirectDB(ctx, conf.DB)
		if err != nil {
			return nil, fmt.Errorf("sql open for locking: %w", err)
		}
		b.closers = append(b.closers, db)
		b.locker = distlock.NewPostgresLocker(db)
	case config.LockRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{conf.Redis.Address},
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		b.closers = append(b.closers, client)

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		b.locker = distlock.NewRedisLocker(client, conf.Locking.Lease)
	case config.LockLocal:
		b.locker = distlock.NewLocalLocker()
	default:
		return nil, fmt.Errorf("unsupported lock backend: %q", conf.Locking.Backend)
	}

	return b, nil
}

// Close releases the backends in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			printfErr("close: %v\n", err)
		}
	}
	b.closers = nil
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}
