package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/audit"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/catalog"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/catalogmanager"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/distlock"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/enablesharding"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/opctx"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/placement"
	"gitlab.com/gitlab-org/configsvr/internal/log"
)

const (
	enableShardingCmdName = "enable-sharding"
	paramDatabase         = "db"
	paramPrimaryShard     = "primary-shard"
	paramWriteConcern     = "write-concern"
	paramCaller           = "caller"
)

type enableShardingSubcommand struct {
	w            io.Writer
	database     string
	primaryShard string
	writeConcern string
	caller       string
	// openBackends is replaced in tests to share a store between invocations.
	openBackends func(context.Context, config.Config) (*backends, error)
}

func newEnableShardingSubcommand(w io.Writer) *enableShardingSubcommand {
	return &enableShardingSubcommand{w: w, openBackends: openBackends}
}

func (cmd *enableShardingSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(enableShardingCmdName, flag.ExitOnError)
	fs.StringVar(&cmd.database, paramDatabase, "", "name of the database to enable sharding for")
	fs.StringVar(&cmd.primaryShard, paramPrimaryShard, "", "shard the database must live on; chosen by placement if empty")
	fs.StringVar(&cmd.writeConcern, paramWriteConcern, opctx.WriteConcernMajority, "write concern of the request")
	fs.StringVar(&cmd.caller, paramCaller, "", "identity recorded in the audit log")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	This command marks a database as sharded. A database that does not\n" +
			"	exist yet is created on the requested or a placement chosen primary shard.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *enableShardingSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	if cmd.database == "" {
		return requiredParameterError(paramDatabase)
	}

	b, err := cmd.openBackends(ctx, conf)
	if err != nil {
		return err
	}
	defer b.Close()

	cmdLogger := logger.WithField("command", enableShardingCmdName)

	cache, err := catalog.NewCache(cmdLogger, b.store, conf.CatalogCache.Size)
	if err != nil {
		return fmt.Errorf("catalog cache: %w", err)
	}

	coordinator := enablesharding.NewCoordinator(
		conf.ClusterRole,
		conf.Locking.AcquireTimeout,
		b.store,
		distlock.NewManager(b.locker, conf.Locking.RetryInterval, cmdLogger),
		catalogmanager.NewManager(b.store, placement.NewPolicy(placement.NewRegistry(conf.Shards), b.store), cmdLogger),
		cache,
		audit.NewLogSink(log.Audit()),
		cmdLogger,
	)

	if cmd.caller != "" {
		ctx = opctx.WithCaller(ctx, cmd.caller)
	}
	ctx = ctxlogrus.ToContext(ctx, logger.WithField("correlation_id", uuid.New().String()))

	action := "created"
	switch before, err := cache.GetDatabase(ctx, cmd.database); {
	case errors.Is(err, commonerr.ErrDatabaseNotFound):
	case err != nil:
		return fmt.Errorf("%s %s: read database: %w", progname, enableShardingCmdName, err)
	case before.Sharded:
		action = "already sharded"
	default:
		action = "sharded"
	}

	if err := coordinator.EnableSharding(ctx, enablesharding.Request{
		Database:     cmd.database,
		PrimaryShard: cmd.primaryShard,
		WriteConcern: opctx.WriteConcern{W: cmd.writeConcern},
	}); err != nil {
		return fmt.Errorf("%s %s: %w", progname, enableShardingCmdName, err)
	}

	after, err := cache.GetDatabase(ctx, cmd.database)
	if err != nil {
		return fmt.Errorf("%s %s: read database: %w", progname, enableShardingCmdName, err)
	}
	if !after.Sharded {
		return fmt.Errorf("%s %s: database %q still reads as unsharded", progname, enableShardingCmdName, cmd.database)
	}

	fmt.Fprintf(cmd.w, "%s %s: OK, %q %s on primary shard %q\n", progname, enableShardingCmdName, after.Name, action, after.Primary)
	return nil
}

type unexpectedPositionalArgsError struct{ Command string }

func (err unexpectedPositionalArgsError) Error() string {
	return fmt.Sprintf("%s doesn't accept positional arguments", err.Command)
}

func requiredParameterError(name string) error {
	return fmt.Errorf("%q is a required parameter", name)
}
