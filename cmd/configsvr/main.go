// Command configsvr runs the metadata control plane of a sharded cluster.
//
// Without a subcommand, or with "serve", the process keeps the catalog cache
// coherent with the metadata store and exposes Prometheus metrics:
//
//     configsvr -config PATH_TO_CONFIG [serve]
//
// Enable Sharding
//
// The subcommand "enable-sharding" marks a database as sharded, creating it on
// the given or a placement chosen primary shard if it does not exist yet:
//
//     configsvr -config PATH_TO_CONFIG enable-sharding -db <database> [-primary-shard <shard>] [-caller <id>]
//
// "-write-concern" defaults to majority. Any other value is rejected.
//
// List Databases
//
// The subcommand "list-databases" prints all database records:
//
//     configsvr -config PATH_TO_CONFIG list-databases
//
// SQL Ping
//
// The subcommand "sql-ping" checks if the database configured in the config
// file is reachable:
//
//     configsvr -config PATH_TO_CONFIG sql-ping
//
// SQL Migrate
//
// The subcommand "sql-migrate" will apply any outstanding SQL migrations.
//
//     configsvr -config PATH_TO_CONFIG sql-migrate [-ignore-unknown=true|false]
//
// The subcommand "sql-migrate-status" will show which SQL migrations have
// been applied and which ones have not:
//
//     configsvr -config PATH_TO_CONFIG sql-migrate-status
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/log"
	"gitlab.com/gitlab-org/configsvr/internal/version"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoConfigFile = errors.New("the config flag must be passed")
)

const (
	progname           = "configsvr"
	sentryFlushTimeout = 2 * time.Second
)

func main() {
	flag.Usage = func() {
		cmds := []string{}
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand (optional)\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	// If invoked with -version
	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig()
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level); err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := configureSentry(version.GetVersion(), conf.Sentry); err != nil {
		logger.WithError(err).Warn("Unable to initialize sentry client")
	}

	args := flag.Args()
	if len(args) == 0 {
		args = []string{serveCmdName}
	}

	code := subCommand(conf, args[0], args[1:])
	sentry.Flush(sentryFlushTimeout)
	os.Exit(code)
}

func initConfig() (config.Config, error) {
	var conf config.Config

	if *flagConfig == "" {
		return conf, errNoConfigFile
	}

	conf, err := config.FromFile(*flagConfig)
	if err != nil {
		return conf, fmt.Errorf("error reading config file: %v", err)
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configureSentry(release string, conf config.Sentry) error {
	if conf.DSN == "" {
		return nil
	}

	logger.Debug("Using sentry logging")

	return sentry.Init(sentry.ClientOptions{
		Dsn:         conf.DSN,
		Environment: conf.Environment,
		Release:     "v" + release,
	})
}
