package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/catalog"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/dontpanic"
	"gitlab.com/gitlab-org/configsvr/internal/helper"
	"gitlab.com/gitlab-org/configsvr/internal/version"
)

const (
	serveCmdName = "serve"

	listenerReconnectInterval = 5 * time.Second
	shutdownTimeout           = 10 * time.Second
)

type serveSubcommand struct {
	logger   logrus.FieldLogger
	registry *prometheus.Registry
	// ready is called once the metrics listener accepts connections.
	ready func(addr net.Addr)
}

func newServeSubcommand(logger logrus.FieldLogger) *serveSubcommand {
	return &serveSubcommand{logger: logger}
}

func (cmd *serveSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(serveCmdName, flag.ExitOnError)
}

func (cmd *serveSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Config) error {
	cmd.logger.WithField("version", version.GetVersionString()).Info("Starting " + progname)

	b, err := openBackends(ctx, conf)
	if err != nil {
		return err
	}
	defer b.Close()

	cache, err := catalog.NewCache(cmd.logger, b.store, conf.CatalogCache.Size)
	if err != nil {
		return fmt.Errorf("catalog cache: %w", err)
	}

	registry := cmd.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	collectors := []prometheus.Collector{cache}

	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	listenDone := make(chan struct{})

	if conf.Datastore.Backend == config.DatastorePostgres {
		listener := datastore.NewReconnectingListener(conf.DB, helper.NewTimerTicker(listenerReconnectInterval), cmd.logger)
		collectors = append(collectors, listener)

		dontpanic.Go(func() {
			defer close(listenDone)
			if err := listener.Listen(listenCtx, cache, datastore.DatabasesUpdatesChannel); err != nil && !errors.Is(err, context.Canceled) {
				cmd.logger.WithError(err).Error("notifications listener terminated")
			}
		})
	} else {
		// Other stores publish no change notifications. The cache relies on explicit
		// invalidation only.
		close(listenDone)
	}

	registry.MustRegister(collectors...)

	if conf.PrometheusListenAddr != "" {
		if err := cmd.serveMetrics(ctx, conf.PrometheusListenAddr, registry); err != nil {
			return err
		}
	} else {
		<-ctx.Done()
	}

	stopListening()
	<-listenDone

	cmd.logger.Info("shutting down")
	return nil
}

func (cmd *serveSubcommand) serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("prometheus listener: %w", err)
	}

	cmd.logger.WithField("address", l.Addr().String()).Info("starting prometheus listener")

	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: promMux}

	serveErr := make(chan error, 1)
	dontpanic.Go(func() { serveErr <- server.Serve(l) })

	if cmd.ready != nil {
		cmd.ready(l.Addr())
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve prometheus: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown prometheus listener: %w", err)
	}

	return nil
}
