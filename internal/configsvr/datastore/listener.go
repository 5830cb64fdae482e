package datastore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore/glsql"
	"gitlab.com/gitlab-org/configsvr/internal/helper"
)

const connCloseTimeout = 5 * time.Second

// NotificationListener delivers catalog change notifications published with
// pg_notify. It always uses a direct connection because LISTEN does not
// survive transaction pooling.
type NotificationListener struct {
	connConfig *pgx.ConnConfig
}

// NewNotificationListener prepares a listener for the database of conf.
func NewNotificationListener(conf config.DB) (*NotificationListener, error) {
	connConfig, err := pgx.ParseConfig(glsql.DSN(conf, true))
	if err != nil {
		return nil, fmt.Errorf("parse listener connection config: %w", err)
	}
	return &NotificationListener{connConfig: connConfig}, nil
}

// Listen subscribes to channels and blocks passing notifications to handler
// until ctx is done or the connection fails. Disconnect is called on handler
// for every failure after Connected was called.
func (l *NotificationListener) Listen(ctx context.Context, handler glsql.ListenHandler, channels ...string) error {
	conn, err := pgx.ConnectConfig(ctx, l.connConfig)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer closeConn(conn)

	if _, err := conn.Exec(ctx, listenStatement(channels)); err != nil {
		return fmt.Errorf("subscribe to %v: %w", channels, err)
	}
	handler.Connected()

	err = deliverNotifications(ctx, conn, handler)
	handler.Disconnect(err)
	return err
}

func deliverNotifications(ctx context.Context, conn *pgx.Conn, handler glsql.ListenHandler) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		handler.Notification(glsql.Notification{Channel: n.Channel, Payload: n.Payload})
	}
}

// closeConn uses its own deadline as the listening context is usually done by now.
func closeConn(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), connCloseTimeout)
	defer cancel()
	_ = conn.Close(ctx)
}

// listenStatement is the single statement subscribing to all channels. It is
// what PG_STAT_ACTIVITY reports as the query of an idle listener.
func listenStatement(channels []string) string {
	statements := make([]string, 0, len(channels))
	for _, channel := range channels {
		statements = append(statements, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	}
	return strings.Join(statements, "; ")
}

// connectionStates counts connection state changes before forwarding them.
type connectionStates struct {
	glsql.ListenHandler
	total *prometheus.CounterVec
}

func (s connectionStates) Connected() {
	s.total.WithLabelValues("connected").Inc()
	s.ListenHandler.Connected()
}

func (s connectionStates) Disconnect(err error) {
	s.total.WithLabelValues("disconnected").Inc()
	s.ListenHandler.Disconnect(err)
}

// ReconnectingListener keeps a NotificationListener running. After a failure
// it waits for the ticker before connecting again.
type ReconnectingListener struct {
	conf   config.DB
	ticker helper.Ticker
	logger logrus.FieldLogger
	states *prometheus.CounterVec
}

// NewReconnectingListener returns a listener for the database of conf.
func NewReconnectingListener(conf config.DB, ticker helper.Ticker, logger logrus.FieldLogger) *ReconnectingListener {
	return &ReconnectingListener{
		conf:   conf,
		ticker: ticker,
		logger: logger.WithField("component", "catalog_notifications"),
		states: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "configsvr_notifications_reconnects_total",
				Help: "Number of catalog notification connection state changes",
			},
			[]string{"state"},
		),
	}
}

// Listen returns the error of ctx once it is done, or a configuration error.
// Every other failure is logged and followed by a reconnect.
func (rl *ReconnectingListener) Listen(ctx context.Context, handler glsql.ListenHandler, channels ...string) error {
	defer rl.ticker.Stop()

	listener, err := NewNotificationListener(rl.conf)
	if err != nil {
		return err
	}
	handler = connectionStates{ListenHandler: handler, total: rl.states}

	for {
		if err := listener.Listen(ctx, handler, channels...); err != nil && ctx.Err() == nil {
			rl.logger.WithError(err).WithField("channels", channels).Error("catalog notifications interrupted")
		}

		rl.ticker.Reset()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rl.ticker.C():
		}
	}
}

// Describe describes the connection state counter.
func (rl *ReconnectingListener) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(rl, descs)
}

// Collect collects the connection state counter.
func (rl *ReconnectingListener) Collect(metrics chan<- prometheus.Metric) {
	rl.states.Collect(metrics)
}
