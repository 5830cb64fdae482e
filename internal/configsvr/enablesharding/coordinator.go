// Package enablesharding transitions database records to sharded. A cheap
// conditional update handles databases that already exist. Everything else runs
// through the authoritative catalog manager while holding the distributed lock
// of the database.
package enablesharding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/audit"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/distlock"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/opctx"
)

// LockPurpose labels the database locks taken by the coordinator.
const LockPurpose = "enableSharding"

const (
	pathValidate = "validate"
	pathFast     = "fast"
	pathSlow     = "slow"

	resultSuccess = "success"
)

// DatabaseUpdater applies conditional updates to database records.
type DatabaseUpdater interface {
	UpdateDatabases(ctx context.Context, filter datastore.DatabaseFilter, update datastore.DatabaseUpdate, opts datastore.UpdateOptions) (int64, error)
}

// LockService hands out database locks.
type LockService interface {
	Lock(ctx context.Context, name, why string, timeout time.Duration) (*distlock.Lock, error)
}

// Delegate creates the database or enables sharding on it authoritatively.
type Delegate interface {
	EnableSharding(ctx context.Context, database, primaryShard string) error
}

// Invalidator drops cached metadata of a database.
type Invalidator interface {
	InvalidateDatabase(ctx context.Context, database string) error
}

// Coordinator enables sharding on databases.
type Coordinator struct {
	role          config.ClusterRole
	lockTimeout   time.Duration
	store         DatabaseUpdater
	locks         LockService
	delegate      Delegate
	invalidator   Invalidator
	audit         audit.Sink
	logger        logrus.FieldLogger
	requestsTotal *prometheus.CounterVec
	lockWait      prometheus.Histogram
}

// NewCoordinator returns a Coordinator for a node acting in role.
func NewCoordinator(
	role config.ClusterRole,
	lockTimeout time.Duration,
	store DatabaseUpdater,
	locks LockService,
	delegate Delegate,
	invalidator Invalidator,
	sink audit.Sink,
	logger logrus.FieldLogger,
) *Coordinator {
	return &Coordinator{
		role:        role,
		lockTimeout: lockTimeout,
		store:       store,
		locks:       locks,
		delegate:    delegate,
		invalidator: invalidator,
		audit:       sink,
		logger:      logger.WithField("component", "enable_sharding"),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "configsvr_enable_sharding_total",
				Help: "Total number of enable sharding requests by the path taken and the result",
			},
			[]string{"path", "result"},
		),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "configsvr_enable_sharding_lock_wait_seconds",
			Help:    "Time spent waiting for the database lock",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 20},
		}),
	}
}

// EnableSharding marks the database of the request as sharded, creating it if
// needed. Once validation passed, the cached metadata of the database is
// invalidated on every return.
func (c *Coordinator) EnableSharding(ctx context.Context, req Request) (returnedErr error) {
	database, shard, err := Validate(c.role, req)
	if err != nil {
		c.requestsTotal.WithLabelValues(pathValidate, result(err)).Inc()
		return err
	}

	ctx = opctx.WithReadConcern(ctx, opctx.ReadConcernLocal)
	logger := c.logger.WithFields(ctxlogrus.Extract(ctx).Data).WithFields(logrus.Fields{
		"database":      database,
		"primary_shard": shard,
	})

	path := pathFast
	defer func() {
		if err := c.invalidator.InvalidateDatabase(ctx, database); err != nil {
			logger.WithError(err).Warn("failed to invalidate cached database metadata")
		}

		c.requestsTotal.WithLabelValues(path, result(returnedErr)).Inc()
		if returnedErr != nil {
			logger.WithError(returnedErr).WithField("path", path).Error("enable sharding failed")
		}
	}()

	matched, err := c.tryFastPath(ctx, database, shard)
	if err != nil {
		return err
	}

	if matched != 1 {
		path = pathSlow
		if err := c.slowPathUnderLock(ctx, database, shard); err != nil {
			return err
		}
	}

	logger.WithField("path", path).Info("sharding enabled")
	c.audit.RecordEnableSharding(ctx, opctx.CallerFrom(ctx), database)

	return nil
}

func (c *Coordinator) tryFastPath(ctx context.Context, database, shard string) (int64, error) {
	matched, err := c.store.UpdateDatabases(ctx,
		datastore.DatabaseFilter{Name: database, Primary: shard},
		datastore.DatabaseUpdate{Sharded: datastore.Bool(true)},
		datastore.UpdateOptions{Multi: false, Upsert: false},
	)
	if err != nil {
		return 0, commonerr.New(failureKind(ctx, commonerr.KindStore), database, shard, fmt.Errorf("update database: %w", err))
	}

	return matched, nil
}

func (c *Coordinator) slowPathUnderLock(ctx context.Context, database, shard string) error {
	start := time.Now()
	lock, err := c.locks.Lock(ctx, database, LockPurpose, c.lockTimeout)
	c.lockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, commonerr.ErrLockBusy) {
			return commonerr.New(commonerr.KindLockBusy, database, shard, err)
		}
		return commonerr.New(failureKind(ctx, commonerr.KindStore), database, shard, fmt.Errorf("acquire lock: %w", err))
	}
	// Release failures are logged by the lock itself.
	defer func() { _ = lock.Unlock() }()

	if err := c.delegate.EnableSharding(ctx, database, shard); err != nil {
		return commonerr.New(commonerr.KindDelegate, database, shard, err)
	}

	return nil
}

// failureKind returns KindCanceled once the caller has given up, kind otherwise.
func failureKind(ctx context.Context, kind commonerr.Kind) commonerr.Kind {
	if ctx.Err() != nil {
		return commonerr.KindCanceled
	}
	return kind
}

func result(err error) string {
	if err == nil {
		return resultSuccess
	}
	return commonerr.KindOf(err).String()
}

// Describe returns all metric descriptors.
func (c *Coordinator) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect collects all metrics.
func (c *Coordinator) Collect(metrics chan<- prometheus.Metric) {
	c.requestsTotal.Collect(metrics)
	c.lockWait.Collect(metrics)
}
