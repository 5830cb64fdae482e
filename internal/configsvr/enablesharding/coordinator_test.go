package enablesharding

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/catalog"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/catalogmanager"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/distlock"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/opctx"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/placement"
	"gitlab.com/gitlab-org/configsvr/internal/testhelper"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

var shards = []config.Shard{
	{Name: "shardA", Address: "a:27018"},
	{Name: "shardB", Address: "b:27018"},
}

type countingLocker struct {
	distlock.Locker
	acquisitions int32
}

func (l *countingLocker) TryLock(ctx context.Context, key string) (distlock.ReleaseFunc, bool, error) {
	release, acquired, err := l.Locker.TryLock(ctx, key)
	if acquired {
		atomic.AddInt32(&l.acquisitions, 1)
	}
	return release, acquired, err
}

func (l *countingLocker) count() int { return int(atomic.LoadInt32(&l.acquisitions)) }

type recordingInvalidator struct {
	mtx         sync.Mutex
	invalidated []string
	err         error
}

func (i *recordingInvalidator) InvalidateDatabase(ctx context.Context, database string) error {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	i.invalidated = append(i.invalidated, database)
	return i.err
}

func (i *recordingInvalidator) calls() []string {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return append([]string(nil), i.invalidated...)
}

type auditEvent struct{ caller, database string }

type recordingSink struct {
	mtx    sync.Mutex
	events []auditEvent
}

func (s *recordingSink) RecordEnableSharding(ctx context.Context, caller, database string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.events = append(s.events, auditEvent{caller: caller, database: database})
}

type delegateFunc func(ctx context.Context, database, primaryShard string) error

func (fn delegateFunc) EnableSharding(ctx context.Context, database, primaryShard string) error {
	return fn(ctx, database, primaryShard)
}

type testSetup struct {
	store       *datastore.MemoryDatabaseStore
	locker      *countingLocker
	locks       *distlock.Manager
	invalidator *recordingInvalidator
	sink        *recordingSink
	coordinator *Coordinator
}

type setupOption func(*setupConfig)

type setupConfig struct {
	store       DatabaseUpdater
	delegate    Delegate
	lockTimeout time.Duration
	logger      logrus.FieldLogger
	records     []models.DatabaseRecord
}

func withStore(store DatabaseUpdater) setupOption { return func(c *setupConfig) { c.store = store } }

func withDelegate(delegate Delegate) setupOption {
	return func(c *setupConfig) { c.delegate = delegate }
}

func withLockTimeout(timeout time.Duration) setupOption {
	return func(c *setupConfig) { c.lockTimeout = timeout }
}

func withLogger(logger logrus.FieldLogger) setupOption {
	return func(c *setupConfig) { c.logger = logger }
}

func withRecords(records ...models.DatabaseRecord) setupOption {
	return func(c *setupConfig) { c.records = records }
}

func newTestSetup(t *testing.T, ctx context.Context, opts ...setupOption) testSetup {
	t.Helper()

	cfg := setupConfig{lockTimeout: 10 * time.Second, logger: testhelper.NewDiscardingLogEntry(t)}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := datastore.NewMemoryDatabaseStore()
	for _, record := range cfg.records {
		require.NoError(t, store.CreateDatabase(ctx, record))
	}

	if cfg.store == nil {
		cfg.store = store
	}

	if cfg.delegate == nil {
		cfg.delegate = catalogmanager.NewManager(store, placement.NewPolicy(placement.NewRegistry(shards), store), cfg.logger)
	}

	locker := &countingLocker{Locker: distlock.NewLocalLocker()}
	locks := distlock.NewManager(locker, time.Millisecond, cfg.logger)
	invalidator := &recordingInvalidator{}
	sink := &recordingSink{}

	return testSetup{
		store:       store,
		locker:      locker,
		locks:       locks,
		invalidator: invalidator,
		sink:        sink,
		coordinator: NewCoordinator(config.ClusterRoleConfigServer, cfg.lockTimeout, cfg.store, locks, cfg.delegate, invalidator, sink, cfg.logger),
	}
}

func (s testSetup) requireRecords(t *testing.T, ctx context.Context, expected ...models.DatabaseRecord) {
	t.Helper()
	records, err := s.store.ListDatabases(ctx)
	require.NoError(t, err)
	if len(expected) == 0 {
		require.Empty(t, records)
		return
	}
	require.Equal(t, expected, records)
}

func request(database, shard string) Request {
	return Request{Database: database, PrimaryShard: shard, WriteConcern: opctx.Majority()}
}

func TestCoordinator_EnableSharding_emptyStore(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()
	ctx = opctx.WithCaller(ctx, "admin-user")

	s := newTestSetup(t, ctx)

	require.NoError(t, s.coordinator.EnableSharding(ctx, request("sales", "")))

	s.requireRecords(t, ctx, models.DatabaseRecord{Name: "sales", Primary: "shardA", Sharded: true})
	require.Equal(t, 1, s.locker.count())
	require.Equal(t, []string{"sales"}, s.invalidator.calls())
	require.Equal(t, []auditEvent{{caller: "admin-user", database: "sales"}}, s.sink.events)
}

func TestCoordinator_EnableSharding_alreadySharded(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newTestSetup(t, ctx, withRecords(models.DatabaseRecord{Name: "sales", Primary: "shardA", Sharded: true}))

	require.NoError(t, s.coordinator.EnableSharding(ctx, request("sales", "")))

	s.requireRecords(t, ctx, models.DatabaseRecord{Name: "sales", Primary: "shardA", Sharded: true})
	require.Zero(t, s.locker.count(), "fast path must not take the lock")
	require.Equal(t, []string{"sales"}, s.invalidator.calls())
	require.Len(t, s.sink.events, 1)
}

func TestCoordinator_EnableSharding_idempotent(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, tc := range []struct {
		desc  string
		shard string
	}{
		{desc: "without shard"},
		{desc: "with matching shard", shard: "shardB"},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			s := newTestSetup(t, ctx, withRecords(models.DatabaseRecord{Name: "sales", Primary: "shardB"}))

			for i := 0; i < 2; i++ {
				require.NoError(t, s.coordinator.EnableSharding(ctx, request("sales", tc.shard)))
				s.requireRecords(t, ctx, models.DatabaseRecord{Name: "sales", Primary: "shardB", Sharded: true})
			}

			require.Zero(t, s.locker.count())
			require.Equal(t, []string{"sales", "sales"}, s.invalidator.calls())
		})
	}
}

func TestCoordinator_EnableSharding_primaryConflict(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, sharded := range []bool{true, false} {
		s := newTestSetup(t, ctx, withRecords(models.DatabaseRecord{Name: "sales", Primary: "shardA", Sharded: sharded}))

		err := s.coordinator.EnableSharding(ctx, request("sales", "shardB"))
		require.True(t, errors.Is(err, commonerr.ErrPrimaryShardMismatch), err)
		require.Equal(t, commonerr.KindConflict, commonerr.KindOf(err))
		require.False(t, commonerr.IsRetryable(err))

		s.requireRecords(t, ctx, models.DatabaseRecord{Name: "sales", Primary: "shardA", Sharded: sharded})
		require.Equal(t, 1, s.locker.count(), "mismatch falls through to the slow path")
		require.Equal(t, []string{"sales"}, s.invalidator.calls())
		require.Empty(t, s.sink.events)
	}
}

func TestCoordinator_EnableSharding_reservedDatabases(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	store := datastore.MockDatabaseStore{
		UpdateDatabasesFunc: func(context.Context, datastore.DatabaseFilter, datastore.DatabaseUpdate, datastore.UpdateOptions) (int64, error) {
			require.FailNow(t, "store must not be reached")
			return 0, nil
		},
	}
	delegate := delegateFunc(func(context.Context, string, string) error {
		require.FailNow(t, "delegate must not be reached")
		return nil
	})

	for _, database := range []string{"admin", "local"} {
		for _, shard := range []string{"", "shardA"} {
			s := newTestSetup(t, ctx, withStore(store), withDelegate(delegate))

			err := s.coordinator.EnableSharding(ctx, request(database, shard))
			require.True(t, errors.Is(err, commonerr.ErrReservedDatabase), err)
			require.Equal(t, commonerr.KindPrecondition, commonerr.KindOf(err))
			require.Zero(t, s.locker.count())
			require.Empty(t, s.invalidator.calls())
		}
	}
}

func TestCoordinator_EnableSharding_notConfigServer(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newTestSetup(t, ctx)
	s.coordinator.role = config.ClusterRoleShardServer

	err := s.coordinator.EnableSharding(ctx, request("sales", ""))
	require.Equal(t, commonerr.KindRole, commonerr.KindOf(err))
	s.requireRecords(t, ctx)
}

func TestCoordinator_EnableSharding_delegateFailure(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	delegateErr := errors.New("create collection failed")
	var calls int
	s := newTestSetup(t, ctx, withDelegate(delegateFunc(func(ctx context.Context, database, primaryShard string) error {
		calls++
		return delegateErr
	})))

	err := s.coordinator.EnableSharding(ctx, request("sales", "shardA"))
	require.True(t, errors.Is(err, delegateErr), err)
	require.Equal(t, commonerr.KindDelegate, commonerr.KindOf(err))
	require.EqualError(t, err, `delegate_error: database "sales" (primary shard "shardA"): create collection failed`)

	require.Equal(t, 1, calls)
	require.Equal(t, []string{"sales"}, s.invalidator.calls())
	require.Empty(t, s.sink.events)

	lock, err := s.locks.Lock(ctx, "sales", LockPurpose, time.Millisecond)
	require.NoError(t, err, "lock must be released after a failure")
	require.NoError(t, lock.Unlock())
}

func TestCoordinator_EnableSharding_shardNotFound(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newTestSetup(t, ctx)

	err := s.coordinator.EnableSharding(ctx, request("sales", "shardZ"))
	require.True(t, errors.Is(err, commonerr.ErrShardNotFound), err)
	require.Equal(t, commonerr.KindDelegate, commonerr.KindOf(err))
	require.Equal(t, []string{"sales"}, s.invalidator.calls())
	s.requireRecords(t, ctx)
}

func TestCoordinator_EnableSharding_lockBusy(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	var delegated bool
	s := newTestSetup(t, ctx,
		withLockTimeout(20*time.Millisecond),
		withDelegate(delegateFunc(func(context.Context, string, string) error {
			delegated = true
			return nil
		})),
	)

	held, err := s.locks.Lock(ctx, "sales", "other operation", time.Second)
	require.NoError(t, err)
	defer func() { require.NoError(t, held.Unlock()) }()

	err = s.coordinator.EnableSharding(ctx, request("sales", ""))
	require.True(t, errors.Is(err, commonerr.ErrLockBusy), err)
	require.Equal(t, commonerr.KindLockBusy, commonerr.KindOf(err))
	require.True(t, commonerr.IsRetryable(err))

	require.False(t, delegated)
	require.Equal(t, []string{"sales"}, s.invalidator.calls())
	require.Empty(t, s.sink.events)
}

func TestCoordinator_EnableSharding_callerCanceled(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newTestSetup(t, ctx, withLockTimeout(10*time.Second))

	held, err := s.locks.Lock(ctx, "sales", "other operation", time.Second)
	require.NoError(t, err)
	defer func() { require.NoError(t, held.Unlock()) }()

	callerCtx, cancelCaller := context.WithCancel(ctx)
	time.AfterFunc(20*time.Millisecond, cancelCaller)

	err = s.coordinator.EnableSharding(callerCtx, request("sales", ""))
	require.True(t, errors.Is(err, context.Canceled), err)
	require.Equal(t, commonerr.KindCanceled, commonerr.KindOf(err))
	require.False(t, commonerr.IsRetryable(err))

	require.Equal(t, []string{"sales"}, s.invalidator.calls())
	require.Empty(t, s.sink.events)
	s.requireRecords(t, ctx)
}

func TestCoordinator_EnableSharding_fastPathStoreError(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	storeErr := errors.New("connection reset by peer")
	s := newTestSetup(t, ctx, withStore(datastore.MockDatabaseStore{
		UpdateDatabasesFunc: func(context.Context, datastore.DatabaseFilter, datastore.DatabaseUpdate, datastore.UpdateOptions) (int64, error) {
			return 0, storeErr
		},
	}))

	err := s.coordinator.EnableSharding(ctx, request("sales", ""))
	require.True(t, errors.Is(err, storeErr), err)
	require.Equal(t, commonerr.KindStore, commonerr.KindOf(err))
	require.Zero(t, s.locker.count(), "store errors are not retried through the slow path")
	require.Equal(t, []string{"sales"}, s.invalidator.calls())
}

func TestCoordinator_EnableSharding_fastPathUpdate(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	for _, tc := range []struct {
		desc     string
		shard    string
		expected datastore.DatabaseFilter
	}{
		{desc: "without shard", expected: datastore.DatabaseFilter{Name: "sales"}},
		{desc: "with shard", shard: "shardA", expected: datastore.DatabaseFilter{Name: "sales", Primary: "shardA"}},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			var readConcern opctx.ReadConcern
			s := newTestSetup(t, ctx, withStore(datastore.MockDatabaseStore{
				UpdateDatabasesFunc: func(ctx context.Context, filter datastore.DatabaseFilter, update datastore.DatabaseUpdate, opts datastore.UpdateOptions) (int64, error) {
					readConcern = opctx.ReadConcernFrom(ctx)
					require.Equal(t, tc.expected, filter)
					require.Equal(t, datastore.DatabaseUpdate{Sharded: datastore.Bool(true)}, update)
					require.Equal(t, datastore.UpdateOptions{Multi: false, Upsert: false}, opts)
					return 1, nil
				},
			}))

			require.NoError(t, s.coordinator.EnableSharding(opctx.WithReadConcern(ctx, opctx.ReadConcernMajority), request("sales", tc.shard)))
			require.Equal(t, opctx.ReadConcernLocal, readConcern)
		})
	}
}

func TestCoordinator_EnableSharding_slowPathReadsLocally(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	var readConcern opctx.ReadConcern
	s := newTestSetup(t, ctx, withDelegate(delegateFunc(func(ctx context.Context, database, primaryShard string) error {
		readConcern = opctx.ReadConcernFrom(ctx)
		return nil
	})))

	require.NoError(t, s.coordinator.EnableSharding(opctx.WithReadConcern(ctx, opctx.ReadConcernLinearizable), request("sales", "")))
	require.Equal(t, opctx.ReadConcernLocal, readConcern)
}

func TestCoordinator_EnableSharding_invalidationFailure(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	logger, hook := test.NewNullLogger()
	s := newTestSetup(t, ctx, withLogger(logger), withRecords(models.DatabaseRecord{Name: "sales", Primary: "shardA"}))
	s.invalidator.err = errors.New("cache unavailable")

	require.NoError(t, s.coordinator.EnableSharding(ctx, request("sales", "")))

	var warnings []*logrus.Entry
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.WarnLevel {
			warnings = append(warnings, entry)
		}
	}
	require.Len(t, warnings, 1)
	require.Equal(t, "failed to invalidate cached database metadata", warnings[0].Message)
	require.Equal(t, "sales", warnings[0].Data["database"])
}

func TestCoordinator_EnableSharding_concurrentCreators(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	const callers = 16

	memory := datastore.NewMemoryDatabaseStore()
	var creates, inside, maxInside int32
	store := datastore.MockDatabaseStore{
		UpdateDatabasesFunc:         memory.UpdateDatabases,
		GetDatabaseFunc:             memory.GetDatabase,
		FindDatabaseFoldFunc:        memory.FindDatabaseFold,
		CountDatabasesByPrimaryFunc: memory.CountDatabasesByPrimary,
		CreateDatabaseFunc: func(ctx context.Context, record models.DatabaseRecord) error {
			atomic.AddInt32(&creates, 1)
			return memory.CreateDatabase(ctx, record)
		},
	}

	manager := catalogmanager.NewManager(store, placement.NewPolicy(placement.NewRegistry(shards), store), testhelper.NewDiscardingLogEntry(t))
	delegate := delegateFunc(func(ctx context.Context, database, primaryShard string) error {
		current := atomic.AddInt32(&inside, 1)
		defer atomic.AddInt32(&inside, -1)
		for {
			observed := atomic.LoadInt32(&maxInside)
			if current <= observed || atomic.CompareAndSwapInt32(&maxInside, observed, current) {
				break
			}
		}
		return manager.EnableSharding(ctx, database, primaryShard)
	})

	s := newTestSetup(t, ctx, withStore(store), withDelegate(delegate))

	var group errgroup.Group
	for i := 0; i < callers; i++ {
		group.Go(func() error {
			return s.coordinator.EnableSharding(ctx, request("sales", "shardB"))
		})
	}
	require.NoError(t, group.Wait())

	require.EqualValues(t, 1, atomic.LoadInt32(&creates), "exactly one caller creates the database")
	require.EqualValues(t, 1, atomic.LoadInt32(&maxInside), "the delegate never runs concurrently")

	records, err := memory.ListDatabases(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.DatabaseRecord{{Name: "sales", Primary: "shardB", Sharded: true}}, records)
	require.Len(t, s.invalidator.calls(), callers)
	require.Len(t, s.sink.events, callers)
}

func TestCoordinator_metrics(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	s := newTestSetup(t, ctx, withRecords(models.DatabaseRecord{Name: "inventory", Primary: "shardA"}))

	require.NoError(t, s.coordinator.EnableSharding(ctx, request("inventory", "")))
	require.NoError(t, s.coordinator.EnableSharding(ctx, request("sales", "")))
	require.Error(t, s.coordinator.EnableSharding(ctx, request("inventory", "shardB")))
	require.Error(t, s.coordinator.EnableSharding(ctx, request("admin", "")))

	require.NoError(t, testutil.CollectAndCompare(s.coordinator, strings.NewReader(`
# HELP configsvr_enable_sharding_total Total number of enable sharding requests by the path taken and the result
# TYPE configsvr_enable_sharding_total counter
configsvr_enable_sharding_total{path="fast",result="success"} 1
configsvr_enable_sharding_total{path="slow",result="conflict_error"} 1
configsvr_enable_sharding_total{path="slow",result="success"} 1
configsvr_enable_sharding_total{path="validate",result="precondition_error"} 1
`), "configsvr_enable_sharding_total"))
}

func TestCoordinator_EnableSharding_requestLogger(t *testing.T) {
	ctx, cancel := testhelper.Context(testhelper.ContextWithLogger(
		testhelper.NewDiscardingLogEntry(t).WithField("correlation_id", "abc-123"),
	))
	defer cancel()

	logger, hook := test.NewNullLogger()
	s := newTestSetup(t, ctx, withLogger(logger), withRecords(models.DatabaseRecord{Name: "sales", Primary: "shardA"}))

	require.NoError(t, s.coordinator.EnableSharding(ctx, request("sales", "")))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	require.Equal(t, "sharding enabled", entry.Message)
	require.Equal(t, "abc-123", entry.Data["correlation_id"])
	require.Equal(t, "sales", entry.Data["database"])
	require.Equal(t, pathFast, entry.Data["path"])
}

func TestCoordinator_EnableSharding_catalogCache(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	logger := testhelper.NewDiscardingLogEntry(t)
	store := datastore.NewMemoryDatabaseStore()
	require.NoError(t, store.CreateDatabase(ctx, models.DatabaseRecord{Name: "sales", Primary: "shardA"}))

	cache, err := catalog.NewCache(logger, store, 16)
	require.NoError(t, err)

	stale, err := cache.GetDatabase(ctx, "sales")
	require.NoError(t, err)
	require.False(t, stale.Sharded)

	_, err = cache.GetDatabase(ctx, "orders")
	require.True(t, errors.Is(err, commonerr.ErrDatabaseNotFound), err)

	coordinator := NewCoordinator(
		config.ClusterRoleConfigServer,
		10*time.Second,
		store,
		distlock.NewManager(distlock.NewLocalLocker(), time.Millisecond, logger),
		catalogmanager.NewManager(store, placement.NewPolicy(placement.NewRegistry(shards), store), logger),
		cache,
		&recordingSink{},
		logger,
	)

	for _, database := range []string{"sales", "orders"} {
		require.NoError(t, coordinator.EnableSharding(ctx, request(database, "")))
	}

	sales, err := cache.GetDatabase(ctx, "sales")
	require.NoError(t, err)
	require.Equal(t, models.DatabaseRecord{Name: "sales", Primary: "shardA", Sharded: true}, sales)

	orders, err := cache.GetDatabase(ctx, "orders")
	require.NoError(t, err)
	require.True(t, orders.Sharded)
}
