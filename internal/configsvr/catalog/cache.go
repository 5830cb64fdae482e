// Package catalog caches the routing metadata of databases. Entries are dropped
// when a database changes, either explicitly through InvalidateDatabase or on
// notifications published by the metadata store.
package catalog

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore/glsql"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
)

// DatabaseGetter reads database records from the authoritative store.
type DatabaseGetter interface {
	GetDatabase(ctx context.Context, name string) (models.DatabaseRecord, error)
}

// Cache is a read-through cache of database records.
type Cache struct {
	getter DatabaseGetter
	cache  *lru.Cache
	// access is 1 while the cache is used and 0 while reads bypass it.
	access int32
	// generation is bumped by every invalidation. A read started in an older
	// generation does not populate the cache.
	generation uint64
	syncer     syncer
	// callbackLogger should be used only inside of the methods used as callbacks.
	callbackLogger   logrus.FieldLogger
	cacheAccessTotal *prometheus.CounterVec
}

// NewCache returns a Cache holding up to size records read from getter.
func NewCache(logger logrus.FieldLogger, getter DatabaseGetter, size int) (*Cache, error) {
	c := &Cache{
		getter:         getter,
		access:         1,
		syncer:         syncer{inflight: map[string]chan struct{}{}},
		callbackLogger: logger.WithField("component", "catalog_cache"),
		cacheAccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "configsvr_catalog_cache_access_total",
				Help: "Total number of catalog cache access operations by type",
			},
			[]string{"type"},
		),
	}

	cache, err := lru.NewWithEvict(size, func(key interface{}, value interface{}) {
		c.cacheAccessTotal.WithLabelValues("evict").Inc()
	})
	if err != nil {
		return nil, err
	}
	c.cache = cache

	return c, nil
}

// GetDatabase returns the record of the database, from the cache if possible.
func (c *Cache) GetDatabase(ctx context.Context, name string) (models.DatabaseRecord, error) {
	if !c.isCacheEnabled() {
		c.cacheAccessTotal.WithLabelValues("miss").Inc()
		return c.getter.GetDatabase(ctx, name)
	}

	if record, found := c.get(name); found {
		c.cacheAccessTotal.WithLabelValues("hit").Inc()
		return record, nil
	}

	populateDone := c.syncer.await(name)
	defer populateDone()

	if record, found := c.get(name); found {
		c.cacheAccessTotal.WithLabelValues("hit").Inc()
		return record, nil
	}

	generation := atomic.LoadUint64(&c.generation)

	c.cacheAccessTotal.WithLabelValues("miss").Inc()
	record, err := c.getter.GetDatabase(ctx, name)
	if err != nil {
		return models.DatabaseRecord{}, err
	}

	if c.isCacheEnabled() && atomic.LoadUint64(&c.generation) == generation {
		c.cache.Add(name, record)
		c.cacheAccessTotal.WithLabelValues("populate").Inc()
	}

	return record, nil
}

// InvalidateDatabase drops the cached record of the database.
func (c *Cache) InvalidateDatabase(ctx context.Context, name string) error {
	c.invalidate(name)
	return nil
}

func (c *Cache) invalidate(names ...string) {
	atomic.AddUint64(&c.generation, 1)
	for _, name := range names {
		if c.cache.Remove(name) {
			c.cacheAccessTotal.WithLabelValues("invalidate").Inc()
		}
	}
}

type notificationEntry struct {
	Databases []string `json:"databases"`
}

// Notification handles notifications by invalidating cache entries of changed databases.
func (c *Cache) Notification(n glsql.Notification) {
	var change notificationEntry
	if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
		c.disableCaching()
		c.callbackLogger.WithError(err).WithField("channel", n.Channel).Error("received payload can't be processed, cache disabled")
		return
	}

	c.invalidate(change.Databases...)
}

// Connected enables the cache once notifications are received.
func (c *Cache) Connected() {
	c.enableCaching()
}

// Disconnect disables the cache as changes may be missed until reconnected.
func (c *Cache) Disconnect(error) {
	c.disableCaching()
}

// Describe returns all metric descriptors.
func (c *Cache) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, descs)
}

// Collect collects all metrics.
func (c *Cache) Collect(collector chan<- prometheus.Metric) {
	c.cacheAccessTotal.Collect(collector)
}

func (c *Cache) enableCaching() {
	atomic.StoreInt32(&c.access, 1)
}

func (c *Cache) disableCaching() {
	atomic.StoreInt32(&c.access, 0)
	atomic.AddUint64(&c.generation, 1)
	c.cache.Purge()
}

func (c *Cache) isCacheEnabled() bool {
	return atomic.LoadInt32(&c.access) != 0
}

func (c *Cache) get(name string) (models.DatabaseRecord, bool) {
	val, found := c.cache.Get(name)
	record, _ := val.(models.DatabaseRecord)
	return record, found
}

// syncer allows to sync access to a particular key.
type syncer struct {
	// inflight contains set of keys already acquired for sync.
	inflight map[string]chan struct{}
	mtx      sync.Mutex
}

// await acquires lock for provided key and returns a callback to invoke once the key could be released.
// If key is already acquired the call will be blocked until callback for that key won't be called.
func (sc *syncer) await(key string) func() {
	sc.mtx.Lock()

	if cond, found := sc.inflight[key]; found {
		sc.mtx.Unlock()

		<-cond

		return func() {}
	}

	defer sc.mtx.Unlock()

	cond := make(chan struct{})
	sc.inflight[key] = cond

	return func() {
		sc.mtx.Lock()
		defer sc.mtx.Unlock()

		delete(sc.inflight, key)

		close(cond)
	}
}
