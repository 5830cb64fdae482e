package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
)

// ClusterRole is the role the process plays in the cluster.
type ClusterRole string

const (
	// ClusterRoleNone is a process that is not part of a sharded cluster.
	ClusterRoleNone ClusterRole = ""
	// ClusterRoleConfigServer is the control plane role. Only config servers
	// may mutate cluster-wide metadata.
	ClusterRoleConfigServer ClusterRole = "configsvr"
	// ClusterRoleShardServer is a data-bearing shard.
	ClusterRoleShardServer ClusterRole = "shardsvr"
)

func (r ClusterRole) validate() error {
	switch r {
	case ClusterRoleNone, ClusterRoleConfigServer, ClusterRoleShardServer:
		return nil
	default:
		return fmt.Errorf("invalid cluster role: %q", r)
	}
}

// DatastoreBackend selects the implementation of the metadata store.
type DatastoreBackend string

const (
	// DatastorePostgres keeps database records in Postgres.
	DatastorePostgres DatastoreBackend = "postgres"
	// DatastoreMongoDB keeps database records in a MongoDB config.databases collection.
	DatastoreMongoDB DatastoreBackend = "mongodb"
	// DatastoreMemory keeps database records in process memory. Only useful for tests
	// and single process setups.
	DatastoreMemory DatastoreBackend = "memory"
)

func (b DatastoreBackend) validate() error {
	switch b {
	case DatastorePostgres, DatastoreMongoDB, DatastoreMemory:
		return nil
	default:
		return fmt.Errorf("invalid datastore backend: %q", b)
	}
}

// LockBackend selects the implementation of the distributed lock manager.
type LockBackend string

const (
	// LockPostgres uses session level Postgres advisory locks.
	LockPostgres LockBackend = "postgres"
	// LockRedis uses leased Redis keys.
	LockRedis LockBackend = "redis"
	// LockLocal uses in-process locks. It provides no exclusion across processes.
	LockLocal LockBackend = "local"
)

func (b LockBackend) validate() error {
	switch b {
	case LockPostgres, LockRedis, LockLocal:
		return nil
	default:
		return fmt.Errorf("invalid lock backend: %q", b)
	}
}

// Logging contains logging configuration values.
type Logging struct {
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
}

// Sentry contains configuration of the Sentry error reporting.
type Sentry struct {
	DSN         string `toml:"sentry_dsn,omitempty"`
	Environment string `toml:"sentry_environment,omitempty"`
}

// Datastore configures where database records are kept.
type Datastore struct {
	Backend DatastoreBackend `toml:"backend,omitempty"`
}

// MongoDB holds the MongoDB client configuration.
type MongoDB struct {
	URI string `toml:"uri,omitempty"`
	// Database is the database holding the databases collection. Defaults to "config".
	Database string `toml:"database,omitempty"`
	// Timeout bounds server selection and connection establishment.
	Timeout time.Duration `toml:"timeout,omitempty"`
}

// Locking configures the distributed lock manager.
type Locking struct {
	Backend LockBackend `toml:"backend,omitempty"`
	// AcquireTimeout bounds how long a caller waits for a busy lock.
	AcquireTimeout time.Duration `toml:"acquire_timeout,omitempty" split_words:"true"`
	// RetryInterval is the pause between two acquisition attempts.
	RetryInterval time.Duration `toml:"retry_interval,omitempty" split_words:"true"`
	// Lease is the expiry of locks on backends without sessions (redis). It must exceed
	// the longest expected critical section.
	Lease time.Duration `toml:"lease,omitempty"`
}

// Redis holds the Redis client configuration.
type Redis struct {
	Address  string `toml:"address,omitempty"`
	Password string `toml:"password,omitempty"`
	DB       int    `toml:"db,omitempty"`
}

// CatalogCache configures the topology cache.
type CatalogCache struct {
	// Size is the maximum number of database entries kept in the cache.
	Size int `toml:"size,omitempty"`
}

// Shard is a shard registered in the cluster.
type Shard struct {
	Name    string `toml:"name,omitempty"`
	Address string `toml:"address,omitempty"`
}

// Config is a container for everything found in the TOML config file
type Config struct {
	ClusterRole          ClusterRole  `toml:"cluster_role,omitempty" split_words:"true"`
	Logging              Logging      `toml:"logging,omitempty"`
	Sentry               Sentry       `toml:"sentry,omitempty"`
	PrometheusListenAddr string       `toml:"prometheus_listen_addr,omitempty" split_words:"true"`
	DB                   DB           `toml:"database,omitempty" envconfig:"database"`
	Datastore            Datastore    `toml:"datastore,omitempty"`
	MongoDB              MongoDB      `toml:"mongodb,omitempty" envconfig:"mongodb"`
	Locking              Locking      `toml:"locking,omitempty"`
	Redis                Redis        `toml:"redis,omitempty"`
	CatalogCache         CatalogCache `toml:"catalog_cache,omitempty" split_words:"true"`
	Shards               []Shard      `toml:"shard,omitempty" ignored:"true"`
}

const (
	// DefaultLockAcquireTimeout is how long enableSharding waits for a busy database lock.
	DefaultLockAcquireTimeout = 20 * time.Second
	// DefaultLockRetryInterval is the pause between two lock acquisition attempts.
	DefaultLockRetryInterval = 500 * time.Millisecond
	// DefaultLockLease is the default expiry of leased locks.
	DefaultLockLease = 15 * time.Minute
	// DefaultCatalogCacheSize is the default amount of cached database entries.
	DefaultCatalogCacheSize = 1 << 14

	envPrefix = "configsvr"
)

// FromFile loads the config for the passed file path. Values from the
// environment (CONFIGSVR_*) take precedence over the file.
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	conf := &Config{}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	if err := envconfig.Process(envPrefix, conf); err != nil {
		return Config{}, fmt.Errorf("envconfig: %w", err)
	}

	conf.setDefaults()

	return *conf, nil
}

var (
	errNoShards          = errors.New("no shards configured")
	errDuplicateShard    = errors.New("shard names are not unique")
	errShardWithoutAddr  = errors.New("all shards must have an address")
	errNoMongoURI        = errors.New("mongodb datastore requires mongodb.uri")
	errNoRedisAddress    = errors.New("redis lock backend requires redis.address")
	errNoDatabaseHost    = errors.New("postgres requires database.host")
	errNonPositiveLock   = errors.New("locking.acquire_timeout and locking.retry_interval must be positive")
	errRetryAboveTimeout = errors.New("locking.retry_interval must not exceed locking.acquire_timeout")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if err := c.ClusterRole.validate(); err != nil {
		return err
	}

	if err := c.Datastore.Backend.validate(); err != nil {
		return err
	}

	if err := c.Locking.Backend.validate(); err != nil {
		return err
	}

	if c.NeedsSQL() && c.DB.Host == "" {
		return errNoDatabaseHost
	}

	if c.Datastore.Backend == DatastoreMongoDB && c.MongoDB.URI == "" {
		return errNoMongoURI
	}

	if c.Locking.Backend == LockRedis && c.Redis.Address == "" {
		return errNoRedisAddress
	}

	if c.Locking.AcquireTimeout <= 0 || c.Locking.RetryInterval <= 0 {
		return errNonPositiveLock
	}

	if c.Locking.RetryInterval > c.Locking.AcquireTimeout {
		return errRetryAboveTimeout
	}

	if len(c.Shards) == 0 {
		return errNoShards
	}

	shards := make(map[string]struct{}, len(c.Shards))
	for _, shard := range c.Shards {
		if err := models.ValidateShardID(shard.Name); err != nil {
			return fmt.Errorf("shard %q: %w", shard.Name, err)
		}

		if shard.Address == "" {
			return fmt.Errorf("shard %q: %w", shard.Name, errShardWithoutAddr)
		}

		if _, found := shards[shard.Name]; found {
			return fmt.Errorf("shard %q: %w", shard.Name, errDuplicateShard)
		}
		shards[shard.Name] = struct{}{}
	}

	return nil
}

// NeedsSQL returns true if the driver for SQL needs to be initialized
func (c *Config) NeedsSQL() bool {
	return c.Datastore.Backend == DatastorePostgres || c.Locking.Backend == LockPostgres
}

// ShardNames returns the names of the registered shards in configuration order.
func (c *Config) ShardNames() []string {
	names := make([]string, len(c.Shards))
	for i, shard := range c.Shards {
		names[i] = shard.Name
	}
	return names
}

func (c *Config) setDefaults() {
	if c.Datastore.Backend == "" {
		c.Datastore.Backend = DatastorePostgres
	}

	if c.Locking.Backend == "" {
		c.Locking.Backend = LockPostgres
	}

	if c.Locking.AcquireTimeout == 0 {
		c.Locking.AcquireTimeout = DefaultLockAcquireTimeout
	}

	if c.Locking.RetryInterval == 0 {
		c.Locking.RetryInterval = DefaultLockRetryInterval
	}

	if c.Locking.Lease == 0 {
		c.Locking.Lease = DefaultLockLease
	}

	if c.CatalogCache.Size == 0 {
		c.CatalogCache.Size = DefaultCatalogCacheSize
	}

	if c.MongoDB.Database == "" {
		c.MongoDB.Database = "config"
	}

	if c.MongoDB.Timeout == 0 {
		c.MongoDB.Timeout = 10 * time.Second
	}
}

// DBConnection holds Postgres client configuration data.
type DBConnection struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`
}

// DB holds database configuration data.
type DB struct {
	Host        string `toml:"host,omitempty"`
	Port        int    `toml:"port,omitempty"`
	User        string `toml:"user,omitempty"`
	Password    string `toml:"password,omitempty"`
	DBName      string `toml:"dbname,omitempty"`
	SSLMode     string `toml:"sslmode,omitempty"`
	SSLCert     string `toml:"sslcert,omitempty"`
	SSLKey      string `toml:"sslkey,omitempty"`
	SSLRootCert string `toml:"sslrootcert,omitempty"`

	// SessionPooled is a connection that bypasses transaction pooling. Session
	// level advisory locks and LISTEN only work over such a connection.
	SessionPooled DBConnection `toml:"session_pooled,omitempty" split_words:"true"`
}
