// Package testdb creates throwaway Postgres databases for tests. Every database
// is cloned from a template database carrying the current schema.
package testdb

import (
	"database/sql"
	"errors"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore/glsql"
)

const (
	advisoryLockIDDatabaseTemplate = 1633078800
	templateDatabase               = "configsvr_template"
)

// DB is a helper struct that should be used only for testing purposes.
type DB struct {
	*sql.DB
	// Name is a name of the database.
	Name string
	// Config is the configuration to connect to the database.
	Config config.DB
}

// Truncate removes all data from the list of tables.
func (db DB) Truncate(t testing.TB, tables ...string) {
	t.Helper()

	for _, table := range tables {
		_, err := db.DB.Exec("DELETE FROM " + table)
		require.NoError(t, err, "database cleanup failed: %s", tables)
	}
}

// TruncateAll removes all data from known set of tables.
func (db DB) TruncateAll(t testing.TB) {
	db.Truncate(t, "databases")
}

// RequireRowsInTable verifies that `tname` table has `n` amount of rows in it.
func (db DB) RequireRowsInTable(t *testing.T, tname string, n int) {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+tname).Scan(&count))
	require.Equal(t, n, count, "unexpected amount of rows in table: %d instead of %d", count, n)
}

// MustExec executes `q` with `args` and verifies there are no errors.
func (db DB) MustExec(t testing.TB, q string, args ...interface{}) {
	_, err := db.DB.Exec(q, args...)
	require.NoError(t, err)
}

// NewDB returns a wrapper around the connection pool of a new, migrated database.
// Must be used only for testing. The test is skipped if no Postgres is configured.
// It uses env vars:
//   PGHOST - required, URL/socket/dir
//   PGPORT - required, binding port
//   PGUSER - optional, user - `$ whoami` would be used if not provided
// Once the test is completed the database will be dropped on test cleanup execution.
func NewDB(t testing.TB) DB {
	t.Helper()

	if _, ok := os.LookupEnv("PGHOST"); !ok {
		t.Skip("PGHOST is not set, skipping test requiring Postgres")
	}

	database := "configsvr_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	conn := initTestDB(t, database)
	return DB{DB: conn, Name: database, Config: GetDBConfig(t, database)}
}

// GetDBConfig returns the database configuration determined by
// environment variables. See NewDB() for the list of variables.
func GetDBConfig(t testing.TB, database string) config.DB {
	host, hostFound := os.LookupEnv("PGHOST")
	require.True(t, hostFound, "PGHOST env var expected to be provided to connect to Postgres database")

	port, portFound := os.LookupEnv("PGPORT")
	require.True(t, portFound, "PGPORT env var expected to be provided to connect to Postgres database")
	portNumber, err := strconv.Atoi(port)
	require.NoError(t, err, "PGPORT must be a port number of the Postgres database listens for incoming connections")

	return config.DB{
		Host:    host,
		Port:    portNumber,
		DBName:  database,
		SSLMode: "disable",
		User:    os.Getenv("PGUSER"),
		SessionPooled: config.DBConnection{
			Host: host,
			Port: portNumber,
		},
	}
}

func requireSQLOpen(t testing.TB, dbCfg config.DB, direct bool) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", glsql.DSN(dbCfg, direct))
	require.NoErrorf(t, err, "failed to connect to %q database", dbCfg.DBName)
	if !assert.NoErrorf(t, db.Ping(), "failed to communicate with %q database", dbCfg.DBName) {
		require.NoErrorf(t, db.Close(), "release connection to the %q database", dbCfg.DBName)
		t.FailNow()
	}
	return db
}

func initTestDB(t testing.TB, database string) *sql.DB {
	t.Helper()

	dbCfg := GetDBConfig(t, "postgres")
	postgresDB := requireSQLOpen(t, dbCfg, true)
	defer func() { require.NoErrorf(t, postgresDB.Close(), "release connection to the %q database", dbCfg.DBName) }()

	// Concurrently running test binaries must not migrate the template at the same time.
	_, err := postgresDB.Exec(`SELECT pg_advisory_lock($1)`, advisoryLockIDDatabaseTemplate)
	require.NoError(t, err, "not able to acquire lock for synchronisation")
	advisoryUnlock := func() {
		var released bool
		require.NoError(t, postgresDB.QueryRow(`SELECT pg_advisory_unlock($1)`, advisoryLockIDDatabaseTemplate).Scan(&released))
		require.True(t, released, "release advisory lock")
	}
	unlocked := false
	defer func() {
		if !unlocked {
			advisoryUnlock()
		}
	}()

	if !databaseExist(t, postgresDB, templateDatabase) {
		createTemplate(t, postgresDB)
	}

	templateDBConf := GetDBConfig(t, templateDatabase)
	if err := migrateTemplate(t, templateDBConf); err != nil {
		// The template may carry migrations from another branch. Start over with a fresh one.
		var pErr *migrate.PlanError
		require.Truef(t, errors.As(err, &pErr) && strings.EqualFold(pErr.ErrorMessage, "unknown migration in database"),
			"failed to run database migration on %q: %v", templateDatabase, err)

		_, err = postgresDB.Exec("DROP DATABASE " + templateDatabase)
		require.NoErrorf(t, err, "failed to drop %q database", templateDatabase)
		createTemplate(t, postgresDB)

		require.NoErrorf(t, migrateTemplate(t, templateDBConf), "failed to run database migration on %q", templateDatabase)
	}

	advisoryUnlock()
	unlocked = true

	_, err = postgresDB.Exec(`CREATE DATABASE ` + database + ` TEMPLATE ` + templateDatabase)
	require.NoErrorf(t, err, "failed to create %q database", database)

	t.Cleanup(func() {
		dbCfg.DBName = "postgres"
		postgresDB := requireSQLOpen(t, dbCfg, true)
		defer func() { require.NoErrorf(t, postgresDB.Close(), "release connection to the %q database", dbCfg.DBName) }()

		_, err := postgresDB.Exec("SELECT PG_TERMINATE_BACKEND(pid) FROM PG_STAT_ACTIVITY WHERE datname = $1", database)
		require.NoError(t, err)

		_, err = postgresDB.Exec("DROP DATABASE " + database)
		require.NoErrorf(t, err, "failed to drop %q database", database)
	})

	dbCfg.DBName = database
	testDB := requireSQLOpen(t, dbCfg, false)
	t.Cleanup(func() {
		if err := testDB.Close(); !errors.Is(err, net.ErrClosed) {
			require.NoErrorf(t, err, "release connection to the %q database", dbCfg.DBName)
		}
	})
	return testDB
}

func createTemplate(t testing.TB, postgresDB *sql.DB) {
	_, err := postgresDB.Exec("CREATE DATABASE " + templateDatabase + " WITH ENCODING 'UTF8'")
	require.NoErrorf(t, err, "failed to create %q database", templateDatabase)
}

func migrateTemplate(t testing.TB, conf config.DB) error {
	templateDB := requireSQLOpen(t, conf, true)
	defer func() {
		require.NoErrorf(t, templateDB.Close(), "release connection to the %q database", conf.DBName)
	}()

	_, err := glsql.Migrate(templateDB, false)
	return err
}

func databaseExist(t testing.TB, db *sql.DB, database string) bool {
	var exists bool
	require.NoError(t, db.QueryRow(`SELECT EXISTS(SELECT * FROM pg_database WHERE datname = $1)`, database).Scan(&exists))
	return exists
}
