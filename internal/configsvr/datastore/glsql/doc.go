// Package glsql provides integration with the Postgres database keeping the
// cluster metadata. It contains helpers to open connections, apply the schema
// migrations and to test code interacting with the database.
//
// Unit tests do not need a database. Tests that do use
// gitlab.com/gitlab-org/configsvr/internal/testhelper/testdb and are skipped
// unless PGHOST and PGPORT point to a Postgres instance; PGUSER is optional.
//
//   PGHOST=localhost PGPORT=5432 PGUSER=postgres \
//     go test -count=1 ./internal/configsvr/...
//
// Connections that need session state (advisory locks, LISTEN) must not go
// through a transaction pooling proxy such as PgBouncer. The DSN helper
// prefers the session pooled settings for such connections.
package glsql
