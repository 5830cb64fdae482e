package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20211001120000_databases_table",
		Up: []string{`
CREATE TABLE databases (
	name TEXT PRIMARY KEY,
	primary_shard TEXT,
	sharded BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX databases_lower_name_idx ON databases (LOWER(name));
CREATE INDEX databases_primary_shard_idx ON databases (primary_shard);`},
		Down: []string{"DROP TABLE databases;"},
	}

	allMigrations = append(allMigrations, m)
}
