package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20211015100000_databases_folded_name_index",
		Up: []string{
			"DROP INDEX databases_lower_name_idx",
			// Names fold ASCII letters only. LOWER would fold by the database collation.
			`CREATE INDEX databases_folded_name_idx ON databases (
				TRANSLATE(name, 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz')
			)`,
		},
		Down: []string{
			"DROP INDEX databases_folded_name_idx",
			"CREATE INDEX databases_lower_name_idx ON databases (LOWER(name))",
		},
	}

	allMigrations = append(allMigrations, m)
}
