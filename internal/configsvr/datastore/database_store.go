package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore/glsql"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
)

// DatabasesUpdatesChannel is the notification channel the databases table
// publishes changes to. The payload is a JSON object listing the changed names.
const DatabasesUpdatesChannel = "databases_updates"

// DatabaseFilter selects database records. Empty fields match anything.
type DatabaseFilter struct {
	Name    string
	Primary string
}

// DatabaseUpdate lists the fields to set on the matched records. Nil fields are
// left untouched.
type DatabaseUpdate struct {
	Sharded *bool
	Primary *string
}

func (u DatabaseUpdate) empty() bool {
	return u.Sharded == nil && u.Primary == nil
}

// UpdateOptions controls how many records an update may touch and whether a
// record is inserted when nothing matched.
type UpdateOptions struct {
	Multi  bool
	Upsert bool
}

// Bool returns a pointer to b, for use in DatabaseUpdate.
func Bool(b bool) *bool { return &b }

// String returns a pointer to s, for use in DatabaseUpdate.
func String(s string) *string { return &s }

var (
	errEmptyUpdate       = errors.New("update sets no fields")
	errUpsertWithoutName = errors.New("upsert requires the filter to name the database")
)

// DatabaseStore keeps the database records of the cluster. Reads honour the read
// concern carried in the context where the backend supports it.
type DatabaseStore interface {
	// UpdateDatabases applies update to the records matching filter and returns the
	// number of records matched. Without Multi at most one record is touched.
	UpdateDatabases(ctx context.Context, filter DatabaseFilter, update DatabaseUpdate, opts UpdateOptions) (int64, error)
	// GetDatabase returns the record named exactly name or commonerr.ErrDatabaseNotFound.
	GetDatabase(ctx context.Context, name string) (models.DatabaseRecord, error)
	// FindDatabaseFold returns a record whose name equals name once both are
	// folded with models.FoldName, or commonerr.ErrDatabaseNotFound.
	FindDatabaseFold(ctx context.Context, name string) (models.DatabaseRecord, error)
	// CreateDatabase inserts record or returns commonerr.ErrDatabaseAlreadyExists.
	CreateDatabase(ctx context.Context, record models.DatabaseRecord) error
	// ListDatabases returns all records ordered by name.
	ListDatabases(ctx context.Context) ([]models.DatabaseRecord, error)
	// CountDatabasesByPrimary returns the number of records per primary shard.
	// Records without a primary are not counted.
	CountDatabasesByPrimary(ctx context.Context) (map[string]int, error)
}

// PostgresDatabaseStore is a Postgres implementation of DatabaseStore. Postgres
// serves every read from the primary, so all read concerns are satisfied.
type PostgresDatabaseStore struct {
	db glsql.Querier
}

// NewPostgresDatabaseStore returns a Postgres implementation of DatabaseStore.
func NewPostgresDatabaseStore(db glsql.Querier) *PostgresDatabaseStore {
	return &PostgresDatabaseStore{db: db}
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *PostgresDatabaseStore) UpdateDatabases(ctx context.Context, filter DatabaseFilter, update DatabaseUpdate, opts UpdateOptions) (int64, error) {
	if update.empty() {
		return 0, errEmptyUpdate
	}

	if opts.Upsert && filter.Name == "" {
		return 0, errUpsertWithoutName
	}

	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"updated_at = NOW()"}
	if update.Sharded != nil {
		sets = append(sets, "sharded = "+arg(*update.Sharded))
	}
	if update.Primary != nil {
		sets = append(sets, "primary_shard = "+arg(*update.Primary))
	}

	conditions := []string{"TRUE"}
	if filter.Name != "" {
		conditions = append(conditions, "name = "+arg(filter.Name))
	}
	if filter.Primary != "" {
		conditions = append(conditions, "primary_shard = "+arg(filter.Primary))
	}

	where := strings.Join(conditions, " AND ")
	query := fmt.Sprintf(`UPDATE databases SET %s WHERE %s`, strings.Join(sets, ", "), where)
	if !opts.Multi {
		query = fmt.Sprintf(`
UPDATE databases SET %s
WHERE name = (
	SELECT name FROM databases
	WHERE %s
	ORDER BY name
	LIMIT 1
	FOR UPDATE
)`, strings.Join(sets, ", "), where)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}

	matched, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if matched == 0 && opts.Upsert {
		record := models.DatabaseRecord{Name: filter.Name, Primary: filter.Primary}
		if update.Primary != nil {
			record.Primary = *update.Primary
		}
		if update.Sharded != nil {
			record.Sharded = *update.Sharded
		}

		// A concurrent insert of the same name wins, the upsert then matches nothing.
		if _, err := s.db.ExecContext(ctx, `
INSERT INTO databases (name, primary_shard, sharded)
VALUES ($1, NULLIF($2, ''), $3)
ON CONFLICT (name) DO NOTHING`,
			record.Name, record.Primary, record.Sharded,
		); err != nil {
			return 0, fmt.Errorf("upsert: %w", err)
		}
	}

	return matched, nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *PostgresDatabaseStore) GetDatabase(ctx context.Context, name string) (models.DatabaseRecord, error) {
	return s.getDatabase(ctx, `
SELECT name, COALESCE(primary_shard, ''), sharded
FROM databases
WHERE name = $1`, name)
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *PostgresDatabaseStore) FindDatabaseFold(ctx context.Context, name string) (models.DatabaseRecord, error) {
	return s.getDatabase(ctx, `
SELECT name, COALESCE(primary_shard, ''), sharded
FROM databases
WHERE TRANSLATE(name, 'ABCDEFGHIJKLMNOPQRSTUVWXYZ', 'abcdefghijklmnopqrstuvwxyz') = $1
ORDER BY name
LIMIT 1`, models.FoldName(name))
}

func (s *PostgresDatabaseStore) getDatabase(ctx context.Context, query, name string) (models.DatabaseRecord, error) {
	var record models.DatabaseRecord
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&record.Name, &record.Primary, &record.Sharded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DatabaseRecord{}, commonerr.ErrDatabaseNotFound
		}

		return models.DatabaseRecord{}, fmt.Errorf("scan: %w", err)
	}

	return record, nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *PostgresDatabaseStore) CreateDatabase(ctx context.Context, record models.DatabaseRecord) error {
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO databases (name, primary_shard, sharded)
VALUES ($1, NULLIF($2, ''), $3)`,
		record.Name, record.Primary, record.Sharded,
	); err != nil {
		if glsql.IsUniqueViolation(err) {
			return commonerr.ErrDatabaseAlreadyExists
		}

		return fmt.Errorf("insert: %w", err)
	}

	return nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *PostgresDatabaseStore) ListDatabases(ctx context.Context) ([]models.DatabaseRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT name, COALESCE(primary_shard, ''), sharded
FROM databases
ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var records []models.DatabaseRecord
	for rows.Next() {
		var record models.DatabaseRecord
		if err := rows.Scan(&record.Name, &record.Primary, &record.Sharded); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		records = append(records, record)
	}

	return records, rows.Err()
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *PostgresDatabaseStore) CountDatabasesByPrimary(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT primary_shard, COUNT(*)
FROM databases
WHERE primary_shard IS NOT NULL
GROUP BY primary_shard`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var shard string
		var count int
		if err := rows.Scan(&shard, &count); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		counts[shard] = count
	}

	return counts, rows.Err()
}
