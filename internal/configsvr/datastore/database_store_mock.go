package datastore

import (
	"context"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
)

// MockDatabaseStore allows for mocking a DatabaseStore by parametrizing its behavior. Unset
// reads report a missing database, unset writes succeed without matching anything.
type MockDatabaseStore struct {
	UpdateDatabasesFunc         func(ctx context.Context, filter DatabaseFilter, update DatabaseUpdate, opts UpdateOptions) (int64, error)
	GetDatabaseFunc             func(ctx context.Context, name string) (models.DatabaseRecord, error)
	FindDatabaseFoldFunc        func(ctx context.Context, name string) (models.DatabaseRecord, error)
	CreateDatabaseFunc          func(ctx context.Context, record models.DatabaseRecord) error
	ListDatabasesFunc           func(ctx context.Context) ([]models.DatabaseRecord, error)
	CountDatabasesByPrimaryFunc func(ctx context.Context) (map[string]int, error)
}

//nolint: revive,stylecheck // This is documented in the interface.
func (m MockDatabaseStore) UpdateDatabases(ctx context.Context, filter DatabaseFilter, update DatabaseUpdate, opts UpdateOptions) (int64, error) {
	if m.UpdateDatabasesFunc == nil {
		return 0, nil
	}

	return m.UpdateDatabasesFunc(ctx, filter, update, opts)
}

//nolint: revive,stylecheck // This is documented in the interface.
func (m MockDatabaseStore) GetDatabase(ctx context.Context, name string) (models.DatabaseRecord, error) {
	if m.GetDatabaseFunc == nil {
		return models.DatabaseRecord{}, commonerr.ErrDatabaseNotFound
	}

	return m.GetDatabaseFunc(ctx, name)
}

//nolint: revive,stylecheck // This is documented in the interface.
func (m MockDatabaseStore) FindDatabaseFold(ctx context.Context, name string) (models.DatabaseRecord, error) {
	if m.FindDatabaseFoldFunc == nil {
		return models.DatabaseRecord{}, commonerr.ErrDatabaseNotFound
	}

	return m.FindDatabaseFoldFunc(ctx, name)
}

//nolint: revive,stylecheck // This is documented in the interface.
func (m MockDatabaseStore) CreateDatabase(ctx context.Context, record models.DatabaseRecord) error {
	if m.CreateDatabaseFunc == nil {
		return nil
	}

	return m.CreateDatabaseFunc(ctx, record)
}

//nolint: revive,stylecheck // This is documented in the interface.
func (m MockDatabaseStore) ListDatabases(ctx context.Context) ([]models.DatabaseRecord, error) {
	if m.ListDatabasesFunc == nil {
		return nil, nil
	}

	return m.ListDatabasesFunc(ctx)
}

//nolint: revive,stylecheck // This is documented in the interface.
func (m MockDatabaseStore) CountDatabasesByPrimary(ctx context.Context) (map[string]int, error) {
	if m.CountDatabasesByPrimaryFunc == nil {
		return map[string]int{}, nil
	}

	return m.CountDatabasesByPrimaryFunc(ctx)
}
