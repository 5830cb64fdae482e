package datastore

import (
	"context"
	"sort"
	"sync"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
)

// MemoryDatabaseStore is an in-memory implementation of DatabaseStore.
type MemoryDatabaseStore struct {
	m         sync.RWMutex
	databases map[string]models.DatabaseRecord
}

// NewMemoryDatabaseStore returns an empty in-memory DatabaseStore.
func NewMemoryDatabaseStore() *MemoryDatabaseStore {
	return &MemoryDatabaseStore{databases: make(map[string]models.DatabaseRecord)}
}

func (f DatabaseFilter) matches(record models.DatabaseRecord) bool {
	return (f.Name == "" || f.Name == record.Name) && (f.Primary == "" || f.Primary == record.Primary)
}

func (u DatabaseUpdate) apply(record models.DatabaseRecord) models.DatabaseRecord {
	if u.Sharded != nil {
		record.Sharded = *u.Sharded
	}
	if u.Primary != nil {
		record.Primary = *u.Primary
	}
	return record
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *MemoryDatabaseStore) UpdateDatabases(ctx context.Context, filter DatabaseFilter, update DatabaseUpdate, opts UpdateOptions) (int64, error) {
	if update.empty() {
		return 0, errEmptyUpdate
	}

	if opts.Upsert && filter.Name == "" {
		return 0, errUpsertWithoutName
	}

	s.m.Lock()
	defer s.m.Unlock()

	var matched int64
	for _, name := range s.sortedNames() {
		record := s.databases[name]
		if !filter.matches(record) {
			continue
		}

		s.databases[name] = update.apply(record)
		matched++
		if !opts.Multi {
			break
		}
	}

	if matched == 0 && opts.Upsert {
		if _, exists := s.databases[filter.Name]; !exists {
			s.databases[filter.Name] = update.apply(models.DatabaseRecord{Name: filter.Name, Primary: filter.Primary})
		}
	}

	return matched, nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *MemoryDatabaseStore) GetDatabase(ctx context.Context, name string) (models.DatabaseRecord, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	record, ok := s.databases[name]
	if !ok {
		return models.DatabaseRecord{}, commonerr.ErrDatabaseNotFound
	}

	return record, nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *MemoryDatabaseStore) FindDatabaseFold(ctx context.Context, name string) (models.DatabaseRecord, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	folded := models.FoldName(name)
	for _, candidate := range s.sortedNames() {
		if models.FoldName(candidate) == folded {
			return s.databases[candidate], nil
		}
	}

	return models.DatabaseRecord{}, commonerr.ErrDatabaseNotFound
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *MemoryDatabaseStore) CreateDatabase(ctx context.Context, record models.DatabaseRecord) error {
	s.m.Lock()
	defer s.m.Unlock()

	if _, exists := s.databases[record.Name]; exists {
		return commonerr.ErrDatabaseAlreadyExists
	}

	s.databases[record.Name] = record
	return nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *MemoryDatabaseStore) ListDatabases(ctx context.Context) ([]models.DatabaseRecord, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	names := s.sortedNames()
	records := make([]models.DatabaseRecord, 0, len(names))
	for _, name := range names {
		records = append(records, s.databases[name])
	}

	return records, nil
}

//nolint: revive,stylecheck // This is documented in the interface.
func (s *MemoryDatabaseStore) CountDatabasesByPrimary(ctx context.Context) (map[string]int, error) {
	s.m.RLock()
	defer s.m.RUnlock()

	counts := make(map[string]int)
	for _, record := range s.databases {
		if record.Primary != "" {
			counts[record.Primary]++
		}
	}

	return counts, nil
}

// sortedNames must be called with the lock held.
func (s *MemoryDatabaseStore) sortedNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
