// Package catalogmanager performs the authoritative metadata changes of the
// cluster. Callers must hold the distributed lock of the database they change.
package catalogmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/opctx"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/placement"
)

// maxAttempts bounds the re-reads after the record changed between read and write.
const maxAttempts = 3

var errConcurrentModification = errors.New("database record kept changing concurrently")

// Manager creates databases and enables sharding on them.
type Manager struct {
	store  datastore.DatabaseStore
	policy *placement.Policy
	logger logrus.FieldLogger
}

// NewManager returns a Manager writing to store and placing new databases with policy.
func NewManager(store datastore.DatabaseStore, policy *placement.Policy, logger logrus.FieldLogger) *Manager {
	return &Manager{
		store:  store,
		policy: policy,
		logger: logger.WithField("component", "catalog_manager"),
	}
}

// EnableSharding makes sure the database exists and is sharded. A missing database
// is created on primary, or on a shard chosen by the placement policy if primary
// is empty. An existing database must already live on primary, if one is given.
func (m *Manager) EnableSharding(ctx context.Context, name, primary string) error {
	ctx = opctx.WithReadConcern(ctx, opctx.ReadConcernLocal)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		record, err := m.store.GetDatabase(ctx, name)
		if errors.Is(err, commonerr.ErrDatabaseNotFound) {
			err := m.createDatabase(ctx, name, primary)
			if errors.Is(err, commonerr.ErrDatabaseAlreadyExists) {
				continue
			}
			return err
		} else if err != nil {
			return commonerr.New(commonerr.KindStore, name, primary, fmt.Errorf("get database: %w", err))
		}

		done, err := m.enableOnExisting(ctx, record, primary)
		if done || err != nil {
			return err
		}
	}

	return commonerr.New(commonerr.KindStore, name, primary, errConcurrentModification)
}

// requestLogger carries the fields of the logger travelling in ctx.
func (m *Manager) requestLogger(ctx context.Context) logrus.FieldLogger {
	return m.logger.WithFields(ctxlogrus.Extract(ctx).Data)
}

func (m *Manager) createDatabase(ctx context.Context, name, primary string) error {
	conflicting, err := m.store.FindDatabaseFold(ctx, name)
	switch {
	case err == nil:
		return commonerr.New(commonerr.KindConflict, name, primary,
			fmt.Errorf("%w: %q already exists", commonerr.ErrDatabaseNameCaseConflict, conflicting.Name))
	case !errors.Is(err, commonerr.ErrDatabaseNotFound):
		return commonerr.New(commonerr.KindStore, name, primary, fmt.Errorf("find database: %w", err))
	}

	if primary != "" {
		if !m.policy.Registry().HasShard(primary) {
			return commonerr.New(commonerr.KindDelegate, name, primary, commonerr.ErrShardNotFound)
		}
	} else {
		primary, err = m.policy.ChoosePrimary(ctx)
		if err != nil {
			return commonerr.New(commonerr.KindDelegate, name, "", fmt.Errorf("choose primary: %w", err))
		}
	}

	if err := m.store.CreateDatabase(ctx, models.DatabaseRecord{
		Name:    name,
		Primary: primary,
		Sharded: true,
	}); err != nil {
		if errors.Is(err, commonerr.ErrDatabaseAlreadyExists) {
			return err
		}
		return commonerr.New(commonerr.KindStore, name, primary, fmt.Errorf("create database: %w", err))
	}

	m.requestLogger(ctx).WithFields(logrus.Fields{
		"database":      name,
		"primary_shard": primary,
	}).Info("created database with sharding enabled")

	return nil
}

// enableOnExisting returns done set to false if the record vanished and must be read again.
func (m *Manager) enableOnExisting(ctx context.Context, record models.DatabaseRecord, primary string) (bool, error) {
	if primary != "" && record.Primary != primary {
		return true, commonerr.New(commonerr.KindConflict, record.Name, primary,
			fmt.Errorf("%w: current primary is %q", commonerr.ErrPrimaryShardMismatch, record.Primary))
	}

	if record.Sharded {
		return true, nil
	}

	matched, err := m.store.UpdateDatabases(ctx,
		datastore.DatabaseFilter{Name: record.Name, Primary: record.Primary},
		datastore.DatabaseUpdate{Sharded: datastore.Bool(true)},
		datastore.UpdateOptions{},
	)
	if err != nil {
		return true, commonerr.New(commonerr.KindStore, record.Name, primary, fmt.Errorf("update database: %w", err))
	}

	if matched != 1 {
		return false, nil
	}

	m.requestLogger(ctx).WithFields(logrus.Fields{
		"database":      record.Name,
		"primary_shard": record.Primary,
	}).Info("enabled sharding on existing database")

	return true, nil
}
