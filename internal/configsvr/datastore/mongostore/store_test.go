package mongostore

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
	"gitlab.com/gitlab-org/configsvr/internal/testhelper"
)

func newStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()

	uri, ok := os.LookupEnv("MONGODB_URI")
	if !ok {
		t.Skip("MONGODB_URI is not set, skipping test requiring MongoDB")
	}

	store, err := Open(ctx, config.MongoDB{
		URI:      uri,
		Database: "configsvr_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		Timeout:  10 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))

	t.Cleanup(func() {
		require.NoError(t, store.db.Drop(context.Background()))
		require.NoError(t, store.Close(context.Background()))
	})

	return store
}

func TestStore(t *testing.T) {
	ctx, cancel := testhelper.Context(testhelper.ContextWithTimeout(time.Minute))
	defer cancel()

	store := newStore(t, ctx)

	require.NoError(t, store.CreateDatabase(ctx, models.DatabaseRecord{Name: "sales", Primary: "shardA"}))
	require.NoError(t, store.CreateDatabase(ctx, models.DatabaseRecord{Name: "Inventory", Primary: "shardB"}))
	require.Equal(t, commonerr.ErrDatabaseAlreadyExists,
		store.CreateDatabase(ctx, models.DatabaseRecord{Name: "sales", Primary: "shardB"}))

	_, err := store.GetDatabase(ctx, "marketing")
	require.Equal(t, commonerr.ErrDatabaseNotFound, err)

	record, err := store.FindDatabaseFold(ctx, "inventory")
	require.NoError(t, err)
	require.Equal(t, models.DatabaseRecord{Name: "Inventory", Primary: "shardB"}, record)

	require.NoError(t, store.CreateDatabase(ctx, models.DatabaseRecord{Name: "kiosk"}))
	record, err = store.FindDatabaseFold(ctx, "KIOSK")
	require.NoError(t, err)
	require.Equal(t, "kiosk", record.Name)

	// Kelvin sign
	_, err = store.FindDatabaseFold(ctx, "\u212aiosk")
	require.Equal(t, commonerr.ErrDatabaseNotFound, err)

	matched, err := store.UpdateDatabases(ctx,
		datastore.DatabaseFilter{Name: "sales", Primary: "shardB"},
		datastore.DatabaseUpdate{Sharded: datastore.Bool(true)},
		datastore.UpdateOptions{},
	)
	require.NoError(t, err)
	require.Zero(t, matched)

	matched, err = store.UpdateDatabases(ctx,
		datastore.DatabaseFilter{Name: "sales", Primary: "shardA"},
		datastore.DatabaseUpdate{Sharded: datastore.Bool(true)},
		datastore.UpdateOptions{},
	)
	require.NoError(t, err)
	require.EqualValues(t, 1, matched)

	records, err := store.ListDatabases(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.DatabaseRecord{
		{Name: "Inventory", Primary: "shardB"},
		{Name: "kiosk"},
		{Name: "sales", Primary: "shardA", Sharded: true},
	}, records)

	counts, err := store.CountDatabasesByPrimary(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"shardA": 1, "shardB": 1}, counts)
}
