package placement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
	"gitlab.com/gitlab-org/configsvr/internal/testhelper"
)

func TestRegistry(t *testing.T) {
	registry := NewRegistry([]config.Shard{
		{Name: "shardB", Address: "b:27018"},
		{Name: "shardA", Address: "a:27018"},
	})

	require.True(t, registry.HasShard("shardA"))
	require.False(t, registry.HasShard("shardC"))
	require.Equal(t, []string{"shardA", "shardB"}, registry.Names())
}

func TestPolicy_ChoosePrimary(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	shards := []config.Shard{{Name: "shardC"}, {Name: "shardA"}, {Name: "shardB"}}

	for _, tc := range []struct {
		desc        string
		shards      []config.Shard
		counts      map[string]int
		countErr    error
		expected    string
		expectedErr string
	}{
		{
			desc:     "empty cluster picks lowest name",
			shards:   shards,
			counts:   map[string]int{},
			expected: "shardA",
		},
		{
			desc:     "fewest databases",
			shards:   shards,
			counts:   map[string]int{"shardA": 3, "shardB": 1, "shardC": 2},
			expected: "shardB",
		},
		{
			desc:     "tie broken by name",
			shards:   shards,
			counts:   map[string]int{"shardA": 2, "shardB": 1, "shardC": 1},
			expected: "shardB",
		},
		{
			desc:     "unregistered shards are ignored",
			shards:   shards,
			counts:   map[string]int{"shardA": 1, "shardB": 1, "shardC": 1, "retired": 0},
			expected: "shardA",
		},
		{
			desc:        "no shards",
			expectedErr: "no shards registered",
		},
		{
			desc:        "count fails",
			shards:      shards,
			countErr:    errors.New("connection refused"),
			expectedErr: "count databases: connection refused",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			policy := NewPolicy(NewRegistry(tc.shards), datastore.MockDatabaseStore{
				CountDatabasesByPrimaryFunc: func(context.Context) (map[string]int, error) {
					return tc.counts, tc.countErr
				},
			})

			primary, err := policy.ChoosePrimary(ctx)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, primary)
		})
	}
}
