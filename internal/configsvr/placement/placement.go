// Package placement knows the shards registered in the cluster and decides on
// which shard a new database is placed.
package placement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
)

var errNoShards = errors.New("no shards registered")

// Registry is the set of shards registered in the cluster.
type Registry struct {
	shards map[string]config.Shard
	names  []string
}

// NewRegistry returns a Registry of the shards.
func NewRegistry(shards []config.Shard) *Registry {
	r := &Registry{shards: make(map[string]config.Shard, len(shards))}
	for _, shard := range shards {
		r.shards[shard.Name] = shard
		r.names = append(r.names, shard.Name)
	}
	sort.Strings(r.names)
	return r
}

// HasShard tells whether the shard is registered.
func (r *Registry) HasShard(name string) bool {
	_, ok := r.shards[name]
	return ok
}

// Names returns the names of the registered shards in lexical order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// DatabaseCounter counts the databases placed on each shard.
type DatabaseCounter interface {
	CountDatabasesByPrimary(ctx context.Context) (map[string]int, error)
}

// Policy picks the primary shard of new databases.
type Policy struct {
	registry *Registry
	counter  DatabaseCounter
}

// NewPolicy returns a Policy placing databases on the shards of registry.
func NewPolicy(registry *Registry, counter DatabaseCounter) *Policy {
	return &Policy{registry: registry, counter: counter}
}

// Registry returns the shards known to the policy.
func (p *Policy) Registry() *Registry { return p.registry }

// ChoosePrimary returns the registered shard that is primary for the fewest
// databases. Ties are broken by shard name.
func (p *Policy) ChoosePrimary(ctx context.Context) (string, error) {
	if len(p.registry.names) == 0 {
		return "", errNoShards
	}

	counts, err := p.counter.CountDatabasesByPrimary(ctx)
	if err != nil {
		return "", fmt.Errorf("count databases: %w", err)
	}

	chosen := p.registry.names[0]
	for _, name := range p.registry.names[1:] {
		if counts[name] < counts[chosen] {
			chosen = name
		}
	}

	return chosen, nil
}
