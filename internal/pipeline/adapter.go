// Package pipeline implements the generic position aggregation and valuation pipeline.
// Protocols plug in through the Adapter capability interface.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yourorg/aptos-positions/internal/pools"
	"github.com/yourorg/aptos-positions/internal/rewards"
)

// RawPosition is a position as read from the protocol, before any token or price resolution.
type RawPosition struct {
	PositionID      string
	PositionAddress string
	PoolAddress     string
	Staked          bool

	// AmountsRaw holds the base-unit principal amounts, ordered like the pool's coins.
	AmountsRaw []string
}

// Discovery is what a protocol knows about an owner's positions. Unstaked lists position
// addresses whose principal still has to be loaded.
type Discovery struct {
	Staked   []RawPosition
	Unstaked []string
}

// Adapter is the per-protocol capability set the pipeline needs.
type Adapter interface {
	// Name is the protocol identifier used in routes and logs.
	Name() string

	// DiscoverPositions finds the owner's staked positions and candidate unstaked ones.
	DiscoverPositions(ctx context.Context, owner string) (Discovery, error)

	// LoadPosition reads the principal of a single unstaked position.
	LoadPosition(ctx context.Context, positionAddress string) (RawPosition, error)

	// DescribePools returns the protocol's pools. Failures yield an empty map.
	DescribePools(ctx context.Context) pools.Map

	// DescribeReward returns the incentive program paying staked positions.
	DescribeReward(ctx context.Context) rewards.Program
}

// Registry maps protocol names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a. Registering the same name twice panics.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(a.Name())
	if _, exists := r.adapters[name]; exists {
		panic(fmt.Sprintf("pipeline: adapter %q registered twice", name))
	}
	r.adapters[name] = a
}

// Get returns the adapter for name, case-insensitively.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(name)]
	return a, ok
}

// Names lists the registered protocols in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
