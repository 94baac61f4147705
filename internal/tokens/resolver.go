// Package tokens resolves token identity (symbol, name, decimals, logo) from a priority
// ordered list of metadata sources.
package tokens

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/model"
)

// LookupFunc returns the metadata for addr, or nil when the source does not know it.
type LookupFunc func(ctx context.Context, addr string) (*model.TokenMeta, error)

// Source is one metadata provider.
type Source struct {
	Name   string
	Lookup LookupFunc
}

// Resolver tries each source in order and returns the first hit.
type Resolver struct {
	sources []Source
	fanout  int
}

// NewResolver creates a resolver over sources in priority order. fanout bounds concurrent
// lookups in ResolveAll.
func NewResolver(fanout int, sources ...Source) *Resolver {
	if fanout < 1 {
		fanout = 1
	}
	return &Resolver{sources: sources, fanout: fanout}
}

// ResolveToken returns the first source's answer for addr, or nil when every source misses.
// A failing source is recorded and the next one is tried.
func (r *Resolver) ResolveToken(ctx context.Context, addr string) *model.TokenMeta {
	if addr == "" {
		return nil
	}
	for _, src := range r.sources {
		meta, err := src.Lookup(ctx, addr)
		if err != nil {
			degrade.Record(ctx, src.Name, err)
			continue
		}
		if meta == nil || meta.Symbol == "" {
			continue
		}
		out := *meta
		out.Address = addr
		if out.Decimals < 0 {
			out.Decimals = model.DefaultDecimals
		}
		degrade.Logger(ctx).WithFields(logrus.Fields{
			"token":  addr,
			"source": src.Name,
			"symbol": out.Symbol,
		}).Debug("Resolved token")
		return &out
	}
	return nil
}

// Set holds resolved metadata keyed by token address.
type Set struct {
	byKey map[string]*model.TokenMeta
}

// NewSet builds a Set from already resolved metadata.
func NewSet(metas ...model.TokenMeta) Set {
	s := Set{byKey: make(map[string]*model.TokenMeta, len(metas))}
	for i := range metas {
		s.byKey[address.Short(metas[i].Address)] = &metas[i]
	}
	return s
}

// Get returns the metadata for addr in any address format, or nil.
func (s Set) Get(addr string) *model.TokenMeta {
	if s.byKey == nil {
		return nil
	}
	return s.byKey[address.Short(addr)]
}

// Meta returns the metadata for addr, or the Unknown placeholder.
func (s Set) Meta(addr string) model.TokenMeta {
	if m := s.Get(addr); m != nil {
		return *m
	}
	return model.UnknownToken(addr)
}

// ResolveAll resolves every distinct address once, concurrently.
func (r *Resolver) ResolveAll(ctx context.Context, addrs []string) Set {
	unique := make(map[string]string, len(addrs))
	for _, a := range addrs {
		if a == "" {
			continue
		}
		if _, ok := unique[address.Short(a)]; !ok {
			unique[address.Short(a)] = a
		}
	}

	var mu sync.Mutex
	set := Set{byKey: make(map[string]*model.TokenMeta, len(unique))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanout)
	for key, addr := range unique {
		key, addr := key, addr
		g.Go(degrade.Guard(ctx, "tokens", func() error {
			meta := r.ResolveToken(gctx, addr)
			if meta == nil {
				return nil
			}
			mu.Lock()
			set.byKey[key] = meta
			mu.Unlock()
			return nil
		}))
	}
	_ = g.Wait()

	degrade.Logger(ctx).WithField("tokens", len(unique)).Debug("Resolved token metadata")
	return set
}
