// Package pricing batch-fetches USD prices and indexes them under every address variant a
// caller might hold.
package pricing

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/fetch"
)

// Fetcher returns price records for a batch of token addresses.
type Fetcher interface {
	Prices(ctx context.Context, addrs []string) ([]fetch.PriceRecord, error)
}

// Map holds USD prices as decimal strings.
type Map map[string]string

// Lookup tries addr as given, then normalized, then short, and defaults to "0".
func (m Map) Lookup(addr string) string {
	for _, key := range []string{addr, address.Normalize(addr), address.Short(addr)} {
		if p, ok := m[key]; ok && key != "" {
			return p
		}
	}
	return "0"
}

// USD returns the price of addr as a float. Unparseable and negative prices yield 0.
func (m Map) USD(addr string) float64 {
	d, err := decimal.NewFromString(m.Lookup(addr))
	if err != nil || d.IsNegative() {
		return 0
	}
	f, _ := d.Float64()
	return f
}

// Resolver wraps a price Fetcher.
type Resolver struct {
	fetcher Fetcher
	source  string
}

// NewResolver creates a price resolver. source names the price service for failure records.
func NewResolver(fetcher Fetcher, source string) *Resolver {
	return &Resolver{fetcher: fetcher, source: source}
}

// ResolvePrices fetches prices for all distinct addrs in one request. On failure the map
// is empty and every lookup yields "0".
func (r *Resolver) ResolvePrices(ctx context.Context, addrs []string) Map {
	seen := make(map[string]bool, len(addrs))
	batch := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		batch = append(batch, a)
	}

	m := Map{}
	if len(batch) == 0 {
		return m
	}
	records, err := r.fetcher.Prices(ctx, batch)
	if err != nil {
		degrade.Record(ctx, r.source, err)
		return m
	}

	for _, rec := range records {
		if rec.USDPrice == "" {
			continue
		}
		for _, a := range []string{rec.TokenAddress, rec.FAAddress} {
			if a == "" {
				continue
			}
			m[a] = rec.USDPrice
			m[address.Short(a)] = rec.USDPrice
		}
	}
	degrade.Logger(ctx).WithField("tokens", len(batch)).Debug("Resolved prices")
	return m
}
