// Package pools builds the per-request pool metadata map from a protocol's pools API.
package pools

import (
	"context"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/fetch"
	"github.com/yourorg/aptos-positions/internal/model"
)

// Pool address field names, tried in order. The pools APIs have renamed this field more
// than once.
var addressFields = []string{
	"poolAddress",
	"pool_address",
	"metadata.poolAddress",
	"metadata.address",
	"address",
	"lptAddress",
}

// Map is keyed by normalized pool address.
type Map map[string]model.PoolInfo

// Lookup returns the pool for addr in any address format.
func (m Map) Lookup(addr string) (model.PoolInfo, bool) {
	p, ok := m[address.Normalize(addr)]
	return p, ok
}

// Loader fetches a pools listing.
type Loader struct {
	http   *fetch.Client
	url    string
	source string
}

// NewLoader creates a loader for the listing at url. source names it in logs and metrics.
func NewLoader(http *fetch.Client, url, source string) *Loader {
	return &Loader{http: http, url: url, source: source}
}

// BuildPoolsMap fetches the listing once and indexes it. Any failure yields an empty map.
func (l *Loader) BuildPoolsMap(ctx context.Context) Map {
	body, err := l.http.Do(ctx, fetch.Request{Source: l.source, URL: l.url})
	if err != nil {
		degrade.Record(ctx, l.source, err)
		return Map{}
	}
	if body == nil || !gjson.ValidBytes(body) {
		degrade.Record(ctx, l.source, errors.New("empty or invalid pools response"))
		return Map{}
	}

	m := Parse(gjson.ParseBytes(body))
	degrade.Logger(ctx).WithField("pools", len(m)).Debug("Built pools map")
	return m
}

// Parse indexes a pools response of the form {"data": [...]} or a bare array. Records
// without a recognisable address are skipped.
func Parse(res gjson.Result) Map {
	list := res.Get("data")
	if !list.IsArray() {
		list = res
	}
	m := Map{}
	list.ForEach(func(_, record gjson.Result) bool {
		if info, ok := parseRecord(record); ok {
			m[address.Normalize(info.PoolAddress)] = info
		}
		return true
	})
	return m
}

func parseRecord(record gjson.Result) (model.PoolInfo, bool) {
	if !record.IsObject() {
		return model.PoolInfo{}, false
	}
	poolAddr := firstString(record, addressFields...)
	if poolAddr == "" {
		return model.PoolInfo{}, false
	}

	coins := []string{}
	coinList := record.Get("coinAddresses")
	if !coinList.IsArray() {
		coinList = record.Get("metadata.coinAddresses")
	}
	coinList.ForEach(func(_, c gjson.Result) bool {
		coins = append(coins, c.String())
		return true
	})

	apr, sources := parseAPR(record.Get("apr"))
	return model.PoolInfo{
		PoolAddress:   poolAddr,
		CoinAddresses: coins,
		TokenASymbol:  firstString(record, "tokenASymbol", "metadata.tokenA"),
		TokenBSymbol:  firstString(record, "tokenBSymbol", "metadata.tokenB"),
		APR:           apr,
		AprSources:    sources,
	}, true
}

// parseAPR sums the components of a list APR, or reads a plain number. Missing and
// non-numeric values count as 0.
func parseAPR(v gjson.Result) (float64, []model.AprSource) {
	if !v.IsArray() {
		return v.Float(), nil
	}
	var total float64
	var sources []model.AprSource
	v.ForEach(func(_, c gjson.Result) bool {
		apr := c.Get("apr").Float()
		total += apr
		sources = append(sources, model.AprSource{Source: c.Get("source").String(), APR: apr})
		return true
	})
	return total, sources
}

func firstString(record gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := record.Get(p); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
