package tokens

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/model"
)

func staticSource(name string, known map[string]model.TokenMeta, calls *atomic.Int32) Source {
	return Source{Name: name, Lookup: func(_ context.Context, addr string) (*model.TokenMeta, error) {
		if calls != nil {
			calls.Add(1)
		}
		if m, ok := known[addr]; ok {
			return &m, nil
		}
		return nil, nil
	}}
}

func failingSource(name string) Source {
	return Source{Name: name, Lookup: func(context.Context, string) (*model.TokenMeta, error) {
		return nil, errors.New("unavailable")
	}}
}

func TestResolveToken_PriorityOrder(t *testing.T) {
	r := NewResolver(4,
		staticSource("markets", map[string]model.TokenMeta{"0xa": {Symbol: "APT", Decimals: 8}}, nil),
		staticSource("panora", map[string]model.TokenMeta{"0xa": {Symbol: "WRONG"}, "0xb": {Symbol: "USDC", Decimals: 6}}, nil),
	)

	meta := r.ResolveToken(context.Background(), "0xa")
	require.NotNil(t, meta)
	assert.Equal(t, "APT", meta.Symbol)
	assert.Equal(t, "0xa", meta.Address)

	meta = r.ResolveToken(context.Background(), "0xb")
	require.NotNil(t, meta)
	assert.Equal(t, "USDC", meta.Symbol)

	assert.Nil(t, r.ResolveToken(context.Background(), "0xc"))
	assert.Nil(t, r.ResolveToken(context.Background(), ""))
}

func TestResolveToken_FailureFallsThrough(t *testing.T) {
	report := degrade.NewReport(nil, nil)
	ctx := degrade.WithReport(context.Background(), report)

	r := NewResolver(1,
		failingSource("markets"),
		failingSource("panora"),
		staticSource("tokenlist", map[string]model.TokenMeta{"0xa": {Symbol: "APT", Decimals: 8}}, nil),
	)
	meta := r.ResolveToken(ctx, "0xa")
	require.NotNil(t, meta)
	assert.Equal(t, "APT", meta.Symbol)
	assert.Len(t, report.Failures(), 2)
}

func TestResolveAll_Deduplicates(t *testing.T) {
	var calls atomic.Int32
	r := NewResolver(4, staticSource("list", map[string]model.TokenMeta{
		"0xa":         {Symbol: "APT", Decimals: 8},
		"0xb::c::USD": {Symbol: "USD", Decimals: 6},
	}, &calls))

	set := r.ResolveAll(context.Background(), []string{"0xa", "0x000a", "@0xA", "0xb::c::USD", "0xb::c::USD", "0xunknown", ""})
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, "APT", set.Get("0x0000a").Symbol)
	assert.Equal(t, "USD", set.Get("0x0b::c::USD").Symbol)
	assert.Nil(t, set.Get("0xb"))

	unknown := set.Meta("0xunknown")
	assert.Equal(t, model.UnknownSymbol, unknown.Symbol)
	assert.Equal(t, model.DefaultDecimals, unknown.Decimals)
}
