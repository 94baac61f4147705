package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/aptos-positions/internal/cache"
	"github.com/yourorg/aptos-positions/internal/circuitbreaker"
	"github.com/yourorg/aptos-positions/internal/fetch"
	"github.com/yourorg/aptos-positions/internal/metrics"
	"github.com/yourorg/aptos-positions/internal/model"
	"github.com/yourorg/aptos-positions/internal/pipeline"
	"github.com/yourorg/aptos-positions/internal/pools"
	"github.com/yourorg/aptos-positions/internal/pricing"
	"github.com/yourorg/aptos-positions/internal/rewards"
	"github.com/yourorg/aptos-positions/internal/tokenlist"
	"github.com/yourorg/aptos-positions/internal/tokens"
)

const (
	usdc = "0xbae207659db88bea0cbead6da0ed00aac12edcdda169e591cd41c94180b46f3b"
	apt  = "0xa"
	pool = "0xbeef"
)

type stubAdapter struct {
	discovered    atomic.Int32
	panicReward   bool
	panicDiscover bool
	empty         bool
}

func (s *stubAdapter) Name() string { return "fake" }

func (s *stubAdapter) DiscoverPositions(context.Context, string) (pipeline.Discovery, error) {
	s.discovered.Add(1)
	if s.panicDiscover {
		panic("adapter bug")
	}
	if s.empty {
		return pipeline.Discovery{}, nil
	}
	return pipeline.Discovery{Staked: []pipeline.RawPosition{{
		PositionID:      "7",
		PositionAddress: "0xa11ce",
		PoolAddress:     pool,
		Staked:          true,
		AmountsRaw:      []string{"5000000", "200000000"},
	}}}, nil
}

func (s *stubAdapter) LoadPosition(context.Context, string) (pipeline.RawPosition, error) {
	return pipeline.RawPosition{}, errors.New("not found")
}

func (s *stubAdapter) DescribePools(context.Context) pools.Map {
	return pools.Map{pool: {PoolAddress: pool, CoinAddresses: []string{usdc, apt}, APR: 0.1}}
}

func (s *stubAdapter) DescribeReward(context.Context) rewards.Program {
	if s.panicReward {
		panic("reward program unavailable")
	}
	return rewards.Program{}
}

type stubPrices struct{ err error }

func (s stubPrices) Prices(context.Context, []string) ([]fetch.PriceRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []fetch.PriceRecord{
		{FAAddress: usdc, USDPrice: "1.00"},
		{FAAddress: apt, USDPrice: "10.00"},
	}, nil
}

type testEnv struct {
	server  *Server
	handler http.Handler
	adapter *stubAdapter
	metrics *metrics.Metrics
}

func staticTokens() tokens.Source {
	known := map[string]model.TokenMeta{
		usdc: {Symbol: "USDC", Name: "USD Coin", Decimals: 6},
		apt:  {Symbol: "APT", Name: "Aptos Coin", Decimals: 8},
	}
	return tokens.Source{Name: "static", Lookup: func(_ context.Context, addr string) (*model.TokenMeta, error) {
		if m, ok := known[addr]; ok {
			return &m, nil
		}
		return nil, nil
	}}
}

func newTestEnv(t *testing.T, prices stubPrices, mutate func(*Options)) *testEnv {
	return newTestEnvWithTokens(t, prices, staticTokens(), mutate)
}

func newTestEnvWithTokens(t *testing.T, prices stubPrices, source tokens.Source, mutate func(*Options)) *testEnv {
	t.Helper()
	resolver := tokens.NewResolver(4, source)

	local, err := cache.NewLocal()
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })

	list, err := tokenlist.Default()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	adapter := &stubAdapter{}
	opts := Options{
		Registry:    pipeline.NewRegistry(adapter),
		Pipeline:    pipeline.New(resolver, pricing.NewResolver(prices, "panora"), 4),
		Cache:       local,
		Metrics:     metrics.New(reg),
		Gatherer:    reg,
		Breakers:    circuitbreaker.NewSet(circuitbreaker.DefaultOptions()),
		Tokens:      list,
		CacheMaxAge: 5 * time.Second,
		CacheSWR:    25 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(opts)
	return &testEnv{server: s, handler: s.Handler(), adapter: adapter, metrics: opts.Metrics}
}

func (e *testEnv) get(path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodePositions(t *testing.T, rec *httptest.ResponseRecorder) PositionsResponse {
	t.Helper()
	var resp PositionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestUserPositions(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)

	rec := env.get("/api/protocols/fake/userPositions?address=0x00AB")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "public, max-age=5, stale-while-revalidate=25", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.NotContains(t, rec.Body.String(), `"partial"`)

	resp := decodePositions(t, rec)
	assert.True(t, resp.Success)
	require.Len(t, resp.Data, 1)
	p := resp.Data[0]
	assert.Equal(t, "fake", p.Protocol)
	assert.InDelta(t, 5, p.Token0.ValueUSD, 1e-9)
	require.NotNil(t, p.Token1)
	assert.InDelta(t, 20, p.Token1.ValueUSD, 1e-9)
	assert.InDelta(t, 25, p.PositionValueUSD, 1e-9)
	assert.True(t, p.InRange)
	assert.Empty(t, p.Rewards)

	require.NotNil(t, resp.Summary)
	assert.Equal(t, 1, resp.Summary.PositionCount)
	assert.InDelta(t, 25, resp.Summary.TotalValueUSD, 1e-9)

	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.RequestCounter.WithLabelValues("fake", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.PositionsServed.WithLabelValues("fake", "true")))
}

func TestUserPositions_ServedFromCache(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)

	first := env.get("/api/protocols/fake/userPositions?address=0xab")
	require.Equal(t, http.StatusOK, first.Code)
	second := env.get("/api/protocols/FAKE/userPositions?address=0x00ab")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), env.adapter.discovered.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.CacheHits.WithLabelValues("hit")))
}

func TestUserPositions_PartialWhenPriceServiceDown(t *testing.T) {
	env := newTestEnv(t, stubPrices{err: errors.New("panora: 500 Internal Server Error")}, nil)

	rec := env.get("/api/protocols/fake/userPositions?address=0xab")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodePositions(t, rec)
	assert.True(t, resp.Success)
	assert.True(t, resp.Partial)
	require.Len(t, resp.Data, 1)
	assert.Zero(t, resp.Data[0].PositionValueUSD)
	assert.InDelta(t, 5, resp.Data[0].Token0.Amount, 1e-9)

	env.get("/api/protocols/fake/userPositions?address=0xab")
	assert.Equal(t, int32(2), env.adapter.discovered.Load(), "partial responses are not cached")
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.SourceFailures.WithLabelValues("panora")))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.metrics.RequestCounter.WithLabelValues("fake", "partial")))
}

func TestUserPositions_PanicIsRecovered(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)
	env.adapter.panicReward = true

	rec := env.get("/api/protocols/fake/userPositions?address=0xab")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"data":[],"partial":true}`, rec.Body.String())
}

func TestUserPositions_NoPositions(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)
	env.adapter.empty = true

	rec := env.get("/api/protocols/fake/userPositions?address=0x1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []interface{}{}, body["data"])
	assert.NotContains(t, body, "partial")
}

func TestUserPositions_PanicInDiscoveryGoroutine(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)
	env.adapter.panicDiscover = true

	var rec *httptest.ResponseRecorder
	require.NotPanics(t, func() {
		rec = env.get("/api/protocols/fake/userPositions?address=0xab")
	})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodePositions(t, rec)
	assert.True(t, resp.Success)
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.Data)
	assert.True(t, resp.Partial)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.SourceFailures.WithLabelValues("fake")))
}

func TestUserPositions_TokenListFallbackNotRateLimited(t *testing.T) {
	// The resolver reaches the token list through the service's own HTTP endpoint.
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	defer ts.Close()

	opts := fetch.DefaultOptions()
	opts.RetryMax = 0
	opts.Breakers = circuitbreaker.NewSet(circuitbreaker.Options{FailureThreshold: 1})
	self := fetch.NewTokenListClient(fetch.NewClient(opts), ts.URL)

	env := newTestEnvWithTokens(t, stubPrices{}, tokens.Source{Name: fetch.SourceTokenList, Lookup: self.Lookup}, func(o *Options) {
		o.RateLimitRPS = 0.001
		o.RateLimitBurst = 1
	})
	handler = env.handler

	resp, err := http.Get(ts.URL + "/api/protocols/fake/userPositions?address=0xab")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body PositionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Partial)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "USDC", body.Data[0].Token0.Symbol)
	require.NotNil(t, body.Data[0].Token1)
	assert.Equal(t, "APT", body.Data[0].Token1.Symbol)
	assert.InDelta(t, 25, body.Data[0].PositionValueUSD, 1e-9)

	assert.Equal(t, http.StatusTooManyRequests, env.get("/api/protocols/fake/userPositions?address=0xcd").Code)
	assert.Equal(t, "closed", opts.Breakers.Get(fetch.SourceTokenList).GetState().String())
}

func TestUserPositions_BadRequests(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"missing address", "/api/protocols/fake/userPositions", http.StatusBadRequest, `{"error":"Address parameter is required"}`},
		{"empty address", "/api/protocols/fake/userPositions?address=", http.StatusBadRequest, `{"error":"Address parameter is required"}`},
		{"malformed address", "/api/protocols/fake/userPositions?address=0xnothex", http.StatusBadRequest, `{"error":"Invalid address parameter"}`},
		{"unknown protocol", "/api/protocols/nope/userPositions?address=0x1", http.StatusNotFound, `{"error":"Unknown protocol"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.get(tt.path)
			assert.Equal(t, tt.status, rec.Code)
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
	assert.Equal(t, int32(0), env.adapter.discovered.Load())
}

func TestUserPositions_RateLimited(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, func(o *Options) {
		o.RateLimitRPS = 0.001
		o.RateLimitBurst = 1
	})

	assert.Equal(t, http.StatusOK, env.get("/api/protocols/fake/userPositions?address=0xab").Code)
	rec := env.get("/api/protocols/fake/userPositions?address=0xab")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.JSONEq(t, `{"error":"Rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, env.get("/health").Code, "operational endpoints are not limited")
}

func TestTokens(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)

	rec := env.get("/api/tokens?address=0x000a")
	require.Equal(t, http.StatusOK, rec.Code)
	var one struct {
		Success bool            `json:"success"`
		Data    tokenlist.Token `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &one))
	assert.True(t, one.Success)
	assert.Equal(t, "APT", one.Data.Symbol)
	assert.Equal(t, 8, one.Data.Decimals)

	rec = env.get("/api/tokens?address=0xdead")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Token not found"}`, rec.Body.String())

	rec = env.get("/api/tokens")
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Data []tokenlist.Token `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.NotEmpty(t, all.Data)
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)
	env.get("/api/protocols/fake/userPositions?address=0xab")

	rec := env.get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"OK"`)

	rec = env.get("/status")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "operational", status["status"])
	assert.Equal(t, []interface{}{"fake"}, status["protocols"])

	rec = env.get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "aptos_positions_requests_total"))
}

func TestRequestIDPropagated(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, stubPrices{}, func(o *Options) {
		o.CORSOrigins = []string{"https://dashboard.example"}
	})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://dashboard.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
