package thala

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/aptos-positions/internal/aptos"
	"github.com/yourorg/aptos-positions/internal/config"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/fetch"
	"github.com/yourorg/aptos-positions/internal/model"
	"github.com/yourorg/aptos-positions/internal/pipeline"
	"github.com/yourorg/aptos-positions/internal/pools"
	"github.com/yourorg/aptos-positions/internal/pricing"
	"github.com/yourorg/aptos-positions/internal/tokens"
)

const (
	tokenA  = "0xa0"
	tokenB  = "0xb0"
	thl     = "0x7h1"
	poolP   = "0xp"
	staked1 = "0x5a"
	free1   = "0xf1"
)

var testCfg = config.ThalaConfig{
	FarmingPackage:     "0xfa",
	CLMMPackage:        "0xc1",
	RewardToken:        thl,
	PositionNamePrefix: "ThalaSwapCLToken:%",
}

// chain emulates the fullnode view endpoint and the indexer.
type chain struct {
	deposit     bool
	failPending bool
	viewCalls   atomic.Int32
}

func (c *chain) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/view", func(w http.ResponseWriter, r *http.Request) {
		c.viewCalls.Add(1)
		var req struct {
			Function  string `json:"function"`
			Arguments []any  `json:"arguments"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		fn := req.Function[strings.LastIndex(req.Function, "::")+2:]
		switch fn {
		case "exists_user_deposit":
			json.NewEncoder(w).Encode([]bool{c.deposit})
		case "user_deposits_and_position_info":
			w.Write([]byte(`[[{"position_obj":{"inner":"` + staked1 + `"}}],[{"pool_obj":{"inner":"` + poolP + `"},"position_id":"12"}]]`))
		case "position_principal_value":
			if req.Arguments[0] == staked1 {
				w.Write([]byte(`[["5000000","200000000"]]`))
				return
			}
			w.Write([]byte(`["1000000","0"]`))
		case "position_pool":
			w.Write([]byte(`[{"inner":"` + poolP + `"}]`))
		case "position_active_incentives":
			w.Write([]byte(`[[{"inner":"0xi1"},"0xi2"]]`))
		case "incentive_pending_reward":
			if c.failPending {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"message":"MOVE_ABORT"}`))
				return
			}
			w.Write([]byte(`["150000000","0"]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	mux.HandleFunc("/v1/graphql", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"current_token_ownerships_v2":[{"token_data_id":"` + free1 + `"},{"token_data_id":"0x05a"}]}}`))
	})
	return mux
}

func newAdapter(t *testing.T, c *chain) (*Adapter, *fetch.Client) {
	chainSrv := httptest.NewServer(c.handler(t))
	t.Cleanup(chainSrv.Close)
	poolsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"poolAddress":"` + poolP + `","coinAddresses":["` + tokenA + `","` + tokenB + `"],"apr":[{"source":"fees","apr":0.1}]}]}`))
	}))
	t.Cleanup(poolsSrv.Close)

	client := fetch.NewClient(fetch.Options{})
	a := New(
		aptos.NewViewClient(client, chainSrv.URL, ""),
		aptos.NewIndexerClient(client, chainSrv.URL, ""),
		pools.NewLoader(client, poolsSrv.URL, "thala-pools"),
		testCfg,
		4,
	)
	return a, client
}

func TestDiscoverPositions(t *testing.T) {
	a, _ := newAdapter(t, &chain{deposit: true})

	disc, err := a.DiscoverPositions(context.Background(), "0xowner")
	require.NoError(t, err)
	require.Len(t, disc.Staked, 1)
	assert.Equal(t, pipeline.RawPosition{
		PositionID:      "12",
		PositionAddress: staked1,
		PoolAddress:     poolP,
		Staked:          true,
		AmountsRaw:      []string{"5000000", "200000000"},
	}, disc.Staked[0])
	assert.Equal(t, []string{free1, "0x05a"}, disc.Unstaked)
}

func TestDiscoverPositions_NoDeposit(t *testing.T) {
	c := &chain{deposit: false}
	a, _ := newAdapter(t, c)

	disc, err := a.DiscoverPositions(context.Background(), "0xowner")
	require.NoError(t, err)
	assert.Empty(t, disc.Staked)
	assert.Len(t, disc.Unstaked, 2)
	assert.Equal(t, int32(1), c.viewCalls.Load(), "only exists_user_deposit is called")
}

func TestLoadPosition(t *testing.T) {
	a, _ := newAdapter(t, &chain{})

	raw, err := a.LoadPosition(context.Background(), free1)
	require.NoError(t, err)
	assert.Equal(t, poolP, raw.PoolAddress)
	assert.Equal(t, []string{"1000000", "0"}, raw.AmountsRaw)
	assert.False(t, raw.Staked)
}

func TestIncentives(t *testing.T) {
	a, _ := newAdapter(t, &chain{})
	program := a.DescribeReward(context.Background())
	assert.Equal(t, thl, program.TokenAddress)

	ids, err := program.Incentives.ActiveIncentives(context.Background(), staked1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xi1", "0xi2"}, ids)

	amount, err := program.Incentives.PendingReward(context.Background(), "0xi1", staked1)
	require.NoError(t, err)
	assert.Equal(t, "150000000", amount)
}

func staticTokens() *tokens.Resolver {
	known := map[string]model.TokenMeta{
		tokenA: {Symbol: "USDC", Name: "USD Coin", Decimals: 6},
		tokenB: {Symbol: "APT", Name: "Aptos Coin", Decimals: 8},
		thl:    {Symbol: "THL", Name: "Thala Token", Decimals: 8},
	}
	return tokens.NewResolver(4, tokens.Source{Name: "static", Lookup: func(_ context.Context, addr string) (*model.TokenMeta, error) {
		if m, ok := known[addr]; ok {
			return &m, nil
		}
		return nil, nil
	}})
}

func panoraServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"chainId":1,"faAddress":"` + tokenA + `","usdPrice":"1.00"},
			{"chainId":1,"faAddress":"` + tokenB + `","usdPrice":"10.00"},
			{"chainId":1,"faAddress":"` + thl + `","usdPrice":"0.20"}
		]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEndToEnd(t *testing.T) {
	a, client := newAdapter(t, &chain{deposit: true})
	panora := fetch.NewPanoraClient(client, panoraServer(t).URL, "", config.AptosChainID)
	p := pipeline.New(staticTokens(), pricing.NewResolver(panora, fetch.SourcePanora), 4)

	report := degrade.NewReport(nil, nil)
	ctx := degrade.WithReport(context.Background(), report)
	positions := p.Run(ctx, a, "0xowner")
	assert.False(t, report.Partial(), "%v", report.Failures())

	// 0x05a is the staked position seen again in the wallet and must not be counted twice.
	require.Len(t, positions, 2)

	st := positions[0]
	assert.True(t, st.Staked)
	assert.Equal(t, "12", st.PositionID)
	assert.InDelta(t, 5, st.Token0.Amount, 1e-9)
	assert.InDelta(t, 5, st.Token0.ValueUSD, 1e-9)
	require.NotNil(t, st.Token1)
	assert.InDelta(t, 2, st.Token1.Amount, 1e-9)
	assert.InDelta(t, 20, st.Token1.ValueUSD, 1e-9)
	assert.InDelta(t, 25, st.PositionValueUSD, 1e-9)
	assert.True(t, st.InRange)
	require.Len(t, st.Rewards, 1)
	assert.Equal(t, "300000000", st.Rewards[0].AmountRaw)
	assert.InDelta(t, 0.6, st.RewardsValueUSD, 1e-9)

	free := positions[1]
	assert.False(t, free.Staked)
	assert.Equal(t, free1, free.PositionAddress)
	assert.Empty(t, free.Rewards)
	assert.False(t, free.InRange)
	assert.InDelta(t, 1, free.PositionValueUSD, 1e-9)
}

func TestEndToEnd_RewardFailureKeepsPosition(t *testing.T) {
	a, client := newAdapter(t, &chain{deposit: true, failPending: true})
	panora := fetch.NewPanoraClient(client, panoraServer(t).URL, "", config.AptosChainID)
	p := pipeline.New(staticTokens(), pricing.NewResolver(panora, fetch.SourcePanora), 4)

	report := degrade.NewReport(nil, nil)
	ctx := degrade.WithReport(context.Background(), report)
	positions := p.Run(ctx, a, "0xowner")

	require.Len(t, positions, 2)
	assert.Empty(t, positions[0].Rewards)
	assert.InDelta(t, 25, positions[0].TotalValueUSD, 1e-9)
	assert.True(t, report.Partial())
}
