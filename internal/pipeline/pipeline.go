package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/fetch"
	"github.com/yourorg/aptos-positions/internal/model"
	"github.com/yourorg/aptos-positions/internal/otel"
	"github.com/yourorg/aptos-positions/internal/pools"
	"github.com/yourorg/aptos-positions/internal/pricing"
	"github.com/yourorg/aptos-positions/internal/rewards"
	"github.com/yourorg/aptos-positions/internal/tokens"
	"github.com/yourorg/aptos-positions/internal/valuation"
)

// Pipeline discovers, resolves, values and merges the positions of one owner.
type Pipeline struct {
	tokens *tokens.Resolver
	prices *pricing.Resolver
	fanout int
}

// New creates a pipeline. fanout bounds concurrent calls within each stage.
func New(tokenResolver *tokens.Resolver, priceResolver *pricing.Resolver, fanout int) *Pipeline {
	if fanout < 1 {
		fanout = 1
	}
	return &Pipeline{tokens: tokenResolver, prices: priceResolver, fanout: fanout}
}

// Run returns the owner's valued positions for the protocol behind a: staked positions
// first, then unstaked ones not already counted. Sub-operation failures are recorded on the
// request and degrade to empty or zero values; Run itself never fails.
func (p *Pipeline) Run(ctx context.Context, a Adapter, owner string) []model.Position {
	ctx, span := otel.Tracer().Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("protocol", a.Name()),
		attribute.String("owner", owner),
	))
	defer span.End()
	ctx = fetch.WithMemo(ctx)
	log := degrade.Logger(ctx).WithField("protocol", a.Name())

	// Pools and discovery do not depend on each other.
	var (
		poolMap pools.Map
		disc    Discovery
		g       errgroup.Group
	)
	g.Go(degrade.Guard(ctx, a.Name(), func() error {
		poolMap = a.DescribePools(ctx)
		return nil
	}))
	g.Go(degrade.Guard(ctx, a.Name(), func() error {
		d, err := a.DiscoverPositions(ctx, owner)
		if err != nil {
			otel.RecordError(ctx, err)
			degrade.Record(ctx, a.Name(), err)
			return nil
		}
		disc = d
		return nil
	}))
	_ = g.Wait()
	if poolMap == nil {
		poolMap = pools.Map{}
	}

	unstaked := p.loadUnstaked(ctx, a, uncounted(disc.Staked, disc.Unstaked))
	log.WithFields(logrus.Fields{
		"staked":   len(disc.Staked),
		"unstaked": len(unstaked),
		"pools":    len(poolMap),
	}).Debug("Discovered positions")
	if len(disc.Staked) == 0 && len(unstaked) == 0 {
		return []model.Position{}
	}

	var program rewards.Program
	if len(disc.Staked) > 0 {
		program = a.DescribeReward(ctx)
	}

	addrs := tokenAddresses(poolMap, program.TokenAddress, disc.Staked, unstaked)
	var (
		tokenSet tokens.Set
		prices   pricing.Map
	)
	g = errgroup.Group{}
	g.Go(degrade.Guard(ctx, "tokens", func() error {
		tokenSet = p.tokens.ResolveAll(ctx, addrs)
		return nil
	}))
	g.Go(degrade.Guard(ctx, "prices", func() error {
		prices = p.prices.ResolvePrices(ctx, addrs)
		return nil
	}))
	_ = g.Wait()
	if prices == nil {
		prices = pricing.Map{}
	}

	agg := rewards.NewAggregator(a.Name()+"-incentives", p.fanout)
	staked := p.valueAll(ctx, a.Name(), disc.Staked, poolMap, tokenSet, prices, func(ctx context.Context, raw RawPosition) []model.RewardItem {
		if raw.PositionAddress == "" {
			return []model.RewardItem{}
		}
		items, state := agg.Aggregate(ctx, program, raw.PositionAddress, tokenSet, prices)
		log.WithFields(logrus.Fields{"position": raw.PositionAddress, "state": state.String()}).Debug("Rewards aggregated")
		return items
	})
	rest := p.valueAll(ctx, a.Name(), unstaked, poolMap, tokenSet, prices, nil)

	return Merge(staked, rest)
}

// loadUnstaked reads each unstaked position, skipping the ones that fail.
func (p *Pipeline) loadUnstaked(ctx context.Context, a Adapter, addrs []string) []RawPosition {
	loaded := make([]*RawPosition, len(addrs))
	var g errgroup.Group
	g.SetLimit(p.fanout)
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(degrade.Guard(ctx, a.Name(), func() error {
			raw, err := a.LoadPosition(ctx, addr)
			if err != nil {
				degrade.Logger(ctx).WithField("position", addr).Debug("Skipping unstaked position")
				degrade.Record(ctx, a.Name(), err)
				return nil
			}
			raw.Staked = false
			if raw.PositionAddress == "" {
				raw.PositionAddress = addr
			}
			loaded[i] = &raw
			return nil
		}))
	}
	_ = g.Wait()

	out := make([]RawPosition, 0, len(addrs))
	for _, raw := range loaded {
		if raw != nil {
			out = append(out, *raw)
		}
	}
	return out
}

type rewardFunc func(ctx context.Context, raw RawPosition) []model.RewardItem

// valueAll builds the positions in input order, leaving out any that panicked. withRewards
// is nil for unstaked positions.
func (p *Pipeline) valueAll(ctx context.Context, protocol string, raws []RawPosition, poolMap pools.Map, tokenSet tokens.Set, prices pricing.Map, withRewards rewardFunc) []model.Position {
	built := make([]*model.Position, len(raws))
	var g errgroup.Group
	g.SetLimit(p.fanout)
	for i, raw := range raws {
		i, raw := i, raw
		g.Go(degrade.Guard(ctx, protocol, func() error {
			pos := BuildPosition(protocol, raw, poolMap, tokenSet, prices)
			if withRewards != nil {
				pos.Rewards = withRewards(ctx, raw)
			}
			pos.Totals()
			built[i] = &pos
			return nil
		}))
	}
	_ = g.Wait()

	out := make([]model.Position, 0, len(built))
	for _, pos := range built {
		if pos != nil {
			out = append(out, *pos)
		}
	}
	return out
}

// BuildPosition values the principal of raw. Tokens missing from the pool map or token
// set come out as Unknown with default decimals; pool symbols are used as display fallback.
func BuildPosition(protocol string, raw RawPosition, poolMap pools.Map, tokenSet tokens.Set, prices pricing.Map) model.Position {
	pool, _ := poolMap.Lookup(raw.PoolAddress)
	pos := model.Position{
		Protocol:        protocol,
		PositionID:      raw.PositionID,
		PositionAddress: raw.PositionAddress,
		Staked:          raw.Staked,
		PoolAddress:     raw.PoolAddress,
		APR:             pool.APR,
		Rewards:         []model.RewardItem{},
	}
	if pos.PositionID == "" {
		pos.PositionID = raw.PositionAddress
	}

	sides := len(pool.CoinAddresses)
	if len(raw.AmountsRaw) > sides {
		sides = len(raw.AmountsRaw)
	}
	if sides < 1 {
		sides = 1
	}
	if sides > 2 {
		sides = 2
	}
	fallbackSymbols := []string{pool.TokenASymbol, pool.TokenBSymbol}

	for i := 0; i < sides; i++ {
		coin := ""
		if i < len(pool.CoinAddresses) {
			coin = pool.CoinAddresses[i]
		}
		amountRaw := "0"
		if i < len(raw.AmountsRaw) && raw.AmountsRaw[i] != "" {
			amountRaw = raw.AmountsRaw[i]
		}

		meta := tokenSet.Meta(coin)
		if meta.Symbol == model.UnknownSymbol && fallbackSymbols[i] != "" {
			meta.Symbol = fallbackSymbols[i]
		}
		price := prices.USD(coin)
		if price == 0 && meta.PriceUSD > 0 {
			price = meta.PriceUSD
		}

		amount := valuation.TokenAmount(meta, amountRaw, price)
		if i == 0 {
			pos.Token0 = amount
		} else {
			pos.Token1 = &amount
		}
	}
	pos.Totals()
	return pos
}

// tokenAddresses lists every token the positions and the reward program refer to.
func tokenAddresses(poolMap pools.Map, rewardToken string, groups ...[]RawPosition) []string {
	var addrs []string
	for _, group := range groups {
		for _, raw := range group {
			pool, ok := poolMap.Lookup(raw.PoolAddress)
			if !ok {
				continue
			}
			addrs = append(addrs, pool.CoinAddresses...)
		}
	}
	if rewardToken != "" {
		addrs = append(addrs, rewardToken)
	}
	return addrs
}
