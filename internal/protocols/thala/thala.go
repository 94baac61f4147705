// Package thala adapts ThalaSwap concentrated liquidity positions to the position pipeline.
// Staked positions live in the farming contract; unstaked ones are position NFTs found via
// the indexer.
package thala

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/aptos-positions/internal/aptos"
	"github.com/yourorg/aptos-positions/internal/config"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/pipeline"
	"github.com/yourorg/aptos-positions/internal/pools"
	"github.com/yourorg/aptos-positions/internal/rewards"
)

// Name is the protocol identifier.
const Name = "thala"

// Viewer calls Move view functions.
type Viewer interface {
	CallView(ctx context.Context, function string, args ...any) (gjson.Result, error)
}

// Indexer finds position NFTs owned by an account.
type Indexer interface {
	QueryOwnedPositionTokens(ctx context.Context, owner, namePattern string) []string
}

// PoolSource builds the pool map.
type PoolSource interface {
	BuildPoolsMap(ctx context.Context) pools.Map
}

// Adapter implements pipeline.Adapter for Thala.
type Adapter struct {
	view    Viewer
	indexer Indexer
	pools   PoolSource
	cfg     config.ThalaConfig
	fanout  int
}

// New creates the Thala adapter.
func New(view Viewer, indexer Indexer, poolSource PoolSource, cfg config.ThalaConfig, fanout int) *Adapter {
	if fanout < 1 {
		fanout = 1
	}
	return &Adapter{view: view, indexer: indexer, pools: poolSource, cfg: cfg, fanout: fanout}
}

var _ pipeline.Adapter = (*Adapter)(nil)

func (a *Adapter) Name() string { return Name }

func (a *Adapter) farming(fn string) string {
	return fmt.Sprintf("%s::farming::%s", a.cfg.FarmingPackage, fn)
}

func (a *Adapter) position(fn string) string {
	return fmt.Sprintf("%s::position::%s", a.cfg.CLMMPackage, fn)
}

// DiscoverPositions reads the farming deposits and the position NFTs held in the wallet.
// Either source failing only removes its own contribution.
func (a *Adapter) DiscoverPositions(ctx context.Context, owner string) (pipeline.Discovery, error) {
	var (
		staked   []pipeline.RawPosition
		unstaked []string
		g        errgroup.Group
	)
	g.Go(degrade.Guard(ctx, Name, func() error {
		staked = a.stakedPositions(ctx, owner)
		return nil
	}))
	g.Go(degrade.Guard(ctx, Name, func() error {
		unstaked = a.indexer.QueryOwnedPositionTokens(ctx, owner, a.cfg.PositionNamePrefix)
		return nil
	}))
	_ = g.Wait()

	return pipeline.Discovery{Staked: staked, Unstaked: unstaked}, nil
}

func (a *Adapter) stakedPositions(ctx context.Context, owner string) []pipeline.RawPosition {
	res, err := a.view.CallView(ctx, a.farming("exists_user_deposit"), owner)
	if err != nil {
		degrade.Record(ctx, Name, err)
		return nil
	}
	if !aptos.UnwrapSingle(res).Bool() {
		return nil
	}

	res, err = a.view.CallView(ctx, a.farming("user_deposits_and_position_info"), owner)
	if err != nil {
		degrade.Record(ctx, Name, err)
		return nil
	}
	dp := aptos.ParseDepositsAndPositions(res)

	positions := make([]pipeline.RawPosition, 0, len(dp.Deposits))
	for i, deposit := range dp.Deposits {
		addr := depositAddress(deposit)
		if addr == "" {
			continue
		}
		raw := pipeline.RawPosition{PositionAddress: addr, Staked: true}
		if i < len(dp.Positions) {
			info := dp.Positions[i]
			raw.PoolAddress = aptos.InnerAddress(info.Get("pool_obj"))
			raw.PositionID = info.Get("position_id").String()
		}
		positions = append(positions, raw)
	}

	var g errgroup.Group
	g.SetLimit(a.fanout)
	for i := range positions {
		i := i
		g.Go(degrade.Guard(ctx, Name, func() error {
			amounts, err := a.principal(ctx, positions[i].PositionAddress)
			if err != nil {
				degrade.Record(ctx, Name, err)
				return nil
			}
			positions[i].AmountsRaw = amounts
			return nil
		}))
	}
	_ = g.Wait()
	return positions
}

// LoadPosition reads the pool and principal of an unstaked position object.
func (a *Adapter) LoadPosition(ctx context.Context, positionAddress string) (pipeline.RawPosition, error) {
	var (
		poolAddr string
		amounts  []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(degrade.Guard(ctx, Name, func() error {
		res, err := a.view.CallView(gctx, a.position("position_pool"), positionAddress)
		if err != nil {
			return err
		}
		poolAddr = aptos.InnerAddress(aptos.UnwrapSingle(res))
		if poolAddr == "" {
			return fmt.Errorf("position %s: no pool in position_pool result", positionAddress)
		}
		return nil
	}))
	g.Go(degrade.Guard(ctx, Name, func() error {
		var err error
		amounts, err = a.principal(gctx, positionAddress)
		return err
	}))
	if err := g.Wait(); err != nil {
		return pipeline.RawPosition{}, err
	}
	if poolAddr == "" {
		return pipeline.RawPosition{}, fmt.Errorf("position %s: pool unavailable", positionAddress)
	}

	return pipeline.RawPosition{
		PositionID:      positionAddress,
		PositionAddress: positionAddress,
		PoolAddress:     poolAddr,
		AmountsRaw:      amounts,
	}, nil
}

// principal returns the raw token amounts backing a position, token0 first.
func (a *Adapter) principal(ctx context.Context, positionAddress string) ([]string, error) {
	res, err := a.view.CallView(ctx, a.position("position_principal_value"), positionAddress)
	if err != nil {
		return nil, err
	}
	items := aptos.UnwrapArray(res)
	amounts := make([]string, 0, len(items))
	for _, item := range items {
		amounts = append(amounts, item.String())
	}
	return amounts, nil
}

// DescribePools fetches the Thala pools listing.
func (a *Adapter) DescribePools(ctx context.Context) pools.Map {
	return a.pools.BuildPoolsMap(ctx)
}

// DescribeReward returns the farming incentives, which pay out in THL.
func (a *Adapter) DescribeReward(context.Context) rewards.Program {
	return rewards.Program{
		TokenAddress: a.cfg.RewardToken,
		Incentives:   &incentives{adapter: a},
	}
}

type incentives struct {
	adapter *Adapter
}

func (in *incentives) ActiveIncentives(ctx context.Context, position string) ([]string, error) {
	res, err := in.adapter.view.CallView(ctx, in.adapter.farming("position_active_incentives"), position)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, item := range aptos.UnwrapArray(res) {
		if addr := aptos.InnerAddress(item); addr != "" {
			out = append(out, addr)
		}
	}
	return out, nil
}

func (in *incentives) PendingReward(ctx context.Context, incentive, position string) (string, error) {
	res, err := in.adapter.view.CallView(ctx, in.adapter.farming("incentive_pending_reward"), incentive, position)
	if err != nil {
		return "", err
	}
	items := res.Array()
	if len(items) == 0 {
		return "", fmt.Errorf("incentive %s: unexpected pending reward result %s", incentive, res.Raw)
	}
	return items[0].String(), nil
}

// depositAddress reads a deposit entry, either {"position_obj":{"inner":..}} or a bare address.
func depositAddress(deposit gjson.Result) string {
	if deposit.Type == gjson.String {
		return deposit.String()
	}
	return aptos.InnerAddress(deposit.Get("position_obj"))
}
