// Package rewards sums pending incentive rewards for a position and values them.
package rewards

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/model"
	"github.com/yourorg/aptos-positions/internal/pricing"
	"github.com/yourorg/aptos-positions/internal/tokens"
	"github.com/yourorg/aptos-positions/internal/valuation"
)

// IncentiveSource reads a protocol's incentive programs.
type IncentiveSource interface {
	// ActiveIncentives lists the incentive programs paying the position.
	ActiveIncentives(ctx context.Context, position string) ([]string, error)
	// PendingReward returns the unclaimed base-unit reward of one incentive for the position.
	PendingReward(ctx context.Context, incentive, position string) (string, error)
}

// Program pairs an incentive source with the single token it pays out.
type Program struct {
	TokenAddress string
	Incentives   IncentiveSource
}

// State is the aggregation step a position reached.
type State int

const (
	StateNoRewards State = iota
	StateDiscoverIncentives
	StateSumPending
	StateResolveRewardToken
	StateValue
	StateDone
)

func (s State) String() string {
	switch s {
	case StateNoRewards:
		return "no_rewards"
	case StateDiscoverIncentives:
		return "discover_incentives"
	case StateSumPending:
		return "sum_pending"
	case StateResolveRewardToken:
		return "resolve_reward_token"
	case StateValue:
		return "value"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Aggregator computes the rewards of staked positions.
type Aggregator struct {
	source string
	fanout int
}

// NewAggregator creates an aggregator. source names the incentive calls in failure records
// and fanout bounds concurrent pending-reward calls per position.
func NewAggregator(source string, fanout int) *Aggregator {
	if fanout < 1 {
		fanout = 1
	}
	return &Aggregator{source: source, fanout: fanout}
}

// Aggregate returns the rewards of position and the final state. The reward token must
// already be resolved in tokenSet; an unresolved reward token drops the reward. Incentive
// call failures yield no rewards.
func (a *Aggregator) Aggregate(ctx context.Context, program Program, position string, tokenSet tokens.Set, prices pricing.Map) ([]model.RewardItem, State) {
	none := []model.RewardItem{}
	if program.Incentives == nil || program.TokenAddress == "" {
		return none, StateNoRewards
	}
	log := degrade.Logger(ctx).WithField("position", position)

	// DISCOVER_INCENTIVES
	incentives, err := program.Incentives.ActiveIncentives(ctx, position)
	if err != nil {
		degrade.Record(ctx, a.source, err)
		return none, StateNoRewards
	}
	if len(incentives) == 0 {
		return none, StateNoRewards
	}

	// SUM_PENDING
	total, err := a.sumPending(ctx, program.Incentives, incentives, position)
	if err != nil {
		degrade.Record(ctx, a.source, err)
		return none, StateNoRewards
	}
	if total == "0" {
		return none, StateDone
	}

	// RESOLVE_REWARD_TOKEN
	meta := tokenSet.Get(program.TokenAddress)
	if meta == nil {
		log.WithFields(logrus.Fields{
			"token":  program.TokenAddress,
			"amount": total,
		}).Warn("Reward token unresolved, dropping reward")
		return none, StateResolveRewardToken
	}

	// VALUE
	item := valuation.TokenAmount(*meta, total, prices.USD(program.TokenAddress))
	log.WithFields(logrus.Fields{
		"incentives": len(incentives),
		"amount":     total,
	}).Debug("Aggregated rewards")
	return []model.RewardItem{item}, StateDone
}

func (a *Aggregator) sumPending(ctx context.Context, src IncentiveSource, incentives []string, position string) (string, error) {
	amounts := make([]string, len(incentives))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.fanout)
	for i, incentive := range incentives {
		i, incentive := i, incentive
		g.Go(degrade.Guard(ctx, a.source, func() error {
			amount, err := src.PendingReward(gctx, incentive, position)
			if err != nil {
				return err
			}
			amounts[i] = amount
			return nil
		}))
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	return valuation.SumRaw(amounts...), nil
}
