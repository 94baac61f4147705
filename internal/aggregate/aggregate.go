// Package aggregate summarises a position list into portfolio totals.
package aggregate

import (
	"math"

	"github.com/yourorg/aptos-positions/internal/model"
)

// Summary is the portfolio view over one response.
type Summary struct {
	TotalValueUSD    float64 `json:"totalValueUSD"`
	PositionValueUSD float64 `json:"positionValueUSD"`
	RewardsValueUSD  float64 `json:"rewardsValueUSD"`
	PositionCount    int     `json:"positionCount"`
	StakedCount      int     `json:"stakedCount"`

	// WeightedAPR is the principal-value weighted APR of positions with a known pool APR
	WeightedAPR float64 `json:"weightedApr"`
}

// Summarize berechnet Summen und den wertgewichteten APR über alle Positionen.
// Positionen ohne Wert oder mit ungültigem APR fließen nicht in den APR ein.
func Summarize(positions []model.Position) Summary {
	s := Summary{PositionCount: len(positions)}
	var weightedAPR, aprWeight float64

	for _, p := range positions {
		s.PositionValueUSD += p.PositionValueUSD
		s.RewardsValueUSD += p.RewardsValueUSD
		if p.Staked {
			s.StakedCount++
		}
		if p.PositionValueUSD > 0 && p.APR > 0 && !math.IsNaN(p.APR) && !math.IsInf(p.APR, 0) {
			weightedAPR += p.APR * p.PositionValueUSD
			aprWeight += p.PositionValueUSD
		}
	}
	s.TotalValueUSD = s.PositionValueUSD + s.RewardsValueUSD

	if aprWeight > 0 && !math.IsNaN(weightedAPR) {
		s.WeightedAPR = weightedAPR / aprWeight
	}
	return s
}
