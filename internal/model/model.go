// Package model defines the request-scoped data structures produced by the position pipeline.
// Everything here is built fresh for each request and serialized to JSON in the response.
package model

// DefaultDecimals is assumed for tokens whose metadata could not be resolved.
const DefaultDecimals = 8

// UnknownSymbol labels tokens whose identity could not be resolved from any source.
const UnknownSymbol = "Unknown"

// TokenAmount is a quantity of a specific fungible token held in a position.
type TokenAmount struct {
	Address  string `json:"address"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Decimals int    `json:"decimals"`
	LogoURL  string `json:"logoUrl,omitempty"`

	// AmountRaw is the base-unit integer amount as a decimal string.
	AmountRaw string `json:"amountRaw"`

	// Amount is AmountRaw / 10^Decimals
	Amount float64 `json:"amount"`

	// PriceUSD is the last known price, 0 when unresolved
	PriceUSD float64 `json:"priceUSD"`

	// ValueUSD is Amount * PriceUSD
	ValueUSD float64 `json:"valueUSD"`
}

// RewardItem is a pending, unclaimed incentive accrued to a position. AmountRaw is the
// big-integer sum across every active incentive program paying this token.
type RewardItem = TokenAmount

// AprSource is one contributing component of a pool APR, e.g. trading fees or incentives.
type AprSource struct {
	Source string  `json:"source"`
	APR    float64 `json:"apr"`
}

// PoolInfo describes a liquidity or lending pool. CoinAddresses is ordered: index 0 is token0.
type PoolInfo struct {
	PoolAddress   string      `json:"poolAddress"`
	CoinAddresses []string    `json:"coinAddresses"`
	TokenASymbol  string      `json:"tokenASymbol,omitempty"`
	TokenBSymbol  string      `json:"tokenBSymbol,omitempty"`
	APR           float64     `json:"apr"`
	AprSources    []AprSource `json:"aprSources,omitempty"`
}

// Position is a user's stake in one pool or market.
type Position struct {
	Protocol        string       `json:"protocol"`
	PositionID      string       `json:"positionId"`
	PositionAddress string       `json:"positionAddress,omitempty"`
	Staked          bool         `json:"staked"`
	PoolAddress     string       `json:"poolAddress"`
	Token0          TokenAmount  `json:"token0"`
	Token1          *TokenAmount `json:"token1,omitempty"`
	InRange         bool         `json:"inRange"`
	APR             float64      `json:"apr"`
	Rewards         []RewardItem `json:"rewards"`

	PositionValueUSD float64 `json:"positionValueUSD"`
	RewardsValueUSD  float64 `json:"rewardsValueUSD"`
	TotalValueUSD    float64 `json:"totalValueUSD"`
}

// Tokens returns the principal token amounts of the position, token0 first.
func (p Position) Tokens() []TokenAmount {
	if p.Token1 == nil {
		return []TokenAmount{p.Token0}
	}
	return []TokenAmount{p.Token0, *p.Token1}
}

// Totals recomputes InRange and the USD aggregates from the token and reward amounts.
func (p *Position) Totals() {
	p.PositionValueUSD = 0
	p.InRange = true
	for _, t := range p.Tokens() {
		p.PositionValueUSD += t.ValueUSD
		if t.Amount <= 0 {
			p.InRange = false
		}
	}
	p.RewardsValueUSD = 0
	for _, r := range p.Rewards {
		p.RewardsValueUSD += r.ValueUSD
	}
	p.TotalValueUSD = p.PositionValueUSD + p.RewardsValueUSD
}

// TokenMeta is the resolved identity of a token.
type TokenMeta struct {
	Address  string  `json:"address"`
	Symbol   string  `json:"symbol"`
	Name     string  `json:"name"`
	Decimals int     `json:"decimals"`
	PriceUSD float64 `json:"priceUSD"`
	LogoURL  string  `json:"logoUrl,omitempty"`
}

// UnknownToken is the placeholder metadata used when no source knows the token.
func UnknownToken(addr string) TokenMeta {
	return TokenMeta{
		Address:  addr,
		Symbol:   UnknownSymbol,
		Name:     UnknownSymbol,
		Decimals: DefaultDecimals,
	}
}
