// Package valuation turns raw base-unit amounts into display amounts and USD values.
package valuation

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/shopspring/decimal"

	"github.com/yourorg/aptos-positions/internal/model"
)

// Value converts a base-unit amount to a token amount and its USD value. Tokens with zero
// decimals are not scaled. Malformed input yields zeros.
func Value(raw string, decimals int, priceUSD float64) (amount, valueUSD float64) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "0"
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, 0
	}
	if decimals > 0 {
		d = d.Shift(int32(-decimals))
	}
	amount, _ = d.Float64()
	return amount, amount * priceUSD
}

// SumRaw adds base-10 integer strings exactly. Malformed entries are skipped.
func SumRaw(values ...string) string {
	total := new(big.Int)
	for _, v := range values {
		n, ok := math.ParseBig256(strings.TrimSpace(v))
		if !ok {
			continue
		}
		total.Add(total, n)
	}
	return total.String()
}

// TokenAmount builds a valued TokenAmount for meta.
func TokenAmount(meta model.TokenMeta, raw string, priceUSD float64) model.TokenAmount {
	if raw == "" {
		raw = "0"
	}
	amount, value := Value(raw, meta.Decimals, priceUSD)
	return model.TokenAmount{
		Address:   meta.Address,
		Symbol:    meta.Symbol,
		Name:      meta.Name,
		Decimals:  meta.Decimals,
		LogoURL:   meta.LogoURL,
		AmountRaw: raw,
		Amount:    amount,
		PriceUSD:  priceUSD,
		ValueUSD:  value,
	}
}
