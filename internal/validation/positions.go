// Package validation checks inbound account addresses and sanitises valued positions
// before they are returned.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/model"
	"github.com/yourorg/aptos-positions/internal/valuation"
)

var (
	// ErrMissingAddress is returned for an empty address parameter.
	ErrMissingAddress = errors.New("address parameter is required")

	// ErrInvalidAddress is returned for an address that is not 1 to 64 hex digits.
	ErrInvalidAddress = errors.New("invalid address parameter")
)

// Options holds configuration for the consistency checks
type Options struct {
	// Epsilon is the tolerance for amount and value consistency
	Epsilon float64
}

// DefaultOptions returns the tolerance used by the API.
func DefaultOptions() Options {
	return Options{Epsilon: 1e-6}
}

// AccountAddress validates and normalizes an owner address.
func AccountAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingAddress
	}
	if !address.IsValid(raw) {
		return "", ErrInvalidAddress
	}
	return address.Normalize(raw), nil
}

// Sanitize replaces non-finite numbers and negative prices with 0, recomputes the
// position totals and logs any position still violating the amount/value invariants.
func Sanitize(positions []model.Position, opts Options) []model.Position {
	out := make([]model.Position, len(positions))
	for i, p := range positions {
		p.Token0 = sanitizeAmount(p.Token0)
		if p.Token1 != nil {
			t1 := sanitizeAmount(*p.Token1)
			p.Token1 = &t1
		}
		rewards := make([]model.RewardItem, len(p.Rewards))
		for j, r := range p.Rewards {
			rewards[j] = sanitizeAmount(r)
		}
		p.Rewards = rewards
		if !finite(p.APR) || p.APR < 0 {
			p.APR = 0
		}
		p.Totals()

		if err := CheckConsistency(p, opts); err != nil {
			logrus.WithFields(logrus.Fields{
				"protocol": p.Protocol,
				"position": p.PositionAddress,
				"error":    err,
			}).Warn("Position failed consistency check")
		}
		out[i] = p
	}
	return out
}

// CheckConsistency verifies amount == amountRaw/10^decimals and valueUSD == amount*priceUSD
// for every token and reward of p.
func CheckConsistency(p model.Position, opts Options) error {
	amounts := append(p.Tokens(), p.Rewards...)
	for _, t := range amounts {
		amount, _ := valuation.Value(t.AmountRaw, t.Decimals, 1)
		if !within(amount, t.Amount, opts.Epsilon) {
			return fmt.Errorf("%s: amount %g does not match raw %s with %d decimals", t.Symbol, t.Amount, t.AmountRaw, t.Decimals)
		}
		if !within(t.Amount*t.PriceUSD, t.ValueUSD, opts.Epsilon) {
			return fmt.Errorf("%s: value %g does not match amount %g at price %g", t.Symbol, t.ValueUSD, t.Amount, t.PriceUSD)
		}
	}
	return nil
}

func sanitizeAmount(t model.TokenAmount) model.TokenAmount {
	if !finite(t.Amount) {
		t.Amount = 0
	}
	if !finite(t.PriceUSD) || t.PriceUSD < 0 {
		t.PriceUSD = 0
	}
	t.ValueUSD = t.Amount * t.PriceUSD
	if !finite(t.ValueUSD) {
		t.ValueUSD = 0
	}
	return t
}

// within compares relative to the magnitude so large amounts do not fail on rounding.
func within(a, b, eps float64) bool {
	diff := math.Abs(a - b)
	scale := math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
	return diff <= eps*scale
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
