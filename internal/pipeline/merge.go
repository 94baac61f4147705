package pipeline

import (
	"github.com/yourorg/aptos-positions/internal/address"
	"github.com/yourorg/aptos-positions/internal/model"
)

// Merge returns staked followed by the unstaked positions whose address is not already
// counted among the staked ones. Input order is preserved.
func Merge(staked, unstaked []model.Position) []model.Position {
	counted := make(map[string]bool, len(staked))
	for _, p := range staked {
		if p.PositionAddress != "" {
			counted[address.Normalize(p.PositionAddress)] = true
		}
	}

	out := make([]model.Position, 0, len(staked)+len(unstaked))
	out = append(out, staked...)
	for _, p := range unstaked {
		key := address.Normalize(p.PositionAddress)
		if key != "" && counted[key] {
			continue
		}
		if key != "" {
			counted[key] = true
		}
		out = append(out, p)
	}
	return out
}

// uncounted filters candidate unstaked addresses down to those not staked and not repeated.
func uncounted(staked []RawPosition, candidates []string) []string {
	counted := make(map[string]bool, len(staked))
	for _, p := range staked {
		counted[address.Normalize(p.PositionAddress)] = true
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		key := address.Normalize(c)
		if key == "" || counted[key] {
			continue
		}
		counted[key] = true
		out = append(out, c)
	}
	return out
}
