package ledger

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// rewardEasingExponent shapes how quickly the placement bonus falls off
// below first place.
const rewardEasingExponent = 1.5

// Tier is the base and per-entrant weight of a tournament series.
type Tier struct {
	Base   int64 `json:"base"`
	Weight int64 `json:"weight"`
}

// Tournament tiers by series.
var (
	TierNCS      = Tier{Base: 200, Weight: 25}
	TierRegional = Tier{Base: 100, Weight: 20}
	TierWeekly   = Tier{Base: 50, Weight: 15}
)

// TierFor maps a tournament name to its reward tier.
func TierFor(tournament string) Tier {
	name := strings.ToLower(tournament)
	switch {
	case strings.Contains(name, "ncs"):
		return TierNCS
	case strings.Contains(name, "wcs"),
		strings.Contains(name, "ecs"),
		strings.Contains(name, "ccs"):
		return TierRegional
	default:
		return TierWeekly
	}
}

// ComputeTournamentReward returns the tokens earned by finishing at rank
// among participants entrants:
//
//	ceil(base + weight * participants * ((participants-rank)/(participants-1))^1.5)
//
// First place earns base + weight*participants, last place earns base. A
// single-entrant bracket counts its entrant as first place.
func ComputeTournamentReward(rank, participants int, base, weight int64) (int64, error) {
	if participants <= 0 {
		return 0, fmt.Errorf("%w: participant count %d", ErrInvalidInput, participants)
	}
	if rank < 1 || rank > participants {
		return 0, fmt.Errorf("%w: rank %d outside 1..%d", ErrInvalidInput, rank, participants)
	}

	easing := 1.0
	if participants > 1 {
		easing = math.Pow(float64(participants-rank)/float64(participants-1), rewardEasingExponent)
	}

	// Rounding to 9 places first keeps float noise like 12.000000000000002
	// from ceiling up.
	bonus := decimal.NewFromFloat(float64(weight) * float64(participants) * easing).Round(9)
	return decimal.NewFromInt(base).Add(bonus).Ceil().IntPart(), nil
}

// Reward computes the reward for rank using the tier of tournament.
func Reward(tournament string, rank, participants int) (int64, error) {
	t := TierFor(tournament)
	return ComputeTournamentReward(rank, participants, t.Base, t.Weight)
}
