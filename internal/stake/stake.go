// Package stake computes the collateral each party of a task must post.
// All functions are pure; every division truncates toward zero.
package stake

import (
	"fmt"
	"math"

	"stakeline/internal/config"
)

// Params are the task inputs a creator stake depends on.
type Params struct {
	DeadlineHours int64
	MaxRevisions  int64
	Reward        int64
	Reputation    int64
}

// Strategy computes the required creator stake.
type Strategy interface {
	CreatorStake(p Params) int64
}

type Tier int

const (
	Low Tier = iota
	MidLow
	Medium
	MidHigh
	High
	UltraHigh
)

var tierNames = [...]string{"low", "mid_low", "medium", "mid_high", "high", "ultra_high"}

func (t Tier) String() string {
	if t < Low || t > UltraHigh {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// Tiered classifies a weighted project value into one of six tiers and
// returns the stake amount configured for that tier.
type Tiered struct {
	Weights       config.Weights
	Thresholds    []int64
	Categories    []int64
	UnitsPerWhole int64
}

// Score is the weighted project value: each component contributes
// weight*raw/10, truncated per component.
func (s Tiered) Score(p Params) int64 {
	units := s.UnitsPerWhole
	if units < 1 {
		units = 1
	}
	return s.Weights.Reward*(p.Reward/units)/10 +
		s.Weights.Reputation*p.Reputation/10 +
		s.Weights.Deadline*p.DeadlineHours/10 +
		s.Weights.Revisions*p.MaxRevisions/10
}

// Classify returns the first tier whose threshold the score does not exceed.
func (s Tiered) Classify(score int64) Tier {
	for i, th := range s.Thresholds {
		if i >= int(UltraHigh) {
			break
		}
		if score <= th {
			return Tier(i)
		}
	}
	return UltraHigh
}

func (s Tiered) CreatorStake(p Params) int64 {
	tier := s.Classify(s.Score(p))
	if int(tier) >= len(s.Categories) {
		if len(s.Categories) == 0 {
			return 0
		}
		return s.Categories[len(s.Categories)-1]
	}
	return s.Categories[tier]
}

// Ratio scales the reward by the revision allowance and discounts it by
// reputation and deadline length. Both divisors carry a +1 offset.
type Ratio struct {
	Scaling int64
}

func (s Ratio) CreatorStake(p Params) int64 {
	scaling := s.Scaling
	if scaling < 1 {
		scaling = 1
	}
	num := mulSat(mulSat(p.Reward, p.MaxRevisions+1), scaling)
	den := mulSat(p.Reputation+1, p.DeadlineHours+1)
	if den < 1 {
		den = 1
	}
	return num / den
}

// mulSat multiplies non-negative factors, saturating at math.MaxInt64 so an
// oversized stake fails the max-stake check instead of wrapping negative.
func mulSat(a, b int64) int64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > math.MaxInt64/b {
		return math.MaxInt64
	}
	return a * b
}

// FromConfig builds the strategy selected by cfg.Stake.Strategy.
func FromConfig(cfg *config.Config) Strategy {
	if cfg.Stake.Strategy == config.StrategyRatio {
		return Ratio{Scaling: cfg.Limits.RatioScaling}
	}
	return Tiered{
		Weights:       cfg.Weights,
		Thresholds:    cfg.Tiers,
		Categories:    cfg.Categories,
		UnitsPerWhole: cfg.Limits.UnitsPerWhole,
	}
}

// MemberStake is the flat share of the reward a member must lock.
func MemberStake(reward, percent int64) int64 {
	return reward * percent / 100
}

// Fee is the protocol fee charged on a creator stake.
func Fee(stake, feePercent int64) int64 {
	return stake * feePercent / 100
}

// Split divides a stake by penalty percent. forfeit and kept are computed
// independently; dust is whatever truncation left over.
func Split(amount, penaltyPercent int64) (forfeit, kept, dust int64) {
	forfeit = amount * penaltyPercent / 100
	kept = amount * (100 - penaltyPercent) / 100
	dust = amount - forfeit - kept
	return forfeit, kept, dust
}
