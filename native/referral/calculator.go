package referral

import (
	"fmt"
	"math/big"
)

const basisPointsDenominator = 10_000

// LevelReward configures the commission for one chain level. A non-zero
// BasisPoints takes precedence over Amount and is applied to the new-user bonus.
type LevelReward struct {
	Amount      *big.Int
	BasisPoints uint32
}

// Schedule is the fixed reward table for one signup event.
type Schedule struct {
	NewUserBonus *big.Int
	Levels       [MaxLevels]LevelReward
	MaxPerSignup *big.Int
}

// Validate checks the schedule can produce a positive payout for every level.
// A schedule whose full chain exceeds the cap is accepted here; Calculate
// reports it per signup.
func (s Schedule) Validate() error {
	if s.NewUserBonus == nil || s.NewUserBonus.Sign() <= 0 {
		return fmt.Errorf("%w: new user bonus must be positive", ErrInvalidSchedule)
	}
	if s.MaxPerSignup == nil || s.MaxPerSignup.Sign() <= 0 {
		return fmt.Errorf("%w: max per signup must be positive", ErrInvalidSchedule)
	}
	for i := range s.Levels {
		amount, err := s.levelAmount(i + 1)
		if err != nil {
			return err
		}
		if amount.Sign() <= 0 {
			return fmt.Errorf("%w: level %d pays nothing", ErrInvalidSchedule, i+1)
		}
	}
	return nil
}

func (s Schedule) levelAmount(level int) (*big.Int, error) {
	if level < 1 || level > MaxLevels {
		return nil, fmt.Errorf("%w: level %d out of range", ErrInvalidSchedule, level)
	}
	reward := s.Levels[level-1]
	if reward.BasisPoints > 0 {
		if reward.BasisPoints > basisPointsDenominator {
			return nil, fmt.Errorf("%w: level %d basis points above 100%%", ErrInvalidSchedule, level)
		}
		if s.NewUserBonus == nil {
			return nil, fmt.Errorf("%w: level %d rate needs a new user bonus", ErrInvalidSchedule, level)
		}
		amount := new(big.Int).Mul(s.NewUserBonus, big.NewInt(int64(reward.BasisPoints)))
		return amount.Quo(amount, big.NewInt(basisPointsDenominator)), nil
	}
	if reward.Amount == nil || reward.Amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: level %d amount missing", ErrInvalidSchedule, level)
	}
	return new(big.Int).Set(reward.Amount), nil
}

// CommissionShare is one computed referrer payout.
type CommissionShare struct {
	Referrer string
	Level    int
	Amount   *big.Int
}

// Breakdown is the full payout plan for one signup event.
type Breakdown struct {
	NewUserBonus *big.Int
	Commissions  []CommissionShare
	Total        *big.Int
}

// Calculate computes the new-user bonus and one commission per populated
// chain level. chain[0] is the direct referrer. The total is checked against
// the schedule cap; an over-cap plan yields *ExceedsCapError and is never
// truncated.
func Calculate(chain []string, schedule Schedule) (Breakdown, error) {
	if len(chain) > MaxLevels {
		return Breakdown{}, fmt.Errorf("%w: %d levels, max %d", ErrInvalidChain, len(chain), MaxLevels)
	}
	if schedule.NewUserBonus == nil || schedule.NewUserBonus.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("%w: new user bonus must be positive", ErrInvalidSchedule)
	}
	if schedule.MaxPerSignup == nil || schedule.MaxPerSignup.Sign() <= 0 {
		return Breakdown{}, fmt.Errorf("%w: max per signup must be positive", ErrInvalidSchedule)
	}
	seen := make(map[string]struct{}, len(chain))
	total := new(big.Int).Set(schedule.NewUserBonus)
	commissions := make([]CommissionShare, 0, len(chain))
	for i, referrer := range chain {
		if referrer == "" {
			return Breakdown{}, fmt.Errorf("%w: empty referrer at level %d", ErrInvalidChain, i+1)
		}
		if _, dup := seen[referrer]; dup {
			return Breakdown{}, fmt.Errorf("%w: %s appears twice", ErrInvalidChain, referrer)
		}
		seen[referrer] = struct{}{}
		amount, err := schedule.levelAmount(i + 1)
		if err != nil {
			return Breakdown{}, err
		}
		if amount.Sign() <= 0 {
			return Breakdown{}, fmt.Errorf("%w: level %d pays nothing", ErrInvalidSchedule, i+1)
		}
		commissions = append(commissions, CommissionShare{Referrer: referrer, Level: i + 1, Amount: amount})
		total.Add(total, amount)
	}
	if total.Cmp(schedule.MaxPerSignup) > 0 {
		return Breakdown{}, &ExceedsCapError{Total: total, Cap: new(big.Int).Set(schedule.MaxPerSignup)}
	}
	return Breakdown{
		NewUserBonus: new(big.Int).Set(schedule.NewUserBonus),
		Commissions:  commissions,
		Total:        total,
	}, nil
}
