package referral

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func fixedSchedule(bonus, l1, l2, l3, cap int64) Schedule {
	return Schedule{
		NewUserBonus: big.NewInt(bonus),
		Levels: [MaxLevels]LevelReward{
			{Amount: big.NewInt(l1)},
			{Amount: big.NewInt(l2)},
			{Amount: big.NewInt(l3)},
		},
		MaxPerSignup: big.NewInt(cap),
	}
}

func TestCalculateTwoLevelChain(t *testing.T) {
	chain := []string{"0xreferrer1", "0xreferrer2"}
	out, err := Calculate(chain, fixedSchedule(100, 20, 10, 5, 1_000))
	require.NoError(t, err)
	require.Equal(t, int64(100), out.NewUserBonus.Int64())
	require.Len(t, out.Commissions, 2)
	require.Equal(t, CommissionShare{Referrer: "0xreferrer1", Level: 1, Amount: big.NewInt(20)}, out.Commissions[0])
	require.Equal(t, CommissionShare{Referrer: "0xreferrer2", Level: 2, Amount: big.NewInt(10)}, out.Commissions[1])
	require.Equal(t, int64(130), out.Total.Int64())
}

func TestCalculateEmptyChainPaysOnlyBonus(t *testing.T) {
	out, err := Calculate(nil, fixedSchedule(100, 20, 10, 5, 100))
	require.NoError(t, err)
	require.Empty(t, out.Commissions)
	require.Equal(t, int64(100), out.Total.Int64())
}

func TestCalculateRejectsOverCap(t *testing.T) {
	_, err := Calculate([]string{"0xa", "0xb", "0xc"}, fixedSchedule(100, 20, 10, 5, 134))
	require.ErrorIs(t, err, ErrExceedsCap)
	var capErr *ExceedsCapError
	require.True(t, errors.As(err, &capErr))
	require.Equal(t, int64(135), capErr.Total.Int64())
	require.Equal(t, int64(134), capErr.Cap.Int64())
}

func TestCalculateCapIsInclusive(t *testing.T) {
	out, err := Calculate([]string{"0xa", "0xb", "0xc"}, fixedSchedule(100, 20, 10, 5, 135))
	require.NoError(t, err)
	require.Equal(t, int64(135), out.Total.Int64())
}

func TestCalculateBasisPoints(t *testing.T) {
	schedule := Schedule{
		NewUserBonus: big.NewInt(1_000),
		Levels: [MaxLevels]LevelReward{
			{BasisPoints: 2_000},
			{BasisPoints: 1_000},
			{Amount: big.NewInt(7)},
		},
		MaxPerSignup: big.NewInt(10_000),
	}
	out, err := Calculate([]string{"0xa", "0xb", "0xc"}, schedule)
	require.NoError(t, err)
	require.Equal(t, int64(200), out.Commissions[0].Amount.Int64())
	require.Equal(t, int64(100), out.Commissions[1].Amount.Int64())
	require.Equal(t, int64(7), out.Commissions[2].Amount.Int64())
	require.Equal(t, int64(1_307), out.Total.Int64())
}

func TestCalculateRejectsMalformedChains(t *testing.T) {
	schedule := fixedSchedule(100, 20, 10, 5, 1_000)
	_, err := Calculate([]string{"0xa", "0xb", "0xc", "0xd"}, schedule)
	require.ErrorIs(t, err, ErrInvalidChain)
	_, err = Calculate([]string{"0xa", ""}, schedule)
	require.ErrorIs(t, err, ErrInvalidChain)
	_, err = Calculate([]string{"0xa", "0xa"}, schedule)
	require.ErrorIs(t, err, ErrInvalidChain)
}

func TestCalculateRejectsZeroLevel(t *testing.T) {
	_, err := Calculate([]string{"0xa"}, fixedSchedule(100, 0, 10, 5, 1_000))
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

func TestCalculateIsDeterministic(t *testing.T) {
	chain := []string{"0xa", "0xb", "0xc"}
	schedule := fixedSchedule(100, 20, 10, 5, 1_000)
	first, err := Calculate(chain, schedule)
	require.NoError(t, err)
	second, err := Calculate(chain, schedule)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestCalculateNeverExceedsCap(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		depth := rng.Intn(MaxLevels + 1)
		chain := make([]string, depth)
		for j := range chain {
			chain[j] = "0x" + string(rune('a'+j))
		}
		schedule := fixedSchedule(
			1+rng.Int63n(500),
			1+rng.Int63n(200),
			1+rng.Int63n(200),
			1+rng.Int63n(200),
			1+rng.Int63n(1_000),
		)
		out, err := Calculate(chain, schedule)
		if err != nil {
			require.ErrorIs(t, err, ErrExceedsCap)
			continue
		}
		sum := new(big.Int).Set(out.NewUserBonus)
		for _, c := range out.Commissions {
			sum.Add(sum, c.Amount)
		}
		require.Equal(t, 0, sum.Cmp(out.Total))
		require.LessOrEqual(t, out.Total.Cmp(schedule.MaxPerSignup), 0)
		require.Len(t, out.Commissions, depth)
	}
}

func TestScheduleValidate(t *testing.T) {
	require.NoError(t, fixedSchedule(100, 20, 10, 5, 135).Validate())
	require.ErrorIs(t, fixedSchedule(0, 20, 10, 5, 135).Validate(), ErrInvalidSchedule)
	require.ErrorIs(t, fixedSchedule(100, 20, 0, 5, 135).Validate(), ErrInvalidSchedule)
	over := fixedSchedule(100, 20, 10, 5, 135)
	over.Levels[0] = LevelReward{BasisPoints: 20_000}
	require.ErrorIs(t, over.Validate(), ErrInvalidSchedule)
}
