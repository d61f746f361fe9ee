package domain

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
)

// milliEther returns n * 0.001 ether in wei.
func milliEther(n uint64) uint256.Int {
	return *new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(MinStakeWei))
}

func TestWithinTolerance(t *testing.T) {
	tests := []struct {
		name                     string
		price, settle, tolerance uint64
		want                     bool
	}{
		{"exact", 1050, 1050, 100, true},
		{"below inside", 1000, 1050, 100, true},
		{"above inside", 1100, 1050, 100, true},
		{"lower bound inclusive", 950, 1050, 100, true},
		{"upper bound inclusive", 1150, 1050, 100, true},
		{"below outside", 949, 1050, 100, false},
		{"above outside", 1500, 1050, 100, false},
		{"zero settlement", 0, 0, 1, true},
		{"no underflow near zero", 5, 200, 100, false},
		{"max values", ^uint64(0), ^uint64(0) - 10, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, WithinTolerance(tt.price, tt.settle, tt.tolerance))
		})
	}
}

func TestRewardSingleWinnerTakesPool(t *testing.T) {
	r := Round{Verified: true, TotalPool: milliEther(30), WinningStakeTotal: milliEther(10)}
	alice := Prediction{Active: true, Verified: true, Stake: milliEther(10)}
	bob := Prediction{Active: true, Stake: milliEther(20)}

	got := Reward(r, alice)
	want := milliEther(30)
	assert.True(t, got.Eq(&want), "got %s", got.Dec())

	got = Reward(r, bob)
	assert.True(t, got.IsZero())
}

func TestRewardTwoWinnersProRata(t *testing.T) {
	r := Round{Verified: true, TotalPool: milliEther(50), WinningStakeTotal: milliEther(40)}
	a := Prediction{Active: true, Verified: true, Stake: milliEther(10)}
	b := Prediction{Active: true, Verified: true, Stake: milliEther(30)}

	ra, rb := Reward(r, a), Reward(r, b)
	assert.Equal(t, "12500000000000000", ra.Dec())
	assert.Equal(t, "37500000000000000", rb.Dec())

	var sum uint256.Int
	sum.Add(&ra, &rb)
	assert.False(t, sum.Gt(&r.TotalPool))
}

func TestRewardRoundsDown(t *testing.T) {
	r := Round{Verified: true, TotalPool: *uint256.NewInt(10), WinningStakeTotal: *uint256.NewInt(3)}
	var sum uint256.Int
	for i := 0; i < 3; i++ {
		got := Reward(r, Prediction{Active: true, Verified: true, Stake: *uint256.NewInt(1)})
		assert.Equal(t, uint64(3), got.Uint64())
		sum.Add(&sum, &got)
	}
	assert.Equal(t, uint64(9), sum.Uint64())
}

func TestRewardZeroCases(t *testing.T) {
	winner := Prediction{Active: true, Verified: true, Stake: milliEther(10)}
	tests := []struct {
		name  string
		round Round
		pred  Prediction
	}{
		{"unverified round", Round{TotalPool: milliEther(10), WinningStakeTotal: milliEther(10)}, winner},
		{"no winning stake", Round{Verified: true, TotalPool: milliEther(10)}, winner},
		{"inactive prediction", Round{Verified: true, TotalPool: milliEther(10), WinningStakeTotal: milliEther(10)}, Prediction{Verified: true}},
		{"loser", Round{Verified: true, TotalPool: milliEther(10), WinningStakeTotal: milliEther(10)}, Prediction{Active: true, Stake: milliEther(10)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reward(tt.round, tt.pred)
			assert.True(t, got.IsZero())
		})
	}
}

func TestRewardLargeValuesDoNotOverflow(t *testing.T) {
	huge := uint256.MustFromDecimal("100000000000000000000000000000000000000000000000000000000000")
	r := Round{Verified: true, TotalPool: *huge, WinningStakeTotal: *huge}
	got := Reward(r, Prediction{Active: true, Verified: true, Stake: *huge})
	assert.True(t, got.Eq(huge))
}

func TestUnclaimed(t *testing.T) {
	r := Round{TotalPool: milliEther(50), ClaimedTotal: milliEther(20)}
	got := Unclaimed(r)
	want := milliEther(30)
	assert.True(t, got.Eq(&want))

	r.ClaimedTotal = milliEther(60)
	got = Unclaimed(r)
	assert.True(t, got.IsZero())
}
