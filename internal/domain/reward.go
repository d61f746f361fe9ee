package domain

import "github.com/holiman/uint256"

// WithinTolerance reports whether price lies in the inclusive band
// [settlement-tolerance, settlement+tolerance].
func WithinTolerance(price, settlement, tolerance uint64) bool {
	if price >= settlement {
		return price-settlement <= tolerance
	}
	return settlement-price <= tolerance
}

// Reward computes floor(stake * totalPool / winningStakeTotal) for a verified
// winner and zero for everyone else. The whole pool, losing stakes included,
// is split among winners by stake weight.
func Reward(r Round, p Prediction) uint256.Int {
	var out uint256.Int
	if !r.Verified || !p.Active || !p.Verified || r.WinningStakeTotal.IsZero() {
		return out
	}
	// stake <= winningStakeTotal, so the quotient always fits.
	out.MulDivOverflow(&p.Stake, &r.TotalPool, &r.WinningStakeTotal)
	return out
}

// Unclaimed returns the part of the pool not yet paid out.
func Unclaimed(r Round) uint256.Int {
	var out uint256.Int
	if r.ClaimedTotal.Gt(&r.TotalPool) {
		return out
	}
	out.Sub(&r.TotalPool, &r.ClaimedTotal)
	return out
}
