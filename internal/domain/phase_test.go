package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusAt(t *testing.T) {
	p := DefaultParams()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := Round{CreatedAt: t0}

	settled := base
	settled.Settled = true

	revealed := settled
	revealed.Revealed = true

	verified := revealed
	verified.Verified = true
	verified.VerifiedAt = t0.Add(80 * time.Hour)

	tests := []struct {
		name  string
		round Round
		now   time.Time
		want  RoundStatus
	}{
		{"fresh round", base, t0, RoundStatusPredicting},
		{"one second before lock", base, t0.Add(PredictWindow - time.Second), RoundStatusPredicting},
		{"exactly at lock", base, t0.Add(PredictWindow), RoundStatusLocked},
		{"one second before end", base, t0.Add(RoundWindow - time.Second), RoundStatusLocked},
		{"exactly at end", base, t0.Add(RoundWindow), RoundStatusSettling},
		{"long after end", base, t0.Add(30 * 24 * time.Hour), RoundStatusSettling},
		{"settled but not revealed", settled, t0.Add(73 * time.Hour), RoundStatusSettling},
		{"revealed", revealed, t0.Add(74 * time.Hour), RoundStatusRevealed},
		{"verified inside claim period", verified, verified.VerifiedAt.Add(time.Hour), RoundStatusDistributing},
		{"claim period boundary", verified, verified.VerifiedAt.Add(ClaimPeriod), RoundStatusFinished},
		{"after claim period", verified, verified.VerifiedAt.Add(ClaimPeriod + time.Hour), RoundStatusFinished},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.StatusAt(tt.round, tt.now))
		})
	}
}

func TestTimeRemaining(t *testing.T) {
	p := DefaultParams()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Round{CreatedAt: t0}

	assert.Equal(t, PredictWindow, p.PredictingEndsIn(r, t0))
	assert.Equal(t, RoundWindow, p.RoundEndsIn(r, t0))

	now := t0.Add(60 * time.Hour)
	assert.Equal(t, time.Duration(0), p.PredictingEndsIn(r, now))
	assert.Equal(t, 12*time.Hour, p.RoundEndsIn(r, now))
}

func TestClaimDeadline(t *testing.T) {
	p := DefaultParams()
	r := Round{}
	assert.True(t, p.ClaimDeadline(r).IsZero())

	r.Verified = true
	r.VerifiedAt = time.Unix(1_700_000_000, 0)
	assert.Equal(t, r.VerifiedAt.Add(ClaimPeriod), p.ClaimDeadline(r))
}

func TestRoundStatusText(t *testing.T) {
	b, err := RoundStatusDistributing.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "distributing", string(b))
	assert.Equal(t, "status(9)", RoundStatus(9).String())
}
