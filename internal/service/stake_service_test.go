package service

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

func TestSubmit(t *testing.T) {
	m := newMarket(t)
	m.fund(alice, bob)
	r := m.createRound(100)

	p := m.predict(r.ID, alice, 1000, "0.01")
	assert.True(t, p.Active)
	assert.Equal(t, uint64(0), p.JoinIndex)
	assert.Equal(t, eth("0.01"), p.Stake)
	m.predict(r.ID, bob, 1500, "0.02")

	got := m.round(r.ID)
	assert.Equal(t, eth("0.03"), got.TotalPool)
	assert.Equal(t, uint64(2), got.ParticipantCount)
	assert.Equal(t, eth("0.99"), m.balance(alice))
	assert.Equal(t, eth("0.98"), m.balance(bob))
	m.requirePoolInvariant(r.ID)

	participants, err := m.rounds.Participants(m.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice, bob}, participants)
}

func TestSubmit_Rejections(t *testing.T) {
	m := newMarket(t)
	m.fund(alice)
	r := m.createRound(100)
	m.predict(r.ID, alice, 1000, "0.01")

	valid, err := m.kms.Encrypt(bob, 1200)
	require.NoError(t, err)
	again, err := m.kms.Encrypt(alice, 1300)
	require.NoError(t, err)

	tests := []struct {
		name    string
		roundID uint64
		who     common.Address
		in      domain.EncryptedInput
		stake   string
		wantErr error
	}{
		{"already predicted", r.ID, alice, again, "0.01", domain.ErrAlreadyPredicted},
		{"input encrypted for another participant", r.ID, alice, valid, "0.01", domain.ErrInvalidInputProof},
		{"below minimum stake", r.ID, bob, valid, "0.0009", domain.ErrInvalidAmount},
		{"no balance", r.ID, bob, valid, "0.01", domain.ErrInsufficientBalance},
		{"zero handle", r.ID, bob, domain.EncryptedInput{Proof: []byte{1}}, "0.01", domain.ErrInvalidHandle},
		{"empty input proof", r.ID, bob, domain.EncryptedInput{Handle: valid.Handle}, "0.01", domain.ErrInvalidHandle},
		{"unknown round", 99, bob, valid, "0.01", domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.stakes.Submit(m.ctx, tt.roundID, tt.who, tt.in, eth(tt.stake))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	got := m.round(r.ID)
	assert.Equal(t, eth("0.01"), got.TotalPool)
	assert.Equal(t, uint64(1), got.ParticipantCount)
}

func TestSubmit_AfterPredictingWindow(t *testing.T) {
	m := newMarket(t)
	m.fund(alice)
	r := m.createRound(100)
	m.clock.Set(t0.Add(48 * time.Hour))

	in, err := m.kms.Encrypt(alice, 1000)
	require.NoError(t, err)
	_, err = m.stakes.Submit(m.ctx, r.ID, alice, in, eth("0.01"))
	require.ErrorIs(t, err, domain.ErrRoundNotPredicting)
	assert.Equal(t, eth("1"), m.balance(alice))
}

func TestUpdate(t *testing.T) {
	m := newMarket(t)
	m.fund(alice)
	r := m.createRound(100)
	before := m.predict(r.ID, alice, 1000, "0.01")

	in, err := m.kms.Encrypt(alice, 1040)
	require.NoError(t, err)
	after, err := m.stakes.Update(m.ctx, r.ID, alice, in)
	require.NoError(t, err)
	assert.Equal(t, in.Handle, after.PriceHandle)
	assert.NotEqual(t, before.PriceHandle, after.PriceHandle)
	assert.Equal(t, before.Stake, after.Stake)
	assert.Equal(t, eth("0.01"), m.round(r.ID).TotalPool)

	handle, err := m.stakes.Handle(m.ctx, r.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, in.Handle, handle)

	bobs, err := m.kms.Encrypt(bob, 1040)
	require.NoError(t, err)
	_, err = m.stakes.Update(m.ctx, r.ID, bob, bobs)
	require.ErrorIs(t, err, domain.ErrNoPrediction)
	_, err = m.stakes.Update(m.ctx, r.ID, alice, bobs)
	require.ErrorIs(t, err, domain.ErrInvalidInputProof)
	_, err = m.stakes.Handle(m.ctx, r.ID, bob)
	require.ErrorIs(t, err, domain.ErrNoPrediction)

	m.clock.Set(t0.Add(50 * time.Hour))
	_, err = m.stakes.Update(m.ctx, r.ID, alice, in)
	require.ErrorIs(t, err, domain.ErrRoundNotPredicting)
}

func TestAddStake(t *testing.T) {
	m := newMarket(t)
	m.fund(alice)
	r := m.createRound(100)
	m.predict(r.ID, alice, 1000, "0.01")

	p, err := m.stakes.AddStake(m.ctx, r.ID, alice, eth("0.015"))
	require.NoError(t, err)
	assert.Equal(t, eth("0.025"), p.Stake)
	assert.Equal(t, eth("0.025"), m.round(r.ID).TotalPool)
	assert.Equal(t, eth("0.975"), m.balance(alice))
	m.requirePoolInvariant(r.ID)

	_, err = m.stakes.AddStake(m.ctx, r.ID, alice, eth("0"))
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = m.stakes.AddStake(m.ctx, r.ID, bob, eth("0.01"))
	require.ErrorIs(t, err, domain.ErrNoPrediction)
	_, err = m.stakes.AddStake(m.ctx, r.ID, alice, eth("5"))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// Failed units leave the ledger untouched.
	assert.Equal(t, eth("0.025"), m.round(r.ID).TotalPool)
	assert.Equal(t, eth("0.975"), m.balance(alice))
}

func TestWithdraw(t *testing.T) {
	m := newMarket(t)
	m.fund(alice, bob)
	r := m.createRound(100)
	m.predict(r.ID, alice, 1000, "0.01")
	m.predict(r.ID, bob, 1500, "0.02")
	_, err := m.stakes.AddStake(m.ctx, r.ID, alice, eth("0.005"))
	require.NoError(t, err)

	refund, err := m.stakes.Withdraw(m.ctx, r.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, eth("0.015"), refund)
	assert.Equal(t, eth("1"), m.balance(alice))

	got := m.round(r.ID)
	assert.Equal(t, eth("0.02"), got.TotalPool)
	assert.Equal(t, uint64(1), got.ParticipantCount)
	m.requirePoolInvariant(r.ID)

	p, err := m.stakes.Prediction(m.ctx, r.ID, alice)
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.True(t, p.Stake.IsZero())
	assert.False(t, p.HasCiphertext())

	_, err = m.stakes.Withdraw(m.ctx, r.ID, alice)
	require.ErrorIs(t, err, domain.ErrNoPrediction)

	// A withdrawn participant may predict again and keeps its join slot.
	again := m.predict(r.ID, alice, 1010, "0.01")
	assert.Equal(t, uint64(0), again.JoinIndex)
	participants, err := m.rounds.Participants(m.ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{alice, bob}, participants)
	m.requirePoolInvariant(r.ID)
}

func TestWithdraw_AfterLock(t *testing.T) {
	m := newMarket(t)
	m.fund(alice)
	r := m.createRound(100)
	m.predict(r.ID, alice, 1000, "0.01")

	m.clock.Set(t0.Add(49 * time.Hour))
	_, err := m.stakes.Withdraw(m.ctx, r.ID, alice)
	require.ErrorIs(t, err, domain.ErrRoundNotPredicting)
	assert.Equal(t, eth("0.01"), m.round(r.ID).TotalPool)
	assert.Equal(t, eth("0.99"), m.balance(alice))
}

func TestPrediction_NeverJoined(t *testing.T) {
	m := newMarket(t)
	r := m.createRound(100)

	p, err := m.stakes.Prediction(m.ctx, r.ID, carol)
	require.NoError(t, err)
	assert.False(t, p.Active)
	assert.True(t, p.Stake.IsZero())

	_, err = m.stakes.Prediction(m.ctx, 42, carol)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmit_CanceledContext(t *testing.T) {
	m := newMarket(t)
	m.fund(alice)
	r := m.createRound(100)
	in, err := m.kms.Encrypt(alice, 1000)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(m.ctx)
	cancel()
	_, err = m.stakes.Submit(ctx, r.ID, alice, in, eth("0.01"))
	require.ErrorIs(t, err, context.Canceled)
	got := m.round(r.ID)
	assert.True(t, got.TotalPool.IsZero())
}

func TestSubmit_CopiedHandleRejected(t *testing.T) {
	m := newMarket(t)
	m.fund(alice, bob)
	r := m.createRound(100)
	victim := m.predict(r.ID, alice, 4242, "0.01")

	// Bob reads Alice's public handle and pairs it with proofs of his own.
	own, err := m.kms.Encrypt(bob, 1)
	require.NoError(t, err)
	tests := []struct {
		name  string
		proof []byte
	}{
		{"opaque proof bytes", []byte{1}},
		{"alice's proof", victim.InputProof},
		{"bob's proof for another handle", own.Proof},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := domain.EncryptedInput{Handle: victim.PriceHandle, Proof: tt.proof}
			_, err := m.stakes.Submit(m.ctx, r.ID, bob, in, eth("0.01"))
			require.ErrorIs(t, err, domain.ErrInvalidInputProof)
		})
	}

	assert.Equal(t, eth("0.01"), m.round(r.ID).TotalPool)
	assert.Equal(t, eth("1"), m.balance(bob))
}

func TestSubmit_HandleCannotBackTwoPredictions(t *testing.T) {
	m := newMarket(t)
	m.fund(alice)
	early := m.createRound(100)
	m.clock.Set(t0.Add(time.Hour))
	late := m.createRound(100)

	// Alice's guess for the later round must not be revealed when the earlier
	// round settles, so its handle cannot be reused there.
	p := m.predict(late.ID, alice, 4242, "0.01")
	in := domain.EncryptedInput{Handle: p.PriceHandle, Proof: p.InputProof}
	_, err := m.stakes.Submit(m.ctx, early.ID, alice, in, eth("0.01"))
	require.ErrorIs(t, err, domain.ErrHandleInUse)

	m.predict(early.ID, alice, 1000, "0.01")
	_, err = m.stakes.Update(m.ctx, early.ID, alice, in)
	require.ErrorIs(t, err, domain.ErrHandleInUse)

	assert.Equal(t, eth("0.01"), m.round(early.ID).TotalPool)
	assert.Equal(t, eth("0.98"), m.balance(alice))
}
