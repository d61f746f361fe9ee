package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/fhe"
	"github.com/alanyoungcy/pricepredict/internal/server/handler"
	"github.com/alanyoungcy/pricepredict/internal/server/middleware"
	"github.com/alanyoungcy/pricepredict/internal/service"
	"github.com/alanyoungcy/pricepredict/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type apiHarness struct {
	t     *testing.T
	h     http.Handler
	clock *testClock
	kms   *fhe.LocalKMS

	owner, alice, bob *crypto.Signer
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return s
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	owner := newSigner(t)

	kmsSigner := newSigner(t)
	dom := crypto.DefaultDecryptionDomain(31337, common.HexToAddress("0xc0ffee"))
	kms := fhe.NewLocalKMS(dom, []*crypto.Signer{kmsSigner})
	verifier, err := fhe.NewKMSVerifier(dom, kms.Signers(), 1, logger)
	require.NoError(t, err)
	inputs, err := fhe.NewInputVerifier(dom, kms.Signers(), 1, logger)
	require.NoError(t, err)

	env := &service.Env{
		Ledger: memory.NewLedger(),
		Params: domain.DefaultParams(),
		Owner:  owner.Address(),
		Clock:  clock.Now,
		Events: service.NewBroadcaster(nil, nil, nil, logger),
		Logger: logger,
	}
	rounds := service.NewRoundService(env, nil)
	stakes := service.NewStakeService(env, inputs)
	settlement := service.NewSettlementService(env, verifier, fhe.ABICodec{}, kms, nil, nil)
	claims := service.NewClaimService(env)

	srv := NewServer(Config{Port: 0}, Handlers{
		Health:      handler.NewHealthHandler(env.Params, owner.Address().Hex(), nil, logger),
		Rounds:      handler.NewRoundHandler(rounds, logger),
		Predictions: handler.NewPredictionHandler(stakes, logger),
		Settlement:  handler.NewSettlementHandler(settlement, rounds, nil, logger),
		Claims:      handler.NewClaimHandler(claims, logger),
		Accounts:    handler.NewAccountHandler(rounds, logger),
		Encrypt:     handler.NewEncryptHandler(kms, logger),
	}, Backends{}, clock.Now, logger)

	return &apiHarness{
		t:     t,
		h:     srv.Handler(),
		clock: clock,
		kms:   kms,
		owner: owner,
		alice: newSigner(t),
		bob:   newSigner(t),
	}
}

// do sends a request signed by s, or an anonymous one when s is nil.
func (a *apiHarness) do(s *crypto.Signer, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(a.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if s != nil {
		ts := strconv.FormatInt(a.clock.Now().Unix(), 10)
		sig, err := s.SignRequest(method, path, ts, raw)
		require.NoError(a.t, err)
		req.Header.Set(middleware.HeaderTimestamp, ts)
		req.Header.Set(middleware.HeaderSignature, hexutil.Encode(sig))
		req.Header.Set(middleware.HeaderAddress, s.Address().Hex())
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func (a *apiHarness) decode(rec *httptest.ResponseRecorder, v any) {
	a.t.Helper()
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func (a *apiHarness) encrypt(who *crypto.Signer, price uint64) map[string]string {
	a.t.Helper()
	in, err := a.kms.Encrypt(who.Address(), price)
	require.NoError(a.t, err)
	return map[string]string{"handle": in.Handle.Hex(), "input_proof": hexutil.Encode(in.Proof)}
}

func (a *apiHarness) createRound(tolerance uint64) uint64 {
	a.t.Helper()
	rec := a.do(a.owner, http.MethodPost, "/api/rounds", map[string]any{
		"name":        "ETH/USD",
		"target_time": a.clock.Now().Add(60 * time.Hour),
		"tolerance":   tolerance,
	})
	require.Equal(a.t, http.StatusCreated, rec.Code, rec.Body.String())
	var round struct {
		ID uint64 `json:"id"`
	}
	a.decode(rec, &round)
	return round.ID
}

func (a *apiHarness) fund(who *crypto.Signer, amount string) {
	a.t.Helper()
	rec := a.do(a.owner, http.MethodPost, "/api/accounts/"+who.Address().Hex()+"/deposit", map[string]string{"amount": amount})
	require.Equal(a.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (a *apiHarness) submit(who *crypto.Signer, id uint64, price uint64, stake string) *httptest.ResponseRecorder {
	a.t.Helper()
	body := a.encrypt(who, price)
	body["stake"] = stake
	return a.do(who, http.MethodPost, "/api/rounds/"+strconv.FormatUint(id, 10)+"/prediction", body)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func TestAPI_FullRoundOverHTTP(t *testing.T) {
	a := newAPIHarness(t)
	a.fund(a.alice, "1")
	a.fund(a.bob, "1")
	id := a.createRound(100)
	base := "/api/rounds/" + strconv.FormatUint(id, 10)

	require.Equal(t, http.StatusCreated, a.submit(a.alice, id, 1000, "0.01").Code)
	require.Equal(t, http.StatusCreated, a.submit(a.bob, id, 1200, "0.02").Code)

	rec := a.do(nil, http.MethodGet, base+"/stakes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stakes struct {
		Stakes []struct {
			Participant string `json:"participant"`
			Stake       struct {
				Wei string `json:"wei"`
			} `json:"stake"`
		} `json:"stakes"`
	}
	a.decode(rec, &stakes)
	require.Len(t, stakes.Stakes, 2)
	assert.Equal(t, a.alice.Address().Hex(), stakes.Stakes[0].Participant)
	assert.Equal(t, "20000000000000000", stakes.Stakes[1].Stake.Wei)

	rec = a.do(a.owner, http.MethodPost, base+"/settle", map[string]uint64{"price": 1050})
	require.Equal(t, http.StatusConflict, rec.Code, "settling before the round ends")

	a.clock.Advance(73 * time.Hour)
	rec = a.do(a.owner, http.MethodPost, base+"/settle", map[string]uint64{"price": 1050})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(a.owner, http.MethodPost, base+"/reveal", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var batch struct {
		Handles []common.Hash `json:"handles"`
	}
	a.decode(rec, &batch)
	require.Len(t, batch.Handles, 2)

	res, err := a.kms.PublicDecrypt(context.Background(), batch.Handles)
	require.NoError(t, err)
	handles := make([]string, len(batch.Handles))
	for i, h := range batch.Handles {
		handles[i] = h.Hex()
	}
	rec = a.do(a.owner, http.MethodPost, base+"/verify", map[string]any{
		"handles":          handles,
		"clear_values":     hexutil.Encode(res.ClearValuesEncoded),
		"decryption_proof": hexutil.Encode(res.DecryptionProof),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var outcome struct {
		WinnerCount uint64           `json:"winner_count"`
		Winners     []common.Address `json:"winners"`
	}
	a.decode(rec, &outcome)
	assert.Equal(t, uint64(1), outcome.WinnerCount)
	assert.Equal(t, []common.Address{a.alice.Address()}, outcome.Winners)

	rec = a.do(nil, http.MethodGet, base+"/reward/"+a.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reward struct {
		Reward struct {
			Wei   string `json:"wei"`
			Ether string `json:"ether"`
		} `json:"reward"`
		CanClaim bool `json:"can_claim"`
	}
	a.decode(rec, &reward)
	assert.Equal(t, "30000000000000000", reward.Reward.Wei)
	assert.Equal(t, "0.03", reward.Reward.Ether)
	assert.True(t, reward.CanClaim)

	rec = a.do(a.alice, http.MethodPost, base+"/claim", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(a.bob, http.MethodPost, base+"/claim", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var eb errorBody
	a.decode(rec, &eb)
	assert.Equal(t, "not_winner", eb.Code)

	rec = a.do(nil, http.MethodGet, "/api/accounts/"+a.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct struct {
		Balance struct {
			Ether string `json:"ether"`
		} `json:"balance"`
	}
	a.decode(rec, &acct)
	assert.Equal(t, "1.02", acct.Balance.Ether)

	rec = a.do(nil, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	a.decode(rec, &events)
	types := make([]string, len(events.Events))
	for i, e := range events.Events {
		types[i] = e.Type
	}
	assert.Equal(t, []string{
		"RoundCreated", "PredictionSubmitted", "PredictionSubmitted",
		"RoundSettled", "BatchRevealed", "RoundVerified", "RewardClaimed",
	}, types)
}

func TestAPI_PredictionLifecycle(t *testing.T) {
	a := newAPIHarness(t)
	a.fund(a.alice, "1")
	id := a.createRound(100)
	base := "/api/rounds/" + strconv.FormatUint(id, 10)

	require.Equal(t, http.StatusCreated, a.submit(a.alice, id, 1000, "0.01").Code)

	rec := a.submit(a.alice, id, 1000, "0.01")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(a.alice, http.MethodPut, base+"/prediction", a.encrypt(a.alice, 1100))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = a.do(a.alice, http.MethodPost, base+"/stake", map[string]string{"amount": "0.005"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var p struct {
		Stake  string `json:"stake_wei"`
		Active bool   `json:"active"`
	}
	a.decode(rec, &p)
	assert.Equal(t, "15000000000000000", p.Stake)

	rec = a.do(a.alice, http.MethodGet, base+"/prediction", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a.decode(rec, &p)
	assert.True(t, p.Active)

	rec = a.do(a.alice, http.MethodDelete, base+"/prediction", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var refund struct {
		Refund struct {
			Ether string `json:"ether"`
		} `json:"refund"`
	}
	a.decode(rec, &refund)
	assert.Equal(t, "0.015", refund.Refund.Ether)

	rec = a.do(nil, http.MethodGet, base+"/predictions/"+a.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	a.decode(rec, &p)
	assert.False(t, p.Active)
	assert.Equal(t, "0", p.Stake)
}

func TestAPI_Errors(t *testing.T) {
	a := newAPIHarness(t)
	id := a.createRound(100)
	base := "/api/rounds/" + strconv.FormatUint(id, 10)

	tests := []struct {
		name   string
		signer *crypto.Signer
		method string
		path   string
		body   any
		want   int
		code   string
	}{
		{"unsigned write", nil, http.MethodPost, base + "/claim", nil, http.StatusUnauthorized, ""},
		{"non-owner creates round", a.alice, http.MethodPost, "/api/rounds",
			map[string]any{"name": "x", "target_time": a.clock.Now().Add(60 * time.Hour), "tolerance": 1},
			http.StatusForbidden, "not_owner"},
		{"non-owner deposit", a.alice, http.MethodPost, "/api/accounts/" + a.alice.Address().Hex() + "/deposit",
			map[string]string{"amount": "1"}, http.StatusForbidden, "not_owner"},
		{"zero tolerance", a.owner, http.MethodPost, "/api/rounds",
			map[string]any{"name": "x", "target_time": a.clock.Now().Add(60 * time.Hour), "tolerance": 0},
			http.StatusUnprocessableEntity, "invalid_tolerance"},
		{"target too early", a.owner, http.MethodPost, "/api/rounds",
			map[string]any{"name": "x", "target_time": a.clock.Now().Add(time.Hour), "tolerance": 1},
			http.StatusUnprocessableEntity, "invalid_target_time"},
		{"missing name", a.owner, http.MethodPost, "/api/rounds",
			map[string]any{"target_time": a.clock.Now().Add(60 * time.Hour), "tolerance": 1},
			http.StatusBadRequest, ""},
		{"bad round id", nil, http.MethodGet, "/api/rounds/zero", nil, http.StatusBadRequest, ""},
		{"round id zero", nil, http.MethodGet, "/api/rounds/0", nil, http.StatusBadRequest, ""},
		{"unknown round", nil, http.MethodGet, "/api/rounds/99", nil, http.StatusNotFound, "not_found"},
		{"bad address", nil, http.MethodGet, "/api/accounts/nope", nil, http.StatusBadRequest, ""},
		{"stake not ether", a.alice, http.MethodPost, base + "/stake", map[string]string{"amount": "lots"}, http.StatusBadRequest, ""},
		{"handle wrong length", a.alice, http.MethodPost, base + "/prediction",
			map[string]string{"handle": "0x1234", "input_proof": "0x01", "stake": "0.01"}, http.StatusBadRequest, ""},
		{"unknown field", a.alice, http.MethodPost, base + "/stake", map[string]string{"amount": "1", "extra": "x"}, http.StatusBadRequest, ""},
		{"verify before reveal", a.owner, http.MethodPost, base + "/verify",
			map[string]any{"handles": []string{}, "clear_values": "0x", "decryption_proof": "0x00"},
			http.StatusConflict, "not_revealed"},
		{"settle without price or oracle", a.owner, http.MethodPost, base + "/settle", nil, http.StatusBadRequest, ""},
		{"report kind unknown", nil, http.MethodGet, base + "/report/audit", nil, http.StatusNotFound, "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(tt.signer, tt.method, tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			if tt.code != "" {
				var eb errorBody
				a.decode(rec, &eb)
				assert.Equal(t, tt.code, eb.Code)
			}
		})
	}
}

func TestAPI_HealthAndConstants(t *testing.T) {
	a := newAPIHarness(t)

	rec := a.do(nil, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(nil, http.MethodGet, "/api/constants", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var c struct {
		Owner    string `json:"owner"`
		MinStake struct {
			Wei string `json:"wei"`
		} `json:"min_stake"`
		PredictWindowSeconds int64 `json:"predict_window_seconds"`
		ClaimPeriodSeconds   int64 `json:"claim_period_seconds"`
	}
	a.decode(rec, &c)
	assert.Equal(t, a.owner.Address().Hex(), c.Owner)
	assert.Equal(t, "1000000000000000", c.MinStake.Wei)
	assert.Equal(t, int64(48*3600), c.PredictWindowSeconds)
	assert.Equal(t, int64(7*24*3600), c.ClaimPeriodSeconds)

	rec = a.do(nil, http.MethodGet, "/api/rounds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"rounds":[],"total":0,"limit":50,"offset":0}`, rec.Body.String())
}

func TestAPI_EncryptEndpoint(t *testing.T) {
	a := newAPIHarness(t)
	a.fund(a.alice, "1")
	id := a.createRound(100)

	rec := a.do(nil, http.MethodPost, "/api/encrypt", map[string]any{"price": 1000})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = a.do(a.alice, http.MethodPost, "/api/encrypt", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(a.alice, http.MethodPost, "/api/encrypt", map[string]any{"price": 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body map[string]string
	a.decode(rec, &body)
	assert.Len(t, body["handle"], 66)
	assert.NotEmpty(t, body["input_proof"])

	body["stake"] = "0.01"
	rec = a.do(a.alice, http.MethodPost, "/api/rounds/"+strconv.FormatUint(id, 10)+"/prediction", body)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAPI_ReplayedWriteRejected(t *testing.T) {
	a := newAPIHarness(t)
	path := "/api/accounts/" + a.alice.Address().Hex() + "/deposit"
	ts := strconv.FormatInt(a.clock.Now().Unix(), 10)
	raw := []byte(`{"amount":"1"}`)
	sig, err := a.owner.SignRequest(http.MethodPost, path, ts, raw)
	require.NoError(t, err)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(middleware.HeaderTimestamp, ts)
		req.Header.Set(middleware.HeaderSignature, hexutil.Encode(sig))
		req.Header.Set(middleware.HeaderAddress, a.owner.Address().Hex())
		rec := httptest.NewRecorder()
		a.h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusUnauthorized, send())
	assert.Equal(t, http.StatusUnauthorized, send())

	rec := a.do(nil, http.MethodGet, "/api/accounts/"+a.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct struct {
		Balance struct {
			Ether string `json:"ether"`
		} `json:"balance"`
	}
	a.decode(rec, &acct)
	assert.Equal(t, "1", acct.Balance.Ether)

	// The same deposit signed a second later is a new request.
	a.clock.Advance(time.Second)
	a.fund(a.alice, "1")
}

func TestAPI_CopiedHandleRejected(t *testing.T) {
	a := newAPIHarness(t)
	a.fund(a.alice, "1")
	a.fund(a.bob, "1")
	id := a.createRound(100)
	base := "/api/rounds/" + strconv.FormatUint(id, 10)
	require.Equal(t, http.StatusCreated, a.submit(a.alice, id, 4242, "0.01").Code)

	rec := a.do(nil, http.MethodGet, base+"/predictions/"+a.alice.Address().Hex(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var victim struct {
		Handle string `json:"price_handle"`
	}
	a.decode(rec, &victim)
	require.Len(t, victim.Handle, 66)

	rec = a.do(a.bob, http.MethodPost, base+"/prediction", map[string]string{
		"handle": victim.Handle, "input_proof": "0x01", "stake": "0.01",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var eb errorBody
	a.decode(rec, &eb)
	assert.Equal(t, "invalid_input_proof", eb.Code)
}
