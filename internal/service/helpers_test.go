package service

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
	"github.com/alanyoungcy/pricepredict/internal/fhe"
	"github.com/alanyoungcy/pricepredict/internal/store/memory"
	"github.com/alanyoungcy/pricepredict/internal/units"
)

var (
	owner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	dave  = common.HexToAddress("0x000000000000000000000000000000000000da7e")

	t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

func eth(s string) uint256.Int { return units.MustParseEther(s) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type recordingBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	stream    [][]byte
}

func newRecordingBus() *recordingBus {
	return &recordingBus{published: make(map[string][][]byte)}
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *recordingBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, payload)
	return nil
}

func (b *recordingBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (b *recordingBus) count(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published[channel])
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = b
	m.mu.Unlock()
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, "")
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) List(context.Context, string) ([]domain.BlobInfo, error) { return nil, nil }

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

// market wires every service over an in-memory ledger and a local KMS.
type market struct {
	t          *testing.T
	ctx        context.Context
	clock      *fakeClock
	bus        *recordingBus
	blobs      *memBlobs
	kms        *fhe.LocalKMS
	rounds     *RoundService
	stakes     *StakeService
	settlement *SettlementService
	claims     *ClaimService
}

func newMarket(t *testing.T) *market {
	t.Helper()
	return newCachedMarket(t, nil)
}

// newCachedMarket is newMarket with rounds served through cache.
func newCachedMarket(t *testing.T, cache domain.RoundCache) *market {
	t.Helper()
	signers := make([]*crypto.Signer, 2)
	for i := range signers {
		s, err := crypto.GenerateSigner()
		require.NoError(t, err)
		signers[i] = s
	}
	dom := crypto.DefaultDecryptionDomain(31337, common.HexToAddress("0xc0ffee"))
	kms := fhe.NewLocalKMS(dom, signers)
	verifier, err := fhe.NewKMSVerifier(dom, kms.Signers(), 2, nil)
	require.NoError(t, err)
	inputs, err := fhe.NewInputVerifier(dom, kms.Signers(), 2, nil)
	require.NoError(t, err)

	clock := &fakeClock{now: t0}
	bus := newRecordingBus()
	blobs := newMemBlobs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env := &Env{
		Ledger: memory.NewLedger(),
		Params: domain.DefaultParams(),
		Owner:  owner,
		Clock:  clock.Now,
		Events: NewBroadcaster(bus, cache, nil, logger),
		Logger: logger,
	}
	return &market{
		t:          t,
		ctx:        context.Background(),
		clock:      clock,
		bus:        bus,
		blobs:      blobs,
		kms:        kms,
		rounds:     NewRoundService(env, cache),
		stakes:     NewStakeService(env, inputs),
		settlement: NewSettlementService(env, verifier, fhe.ABICodec{}, kms, blobs, blobs),
		claims:     NewClaimService(env),
	}
}

func (m *market) fund(accounts ...common.Address) {
	m.t.Helper()
	for _, a := range accounts {
		_, err := m.rounds.Deposit(m.ctx, owner, a, eth("1"))
		require.NoError(m.t, err)
	}
}

func (m *market) createRound(tolerance uint64) domain.Round {
	m.t.Helper()
	now := m.clock.Now()
	r, err := m.rounds.CreateRound(m.ctx, owner, "ETH/USD", now.Add(60*time.Hour), tolerance)
	require.NoError(m.t, err)
	return r
}

func (m *market) predict(roundID uint64, who common.Address, price uint64, stake string) domain.Prediction {
	m.t.Helper()
	in, err := m.kms.Encrypt(who, price)
	require.NoError(m.t, err)
	p, err := m.stakes.Submit(m.ctx, roundID, who, in, eth(stake))
	require.NoError(m.t, err)
	return p
}

// settleAndVerify runs the full three-step protocol at creation+73h.
func (m *market) settleAndVerify(r domain.Round, price uint64) domain.VerifyOutcome {
	m.t.Helper()
	m.clock.Set(r.CreatedAt.Add(73 * time.Hour))
	_, err := m.settlement.Settle(m.ctx, owner, r.ID, price)
	require.NoError(m.t, err)
	batch, err := m.settlement.RevealAll(m.ctx, owner, r.ID)
	require.NoError(m.t, err)
	res, err := m.kms.PublicDecrypt(m.ctx, batch.Handles)
	require.NoError(m.t, err)
	out, err := m.settlement.VerifyAll(m.ctx, owner, r.ID, batch.Handles, res.ClearValuesEncoded, res.DecryptionProof)
	require.NoError(m.t, err)
	return out
}

func (m *market) balance(a common.Address) uint256.Int {
	m.t.Helper()
	b, err := m.rounds.Balance(m.ctx, a)
	require.NoError(m.t, err)
	return b
}

func (m *market) round(id uint64) domain.Round {
	m.t.Helper()
	r, err := m.rounds.Round(m.ctx, id)
	require.NoError(m.t, err)
	return r
}

// requirePoolInvariant checks totalPool == sum of active stakes.
func (m *market) requirePoolInvariant(id uint64) {
	m.t.Helper()
	stakes, err := m.rounds.Stakes(m.ctx, id)
	require.NoError(m.t, err)
	var sum uint256.Int
	for _, e := range stakes {
		sum.Add(&sum, &e.Stake)
	}
	r := m.round(id)
	require.True(m.t, sum.Eq(&r.TotalPool), "pool %s != sum of stakes %s", r.TotalPool.Dec(), sum.Dec())
}

// memRoundCache is a RoundCache with generation checks. beforeSet, when set,
// runs once before the next Set applies.
type memRoundCache struct {
	mu        sync.Mutex
	rounds    map[uint64]domain.Round
	gens      map[uint64]uint64
	beforeSet func()
}

func newMemRoundCache() *memRoundCache {
	return &memRoundCache{rounds: make(map[uint64]domain.Round), gens: make(map[uint64]uint64)}
}

func (c *memRoundCache) Get(_ context.Context, id uint64) (domain.Round, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rounds[id]
	if !ok {
		return domain.Round{}, domain.ErrNotFound
	}
	return r.Clone(), nil
}

func (c *memRoundCache) Generation(_ context.Context, id uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[id], nil
}

func (c *memRoundCache) Set(_ context.Context, r domain.Round, gen uint64) error {
	c.mu.Lock()
	hook := c.beforeSet
	c.beforeSet = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[r.ID] == gen {
		c.rounds[r.ID] = r.Clone()
	}
	return nil
}

func (c *memRoundCache) Invalidate(_ context.Context, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[id]++
	delete(c.rounds, id)
	return nil
}
