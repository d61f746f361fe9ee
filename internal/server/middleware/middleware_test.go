package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

// echoCaller writes the authenticated caller (or "anonymous") and the body.
func echoCaller() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		who := "anonymous"
		if addr, ok := CallerFrom(r.Context()); ok {
			who = addr.Hex()
		}
		_, _ = w.Write([]byte(who + "|" + string(body)))
	})
}

func signedRequest(t *testing.T, s *crypto.Signer, method, path string, ts time.Time, body string) *http.Request {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := s.SignRequest(method, path, stamp, []byte(body))
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, hexutil.Encode(sig))
	req.Header.Set(HeaderAddress, s.Address().Hex())
	return req
}

func TestIdentity(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	other, err := crypto.GenerateSigner()
	require.NoError(t, err)

	h := Identity(func() time.Time { return testNow }, nil, nil)(echoCaller())
	const body = `{"price":1000}`

	t.Run("unsigned request is anonymous", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rounds", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "anonymous|", rec.Body.String())
	})

	t.Run("valid signature sets caller and keeps body", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/api/rounds/1/prediction", testNow, body))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, signer.Address().Hex()+"|"+body, rec.Body.String())
	})

	t.Run("address header is case-insensitive", func(t *testing.T) {
		req := signedRequest(t, signer, http.MethodPost, "/p", testNow, body)
		req.Header.Set(HeaderAddress, strings.ToLower(signer.Address().Hex()))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"stale timestamp", func(r *http.Request) {
			r.Header.Set(HeaderTimestamp, strconv.FormatInt(testNow.Add(-6*time.Minute).Unix(), 10))
		}},
		{"future timestamp", func(r *http.Request) {
			r.Header.Set(HeaderTimestamp, strconv.FormatInt(testNow.Add(6*time.Minute).Unix(), 10))
		}},
		{"timestamp not a number", func(r *http.Request) { r.Header.Set(HeaderTimestamp, "soon") }},
		{"signature not hex", func(r *http.Request) { r.Header.Set(HeaderSignature, "zz") }},
		{"signature too short", func(r *http.Request) { r.Header.Set(HeaderSignature, "0x1234") }},
		{"body tampered", func(r *http.Request) { r.Body = io.NopCloser(strings.NewReader(`{"price":2000}`)) }},
		{"path tampered", func(r *http.Request) { r.URL.Path = "/api/rounds/2/prediction" }},
		{"address mismatch", func(r *http.Request) { r.Header.Set(HeaderAddress, other.Address().Hex()) }},
		{"address missing", func(r *http.Request) { r.Header.Del(HeaderAddress) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := signedRequest(t, signer, http.MethodPost, "/api/rounds/1/prediction", testNow, body)
			tt.mutate(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestIdentity_RejectsReplayedWrites(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	now := testNow
	guard := NewLocalReplayGuard(func() time.Time { return now })
	h := Identity(func() time.Time { return now }, guard, nil)(echoCaller())

	serve := func(req *http.Request) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	const body = `{"amount":"1"}`
	deposit := func(ts time.Time) *http.Request {
		return signedRequest(t, signer, http.MethodPost, "/api/accounts/x/deposit", ts, body)
	}

	require.Equal(t, http.StatusOK, serve(deposit(testNow)))
	assert.Equal(t, http.StatusUnauthorized, serve(deposit(testNow)))

	// A signature with the s value flipped still hits the same digest.
	twin := deposit(testNow)
	sig, err := hexutil.Decode(twin.Header.Get(HeaderSignature))
	require.NoError(t, err)
	twin.Header.Set(HeaderSignature, hexutil.Encode(flipS(sig)))
	assert.Equal(t, http.StatusUnauthorized, serve(twin))

	// A fresh timestamp makes a new request.
	assert.Equal(t, http.StatusOK, serve(deposit(testNow.Add(time.Second))))

	// Reads are never deduplicated.
	for range 2 {
		assert.Equal(t, http.StatusOK, serve(signedRequest(t, signer, http.MethodGet, "/api/rounds/1/prediction", testNow, "")))
	}

	// Once the whole skew window has passed the original is stale anyway.
	now = testNow.Add(2*MaxClockSkew + time.Second)
	assert.Equal(t, http.StatusUnauthorized, serve(deposit(testNow)))
}

func TestIdentity_ReplayGuardFailureClosesWrites(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	h := Identity(func() time.Time { return testNow }, brokenGuard{}, nil)(echoCaller())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, signer, http.MethodPost, "/api/rounds/1/claim", testNow, ""))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLocalReplayGuard(t *testing.T) {
	ctx := context.Background()
	now := testNow
	g := NewLocalReplayGuard(func() time.Time { return now })

	seen, err := g.Seen(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = g.Seen(ctx, "a", time.Minute)
	assert.True(t, seen)

	now = now.Add(time.Minute)
	seen, _ = g.Seen(ctx, "a", time.Minute)
	assert.False(t, seen, "mark expired")

	// Expired marks are swept as new ones arrive.
	now = now.Add(2 * time.Minute)
	for i := range pruneEvery {
		_, err := g.Seen(ctx, strconv.Itoa(i), time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, g.Len(), pruneEvery)
	now = now.Add(time.Hour)
	for i := range pruneEvery {
		_, _ = g.Seen(ctx, "b"+strconv.Itoa(i), time.Second)
	}
	assert.LessOrEqual(t, g.Len(), pruneEvery)
}

type brokenGuard struct{}

func (brokenGuard) Seen(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

// flipS returns the other valid encoding (r, n-s, v^1) of a signature.
func flipS(sig []byte) []byte {
	n := ethcrypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	out := append([]byte(nil), sig...)
	copy(out[32:64], common.LeftPadBytes(new(big.Int).Sub(n, s).Bytes(), 32))
	if out[64] == 27 {
		out[64] = 28
	} else {
		out[64] = 27
	}
	return out
}

func TestWithCaller(t *testing.T) {
	_, ok := CallerFrom(context.Background())
	assert.False(t, ok)

	addr := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	got, ok := CallerFrom(WithCaller(context.Background(), addr))
	assert.True(t, ok)
	assert.Equal(t, addr, got)
}

func TestAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := Auth("s3cret", "/api/health")(ok)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"bearer", "/api/rounds", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusOK},
		{"x-api-key", "/api/rounds", map[string]string{"X-API-Key": "s3cret"}, http.StatusOK},
		{"wrong key", "/api/rounds", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"missing key", "/api/rounds", nil, http.StatusUnauthorized},
		{"open path", "/api/health", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("empty key disables auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rounds", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := CORS([]string{"https://app.example"})(next)

	req := httptest.NewRequest(http.MethodOptions, "/api/rounds", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), HeaderSignature)

	req = httptest.NewRequest(http.MethodGet, "/api/rounds", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogging_SetsRequestID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(HeaderRequestID))
}

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func TestRateLimit(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	tests := []struct {
		name    string
		limiter *stubLimiter
		want    int
	}{
		{"allowed", &stubLimiter{allow: true}, http.StatusOK},
		{"denied", &stubLimiter{allow: false}, http.StatusTooManyRequests},
		{"limiter down fails open", &stubLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
			rec := httptest.NewRecorder()
			RateLimit(tt.limiter, 10, time.Second, nil)(next).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, []string{"api:ip:203.0.113.7"}, tt.limiter.keys)
		})
	}

	t.Run("signed callers keyed by address", func(t *testing.T) {
		lim := &stubLimiter{allow: true}
		addr := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req = req.WithContext(WithCaller(req.Context(), addr))
		RateLimit(lim, 10, time.Second, nil)(next).ServeHTTP(httptest.NewRecorder(), req)
		assert.Equal(t, []string{"api:addr:0x00000000000000000000000000000000000a11ce"}, lim.keys)
	})
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", extractClientIP(req))

	req.Header.Set("X-Real-IP", " 198.51.100.2 ")
	assert.Equal(t, "198.51.100.2", extractClientIP(req))
}
