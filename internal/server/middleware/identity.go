package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// Identity headers.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderAddress   = "X-Address"
)

// MaxClockSkew is how far X-Timestamp may drift from the server clock.
const MaxClockSkew = 5 * time.Minute

// replayWindow covers every server time at which a timestamp within
// MaxClockSkew is still accepted.
const replayWindow = 2 * MaxClockSkew

const maxSignedBody = 1 << 20

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// Identity authenticates callers who sign their requests. The signature in
// X-Signature is an EIP-191 personal signature over
// keccak256(method ‖ path ‖ X-Timestamp ‖ body). Unsigned requests pass
// through anonymously; badly signed or stale ones are rejected with 401.
// Signed requests must name their signer in X-Address.
//
// A signed write is accepted once: guard records its digest and a second
// copy inside the skew window is rejected with 401. Clients repeating a
// write must sign it with a new timestamp.
func Identity(now func() time.Time, guard domain.ReplayGuard, logger *slog.Logger) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	if guard == nil {
		guard = NewLocalReplayGuard(now)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sigHex := r.Header.Get(HeaderSignature)
			if sigHex == "" {
				next.ServeHTTP(w, r)
				return
			}

			ts := r.Header.Get(HeaderTimestamp)
			sec, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				writeUnauthorized(w, "invalid timestamp")
				return
			}
			if skew := now().Sub(time.Unix(sec, 0)); skew > MaxClockSkew || skew < -MaxClockSkew {
				writeUnauthorized(w, "stale timestamp")
				return
			}

			sig, err := hexutil.Decode(strings.TrimSpace(sigHex))
			if err != nil {
				writeUnauthorized(w, "malformed signature")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil || len(body) > maxSignedBody {
				writeUnauthorized(w, "unreadable body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			digest := crypto.RequestDigest(r.Method, r.URL.Path, ts, body)
			addr, err := crypto.RecoverAddress(digest, sig)
			if err != nil {
				writeUnauthorized(w, "invalid signature")
				return
			}
			claimed := r.Header.Get(HeaderAddress)
			if !common.IsHexAddress(claimed) || common.HexToAddress(claimed) != addr {
				writeUnauthorized(w, "signature does not match address")
				return
			}

			if isWrite(r.Method) {
				// Keyed by digest, not signature bytes: an (r, n-s) twin of
				// the same signature must not pass as a new request.
				seen, err := guard.Seen(r.Context(), addr.Hex()+":"+digest.Hex(), replayWindow)
				if err != nil {
					if logger != nil {
						logger.Error("http: replay guard unavailable", slog.String("error", err.Error()))
					}
					writeJSONError(w, http.StatusServiceUnavailable, "replay check unavailable")
					return
				}
				if seen {
					writeUnauthorized(w, "replayed request")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), addr)))
		})
	}
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
