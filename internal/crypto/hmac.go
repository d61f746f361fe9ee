package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds API credentials for services that authenticate requests
// with HMAC-SHA256(secret, timestamp+method+path+body).
type HMACAuth struct {
	Key    string
	Secret string
}

// Enabled reports whether credentials are configured.
func (h HMACAuth) Enabled() bool {
	return h.Key != "" && h.Secret != ""
}

// Headers returns the authentication headers for a request sent now.
func (h HMACAuth) Headers(method, path string, body []byte) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller-supplied unix timestamp.
func (h HMACAuth) HeadersAt(method, path string, body []byte, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(ts + method + path))
	mac.Write(body)
	return map[string]string{
		"X-Api-Key":   h.Key,
		"X-Timestamp": ts,
		"X-Signature": base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// String returns a redacted representation suitable for logging.
func (h HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
