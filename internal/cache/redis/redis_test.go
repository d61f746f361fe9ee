package redis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "round:42", roundKey(42))
	assert.Equal(t, "round:42:gen", roundGenKey(42))
	assert.Equal(t, "lock:keeper:round:7", lockKey("keeper:round:7"))
	assert.Equal(t, "ratelimit:ip:10.0.0.1", rateLimitKey("ip:10.0.0.1"))
	assert.Equal(t, "replay:0xabc", replayKey("0xabc"))
}

func TestIsPattern(t *testing.T) {
	tests := []struct {
		channel string
		want    bool
	}{
		{"pricepredict:events", false},
		{"pricepredict:rounds:*", true},
		{"pricepredict:rounds:?", true},
		{"pricepredict:rounds:[12]", true},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.want, isPattern(tt.channel))
		})
	}
}

func TestStreamPayload(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
		want   []byte
		ok     bool
	}{
		{"string", map[string]any{"event": `{"seq":1}`}, []byte(`{"seq":1}`), true},
		{"bytes", map[string]any{"event": []byte("x")}, []byte("x"), true},
		{"missing", map[string]any{"other": "x"}, nil, false},
		{"wrong type", map[string]any{"event": 12}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := streamPayload(tt.values)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewRoundCache_DefaultTTL(t *testing.T) {
	c := Wrap(nil)
	assert.Equal(t, DefaultRoundTTL, NewRoundCache(c, 0).ttl)
	assert.Equal(t, time.Minute, NewRoundCache(c, time.Minute).ttl)
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	assert.Contains(t, slidingWindowLua, "ZREMRANGEBYSCORE")
}

func TestSetIfGenerationScriptEmbedded(t *testing.T) {
	assert.Contains(t, setIfGenerationLua, "KEYS[2]")
	assert.Contains(t, setIfGenerationLua, "'PX'")
}
