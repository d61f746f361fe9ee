package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

type chanBus struct {
	ch chan []byte
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func TestHub_RoutesByRound(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 8)}
	hub := NewHub(bus, "pricepredict:events", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	everything, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer everything.Close()
	roundTwo, _, err := websocket.DefaultDialer.Dial(base+"?round=2", nil)
	require.NoError(t, err)
	defer roundTwo.Close()

	require.Eventually(t, func() bool { return hub.clientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	bus.ch <- []byte(`{"seq":1,"round_id":1}`)
	bus.ch <- []byte(`{"seq":2,"round_id":2}`)

	read := func(c *websocket.Conn) string {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		return string(msg)
	}
	assert.Equal(t, `{"seq":1,"round_id":1}`, read(everything))
	assert.Equal(t, `{"seq":2,"round_id":2}`, read(everything))
	assert.Equal(t, `{"seq":2,"round_id":2}`, read(roundTwo))
}

func TestHub_ShutdownReleasesConnections(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte)}
	hub := NewHub(bus, "pricepredict:events", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(stopped)
	}()

	handled := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		handled <- struct{}{}
	}))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	before, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer before.Close()
	require.Eventually(t, func() bool { return hub.clientCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	<-handled

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("hub did not stop")
	}

	// The connected client is closed and its read loop exits without a
	// receiver on unregister.
	require.NoError(t, before.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = before.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived), "got %v", err)

	// A client arriving after shutdown is turned away instead of blocking
	// its handler forever.
	late, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer late.Close()
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler blocked after shutdown")
	}
	require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Zero(t, hub.clientCount())
}

func TestClientApply(t *testing.T) {
	c := &client{all: true, rounds: make(map[uint64]bool)}
	assert.True(t, c.wants(9))

	c.apply(subscribeMsg{Action: "subscribe", Rounds: []uint64{3}})
	assert.True(t, c.wants(3))
	assert.False(t, c.wants(9))

	c.apply(subscribeMsg{Action: "unsubscribe", Rounds: []uint64{3}})
	assert.False(t, c.wants(3))

	c.apply(subscribeMsg{Action: "subscribe", All: true})
	assert.True(t, c.wants(9))
}

func TestParseRounds(t *testing.T) {
	ids, ok := parseRounds([]string{"1,2", "5"})
	require.True(t, ok)
	assert.Equal(t, []uint64{1, 2, 5}, ids)

	_, ok = parseRounds([]string{"x"})
	assert.False(t, ok)
	_, ok = parseRounds([]string{"0"})
	assert.False(t, ok)
}
