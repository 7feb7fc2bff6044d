package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/predictify/internal/domain"
	"github.com/alanyoungcy/predictify/internal/events"
)

type chanBus struct {
	mu     sync.Mutex
	ch     chan []byte
	stream []domain.StreamMessage
}

func newChanBus() *chanBus { return &chanBus{ch: make(chan []byte, 16)} }

func (b *chanBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.ch <- payload
	return nil
}

func (b *chanBus) Subscribe(context.Context, string) (<-chan []byte, error) { return b.ch, nil }

func (b *chanBus) StreamAppend(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stream = append(b.stream, domain.StreamMessage{ID: time.Now().Format("150405.000000000"), Payload: payload})
	return nil
}

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.StreamMessage(nil), b.stream...), nil
}

func encode(t *testing.T, typ events.Type, marketID string) []byte {
	t.Helper()
	b, err := events.Encode(events.Event{Type: typ, MarketID: marketID, At: time.Now()})
	require.NoError(t, err)
	return b
}

func startHub(t *testing.T, bus *chanBus) (*Hub, string) {
	t.Helper()
	hub := NewHub(bus, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	e, err := events.Decode(data)
	require.NoError(t, err)
	return e
}

func TestHubForwardsBusEvents(t *testing.T) {
	bus := newChanBus()
	hub, url := startHub(t, bus)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), events.Channel, encode(t, events.MarketResolved, "m1")))

	e := readEvent(t, conn)
	assert.Equal(t, events.MarketResolved, e.Type)
	assert.Equal(t, "m1", e.MarketID)
}

func TestHubMarketFilter(t *testing.T) {
	bus := newChanBus()
	hub, url := startHub(t, bus)
	conn := dial(t, url+"?market=m2")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, events.Channel, encode(t, events.VotePlaced, "m1")))
	require.NoError(t, bus.Publish(ctx, events.Channel, encode(t, events.VotePlaced, "m2")))

	e := readEvent(t, conn)
	assert.Equal(t, "m2", e.MarketID)
}

func TestHubSubscribeControlMessage(t *testing.T) {
	bus := newChanBus()
	hub, url := startHub(t, bus)
	conn := dial(t, url+"?market=m2")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"subscribe","markets":["m3"]}`)))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return c.follows("m3")
		}
		return false
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), events.Channel, encode(t, events.MarketSynced, "m3")))
	assert.Equal(t, "m3", readEvent(t, conn).MarketID)
}

func TestHubReplay(t *testing.T) {
	bus := newChanBus()
	ctx := context.Background()
	require.NoError(t, bus.StreamAppend(ctx, events.Stream, encode(t, events.MarketCreated, "m1")))
	require.NoError(t, bus.StreamAppend(ctx, events.Stream, encode(t, events.MarketInitialized, "m1")))

	_, url := startHub(t, bus)
	conn := dial(t, url+"?since=0")

	assert.Equal(t, events.MarketCreated, readEvent(t, conn).Type)
	assert.Equal(t, events.MarketInitialized, readEvent(t, conn).Type)
}

func TestClientApply(t *testing.T) {
	c := &client{markets: map[string]bool{}}
	assert.True(t, c.follows("anything"))

	c.apply(controlMsg{Action: "subscribe", Markets: []string{"a", "b"}})
	assert.True(t, c.follows("a"))
	assert.False(t, c.follows("c"))

	c.apply(controlMsg{Action: "unsubscribe", Markets: []string{"a"}})
	assert.False(t, c.follows("a"))

	c.apply(controlMsg{Action: "reset"})
	assert.True(t, c.follows("c"))
}
