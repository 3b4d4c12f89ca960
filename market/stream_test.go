package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBinance accepts combined-stream clients, records their SUBSCRIBE
// requests and answers with an ack plus one mini-ticker per pair
type fakeBinance struct {
	mu          sync.Mutex
	subscribed  []string
	disconnects int
}

func (f *fakeBinance) disconnected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeBinance) handler(t *testing.T, wantBatches int) http.HandlerFunc {
	upgrader := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var pairs []string
		for i := 0; i < wantBatches; i++ {
			var req struct {
				Method string   `json:"method"`
				Params []string `json:"params"`
				ID     int      `json:"id"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.subscribed = append(f.subscribed, req.Params...)
			f.mu.Unlock()
			_ = conn.WriteJSON(map[string]interface{}{"result": nil, "id": req.ID})
			for _, stream := range req.Params {
				pairs = append(pairs, strings.ToUpper(strings.TrimSuffix(stream, "@miniTicker")))
			}
		}

		for _, pair := range pairs {
			data, _ := json.Marshal(map[string]interface{}{
				"e": "24hrMiniTicker", "E": int64(1700000000000), "s": pair,
				"c": "101.5", "o": "100", "h": "102", "l": "99", "v": "1234",
			})
			_ = conn.WriteJSON(map[string]interface{}{
				"stream": strings.ToLower(pair) + "@miniTicker",
				"data":   json.RawMessage(data),
			})
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.mu.Lock()
				f.disconnects++
				f.mu.Unlock()
				return
			}
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestTickerStreamDeliversQuotes(t *testing.T) {
	fake := &fakeBinance{}
	srv := httptest.NewServer(fake.handler(t, 2))
	defer srv.Close()

	quotes := make(chan *Quote, 10)
	stream := NewTickerStream(wsURL(srv), 1, func(q *Quote) { quotes <- q })
	started, err := stream.Start([]string{"BTCUSDT", "btc-usd", "AAPL", "ETHUSDT"})
	require.NoError(t, err)
	require.True(t, started)
	defer stream.Close()

	got := map[string]*Quote{}
	timeout := time.After(3 * time.Second)
	for len(got) < 3 {
		select {
		case q := <-quotes:
			got[q.Symbol] = q
		case <-timeout:
			t.Fatalf("only received %d quotes", len(got))
		}
	}

	fake.mu.Lock()
	assert.ElementsMatch(t, []string{"btcusdt@miniTicker", "ethusdt@miniTicker"}, fake.subscribed)
	fake.mu.Unlock()

	require.Contains(t, got, "BTCUSDT")
	require.Contains(t, got, "BTC-USD")
	require.Contains(t, got, "ETHUSDT")
	btc := got["BTC-USD"]
	assert.Equal(t, 101.5, btc.Price)
	assert.Equal(t, "USDT", btc.Currency)
	assert.Equal(t, "binance-stream", btc.Provider)
	assert.InDelta(t, 1.5, btc.ChangePct, 1e-9)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), btc.Time)
}

func TestTickerStreamIgnoresEquities(t *testing.T) {
	stream := NewTickerStream("ws://127.0.0.1:1/unused", 0, func(*Quote) {
		t.Fatal("no quotes expected")
	})
	started, err := stream.Start([]string{"AAPL", "0700.HK"})
	require.NoError(t, err)
	assert.False(t, started)
	stream.Close()
}

func TestTickerStreamReconnectReleasesOldConnection(t *testing.T) {
	fake := &fakeBinance{}
	srv := httptest.NewServer(fake.handler(t, 1))
	defer srv.Close()

	stream := NewTickerStream(wsURL(srv), 0, func(*Quote) {})
	started, err := stream.Start([]string{"BTCUSDT"})
	require.NoError(t, err)
	require.True(t, started)
	defer stream.Close()

	// what reconnect does after a read failure
	require.NoError(t, stream.connect())
	require.Eventually(t, func() bool { return fake.disconnected() >= 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestServiceTickerStreamFillsCache(t *testing.T) {
	fake := &fakeBinance{}
	srv := httptest.NewServer(fake.handler(t, 1))
	defer srv.Close()

	cache := NewMemoryCache()
	svc := &Service{cache: cache, quoteTTL: time.Minute, streamURL: wsURL(srv)}
	require.NoError(t, svc.StartTickerStream(context.Background(), []string{"ETHUSDT"}))

	require.Eventually(t, func() bool {
		var q Quote
		ok, _ := cache.Get(context.Background(), "quote:ETHUSDT", &q)
		return ok && q.Price == 101.5
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, svc.Close())
}
