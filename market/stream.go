package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridtrader/logger"
)

// BinanceStreamURL spot combined-stream endpoint
const BinanceStreamURL = "wss://stream.binance.com:9443/stream"

var errStreamClosed = errors.New("ticker stream closed")

// TickerStream subscribes to Binance mini-ticker streams over one combined
// connection and hands every update to onQuote. It reconnects and
// re-subscribes until Close.
type TickerStream struct {
	url       string
	batchSize int
	onQuote   func(*Quote)

	mu      sync.RWMutex
	conn    *websocket.Conn
	streams []string
	// pair -> requested symbols (BTC-USD and BTCUSDT share BTCUSDT)
	symbols map[string][]string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewTickerStream creates a stream client; url defaults to BinanceStreamURL
func NewTickerStream(url string, batchSize int, onQuote func(*Quote)) *TickerStream {
	if url == "" {
		url = BinanceStreamURL
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &TickerStream{
		url:       url,
		batchSize: batchSize,
		onQuote:   onQuote,
		symbols:   make(map[string][]string),
		done:      make(chan struct{}),
	}
}

// Start connects and subscribes every crypto symbol in symbols; equities are
// ignored. It returns false when there was nothing to subscribe.
func (t *TickerStream) Start(symbols []string) (bool, error) {
	t.mu.Lock()
	for _, symbol := range symbols {
		pair, ok := BinancePair(symbol)
		if !ok {
			continue
		}
		symbol = NormalizeSymbol(symbol)
		if _, seen := t.symbols[pair]; !seen {
			t.streams = append(t.streams, strings.ToLower(pair)+"@miniTicker")
		}
		if !contains(t.symbols[pair], symbol) {
			t.symbols[pair] = append(t.symbols[pair], symbol)
		}
	}
	empty := len(t.streams) == 0
	t.mu.Unlock()
	if empty {
		return false, nil
	}

	if err := t.connect(); err != nil {
		return true, err
	}
	t.wg.Add(1)
	go t.readLoop()
	return true, nil
}

func (t *TickerStream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(t.url, nil)
	if err != nil {
		return fmt.Errorf("ticker stream connection failed: %w", err)
	}

	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		conn.Close()
		return errStreamClosed
	default:
	}
	if t.conn != nil {
		// the reader has already given up on it
		t.conn.Close()
	}
	t.conn = conn
	streams := append([]string(nil), t.streams...)
	t.mu.Unlock()

	for i, batch := range splitIntoBatches(streams, t.batchSize) {
		msg := map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": batch,
			"id":     i + 1,
		}
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return fmt.Errorf("subscribe batch %d failed: %w", i+1, err)
		}
	}
	logger.Infof("✓ Binance ticker stream connected (%d streams)", len(streams))
	return nil
}

func (t *TickerStream) readLoop() {
	defer t.wg.Done()
	for {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			logger.Warnf("⚠️  ticker stream read failed: %v", err)
			if !t.reconnect() {
				return
			}
			continue
		}
		t.handleMessage(message)
	}
}

// reconnect retries with a growing delay; false once the stream is closed
func (t *TickerStream) reconnect() bool {
	delay := 3 * time.Second
	for {
		select {
		case <-t.done:
			return false
		case <-time.After(delay):
		}
		if err := t.connect(); err != nil {
			logger.Warnf("⚠️  ticker stream reconnect failed: %v", err)
			if delay < time.Minute {
				delay *= 2
			}
			continue
		}
		return true
	}
}

type miniTicker struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Volume    string `json:"v"`
}

func (t *TickerStream) handleMessage(message []byte) {
	var combined struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &combined); err != nil || combined.Stream == "" {
		// subscription acks: {"result":null,"id":1}
		return
	}
	var tick miniTicker
	if err := json.Unmarshal(combined.Data, &tick); err != nil {
		logger.Debugf("ticker stream: bad payload on %s: %v", combined.Stream, err)
		return
	}

	price := parseFloat(tick.Close)
	if price <= 0 {
		return
	}
	open := parseFloat(tick.Open)
	ts := time.UnixMilli(tick.EventTime).UTC()

	t.mu.RLock()
	symbols := t.symbols[strings.ToUpper(tick.Symbol)]
	t.mu.RUnlock()

	for _, symbol := range symbols {
		q := &Quote{
			Symbol:   symbol,
			Currency: quoteAsset(tick.Symbol),
			Price:    price,
			Open:     open,
			High:     parseFloat(tick.High),
			Low:      parseFloat(tick.Low),
			Volume:   parseFloat(tick.Volume),
			Provider: "binance-stream",
			Time:     ts,
		}
		if open > 0 {
			q.Change = price - open
			q.ChangePct = q.Change / open * 100
		}
		t.onQuote(q)
	}
}

// Close stops reading and waits for the reader to exit
func (t *TickerStream) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.mu.Unlock()
	})
	t.wg.Wait()
}

func splitIntoBatches(items []string, size int) [][]string {
	var batches [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[i:end])
	}
	return batches
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// StartTickerStream pushes live Binance prices for the crypto symbols into
// the quote cache, so scheduled refreshes rarely hit the REST API
func (s *Service) StartTickerStream(ctx context.Context, symbols []string) error {
	if s.cache == nil {
		return nil
	}
	stream := NewTickerStream(s.streamURL, 0, func(q *Quote) {
		if err := s.cache.Set(ctx, "quote:"+q.Symbol, q, s.quoteTTL); err != nil {
			logger.Debugf("ticker stream cache write failed for %s: %v", q.Symbol, err)
		}
	})
	started, err := stream.Start(symbols)
	if !started {
		return nil
	}
	if err != nil {
		return err
	}
	s.closers = append(s.closers, func() error {
		stream.Close()
		return nil
	})
	return nil
}
