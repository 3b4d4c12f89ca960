package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"gridtrader/logger"
	"gridtrader/market"
)

const (
	maxHistoryDays   = 1000
	maxStreamSymbols = 20
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
)

// marketError maps provider errors; anything unexpected is an upstream failure
func marketError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, market.ErrSymbolNotFound), errors.Is(err, market.ErrNoData):
		abortError(c, http.StatusNotFound, err.Error())
	default:
		logger.Warnf("⚠️  market request %s failed: %v", c.Request.URL.Path, err)
		abortError(c, http.StatusBadGateway, "market data unavailable")
	}
}

func (s *Server) handleQuote(c *gin.Context) {
	q, err := s.market.Quote(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		marketError(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (s *Server) handleHistory(c *gin.Context) {
	days := queryInt(c, "days", 90)
	if days > maxHistoryDays {
		days = maxHistoryDays
	}
	end := time.Now().UTC()
	candles, err := s.market.History(c.Request.Context(), c.Param("symbol"), end.AddDate(0, 0, -days), end)
	if err != nil {
		marketError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": market.NormalizeSymbol(c.Param("symbol")), "candles": candles})
}

func (s *Server) handleSearch(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		abortError(c, http.StatusBadRequest, "q is required")
		return
	}
	results, err := s.market.Search(c.Request.Context(), query, queryInt(c, "limit", 10))
	if err != nil {
		marketError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// streamMessage one push on the quote stream
type streamMessage struct {
	Type   string                   `json:"type"`
	Quotes map[string]*market.Quote `json:"quotes,omitempty"`
	Errors map[string]string        `json:"errors,omitempty"`
	Time   time.Time                `json:"time"`
}

// handleQuoteStream upgrades to a websocket and pushes quotes for the
// requested symbols every StreamInterval until the client goes away
func (s *Server) handleQuoteStream(c *gin.Context) {
	symbols := parseSymbols(c.Query("symbols"))
	if len(symbols) == 0 {
		abortError(c, http.StatusBadRequest, "symbols is required")
		return
	}
	if len(symbols) > maxStreamSymbols {
		abortError(c, http.StatusBadRequest, "too many symbols")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// reader: handles pong/close frames and notices disconnects
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Debugf("quote stream opened for %s: %v", currentUserID(c), symbols)
	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	for {
		if err := s.pushQuotes(ctx, conn, symbols); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushQuotes(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	msg := streamMessage{Type: "quotes", Quotes: make(map[string]*market.Quote), Time: time.Now().UTC()}
	for _, symbol := range symbols {
		q, err := s.market.Quote(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if msg.Errors == nil {
				msg.Errors = make(map[string]string)
			}
			msg.Errors[symbol] = err.Error()
			continue
		}
		msg.Quotes[symbol] = q
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

func parseSymbols(raw string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(raw, ",") {
		symbol := market.NormalizeSymbol(part)
		if symbol == "" {
			continue
		}
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	return out
}
