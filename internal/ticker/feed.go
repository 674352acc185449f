package ticker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const DefaultFeedURL = "wss://ws-feed.exchange.coinbase.com"

// SymbolSource supplies the symbols to subscribe to on every (re)connect.
type SymbolSource interface {
	CurrentSymbols() []string
}

// FeedConfig controls the websocket client.
type FeedConfig struct {
	URL              string
	Proxy            string
	ReconnectEvery   time.Duration
	HandshakeTimeout time.Duration
}

func (c FeedConfig) withDefaults() FeedConfig {
	out := c
	if out.URL == "" {
		out.URL = DefaultFeedURL
	}
	if out.ReconnectEvery <= 0 {
		out.ReconnectEvery = 2 * time.Second
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	return out
}

// FeedStats records runtime counters of the feed.
type FeedStats struct {
	Connected    bool
	Reconnects   int
	DecodeErrors int
	LastError    string
}

// Feed streams ticker events from the Coinbase websocket feed.
type Feed struct {
	cfg     FeedConfig
	symbols SymbolSource
	pace    *rate.Limiter
	dialer  websocket.Dialer

	writeMu sync.Mutex
	// subMu orders the symbol snapshot, the subscribe writes and the update of
	// subscribed, so the stored set always matches what the server was sent.
	subMu      sync.Mutex
	mu         sync.Mutex
	conn       *websocket.Conn
	subscribed []string
	stats      FeedStats
}

func NewFeed(cfg FeedConfig, symbols SymbolSource) *Feed {
	final := cfg.withDefaults()
	dialer := websocket.Dialer{HandshakeTimeout: final.HandshakeTimeout}
	if final.Proxy != "" {
		if u, err := url.Parse(final.Proxy); err == nil {
			dialer.Proxy = http.ProxyURL(u)
		}
	}
	return &Feed{
		cfg:     final,
		symbols: symbols,
		pace:    rate.NewLimiter(rate.Every(final.ReconnectEvery), 1),
		dialer:  dialer,
	}
}

// Run connects, subscribes and forwards ticks to out until ctx is done,
// reconnecting after any disconnect. It never closes out.
func (f *Feed) Run(ctx context.Context, out chan<- model.Tick) error {
	for {
		if err := f.pace.Wait(ctx); err != nil {
			return ctx.Err()
		}
		err := f.session(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.mu.Lock()
		f.stats.Reconnects++
		if err != nil {
			f.stats.LastError = err.Error()
		}
		f.mu.Unlock()
		logger.Warnf("[feed] disconnected: %v, reconnecting", err)
	}
}

func (f *Feed) session(ctx context.Context, out chan<- model.Tick) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	f.subMu.Lock()
	symbols := normalizeSymbols(f.symbols.CurrentSymbols())
	f.mu.Lock()
	f.conn = conn
	f.subscribed = nil
	f.stats.Connected = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.stats.Connected = false
		f.mu.Unlock()
		conn.Close()
	}()

	if len(symbols) > 0 {
		if err := f.send(conn, "subscribe", symbols); err != nil {
			f.subMu.Unlock()
			return fmt.Errorf("subscribe: %w", err)
		}
		f.mu.Lock()
		f.subscribed = symbols
		f.mu.Unlock()
	}
	f.subMu.Unlock()
	logger.Infof("[feed] connected to %s, %d symbols", f.cfg.URL, len(symbols))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		tick, ok, err := ParseMessage(msg)
		if err != nil {
			f.mu.Lock()
			f.stats.DecodeErrors++
			f.stats.LastError = err.Error()
			f.mu.Unlock()
			logger.Debugf("[feed] skip frame: %v", err)
			continue
		}
		if !ok {
			continue
		}
		select {
		case out <- tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Resubscribe aligns the live connection with the current symbol set.
// Without a connection it is a no-op; the next connect reads the set anyway.
func (f *Feed) Resubscribe() error {
	f.subMu.Lock()
	defer f.subMu.Unlock()

	want := normalizeSymbols(f.symbols.CurrentSymbols())
	f.mu.Lock()
	conn := f.conn
	have := f.subscribed
	f.mu.Unlock()
	if conn == nil {
		return nil
	}
	add, remove := diff(have, want)
	if len(remove) > 0 {
		if err := f.send(conn, "unsubscribe", remove); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	}
	if len(add) > 0 {
		if err := f.send(conn, "subscribe", add); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	f.mu.Lock()
	if f.conn == conn {
		f.subscribed = want
	}
	f.mu.Unlock()
	return nil
}

func (f *Feed) Stats() FeedStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

func (f *Feed) send(conn *websocket.Conn, typ string, symbols []string) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(subscribeMessage{Type: typ, ProductIDs: symbols, Channels: []string{"ticker"}})
}

type feedMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Time      string `json:"time"`
	Message   string `json:"message"`
}

// ParseMessage decodes one feed frame. ok is false for frames that carry no tick
// (subscription acks, heartbeats).
func ParseMessage(b []byte) (model.Tick, bool, error) {
	var m feedMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return model.Tick{}, false, fmt.Errorf("decode frame: %w", err)
	}
	switch m.Type {
	case "ticker":
	case "error":
		return model.Tick{}, false, fmt.Errorf("feed error: %s", m.Message)
	default:
		return model.Tick{}, false, nil
	}
	if m.ProductID == "" {
		return model.Tick{}, false, errors.New("ticker without product_id")
	}
	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("ticker price %q: %w", m.Price, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, m.Time)
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("ticker time %q: %w", m.Time, err)
	}
	p, _ := price.Float64()
	return model.Tick{Symbol: strings.ToUpper(m.ProductID), Price: p, ObservedAt: ts}, true, nil
}

func normalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func diff(have, want []string) (add, remove []string) {
	h := make(map[string]bool, len(have))
	for _, s := range have {
		h[s] = true
	}
	w := make(map[string]bool, len(want))
	for _, s := range want {
		w[s] = true
		if !h[s] {
			add = append(add, s)
		}
	}
	for _, s := range have {
		if !w[s] {
			remove = append(remove, s)
		}
	}
	return add, remove
}
