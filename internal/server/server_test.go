package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MarketPulse/internal/board"
	"MarketPulse/internal/catalog"
	"MarketPulse/internal/collector"
	"MarketPulse/internal/model"
	"MarketPulse/internal/ratelimit"
	"MarketPulse/internal/subscription"
	"MarketPulse/internal/ticker"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testAPI struct {
	router *gin.Engine
	board  *board.Board
	merger *ticker.Merger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products":
			w.Write([]byte(`[{"id":"BTC-USD","display_name":"BTC/USD"},{"id":"ETH-USD"}]`))
		case "/currencies":
			w.Write([]byte(`[{"id":"BTC"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstream.Close)
	cat := catalog.New(upstream.URL, "")
	if err := cat.Refresh(context.Background()); err != nil {
		t.Fatalf("catalog: %v", err)
	}

	subs, err := subscription.NewStore("", []string{"BTC-USD"})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	limiter := ratelimit.New(100, time.Second)
	t.Cleanup(limiter.Close)
	t0 := time.Unix(1700000000, 0)
	fetcher := &collector.StaticFetcher{
		BasePrice: 10,
		Series: map[string]model.CandleSeries{"BTC-USD": {{
			OpenTime: t0, CloseTime: t0.Add(15 * time.Minute),
			Open: 100, High: 110, Low: 95, Close: 105,
		}}},
	}
	merger := ticker.NewMerger()
	b := board.New(board.Options{
		Subs:      subs,
		Syncer:    collector.NewBatchSync(fetcher, limiter),
		Merger:    merger,
		StaleTime: time.Minute,
	})
	t.Cleanup(b.Close)
	b.Cache().RefreshNow(context.Background(), "manual")

	return &testAPI{
		router: NewRouter(NewHandler(b, cat, nil), nil),
		board:  b,
		merger: merger,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: invalid JSON %q", method, path, w.Body.String())
	}
	return w.Code, out
}

func TestAPI_Reads(t *testing.T) {
	a := newTestAPI(t)

	if code, _ := a.do(t, "GET", "/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}

	code, body := a.do(t, "GET", "/api/v1/stats/btc-usd", "")
	if code != http.StatusOK {
		t.Fatalf("stats = %d %v", code, body)
	}
	if body["percent_change"] != 0.05 || body["is_positive"] != true || body["high"] != 110.0 || body["state"] != "fresh" {
		t.Errorf("unexpected stats %v", body)
	}

	if code, _ := a.do(t, "GET", "/api/v1/stats/DOGE-USD", ""); code != http.StatusNotFound {
		t.Errorf("unknown stats = %d, want 404", code)
	}

	code, body = a.do(t, "GET", "/api/v1/prices/BTC-USD", "")
	if code != http.StatusOK || body["source"] != "candle" || body["price"] != 105.0 {
		t.Errorf("price = %d %v", code, body)
	}

	code, body = a.do(t, "GET", "/api/v1/series/BTC-USD", "")
	if candles, _ := body["candles"].([]any); code != http.StatusOK || len(candles) != 1 {
		t.Errorf("series = %d %v", code, body)
	}

	code, body = a.do(t, "GET", "/api/v1/overview", "")
	if stats, _ := body["stats"].([]any); code != http.StatusOK || len(stats) != 1 {
		t.Errorf("overview = %d %v", code, body)
	}

	code, body = a.do(t, "GET", "/api/v1/products/btc-usd", "")
	if code != http.StatusOK || body["display_name"] != "BTC/USD" {
		t.Errorf("product = %d %v", code, body)
	}

	if code, _ := a.do(t, "GET", "/api/v1/feed", ""); code != http.StatusNotFound {
		t.Errorf("feed without live feed = %d, want 404", code)
	}

	code, body = a.do(t, "GET", "/api/v1/refresh/runs", "")
	if code != http.StatusOK {
		t.Errorf("history = %d %v", code, body)
	}
	if code, _ := a.do(t, "GET", "/api/v1/refresh/runs?limit=x", ""); code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", code)
	}
}

func TestAPI_Subscription(t *testing.T) {
	a := newTestAPI(t)

	if code, _ := a.do(t, "PUT", "/api/v1/symbols", `{"symbols":["BTC-USD","NOPE-USD"]}`); code != http.StatusBadRequest {
		t.Errorf("unknown product accepted: %d", code)
	}
	if code, _ := a.do(t, "PUT", "/api/v1/symbols", `not json`); code != http.StatusBadRequest {
		t.Errorf("malformed body accepted: %d", code)
	}

	code, body := a.do(t, "POST", "/api/v1/symbols/eth-usd", "")
	if code != http.StatusCreated {
		t.Fatalf("add = %d %v", code, body)
	}
	if code, _ := a.do(t, "POST", "/api/v1/symbols/ETH-USD", ""); code != http.StatusOK {
		t.Errorf("re-add = %d, want 200", code)
	}

	code, body = a.do(t, "GET", "/api/v1/symbols", "")
	if syms, _ := body["symbols"].([]any); code != http.StatusOK || len(syms) != 2 || syms[1] != "ETH-USD" {
		t.Errorf("symbols = %v", body)
	}

	if code, _ := a.do(t, "DELETE", "/api/v1/symbols/ETH-USD", ""); code != http.StatusOK {
		t.Errorf("delete = %d", code)
	}
	if code, _ := a.do(t, "DELETE", "/api/v1/symbols/ETH-USD", ""); code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", code)
	}

	code, body = a.do(t, "PUT", "/api/v1/symbols", `{"symbols":["eth-usd"]}`)
	if syms, _ := body["symbols"].([]any); code != http.StatusOK || len(syms) != 1 || syms[0] != "ETH-USD" {
		t.Errorf("set = %d %v", code, body)
	}

	if code, _ := a.do(t, "POST", "/api/v1/refresh", ""); code != http.StatusAccepted {
		t.Errorf("refresh = %d", code)
	}
}

func TestAPI_EventsStream(t *testing.T) {
	a := newTestAPI(t)
	srv := httptest.NewServer(a.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", srv.URL+"/api/v1/events", nil)

	respCh := make(chan *http.Response, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			close(respCh)
			return
		}
		respCh <- resp
	}()

	// Ticks before the watcher registers are not delivered, so keep sending.
	var resp *http.Response
	price := 100.0
	for resp == nil {
		price++
		a.merger.Apply(model.Tick{Symbol: "BTC-USD", Price: price, ObservedAt: time.Now()})
		select {
		case r, ok := <-respCh:
			if !ok {
				t.Fatal("events request failed")
			}
			resp = r
		case <-time.After(20 * time.Millisecond):
		}
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "data:BTC-USD" {
			return
		}
	}
	t.Fatalf("no change event received: %v", scanner.Err())
}
