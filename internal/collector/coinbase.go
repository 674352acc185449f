package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"

	"github.com/shopspring/decimal"
)

const DefaultBaseURL = "https://api.exchange.coinbase.com"

// CoinbaseFetcher implements Fetcher against the Coinbase Exchange REST API.
type CoinbaseFetcher struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPClient builds a client with optional proxy support.
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// NewCoinbaseFetcher creates a fetcher. Per-request deadlines come from the caller's context.
func NewCoinbaseFetcher(baseURL, proxyURL string) *CoinbaseFetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &CoinbaseFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  NewHTTPClient(proxyURL, 30*time.Second),
	}
}

func (f *CoinbaseFetcher) Name() string { return "coinbase" }

func (f *CoinbaseFetcher) FetchCandles(ctx context.Context, symbol string, granularity time.Duration, start, end time.Time) (model.CandleSeries, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	q := url.Values{}
	q.Set("granularity", fmt.Sprintf("%d", int64(granularity/time.Second)))
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	endpoint := fmt.Sprintf("%s/products/%s/candles?%s", f.BaseURL, url.PathEscape(symbol), q.Encode())
	logger.Debugf("[coinbase] GET %s", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "MarketPulse/1.0")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch candles %s: %w", ErrNetwork, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read candles %s: %w", ErrNetwork, symbol, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: fetch candles %s: status %d, body: %s", ErrNetwork, symbol, resp.StatusCode, truncate(body, 200))
	}
	return ParseCandles(body, granularity)
}

// ParseCandles decodes a Coinbase candle array: [time, low, high, open, close, volume].
// Any malformed record rejects the whole response.
func ParseCandles(body []byte, granularity time.Duration) (model.CandleSeries, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected candle array, got %s", ErrParse, truncate(trimmed, 80))
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var raw [][]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode candles: %w", ErrParse, err)
	}

	series := make(model.CandleSeries, 0, len(raw))
	for i, rec := range raw {
		c, err := parseRecord(rec, granularity)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %w", ErrParse, i, err)
		}
		series = append(series, c)
	}
	return normalize(series), nil
}

func parseRecord(rec []any, granularity time.Duration) (model.Candle, error) {
	if len(rec) < 6 {
		return model.Candle{}, fmt.Errorf("want 6 fields, got %d", len(rec))
	}
	vals := make([]float64, 6)
	for i := 0; i < 6; i++ {
		v, err := toFloat(rec[i])
		if err != nil {
			return model.Candle{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i] = v
	}
	ts, low, high, open, closePrice, volume := vals[0], vals[1], vals[2], vals[3], vals[4], vals[5]
	if ts <= 0 {
		return model.Candle{}, fmt.Errorf("invalid time %v", ts)
	}
	if low > high {
		return model.Candle{}, fmt.Errorf("low %v above high %v", low, high)
	}
	openTime := time.Unix(int64(ts), 0).UTC()
	return model.Candle{
		OpenTime:  openTime,
		CloseTime: openTime.Add(granularity),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
	}, nil
}

// normalize sorts ascending and keeps the last record for a repeated open time.
func normalize(series model.CandleSeries) model.CandleSeries {
	sort.SliceStable(series, func(i, j int) bool { return series[i].OpenTime.Before(series[j].OpenTime) })
	out := series[:0]
	for _, c := range series {
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(c.OpenTime) {
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return decimalFloat(string(n))
	case string:
		return decimalFloat(n)
	case float64:
		return n, nil
	case nil:
		return 0, errors.New("missing value")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func decimalFloat(s string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	f, _ := d.Float64()
	return f, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
