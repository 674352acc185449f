package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

const DefaultYahooURL = "https://query1.finance.yahoo.com"

// YahooFetcher implements Fetcher using the Yahoo Finance chart API.
// Crypto pairs such as BTC-USD use the same ids as Coinbase.
type YahooFetcher struct {
	BaseURL   string
	Client    *http.Client
	SymbolMap map[string]string // maps internal symbol to Yahoo ticker
}

// NewYahooFetcher creates a new Yahoo Finance fetcher.
func NewYahooFetcher(baseURL, proxyURL string) *YahooFetcher {
	if baseURL == "" {
		baseURL = DefaultYahooURL
	}
	return &YahooFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  NewHTTPClient(proxyURL, 30*time.Second),
		SymbolMap: map[string]string{
			"SPX500": "^GSPC",
			"SPX":    "^GSPC",
		},
	}
}

func (f *YahooFetcher) Name() string { return "yahoo" }

func (f *YahooFetcher) yahooSymbol(symbol string) string {
	if mapped, ok := f.SymbolMap[symbol]; ok {
		return mapped
	}
	return symbol
}

// yahooIntervals lists the chart API intervals in ascending order.
var yahooIntervals = []struct {
	d    time.Duration
	name string
}{
	{time.Minute, "1m"},
	{5 * time.Minute, "5m"},
	{15 * time.Minute, "15m"},
	{time.Hour, "60m"},
	{24 * time.Hour, "1d"},
}

// yahooInterval returns the supported interval closest to granularity.
// Ties go to the finer interval.
func yahooInterval(granularity time.Duration) (time.Duration, string, bool) {
	if granularity <= 0 {
		return 0, "", false
	}
	best := yahooIntervals[0]
	for _, iv := range yahooIntervals[1:] {
		if absDuration(iv.d-granularity) < absDuration(best.d-granularity) {
			best = iv
		}
	}
	return best.d, best.name, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// yahooChart is the response structure from Yahoo Finance chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (f *YahooFetcher) FetchCandles(ctx context.Context, symbol string, granularity time.Duration, start, end time.Time) (model.CandleSeries, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	step, interval, ok := yahooInterval(granularity)
	if !ok {
		return nil, fmt.Errorf("%w: yahoo: unsupported granularity %s", ErrParse, granularity)
	}
	if step != granularity {
		logger.Debugf("[yahoo] granularity %s served as %s bars", granularity, interval)
	}
	q := url.Values{}
	q.Set("interval", interval)
	q.Set("period1", strconv.FormatInt(start.Unix(), 10))
	q.Set("period2", strconv.FormatInt(end.Unix(), 10))
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", f.BaseURL, url.PathEscape(f.yahooSymbol(symbol)), q.Encode())
	logger.Debugf("[yahoo] GET %s", u)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: yahoo fetch %s: %w", ErrNetwork, symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: yahoo read body: %w", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: yahoo %s: status %d, body: %s", ErrNetwork, symbol, resp.StatusCode, truncate(body, 200))
	}
	return parseYahooChart(body, step)
}

func parseYahooChart(body []byte, granularity time.Duration) (model.CandleSeries, error) {
	var chart yahooChart
	if err := json.Unmarshal(body, &chart); err != nil {
		return nil, fmt.Errorf("%w: yahoo decode: %w", ErrParse, err)
	}
	if chart.Chart.Error != nil {
		return nil, fmt.Errorf("%w: yahoo api error: %s", ErrParse, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: yahoo: missing chart result", ErrParse)
	}
	if len(chart.Chart.Result[0].Timestamp) == 0 {
		return model.CandleSeries{}, nil
	}

	result := chart.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return nil, fmt.Errorf("%w: yahoo: missing quote block", ErrParse)
	}
	quote := result.Indicators.Quote[0]
	n := len(result.Timestamp)
	if len(quote.Open) != n || len(quote.High) != n || len(quote.Low) != n || len(quote.Close) != n {
		return nil, fmt.Errorf("%w: yahoo: quote arrays do not match %d timestamps", ErrParse, n)
	}

	series := make(model.CandleSeries, 0, n)
	for i, ts := range result.Timestamp {
		o, h, l, c := quote.Open[i], quote.High[i], quote.Low[i], quote.Close[i]
		if o == nil || h == nil || l == nil || c == nil {
			continue // null bars (market closed)
		}
		if *l > *h {
			return nil, fmt.Errorf("%w: yahoo: low %v above high %v at %d", ErrParse, *l, *h, ts)
		}
		var vol float64
		if i < len(quote.Volume) && quote.Volume[i] != nil {
			vol = *quote.Volume[i]
		}
		open := time.Unix(ts, 0).UTC()
		series = append(series, model.Candle{
			OpenTime:  open,
			CloseTime: open.Add(granularity),
			Open:      *o,
			High:      *h,
			Low:       *l,
			Close:     *c,
			Volume:    vol,
		})
	}
	return normalize(series), nil
}
