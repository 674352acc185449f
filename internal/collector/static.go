package collector

import (
	"context"
	"sync"
	"time"

	"MarketPulse/internal/model"
)

// StaticFetcher returns canned series for development and tests.
// Symbols with no configured series get a generated one around BasePrice.
type StaticFetcher struct {
	BasePrice float64
	Series    map[string]model.CandleSeries
	Errors    map[string]error
	Delay     time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func (m *StaticFetcher) Name() string { return "static" }

func (m *StaticFetcher) FetchCandles(ctx context.Context, symbol string, granularity time.Duration, start, end time.Time) (model.CandleSeries, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[symbol]++
	m.mu.Unlock()

	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err, ok := m.Errors[symbol]; ok && err != nil {
		return nil, err
	}
	if s, ok := m.Series[symbol]; ok {
		return s, nil
	}
	return generateSeries(m.BasePrice, granularity, start, end), nil
}

// Calls returns how many fetches were made for symbol.
func (m *StaticFetcher) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[symbol]
}

func generateSeries(basePrice float64, granularity time.Duration, start, end time.Time) model.CandleSeries {
	if basePrice <= 0 {
		basePrice = 100
	}
	if granularity <= 0 || !end.After(start) {
		return model.CandleSeries{}
	}
	first := start.Truncate(granularity)
	count := int(end.Sub(first) / granularity)
	series := make(model.CandleSeries, 0, count)
	for i := 0; i < count; i++ {
		p := basePrice * (1 + float64(i-count/2)*0.001)
		open := first.Add(time.Duration(i) * granularity)
		series = append(series, model.Candle{
			OpenTime:  open,
			CloseTime: open.Add(granularity),
			Open:      p * 0.999,
			High:      p * 1.005,
			Low:       p * 0.995,
			Close:     p,
			Volume:    1000,
		})
	}
	return series
}
