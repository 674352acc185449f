package collector

import (
	"context"
	"errors"
	"time"

	"MarketPulse/internal/model"
)

var (
	// ErrNetwork marks transport failures, non-2xx responses and fetch deadlines.
	ErrNetwork = errors.New("network error")
	// ErrParse marks malformed responses.
	ErrParse = errors.New("parse error")
)

// Fetcher performs exactly one upstream request per call and never retries.
// A zero-candle response is a valid empty series, not an error.
type Fetcher interface {
	FetchCandles(ctx context.Context, symbol string, granularity time.Duration, start, end time.Time) (model.CandleSeries, error)
	Name() string
}
