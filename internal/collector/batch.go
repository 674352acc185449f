package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
	"MarketPulse/internal/ratelimit"

	"golang.org/x/sync/errgroup"
)

// Acquirer hands out admissions for outbound requests.
type Acquirer interface {
	Acquire(ctx context.Context) (ratelimit.Token, error)
}

// Window describes the candle range requested for every symbol, relative to now.
type Window struct {
	Granularity time.Duration
	StartOffset time.Duration // start = now - StartOffset
	EndOffset   time.Duration // end = now - EndOffset
}

// DefaultWindow is the trailing 24 hours at 15 minute granularity.
var DefaultWindow = Window{Granularity: 15 * time.Minute, StartOffset: 24 * time.Hour}

// Result is one symbol's outcome. Err is nil for a successful (possibly empty) series.
type Result struct {
	Series    model.CandleSeries
	Err       error
	FetchedAt time.Time
}

// BatchSync fetches a candle series for every symbol in a set, one request per
// symbol, each admitted by the limiter. It keeps no state between calls.
type BatchSync struct {
	Fetcher Fetcher
	Limiter Acquirer
	Window  Window
	Timeout time.Duration
	Now     func() time.Time
}

// NewBatchSync creates a BatchSync with the default window and a 10s fetch deadline.
func NewBatchSync(fetcher Fetcher, limiter Acquirer) *BatchSync {
	return &BatchSync{
		Fetcher: fetcher,
		Limiter: limiter,
		Window:  DefaultWindow,
		Timeout: 10 * time.Second,
		Now:     time.Now,
	}
}

// Sync fetches the configured window for every symbol.
func (b *BatchSync) Sync(ctx context.Context, symbols []string) map[string]Result {
	return b.SyncWindow(ctx, symbols, b.Window)
}

// SyncWindow fetches w for every symbol. One symbol's failure never aborts the
// others; the returned map holds one entry per distinct input symbol.
func (b *BatchSync) SyncWindow(ctx context.Context, symbols []string, w Window) map[string]Result {
	unique := dedupe(symbols)
	out := make(map[string]Result, len(unique))
	var mu sync.Mutex

	// No SetLimit: the limiter is the only bound on concurrency. Goroutines
	// never return an error because per-symbol failures live in Result, so
	// Wait is only a join.
	var g errgroup.Group
	for _, sym := range unique {
		sym := sym
		g.Go(func() error {
			res := b.syncOne(ctx, sym, w)
			mu.Lock()
			out[sym] = res
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

func (b *BatchSync) syncOne(ctx context.Context, symbol string, w Window) Result {
	if _, err := b.Limiter.Acquire(ctx); err != nil {
		return Result{Err: err}
	}

	now := b.now()
	start := now.Add(-w.StartOffset)
	end := now.Add(-w.EndOffset)

	fctx := ctx
	cancel := func() {}
	if b.Timeout > 0 {
		fctx, cancel = context.WithTimeout(ctx, b.Timeout)
	}
	defer cancel()

	type fetched struct {
		series model.CandleSeries
		err    error
	}
	done := make(chan fetched, 1)
	go func() {
		s, err := b.Fetcher.FetchCandles(fctx, symbol, w.Granularity, start, end)
		done <- fetched{s, err}
	}()

	var res fetched
	select {
	case res = <-done:
	case <-fctx.Done():
		// The call keeps running in the background; its result is dropped.
		res.err = fctx.Err()
	}

	if res.err != nil {
		err := classify(ctx, symbol, res.err)
		logger.Warnf("[sync] %s: %v", symbol, err)
		return Result{Err: err}
	}
	if res.series == nil {
		res.series = model.CandleSeries{}
	}
	logger.Debugf("[sync] %s: %d candles", symbol, len(res.series))
	return Result{Series: res.series, FetchedAt: b.now()}
}

// classify maps deadline errors to ErrNetwork, leaving parent cancellation and
// already-classified errors untouched.
func classify(parent context.Context, symbol string, err error) error {
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrParse), errors.Is(err, ratelimit.ErrShutdown):
		return err
	case parent.Err() != nil:
		return parent.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: fetch %s: deadline exceeded", ErrNetwork, symbol)
	default:
		return fmt.Errorf("%w: fetch %s: %w", ErrNetwork, symbol, err)
	}
}

func (b *BatchSync) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func dedupe(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
