// Package board is the read side of the dashboard. It combines cached candle
// series with live ticks and owns the subscription lifecycle.
package board

import (
	"context"
	"sync"
	"time"

	"MarketPulse/internal/cache"
	"MarketPulse/internal/calculator"
	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
	"MarketPulse/internal/notifier"
	"MarketPulse/internal/recorder"
	"MarketPulse/internal/subscription"
	"MarketPulse/internal/ticker"
)

// Resubscriber pushes a changed symbol set to the live feed.
type Resubscriber interface {
	Resubscribe() error
}

// Publisher mirrors derived values to an external store.
type Publisher interface {
	Publish(ctx context.Context, u notifier.Update) error
	Remove(ctx context.Context, symbol string) error
}

// Options wires a Board. Subs, Syncer and Merger are required.
type Options struct {
	Subs      *subscription.Store
	Syncer    cache.Syncer
	Merger    *ticker.Merger
	Feed      Resubscriber
	Hub       *notifier.Hub
	Publisher Publisher
	Recorder  recorder.Recorder
	StaleTime time.Duration
	Now       func() time.Time
}

// PriceView is the latest known price for a symbol.
type PriceView struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"as_of"`
	// Source is "tick" for a live price or "candle" for the last cached close.
	Source string `json:"source"`
	Stale  bool   `json:"stale"`
}

// StatsView is derived stats plus the freshness of the series behind them.
type StatsView struct {
	Stats     model.Stats
	State     model.EntryState
	Stale     bool
	FetchedAt time.Time
	LastError string
}

// SeriesView is the cached candle series for a symbol.
type SeriesView struct {
	Symbol    string
	Series    model.CandleSeries
	State     model.EntryState
	Stale     bool
	FetchedAt time.Time
	LastError string
}

type memoKey struct {
	version uint64
	tickAt  time.Time
	price   float64
}

// Board serves non-blocking reads. All failures surface as state fields.
type Board struct {
	subs      *subscription.Store
	cache     *cache.Cache
	merger    *ticker.Merger
	feed      Resubscriber
	hub       *notifier.Hub
	publisher Publisher
	recorder  recorder.Recorder
	staleTime time.Duration
	now       func() time.Time

	memoMu sync.Mutex
	memo   map[string]memoEntry

	// Symbols waiting to be mirrored to the publisher, drained by publishLoop.
	pubMu      sync.Mutex
	pubPending map[string]struct{}
	pubWake    chan struct{}
	pubDone    chan struct{}
	pubWG      sync.WaitGroup
	closeOnce  sync.Once

	// Serialises subscription edits so the store, cache and feed agree.
	editMu sync.Mutex
}

type memoEntry struct {
	key   memoKey
	stats model.Stats
}

// New builds the board and the cache it owns. Call Close to stop the cache.
func New(opts Options) *Board {
	if opts.StaleTime <= 0 {
		opts.StaleTime = cache.DefaultStaleTime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Hub == nil {
		opts.Hub = notifier.NewHub()
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.NewNoopRecorder()
	}
	b := &Board{
		subs:      opts.Subs,
		merger:    opts.Merger,
		feed:      opts.Feed,
		hub:       opts.Hub,
		publisher: opts.Publisher,
		recorder:  opts.Recorder,
		staleTime: opts.StaleTime,
		now:       opts.Now,
		memo:      make(map[string]memoEntry),
	}
	if b.merger.Accept == nil {
		b.merger.Accept = b.subs.Contains
	}
	b.cache = cache.New(opts.Syncer, opts.Subs, cache.Options{
		StaleTime: opts.StaleTime,
		Now:       opts.Now,
		OnChange:  b.changed,
		OnReport:  b.recordReport,
	})
	b.merger.OnChange = func(t model.Tick) { b.changed(t.Symbol) }
	if b.publisher != nil {
		b.pubPending = make(map[string]struct{})
		b.pubWake = make(chan struct{}, 1)
		b.pubDone = make(chan struct{})
		b.pubWG.Add(1)
		go b.publishLoop()
	}
	return b
}

// Cache exposes the underlying cache for the scheduler.
func (b *Board) Cache() *cache.Cache { return b.cache }

// WarmStart creates entries for the subscribed symbols, seeds them from the
// last saved snapshots and queues the first refresh.
func (b *Board) WarmStart() {
	symbols := b.subs.CurrentSymbols()
	b.cache.Reconcile(symbols)

	snaps, err := b.recorder.LoadSeries(symbols)
	if err != nil {
		logger.Warnf("[board] load snapshots: %v", err)
		return
	}
	seeded := 0
	for _, s := range snaps {
		if b.cache.Seed(s.Symbol, s.Series, s.FetchedAt) {
			seeded++
		}
	}
	if seeded > 0 {
		logger.Infof("[board] warm start: seeded %d of %d symbols", seeded, len(symbols))
	}
}

// Symbols returns the subscribed symbols in display order.
func (b *Board) Symbols() []string { return b.subs.CurrentSymbols() }

// SetSymbols replaces the subscription. New symbols are fetched right away,
// removed ones are evicted even if a refresh for them is running.
func (b *Board) SetSymbols(symbols []string) ([]string, error) {
	b.editMu.Lock()
	defer b.editMu.Unlock()
	before := b.subs.CurrentSymbols()
	stored, err := b.subs.Set(symbols)
	if err != nil {
		return nil, err
	}
	b.applySubscription(before, stored)
	return stored, nil
}

// AddSymbol subscribes one symbol.
func (b *Board) AddSymbol(symbol string) (bool, error) {
	b.editMu.Lock()
	defer b.editMu.Unlock()
	before := b.subs.CurrentSymbols()
	changed, err := b.subs.Add(symbol)
	if err != nil || !changed {
		return changed, err
	}
	b.applySubscription(before, b.subs.CurrentSymbols())
	return true, nil
}

// RemoveSymbol unsubscribes one symbol.
func (b *Board) RemoveSymbol(symbol string) (bool, error) {
	b.editMu.Lock()
	defer b.editMu.Unlock()
	before := b.subs.CurrentSymbols()
	changed, err := b.subs.Remove(symbol)
	if err != nil || !changed {
		return changed, err
	}
	b.applySubscription(before, b.subs.CurrentSymbols())
	return true, nil
}

func (b *Board) applySubscription(before, after []string) {
	b.cache.Reconcile(after)

	keep := make(map[string]struct{}, len(after))
	for _, s := range after {
		keep[s] = struct{}{}
	}
	for _, s := range before {
		if _, ok := keep[s]; ok {
			continue
		}
		b.merger.Forget(s)
		b.memoMu.Lock()
		delete(b.memo, s)
		b.memoMu.Unlock()
		b.queuePublish(s)
	}
	if b.feed != nil {
		if err := b.feed.Resubscribe(); err != nil {
			logger.Warnf("[board] resubscribe feed: %v", err)
		}
	}
	logger.Infof("[board] subscription now %v", after)
}

// Refresh marks everything stale and queues a full refresh.
func (b *Board) Refresh() { b.cache.InvalidateAll() }

// Watch returns a channel of changed symbols.
func (b *Board) Watch(buffer int) (<-chan string, func()) { return b.hub.Watch(buffer) }

// LatestPrice prefers the live tick and falls back to the last cached close.
// ok is false for symbols that are not subscribed.
func (b *Board) LatestPrice(symbol string) (PriceView, bool) {
	if !b.subs.Contains(symbol) {
		return PriceView{}, false
	}
	e, cached := b.cache.Get(symbol)
	if t, ok := b.merger.Latest(symbol); ok {
		return PriceView{
			Symbol:     t.Symbol,
			Price:      t.Price,
			ObservedAt: t.ObservedAt,
			Source:     "tick",
			Stale:      b.now().Sub(t.ObservedAt) >= b.staleTime,
		}, true
	}
	if !cached {
		return PriceView{}, false
	}
	last, ok := e.Series.Last()
	if !ok {
		return PriceView{}, false
	}
	return PriceView{
		Symbol:     e.Symbol,
		Price:      last.Close,
		ObservedAt: last.CloseTime,
		Source:     "candle",
		Stale:      e.Stale,
	}, true
}

// Stats derives stats for a subscribed symbol. ok is false for unknown symbols.
func (b *Board) Stats(symbol string) (StatsView, bool) {
	e, ok := b.cache.Get(symbol)
	if !ok {
		return StatsView{}, false
	}
	return b.statsFor(e), true
}

// Series returns the cached series for a subscribed symbol.
func (b *Board) Series(symbol string) (SeriesView, bool) {
	e, ok := b.cache.Get(symbol)
	if !ok {
		return SeriesView{}, false
	}
	return SeriesView{
		Symbol:    e.Symbol,
		Series:    e.Series,
		State:     e.State,
		Stale:     e.Stale,
		FetchedAt: e.FetchedAt,
		LastError: e.LastError,
	}, true
}

// Overview returns stats for every subscribed symbol in display order.
func (b *Board) Overview() []StatsView {
	symbols := b.subs.CurrentSymbols()
	out := make([]StatsView, 0, len(symbols))
	for _, s := range symbols {
		if v, ok := b.Stats(s); ok {
			out = append(out, v)
		}
	}
	return out
}

// Rows converts an overview for table rendering.
func Rows(views []StatsView) []notifier.Row {
	rows := make([]notifier.Row, 0, len(views))
	for _, v := range views {
		rows = append(rows, notifier.Row{
			Stats:     v.Stats,
			State:     v.State,
			Stale:     v.Stale,
			FetchedAt: v.FetchedAt,
			LastError: v.LastError,
		})
	}
	return rows
}

// Close stops background refreshes, the publisher loop and watchers.
func (b *Board) Close() {
	b.cache.Close()
	b.closeOnce.Do(func() {
		if b.pubDone != nil {
			close(b.pubDone)
		}
	})
	b.pubWG.Wait()
	b.hub.Close()
}

// statsFor recomputes stats only when the entry or the tick changed, so every
// reader of the same inputs sees the same value.
func (b *Board) statsFor(e model.CacheEntry) StatsView {
	var (
		tick *model.Tick
		key  = memoKey{version: e.Version}
	)
	if t, ok := b.merger.Latest(e.Symbol); ok {
		tick = &t
		key.tickAt, key.price = t.ObservedAt, t.Price
	}

	b.memoMu.Lock()
	m, hit := b.memo[e.Symbol]
	if !hit || m.key != key {
		m = memoEntry{key: key, stats: calculator.ComputeStats(e.Symbol, e.Series, tick)}
		b.memo[e.Symbol] = m
	}
	b.memoMu.Unlock()

	return StatsView{
		Stats:     m.stats,
		State:     e.State,
		Stale:     e.Stale,
		FetchedAt: e.FetchedAt,
		LastError: e.LastError,
	}
}

func (b *Board) changed(symbol string) {
	b.hub.Publish(symbol)
	b.queuePublish(symbol)
}

// queuePublish marks symbol for mirroring. Repeated changes before the loop
// runs collapse into one write.
func (b *Board) queuePublish(symbol string) {
	if b.publisher == nil {
		return
	}
	b.pubMu.Lock()
	b.pubPending[symbol] = struct{}{}
	b.pubMu.Unlock()
	select {
	case b.pubWake <- struct{}{}:
	default:
	}
}

// publishLoop owns all publisher calls so a slow store never holds up a
// refresh batch, and writes and removals for one symbol stay ordered.
func (b *Board) publishLoop() {
	defer b.pubWG.Done()
	for {
		select {
		case <-b.pubDone:
			return
		case <-b.pubWake:
		}
		b.pubMu.Lock()
		pending := b.pubPending
		b.pubPending = make(map[string]struct{}, len(pending))
		b.pubMu.Unlock()
		for symbol := range pending {
			b.publish(symbol)
		}
	}
}

func (b *Board) publish(symbol string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e, ok := b.cache.Peek(symbol)
	if !ok || !b.subs.Contains(symbol) {
		if err := b.publisher.Remove(ctx, symbol); err != nil {
			logger.Warnf("[board] %v", err)
		}
		return
	}
	v := b.statsFor(e)
	u := notifier.Update{
		Symbol:    symbol,
		Stats:     &v.Stats,
		State:     v.State.String(),
		Stale:     v.Stale,
		LastError: v.LastError,
	}
	if t, ok := b.merger.Latest(symbol); ok {
		u.Price = &t
	}
	if err := b.publisher.Publish(ctx, u); err != nil {
		logger.Warnf("[board] %v", err)
	}
}

func (b *Board) recordReport(r model.RefreshReport) {
	if err := b.recorder.RecordRefresh(&r); err != nil {
		logger.Errorf("[board] record refresh %s: %v", r.RunID, err)
	}
	for _, res := range r.Results {
		if res.Err != "" {
			continue
		}
		e, ok := b.cache.Peek(res.Symbol)
		if !ok || !e.HasData() || e.State == model.StateFailed {
			continue
		}
		if err := b.recorder.SaveSeries(e.Symbol, e.Series, e.FetchedAt); err != nil {
			logger.Errorf("[board] save series %s: %v", e.Symbol, err)
		}
	}
}

// History returns the latest recorded refresh batches.
func (b *Board) History(limit int) ([]recorder.RunSummary, error) {
	return b.recorder.RecentRuns(limit)
}
