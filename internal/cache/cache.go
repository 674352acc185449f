// Package cache keeps one candle series per subscribed symbol and refreshes it
// in the background. Readers never wait on the network: a stale entry is served
// as-is while a refresh is queued for it.
package cache

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"MarketPulse/internal/collector"
	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
	"MarketPulse/internal/ratelimit"

	"github.com/google/uuid"
)

// Refresh triggers, recorded on every report.
const (
	TriggerSchedule   = "schedule"
	TriggerStaleRead  = "stale-read"
	TriggerSubscribe  = "subscribe"
	TriggerInvalidate = "invalidate"
	TriggerManual     = "manual"
)

// Syncer fetches a series for every symbol given. BatchSync implements it.
type Syncer interface {
	Sync(ctx context.Context, symbols []string) map[string]collector.Result
}

// SymbolSource yields the currently subscribed symbols.
type SymbolSource interface {
	CurrentSymbols() []string
}

// Options tune a Cache. Zero values fall back to defaults.
type Options struct {
	StaleTime time.Duration
	Now       func() time.Time
	// OnChange is called outside the lock after an entry is replaced or evicted.
	OnChange func(symbol string)
	// OnReport receives the summary of every finished refresh batch.
	OnReport func(model.RefreshReport)
}

// DefaultStaleTime is how long an entry stays fresh after a successful fetch.
const DefaultStaleTime = 60 * time.Second

type entry struct {
	series      model.CandleSeries
	fetchedAt   time.Time
	failed      bool
	lastError   string
	invalidated bool
	version     uint64
	// createdGen is the batch generation current when the entry was created.
	// Batches started at or before it predate the subscription.
	createdGen uint64
	appliedGen uint64
}

// Cache is the staleness-aware store. Entries are replaced whole, never
// modified in place, so a reader always sees one consistent entry.
type Cache struct {
	syncer    Syncer
	source    SymbolSource
	staleTime time.Duration
	now       func() time.Time
	onChange  func(string)
	onReport  func(model.RefreshReport)

	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]uint64
	pending  map[string]struct{}
	all      bool
	trigger  string
	gen      uint64
	version  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
}

// New creates a cache and starts its refresh worker. Call Close to stop it.
func New(syncer Syncer, source SymbolSource, opts Options) *Cache {
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		syncer:    syncer,
		source:    source,
		staleTime: opts.StaleTime,
		now:       opts.Now,
		onChange:  opts.OnChange,
		onReport:  opts.OnReport,
		entries:   make(map[string]entry),
		inflight:  make(map[string]uint64),
		pending:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
	}
	c.wg.Add(1)
	go c.worker()
	return c
}

// Get returns the entry for symbol without blocking. A stale entry with no
// refresh running queues one. ok is false for symbols that are not cached.
func (c *Cache) Get(symbol string) (model.CacheEntry, bool) {
	sym := normalize(symbol)
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[sym]
	if !ok {
		c.mu.Unlock()
		return model.CacheEntry{}, false
	}
	view := c.viewLocked(sym, e, now)
	queue := view.State == model.StateStale
	if queue {
		c.pending[sym] = struct{}{}
		if c.trigger == "" {
			c.trigger = TriggerStaleRead
		}
	}
	c.mu.Unlock()

	if queue {
		c.signal()
	}
	return view, true
}

// Peek is Get without the refresh side effect.
func (c *Cache) Peek(symbol string) (model.CacheEntry, bool) {
	sym := normalize(symbol)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[sym]
	if !ok {
		return model.CacheEntry{}, false
	}
	return c.viewLocked(sym, e, c.now()), true
}

// Entries returns a view of every entry, sorted by symbol.
func (c *Cache) Entries() []model.CacheEntry {
	now := c.now()
	c.mu.Lock()
	out := make([]model.CacheEntry, 0, len(c.entries))
	for sym, e := range c.entries {
		out = append(out, c.viewLocked(sym, e, now))
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of cached symbols.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reconcile creates entries for new symbols and evicts the rest. A refresh
// already running for an evicted symbol completes but its result is dropped.
func (c *Cache) Reconcile(symbols []string) {
	c.mu.Lock()
	added, removed := c.reconcileLocked(symbols)
	if len(added) > 0 {
		for _, sym := range added {
			c.pending[sym] = struct{}{}
		}
		if c.trigger == "" {
			c.trigger = TriggerSubscribe
		}
	}
	c.mu.Unlock()

	for _, sym := range removed {
		c.notify(sym)
	}
	if len(added) > 0 {
		c.signal()
	}
}

// Evict removes a single symbol.
func (c *Cache) Evict(symbol string) {
	sym := normalize(symbol)
	c.mu.Lock()
	_, ok := c.entries[sym]
	if ok {
		delete(c.entries, sym)
		delete(c.inflight, sym)
		delete(c.pending, sym)
	}
	c.mu.Unlock()
	if ok {
		c.notify(sym)
	}
}

// Seed installs a previously saved series for a symbol that has no data yet.
// The entry stays stale until a refresh succeeds.
func (c *Cache) Seed(symbol string, series model.CandleSeries, fetchedAt time.Time) bool {
	sym := normalize(symbol)
	c.mu.Lock()
	e, ok := c.entries[sym]
	if !ok || !e.fetchedAt.IsZero() {
		c.mu.Unlock()
		return false
	}
	c.version++
	c.entries[sym] = entry{
		series:      series,
		fetchedAt:   fetchedAt,
		failed:      e.failed,
		lastError:   e.lastError,
		invalidated: true,
		version:     c.version,
		createdGen:  e.createdGen,
		appliedGen:  e.appliedGen,
	}
	c.mu.Unlock()
	c.notify(sym)
	return true
}

// InvalidateAll marks every entry stale and queues a refresh of the whole
// subscribed set. Cached series keep being served until replaced.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	for sym, e := range c.entries {
		if !e.invalidated {
			e.invalidated = true
			c.entries[sym] = e
		}
	}
	c.mu.Unlock()
	c.RequestRefreshAll(TriggerInvalidate)
}

// RequestRefreshAll queues a refresh of the current subscription without waiting.
func (c *Cache) RequestRefreshAll(trigger string) {
	c.mu.Lock()
	c.all = true
	if c.trigger == "" {
		c.trigger = trigger
	}
	c.mu.Unlock()
	c.signal()
}

// RefreshNow synchronously refreshes every subscribed symbol that has no
// refresh in flight and returns the batch report.
func (c *Cache) RefreshNow(ctx context.Context, trigger string) model.RefreshReport {
	symbols := c.source.CurrentSymbols()
	c.mu.Lock()
	target, gen, removed := c.beginLocked(symbols, nil, true)
	c.mu.Unlock()
	for _, sym := range removed {
		c.notify(sym)
	}
	return c.runBatch(ctx, gen, target, trigger)
}

// Close stops the worker and waits for running batches to return.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		symbols := c.source.CurrentSymbols()

		c.mu.Lock()
		pending := c.pending
		all, trigger := c.all, c.trigger
		c.pending = make(map[string]struct{})
		c.all, c.trigger = false, ""
		var only map[string]struct{}
		if !all {
			only = pending
		}
		target, gen, removed := c.beginLocked(symbols, only, all)
		c.mu.Unlock()

		for _, sym := range removed {
			c.notify(sym)
		}
		if len(target) == 0 {
			continue
		}
		if trigger == "" {
			trigger = TriggerManual
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runBatch(c.ctx, gen, target, trigger)
		}()
	}
}

// beginLocked reconciles with the subscribed set, picks the symbols to fetch
// and marks them in flight under a fresh generation.
func (c *Cache) beginLocked(symbols []string, only map[string]struct{}, all bool) ([]string, uint64, []string) {
	_, removed := c.reconcileLocked(symbols)

	var target []string
	for _, sym := range normalizeAll(symbols) {
		if _, busy := c.inflight[sym]; busy {
			continue
		}
		if !all {
			if _, ok := only[sym]; !ok {
				continue
			}
		}
		target = append(target, sym)
	}
	if len(target) == 0 {
		return nil, 0, removed
	}
	c.gen++
	for _, sym := range target {
		c.inflight[sym] = c.gen
	}
	return target, c.gen, removed
}

func (c *Cache) reconcileLocked(symbols []string) (added, removed []string) {
	want := make(map[string]struct{}, len(symbols))
	for _, sym := range normalizeAll(symbols) {
		want[sym] = struct{}{}
		if _, ok := c.entries[sym]; !ok {
			c.version++
			c.entries[sym] = entry{version: c.version, createdGen: c.gen}
			added = append(added, sym)
		}
	}
	for sym := range c.entries {
		if _, ok := want[sym]; !ok {
			delete(c.entries, sym)
			delete(c.inflight, sym)
			delete(c.pending, sym)
			removed = append(removed, sym)
		}
	}
	sort.Strings(removed)
	return added, removed
}

func (c *Cache) runBatch(ctx context.Context, gen uint64, symbols []string, trigger string) model.RefreshReport {
	report := model.RefreshReport{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: c.now(),
	}
	logger.Debugf("[cache] refresh %s (%s) started for %d symbols", report.RunID, trigger, len(symbols))

	results := c.syncer.Sync(ctx, symbols)

	var changed []string
	c.mu.Lock()
	for _, sym := range symbols {
		res, ok := results[sym]
		if !ok {
			res = collector.Result{Err: errors.New("no result returned")}
		}
		if c.applyLocked(sym, gen, res) {
			changed = append(changed, sym)
		}
		sr := model.SymbolResult{Symbol: sym, Candles: len(res.Series)}
		if res.Err != nil {
			sr.Err = res.Err.Error()
			sr.Candles = 0
		}
		report.Results = append(report.Results, sr)
	}
	c.mu.Unlock()
	report.FinishedAt = c.now()

	for _, sym := range changed {
		c.notify(sym)
	}
	if failed := report.Failed(); failed > 0 {
		logger.Warnf("[cache] refresh %s (%s): %d/%d symbols failed", report.RunID, trigger, failed, len(symbols))
	} else {
		logger.Infof("[cache] refresh %s (%s): %d symbols updated", report.RunID, trigger, len(symbols))
	}
	if c.onReport != nil {
		c.onReport(report)
	}
	return report
}

// applyLocked installs one result and reports whether the entry changed.
// Results for evicted symbols, for batches that predate the entry, and for
// batches older than one already applied are dropped.
func (c *Cache) applyLocked(sym string, gen uint64, res collector.Result) bool {
	if c.inflight[sym] == gen {
		delete(c.inflight, sym)
	}
	e, ok := c.entries[sym]
	if !ok || gen <= e.createdGen || gen < e.appliedGen {
		logger.Debugf("[cache] dropping result for %s from generation %d", sym, gen)
		return false
	}
	if res.Err != nil && (errors.Is(res.Err, ratelimit.ErrShutdown) || errors.Is(res.Err, context.Canceled)) {
		return false
	}

	c.version++
	next := entry{
		version:    c.version,
		createdGen: e.createdGen,
		appliedGen: gen,
	}
	if res.Err != nil {
		logger.Warnf("[cache] refresh %s failed: %v", sym, res.Err)
		next.series = e.series
		next.fetchedAt = e.fetchedAt
		next.invalidated = e.invalidated
		next.failed = true
		next.lastError = res.Err.Error()
	} else {
		next.series = res.Series
		next.fetchedAt = res.FetchedAt
		if next.fetchedAt.IsZero() {
			next.fetchedAt = c.now()
		}
	}
	c.entries[sym] = next
	return true
}

func (c *Cache) viewLocked(sym string, e entry, now time.Time) model.CacheEntry {
	stale := e.invalidated || e.fetchedAt.IsZero() || now.Sub(e.fetchedAt) >= c.staleTime
	view := model.CacheEntry{
		Symbol:    sym,
		Series:    e.series,
		FetchedAt: e.fetchedAt,
		Stale:     stale,
		LastError: e.lastError,
		Version:   e.version,
	}
	_, busy := c.inflight[sym]
	switch {
	case busy:
		view.State = model.StateRefreshing
	case e.failed:
		view.State = model.StateFailed
	case stale:
		view.State = model.StateStale
	default:
		view.State = model.StateFresh
	}
	return view
}

func (c *Cache) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Cache) notify(sym string) {
	if c.onChange != nil {
		c.onChange(sym)
	}
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalizeAll upper-cases and de-duplicates, keeping first-seen order.
func normalizeAll(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := normalize(s)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}
