package model

import "time"

// EntryState is the freshness state of a cache entry as seen by readers.
type EntryState int

const (
	StateFresh EntryState = iota
	StateStale
	StateRefreshing
	StateFailed
)

func (s EntryState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CacheEntry is a point-in-time view of one symbol's cached series.
type CacheEntry struct {
	Symbol    string
	Series    CandleSeries
	FetchedAt time.Time // zero until the first successful fetch
	State     EntryState
	// Stale reports that the series is older than the stale time (or never fetched),
	// independent of whether a refresh is running.
	Stale     bool
	LastError string
	// Version increases every time the entry is replaced.
	Version uint64
}

// HasData reports whether the entry ever received a successful fetch.
func (e CacheEntry) HasData() bool { return !e.FetchedAt.IsZero() }

// SymbolResult is one symbol's outcome inside a refresh batch.
type SymbolResult struct {
	Symbol  string
	Candles int
	Err     string
}

// RefreshReport summarises one refresh batch.
type RefreshReport struct {
	RunID      string
	Trigger    string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []SymbolResult
}

// Failed counts symbols whose fetch returned an error.
func (r *RefreshReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != "" {
			n++
		}
	}
	return n
}
