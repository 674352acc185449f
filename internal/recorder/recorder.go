package recorder

import (
	"time"

	"MarketPulse/internal/model"
)

// Snapshot is the last good series saved for a symbol.
type Snapshot struct {
	Symbol    string
	Series    model.CandleSeries
	FetchedAt time.Time
}

// RunSummary is one recorded refresh batch.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Symbols    int       `json:"symbols"`
	Failed     int       `json:"failed"`
}

// Recorder persists refresh history and series snapshots.
type Recorder interface {
	RecordRefresh(report *model.RefreshReport) error
	SaveSeries(symbol string, series model.CandleSeries, fetchedAt time.Time) error
	LoadSeries(symbols []string) ([]Snapshot, error)
	RecentRuns(limit int) ([]RunSummary, error)
	Close() error
}
