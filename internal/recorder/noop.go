package recorder

import (
	"time"

	"MarketPulse/internal/model"
)

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordRefresh(_ *model.RefreshReport) error                   { return nil }
func (n *NoopRecorder) SaveSeries(_ string, _ model.CandleSeries, _ time.Time) error { return nil }
func (n *NoopRecorder) LoadSeries(_ []string) ([]Snapshot, error)                    { return nil, nil }
func (n *NoopRecorder) RecentRuns(_ int) ([]RunSummary, error)                       { return nil, nil }
func (n *NoopRecorder) Close() error                                                 { return nil }
