package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"MarketPulse/internal/model"
)

func openTemp(t *testing.T) *SQLiteRecorder {
	t.Helper()
	r, err := NewSQLiteRecorder(filepath.Join(t.TempDir(), "marketpulse.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSQLiteRecorder_SeriesRoundTrip(t *testing.T) {
	r := openTemp(t)
	t0 := time.Unix(1700000000, 0).UTC()
	series := model.CandleSeries{
		{OpenTime: t0, CloseTime: t0.Add(15 * time.Minute), Open: 100, High: 110, Low: 95, Close: 105, Volume: 12.5},
	}
	fetched := time.UnixMilli(1700000900123)

	if err := r.SaveSeries("BTC-USD", series, fetched); err != nil {
		t.Fatalf("SaveSeries: %v", err)
	}
	// Second save replaces the first.
	series2 := append(series, model.Candle{OpenTime: t0.Add(15 * time.Minute), CloseTime: t0.Add(30 * time.Minute), Open: 105, High: 106, Low: 104, Close: 106})
	if err := r.SaveSeries("BTC-USD", series2, fetched.Add(time.Minute)); err != nil {
		t.Fatalf("SaveSeries: %v", err)
	}

	snaps, err := r.LoadSeries([]string{"BTC-USD", "ETH-USD"})
	if err != nil {
		t.Fatalf("LoadSeries: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	s := snaps[0]
	if s.Symbol != "BTC-USD" || len(s.Series) != 2 || s.Series[1].Close != 106 {
		t.Errorf("unexpected snapshot %+v", s)
	}
	if !s.FetchedAt.Equal(fetched.Add(time.Minute)) {
		t.Errorf("fetched_at = %v, want %v", s.FetchedAt, fetched.Add(time.Minute))
	}
	if !s.Series[0].OpenTime.Equal(t0) {
		t.Errorf("open time lost in round trip: %v", s.Series[0].OpenTime)
	}

	if snaps, err := r.LoadSeries(nil); err != nil || snaps != nil {
		t.Errorf("expected nothing for empty input, got %v %v", snaps, err)
	}
}

func TestSQLiteRecorder_RecordRefresh(t *testing.T) {
	r := openTemp(t)
	base := time.Unix(1700000000, 0)
	for i, trigger := range []string{"schedule", "stale-read"} {
		report := &model.RefreshReport{
			RunID:      []string{"run-a", "run-b"}[i],
			Trigger:    trigger,
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Results: []model.SymbolResult{
				{Symbol: "BTC-USD", Candles: 96},
				{Symbol: "ETH-USD", Err: "network error: status 503"},
			},
		}
		if err := r.RecordRefresh(report); err != nil {
			t.Fatalf("RecordRefresh: %v", err)
		}
	}

	runs, err := r.RecentRuns(10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-b" || runs[0].Trigger != "stale-read" {
		t.Errorf("expected newest run first, got %+v", runs[0])
	}
	if runs[1].Symbols != 2 || runs[1].Failed != 1 {
		t.Errorf("unexpected counts %+v", runs[1])
	}

	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM refresh_results WHERE error != ''`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 failed result rows, got %d", n)
	}
}
