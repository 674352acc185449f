package collector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCoinbaseFetcher_FetchCandles(t *testing.T) {
	var gotPath, gotGranularity string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotGranularity = r.URL.Query().Get("granularity")
		// newest first, as the exchange returns them
		w.Write([]byte(`[
			[1700001800, 95, 112, 104, 108, 12.5],
			[1700000900, "94.5", "111", "101", "104", "3"],
			[1700000000, 95, 110, 100, 101, 7]
		]`))
	}))
	defer srv.Close()

	f := NewCoinbaseFetcher(srv.URL, "")
	end := time.Unix(1700002700, 0)
	series, err := f.FetchCandles(context.Background(), "btc-usd", 15*time.Minute, end.Add(-24*time.Hour), end)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/products/BTC-USD/candles" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotGranularity != "900" {
		t.Errorf("expected granularity 900, got %q", gotGranularity)
	}
	if len(series) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(series))
	}
	for i := 1; i < len(series); i++ {
		if !series[i-1].OpenTime.Before(series[i].OpenTime) {
			t.Errorf("series not ascending at %d", i)
		}
	}
	first := series[0]
	if first.Open != 100 || first.High != 110 || first.Low != 95 || first.Close != 101 {
		t.Errorf("unexpected first candle %+v", first)
	}
	if got := first.CloseTime.Sub(first.OpenTime); got != 15*time.Minute {
		t.Errorf("expected close time one bucket after open, got %v", got)
	}
	if series[1].Low != 94.5 {
		t.Errorf("string-encoded low not parsed, got %v", series[1].Low)
	}
}

func TestCoinbaseFetcher_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
		wantLen int
	}{
		{"empty result is valid", 200, `[]`, nil, 0},
		{"server error", 503, `{"message":"unavailable"}`, ErrNetwork, 0},
		{"error object with 200", 200, `{"message":"NotFound"}`, ErrParse, 0},
		{"short record", 200, `[[1700000000, 95, 110, 100]]`, ErrParse, 0},
		{"null field", 200, `[[1700000000, 95, null, 100, 101, 7]]`, ErrParse, 0},
		{"non numeric", 200, `[[1700000000, "abc", 110, 100, 101, 7]]`, ErrParse, 0},
		{"low above high", 200, `[[1700000000, 120, 110, 100, 101, 7]]`, ErrParse, 0},
		{"truncated json", 200, `[[1700000000, 95`, ErrParse, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := NewCoinbaseFetcher(srv.URL, "")
			now := time.Now()
			series, err := f.FetchCandles(context.Background(), "ETH-USD", 15*time.Minute, now.Add(-time.Hour), now)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if series == nil || len(series) != tt.wantLen {
					t.Errorf("expected non-nil series of %d, got %v", tt.wantLen, series)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCoinbaseFetcher_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f := NewCoinbaseFetcher(url, "")
	now := time.Now()
	_, err := f.FetchCandles(context.Background(), "BTC-USD", time.Minute, now.Add(-time.Hour), now)
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestParseCandles_DuplicateOpenTimeKeepsLast(t *testing.T) {
	series, err := ParseCandles([]byte(`[[60, 1, 3, 2, 2.5, 1], [60, 1, 4, 2, 3.5, 1]]`), time.Minute)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("expected duplicates collapsed, got %d", len(series))
	}
	if series[0].Close != 3.5 {
		t.Errorf("expected last record to win, got close %v", series[0].Close)
	}
}
