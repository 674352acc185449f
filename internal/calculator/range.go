package calculator

import (
	"errors"
	"math"

	"MarketPulse/internal/model"
)

// ErrEmptySeries is returned by helpers that need at least one candle.
var ErrEmptySeries = errors.New("no candles provided")

// SeriesRange scans every candle and returns the highest high and lowest low.
func SeriesRange(series model.CandleSeries) (high, low float64, err error) {
	if len(series) == 0 {
		return 0, 0, ErrEmptySeries
	}
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, c := range series {
		if c.High > high {
			high = c.High
		}
		if c.Low < low {
			low = c.Low
		}
	}
	return high, low, nil
}

// PercentChange returns (current - base) / base. ok is false for a non-positive base.
func PercentChange(base, current float64) (change float64, ok bool) {
	if base <= 0 || math.IsNaN(base) || math.IsNaN(current) {
		return 0, false
	}
	return (current - base) / base, true
}
