package calculator

import (
	"strings"

	"MarketPulse/internal/model"
)

// ComputeStats derives 24h-style statistics from a series and an optional live tick.
// It is a pure function of its inputs.
//
// High/low come from the candles, widened by the tick price when it falls outside.
// Percent change is measured from the first candle's open to the tick price, or to
// the last close when no tick is present. Without candles there is no baseline, so
// the change stays absent even if a tick exists.
func ComputeStats(symbol string, series model.CandleSeries, latest *model.Tick) model.Stats {
	st := model.Stats{Symbol: strings.ToUpper(strings.TrimSpace(symbol))}

	if high, low, err := SeriesRange(series); err == nil {
		st.High, st.Low, st.HasRange = high, low, true
	}

	last, hasCandles := series.Last()
	if hasCandles {
		st.CurrentPrice = last.Close
		st.AsOf = last.CloseTime
	}

	if latest != nil {
		p := latest.Price
		st.CurrentPrice = p
		if !st.HasRange {
			st.High, st.Low, st.HasRange = p, p, true
		} else {
			if p > st.High {
				st.High = p
			}
			if p < st.Low {
				st.Low = p
			}
		}
		if latest.ObservedAt.After(st.AsOf) {
			st.AsOf = latest.ObservedAt
		}
	}

	if first, ok := series.First(); ok {
		if change, ok := PercentChange(first.Open, st.CurrentPrice); ok {
			st.PercentChange = change
			st.HasChange = true
			st.IsPositive = change > 0
		}
	}
	return st
}
