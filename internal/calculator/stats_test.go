package calculator

import (
	"math"
	"testing"
	"time"

	"MarketPulse/internal/model"
)

func candle(openTime time.Time, o, h, l, c float64) model.Candle {
	return model.Candle{OpenTime: openTime, CloseTime: openTime.Add(15 * time.Minute), Open: o, High: h, Low: l, Close: c}
}

func TestComputeStats_NoTick(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	series := model.CandleSeries{candle(t0, 100, 110, 95, 105)}

	st := ComputeStats("btc-usd", series, nil)
	if st.Symbol != "BTC-USD" {
		t.Errorf("expected normalised symbol, got %q", st.Symbol)
	}
	if math.Abs(st.PercentChange-0.05) > 1e-12 {
		t.Errorf("expected 0.05, got %v", st.PercentChange)
	}
	if !st.HasChange || !st.IsPositive {
		t.Errorf("expected positive change, got %+v", st)
	}
	if st.High != 110 || st.Low != 95 {
		t.Errorf("expected range 95-110, got %v-%v", st.Low, st.High)
	}
	if !st.AsOf.Equal(t0.Add(15 * time.Minute)) {
		t.Errorf("expected as-of at last close, got %v", st.AsOf)
	}
}

func TestComputeStats_TickExtendsRange(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	series := model.CandleSeries{
		candle(t0, 100, 105, 95, 104),
		candle(t0.Add(15*time.Minute), 104, 110, 101, 108),
	}
	tests := []struct {
		name      string
		price     float64
		high, low float64
		positive  bool
	}{
		{"above high", 120, 120, 95, true},
		{"below low", 90, 110, 90, false},
		{"inside range", 100, 110, 95, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tick := &model.Tick{Symbol: "BTC-USD", Price: tt.price, ObservedAt: t0.Add(time.Hour)}
			st := ComputeStats("BTC-USD", series, tick)
			if st.High != tt.high || st.Low != tt.low {
				t.Errorf("range = %v-%v, want %v-%v", st.Low, st.High, tt.low, tt.high)
			}
			if st.CurrentPrice != tt.price {
				t.Errorf("current price = %v, want tick price", st.CurrentPrice)
			}
			if st.IsPositive != tt.positive {
				t.Errorf("isPositive = %v, want %v", st.IsPositive, tt.positive)
			}
			if !st.AsOf.Equal(tick.ObservedAt) {
				t.Errorf("as-of should follow the newer tick")
			}
		})
	}
}

func TestComputeStats_Empty(t *testing.T) {
	st := ComputeStats("X", nil, nil)
	if st.HasChange || st.HasRange || st.IsPositive {
		t.Errorf("expected absent stats, got %+v", st)
	}

	tick := &model.Tick{Symbol: "X", Price: 42, ObservedAt: time.Now()}
	st = ComputeStats("X", model.CandleSeries{}, tick)
	if st.HasChange {
		t.Error("percent change needs a candle baseline")
	}
	if !st.HasRange || st.High != 42 || st.Low != 42 {
		t.Errorf("tick alone should define the range, got %+v", st)
	}
}

func TestComputeStats_FlatIsNotPositive(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	st := ComputeStats("X", model.CandleSeries{candle(t0, 100, 101, 99, 100)}, nil)
	if !st.HasChange || st.PercentChange != 0 || st.IsPositive {
		t.Errorf("expected zero, non-positive change, got %+v", st)
	}
}

func TestComputeStats_ZeroBaseline(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	st := ComputeStats("X", model.CandleSeries{candle(t0, 0, 1, 0, 1)}, nil)
	if st.HasChange {
		t.Errorf("zero open must not yield a change, got %+v", st)
	}
}

func TestSeriesRange_Empty(t *testing.T) {
	if _, _, err := SeriesRange(nil); err != ErrEmptySeries {
		t.Errorf("expected ErrEmptySeries, got %v", err)
	}
}
