package ticker

import (
	"context"
	"testing"
	"time"

	"MarketPulse/internal/model"
)

func TestMerger_OutOfOrderTickDropped(t *testing.T) {
	m := NewMerger()
	base := time.Unix(1700000000, 0)
	if !m.Apply(model.Tick{Symbol: "BTC-USD", Price: 10, ObservedAt: base.Add(time.Second)}) {
		t.Fatal("expected first tick applied")
	}
	if m.Apply(model.Tick{Symbol: "BTC-USD", Price: 5, ObservedAt: base}) {
		t.Error("older tick must be dropped")
	}
	got, ok := m.Latest("BTC-USD")
	if !ok || got.Price != 10 {
		t.Errorf("expected price 10, got %+v (ok=%v)", got, ok)
	}
}

func TestMerger_RejectsInvalid(t *testing.T) {
	m := NewMerger()
	now := time.Now()
	tests := []struct {
		name string
		tick model.Tick
	}{
		{"empty symbol", model.Tick{Price: 1, ObservedAt: now}},
		{"zero price", model.Tick{Symbol: "A", Price: 0, ObservedAt: now}},
		{"negative price", model.Tick{Symbol: "A", Price: -1, ObservedAt: now}},
		{"zero time", model.Tick{Symbol: "A", Price: 1}},
	}
	for _, tt := range tests {
		if m.Apply(tt.tick) {
			t.Errorf("%s: expected rejection", tt.name)
		}
	}
	if len(m.Snapshot()) != 0 {
		t.Error("no tick should be stored")
	}
}

func TestMerger_EqualTimestampLastWriteWins(t *testing.T) {
	m := NewMerger()
	ts := time.Unix(1700000000, 0)
	m.Apply(model.Tick{Symbol: "eth-usd", Price: 1, ObservedAt: ts})
	m.Apply(model.Tick{Symbol: "ETH-USD", Price: 2, ObservedAt: ts})
	if got, _ := m.Latest("ETH-USD"); got.Price != 2 {
		t.Errorf("expected 2, got %v", got.Price)
	}
}

func TestMerger_RunSurvivesClosedStream(t *testing.T) {
	m := NewMerger()
	var changes int
	m.OnChange = func(model.Tick) { changes++ }

	in := make(chan model.Tick, 4)
	ts := time.Unix(1700000000, 0)
	in <- model.Tick{Symbol: "SOL-USD", Price: 20, ObservedAt: ts}
	in <- model.Tick{Symbol: "SOL-USD", Price: 21, ObservedAt: ts.Add(time.Second)}
	in <- model.Tick{Symbol: "SOL-USD", Price: 19, ObservedAt: ts.Add(-time.Second)}
	close(in)

	m.Run(context.Background(), in)

	got, ok := m.Latest("SOL-USD")
	if !ok || got.Price != 21 {
		t.Errorf("expected frozen price 21, got %+v", got)
	}
	if changes != 2 {
		t.Errorf("expected 2 change notifications, got %d", changes)
	}
}

func TestMerger_AcceptFiltersSymbols(t *testing.T) {
	subscribed := map[string]bool{"BTC-USD": true}
	m := NewMerger()
	m.Accept = func(symbol string) bool { return subscribed[symbol] }
	now := time.Now()

	if !m.Apply(model.Tick{Symbol: "btc-usd", Price: 10, ObservedAt: now}) {
		t.Error("expected accepted symbol applied")
	}
	if m.Apply(model.Tick{Symbol: "ETH-USD", Price: 5, ObservedAt: now}) {
		t.Error("expected unaccepted symbol dropped")
	}
	if _, ok := m.Latest("ETH-USD"); ok {
		t.Error("unaccepted symbol must not be stored")
	}
}
