package ticker

import (
	"context"
	"math"
	"strings"
	"sync"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

// Merger keeps the latest tick per symbol, last write wins by ObservedAt.
type Merger struct {
	mu     sync.RWMutex
	latest map[string]model.Tick

	// Accept, when set, filters ticks by symbol. It is checked under the
	// merger lock so a tick cannot land after Forget for a rejected symbol.
	Accept func(symbol string) bool

	// OnChange is called after a tick is applied, outside the lock.
	OnChange func(model.Tick)
}

func NewMerger() *Merger {
	return &Merger{latest: make(map[string]model.Tick)}
}

// Apply stores t unless it is invalid, not accepted, or older than the stored
// tick for its symbol. It reports whether t was applied.
func (m *Merger) Apply(t model.Tick) bool {
	t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
	if t.Symbol == "" || t.ObservedAt.IsZero() || t.Price <= 0 || math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return false
	}
	m.mu.Lock()
	if m.Accept != nil && !m.Accept(t.Symbol) {
		m.mu.Unlock()
		return false
	}
	cur, ok := m.latest[t.Symbol]
	if ok && t.ObservedAt.Before(cur.ObservedAt) {
		m.mu.Unlock()
		return false
	}
	m.latest[t.Symbol] = t
	m.mu.Unlock()

	if m.OnChange != nil {
		m.OnChange(t)
	}
	return true
}

// Latest returns the most recent tick for symbol.
func (m *Merger) Latest(symbol string) (model.Tick, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.latest[strings.ToUpper(strings.TrimSpace(symbol))]
	return t, ok
}

// Forget drops the stored tick for symbol.
func (m *Merger) Forget(symbol string) {
	m.mu.Lock()
	delete(m.latest, strings.ToUpper(strings.TrimSpace(symbol)))
	m.mu.Unlock()
}

// Snapshot copies the whole latest-tick map.
func (m *Merger) Snapshot() map[string]model.Tick {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]model.Tick, len(m.latest))
	for k, v := range m.latest {
		out[k] = v
	}
	return out
}

// Run applies ticks from in until it is closed or ctx is done. A quiet or closed
// stream leaves the stored ticks untouched.
func (m *Merger) Run(ctx context.Context, in <-chan model.Tick) {
	var applied, dropped int
	defer func() {
		logger.Infof("[ticker] merger stopped, applied=%d dropped=%d", applied, dropped)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			if m.Apply(t) {
				applied++
			} else {
				dropped++
			}
		}
	}
}
