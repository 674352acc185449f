// Package subscription owns the set of symbols the dashboard follows.
package subscription

import (
	"strings"
	"sync"

	"MarketPulse/internal/logger"
)

// Store is an ordered, de-duplicated symbol list, optionally backed by a file.
type Store struct {
	mu       sync.RWMutex
	symbols  []string
	filePath string
}

// NewStore loads the list from filePath. When the file holds no symbols the
// initial list is used instead. An empty filePath keeps the list in memory.
func NewStore(filePath string, initial []string) (*Store, error) {
	s := &Store{filePath: filePath}
	if filePath != "" {
		state, err := LoadState(filePath)
		if err != nil {
			return nil, err
		}
		s.symbols = Normalize(state.Symbols)
	}
	if len(s.symbols) == 0 {
		s.symbols = Normalize(initial)
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CurrentSymbols returns a copy of the subscribed symbols in display order.
func (s *Store) CurrentSymbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.symbols...)
}

// Contains reports whether symbol is subscribed.
func (s *Store) Contains(symbol string) bool {
	sym := normalizeOne(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.symbols {
		if v == sym {
			return true
		}
	}
	return false
}

// Set replaces the whole list and returns the stored form.
func (s *Store) Set(symbols []string) ([]string, error) {
	next := Normalize(symbols)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = next
	return append([]string(nil), next...), s.save()
}

// Add appends symbol if absent. changed is false when it was already present.
func (s *Store) Add(symbol string) (changed bool, err error) {
	sym := normalizeOne(symbol)
	if sym == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.symbols {
		if v == sym {
			return false, nil
		}
	}
	s.symbols = append(s.symbols, sym)
	return true, s.save()
}

// Remove drops symbol, keeping the order of the rest.
func (s *Store) Remove(symbol string) (changed bool, err error) {
	sym := normalizeOne(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.symbols[:0:0]
	for _, v := range s.symbols {
		if v == sym {
			changed = true
			continue
		}
		next = append(next, v)
	}
	if !changed {
		return false, nil
	}
	s.symbols = next
	return true, s.save()
}

func (s *Store) save() error {
	if s.filePath == "" {
		return nil
	}
	if err := SaveState(s.filePath, &State{Symbols: s.symbols}); err != nil {
		logger.Errorf("[subscription] failed to save %s: %v", s.filePath, err)
		return err
	}
	return nil
}

// Normalize upper-cases, trims and de-duplicates symbols, keeping first-seen order.
func Normalize(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := normalizeOne(s)
		if sym == "" {
			continue
		}
		if _, ok := seen[sym]; ok {
			continue
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out
}

func normalizeOne(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
