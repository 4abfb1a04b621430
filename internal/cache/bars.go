package cache

import (
	"sync"

	"lbankflow/internal/indicator"
	"lbankflow/internal/timeframe"
	"lbankflow/models"
)

// MaxBars caps every bar window; the oldest bar is evicted first.
const MaxBars = 200

type barKey struct {
	symbol string
	tf     string
}

type barWindow struct {
	bars       []models.Bar
	indicators indicator.Set
}

// BarStore holds one bounded OHLCV window per (symbol, timeframe) along
// with the derived indicator fields. The message router is the only
// writer; external consumers read copies.
type BarStore struct {
	mu      sync.RWMutex
	windows map[barKey]*barWindow
	maxBars int
}

func NewBarStore() *BarStore {
	return &BarStore{
		windows: make(map[barKey]*barWindow),
		maxBars: MaxBars,
	}
}

func (s *BarStore) key(symbol, tf string) barKey {
	return barKey{symbol: symbol, tf: timeframe.Normalize(tf)}
}

// Seed replaces the window with a prefill series, trimmed to the cap.
func (s *BarStore) Seed(symbol, tf string, bars []models.Bar) {
	if len(bars) > s.maxBars {
		bars = bars[len(bars)-s.maxBars:]
	}
	cp := make([]models.Bar, len(bars))
	copy(cp, bars)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[s.key(symbol, tf)] = &barWindow{bars: cp}
}

// Apply appends a bar, or replaces the last one when the timestamp matches
// (the venue re-pushes the open bar as it fills in). Overflow evicts the
// oldest bar.
func (s *BarStore) Apply(symbol, tf string, bar models.Bar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.key(symbol, tf)
	w, ok := s.windows[k]
	if !ok {
		w = &barWindow{}
		s.windows[k] = w
	}

	if n := len(w.bars); n > 0 && w.bars[n-1].Timestamp == bar.Timestamp {
		w.bars[n-1] = bar
		return
	}
	w.bars = append(w.bars, bar)
	if len(w.bars) > s.maxBars {
		w.bars = w.bars[1:]
	}
}

// SetIndicators stores the recomputed derived fields for one window.
func (s *BarStore) SetIndicators(symbol, tf string, set indicator.Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.windows[s.key(symbol, tf)]; ok {
		w.indicators = set
	}
}

// Snapshot returns a copy of the window, oldest bar first.
func (s *BarStore) Snapshot(symbol, tf string) []models.Bar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[s.key(symbol, tf)]
	if !ok {
		return nil
	}
	cp := make([]models.Bar, len(w.bars))
	copy(cp, w.bars)
	return cp
}

// Indicators returns the latest derived fields for one window.
func (s *BarStore) Indicators(symbol, tf string) (indicator.Set, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[s.key(symbol, tf)]
	if !ok {
		return indicator.Set{}, false
	}
	return w.indicators, true
}

// Len reports the current window length.
func (s *BarStore) Len(symbol, tf string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.windows[s.key(symbol, tf)]; ok {
		return len(w.bars)
	}
	return 0
}
