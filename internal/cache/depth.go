package cache

import (
	"sync"

	"lbankflow/models"
)

// DepthStore keeps the most recent full order book snapshot per symbol.
// Every update replaces the prior snapshot wholesale; there is no
// incremental merge.
type DepthStore struct {
	mu    sync.RWMutex
	books map[string]models.DepthData
}

func NewDepthStore() *DepthStore {
	return &DepthStore{books: make(map[string]models.DepthData)}
}

// Replace installs the latest snapshot for a symbol.
func (s *DepthStore) Replace(snapshot models.DepthData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[snapshot.Symbol] = snapshot
}

// Get returns the latest snapshot for a symbol.
func (s *DepthStore) Get(symbol string) (models.DepthData, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[symbol]
	return b, ok
}

// Symbols lists the symbols with a stored snapshot.
func (s *DepthStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for sym := range s.books {
		out = append(out, sym)
	}
	return out
}
