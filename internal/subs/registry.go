package subs

import (
	"fmt"
	"sync"

	"lbankflow/internal/timeframe"
	"lbankflow/models"
)

// Subscription is one (symbol, channel, timeframe/depth) interest.
type Subscription struct {
	Symbol     string
	Channel    models.Channel
	Timeframe  string // kline only, canonical form
	DepthLevel int    // depth only
}

func (s Subscription) key() string {
	if s.Channel == models.ChannelKbar {
		return fmt.Sprintf("%s/%s/%s", s.Symbol, s.Channel, s.Timeframe)
	}
	return fmt.Sprintf("%s/%s", s.Symbol, s.Channel)
}

// Registry holds the desired subscription set. It survives reconnects: the
// supervisor replays a snapshot after every successful handshake. Adds are
// idempotent and removal happens only through an explicit Remove.
type Registry struct {
	mu      sync.RWMutex
	seen    map[string]int // key -> index into subs
	subs    []Subscription
	symbols []string // first-seen symbol order, kept for replay determinism
}

func NewRegistry() *Registry {
	return &Registry{seen: make(map[string]int)}
}

// Add registers an interest. It returns false when the subscription was
// already present.
func (r *Registry) Add(sub Subscription) bool {
	if sub.Channel == models.ChannelKbar {
		sub.Timeframe = timeframe.Normalize(sub.Timeframe)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[sub.key()]; ok {
		return false
	}
	r.seen[sub.key()] = len(r.subs)
	r.subs = append(r.subs, sub)

	known := false
	for _, s := range r.symbols {
		if s == sub.Symbol {
			known = true
			break
		}
	}
	if !known {
		r.symbols = append(r.symbols, sub.Symbol)
	}
	return true
}

// Remove drops an interest. It returns false when nothing matched.
func (r *Registry) Remove(sub Subscription) bool {
	if sub.Channel == models.ChannelKbar {
		sub.Timeframe = timeframe.Normalize(sub.Timeframe)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.seen[sub.key()]
	if !ok {
		return false
	}
	delete(r.seen, sub.key())
	r.subs = append(r.subs[:idx], r.subs[idx+1:]...)
	for k, i := range r.seen {
		if i > idx {
			r.seen[k] = i - 1
		}
	}
	return true
}

// Len reports the current number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot returns the replay sequence: symbols in first-seen order, the
// depth subscription for each symbol first, then its kline subscriptions in
// the order they were added.
func (r *Registry) Snapshot() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, 0, len(r.subs))
	for _, sym := range r.symbols {
		for _, s := range r.subs {
			if s.Symbol == sym && s.Channel == models.ChannelDepth {
				out = append(out, s)
			}
		}
		for _, s := range r.subs {
			if s.Symbol == sym && s.Channel == models.ChannelKbar {
				out = append(out, s)
			}
		}
	}
	return out
}
