package topology

import (
	"sort"
	"sync"
)

// MarketBinding is one market data stream routed into a strategy's inbound queue.
type MarketBinding struct {
	Market   string
	Interval string
}

// Key returns the routing key of the binding.
func (b MarketBinding) Key() string {
	return b.Market + "." + b.Interval
}

// bindings tracks desired market bindings per strategy.
// Each strategy binds its own queue, so unbinding one never affects another.
type bindings struct {
	mu      sync.Mutex
	desired map[string]map[MarketBinding]struct{}
}

func newBindings() *bindings {
	return &bindings{
		desired: make(map[string]map[MarketBinding]struct{}),
	}
}

// Add registers a desired binding.
// Returns true if the strategy did not already hold it.
func (s *bindings) Add(strategyID string, b MarketBinding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.desired[strategyID]
	if !ok {
		set = make(map[MarketBinding]struct{})
		s.desired[strategyID] = set
	}
	if _, exists := set[b]; exists {
		return false
	}
	set[b] = struct{}{}
	return true
}

// Remove deletes a desired binding.
// Returns true if the strategy held it.
func (s *bindings) Remove(strategyID string, b MarketBinding) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.desired[strategyID]
	if !ok {
		return false
	}
	if _, exists := set[b]; !exists {
		return false
	}
	delete(set, b)
	if len(set) == 0 {
		delete(s.desired, strategyID)
	}
	return true
}

// Drop forgets every binding of a strategy and returns them.
func (s *bindings) Drop(strategyID string) []MarketBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.desired[strategyID]
	delete(s.desired, strategyID)
	out := make([]MarketBinding, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sortBindings(out)
	return out
}

// Of returns the desired bindings of a strategy in a stable order.
func (s *bindings) Of(strategyID string) []MarketBinding {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.desired[strategyID]
	out := make([]MarketBinding, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	sortBindings(out)
	return out
}

func sortBindings(out []MarketBinding) {
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
}
