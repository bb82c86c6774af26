package oracle

import (
	"fmt"
	"sync"
	"time"
)

// Quote is one published product price.
type Quote struct {
	Product     string
	Price       int64 // Fixed-point, PriceUnit scale
	PublishTime time.Time
}

// PriceSource supplies the round scheduler with the price to stamp on round
// boundaries. Implementations must return a quote published at or after the
// requested boundary time, or an error if none fresh enough exists. The
// deterministic core never reads prices itself; they arrive as event inputs.
type PriceSource interface {
	Price(product string, atOrAfter time.Time) (Quote, error)
}

// MemorySource is a feed-updated in-memory price cache with a staleness
// window. Safe for concurrent update and read.
type MemorySource struct {
	mu        sync.RWMutex
	latest    map[string]Quote
	staleness time.Duration
}

func NewMemorySource(staleness time.Duration) *MemorySource {
	return &MemorySource{
		latest:    make(map[string]Quote),
		staleness: staleness,
	}
}

// Update records a new quote. Older quotes never replace newer ones, so
// out-of-order feed delivery is harmless.
func (s *MemorySource) Update(q Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[q.Product]; ok && cur.PublishTime.After(q.PublishTime) {
		return
	}
	s.latest[q.Product] = q
}

// Price returns the latest quote for the product, provided it was published
// at or after atOrAfter and within the staleness window of it.
func (s *MemorySource) Price(product string, atOrAfter time.Time) (Quote, error) {
	s.mu.RLock()
	q, ok := s.latest[product]
	s.mu.RUnlock()

	if !ok {
		return Quote{}, fmt.Errorf("no quote for %s", product)
	}
	if q.PublishTime.Before(atOrAfter) {
		return Quote{}, fmt.Errorf("quote for %s published %s, before boundary %s",
			product, q.PublishTime.Format(time.RFC3339), atOrAfter.Format(time.RFC3339))
	}
	if s.staleness > 0 && q.PublishTime.After(atOrAfter.Add(s.staleness)) {
		return Quote{}, fmt.Errorf("quote for %s published %s, outside staleness window %s after boundary",
			product, q.PublishTime.Format(time.RFC3339), s.staleness)
	}
	return q, nil
}
