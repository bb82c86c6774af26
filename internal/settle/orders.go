package settle

import (
	"fmt"
	"sort"

	"OptionClear/internal/event"
)

// StoredOrder is a filled order accepted into escrow, awaiting settlement.
type StoredOrder struct {
	event.FilledOrder
	IsSettled bool
}

// OrderStore holds accepted orders keyed by epoch and enforces the global
// idx ordering contract: a batch is rejected wholesale unless its first idx
// immediately follows the last accepted idx. Gaps and reordering are
// therefore impossible by construction.
type OrderStore struct {
	lastAcceptedIdx int64
	byEpoch         map[int64][]*StoredOrder
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		byEpoch: make(map[int64][]*StoredOrder),
	}
}

func (s *OrderStore) LastAcceptedIdx() int64 {
	return s.lastAcceptedIdx
}

// Accept validates batch contiguity against the global sequence and stores
// the orders. Nothing is stored on error.
func (s *OrderStore) Accept(batch *event.OrderFillBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	first := batch.Orders[0].Idx
	if first != s.lastAcceptedIdx+1 {
		return fmt.Errorf("order sequence mismatch: batch starts at idx %d, expected %d",
			first, s.lastAcceptedIdx+1)
	}

	for i := range batch.Orders {
		s.byEpoch[batch.Epoch] = append(s.byEpoch[batch.Epoch], &StoredOrder{FilledOrder: batch.Orders[i]})
	}
	s.lastAcceptedIdx = batch.Orders[len(batch.Orders)-1].Idx

	return nil
}

// Unsettled returns the epoch's unsettled orders in strictly increasing idx
// order.
func (s *OrderStore) Unsettled(epoch int64) []*StoredOrder {
	orders := make([]*StoredOrder, 0, len(s.byEpoch[epoch]))
	for _, o := range s.byEpoch[epoch] {
		if !o.IsSettled {
			orders = append(orders, o)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Idx < orders[j].Idx })
	return orders
}

// DropEpoch releases settled orders for a fully settled epoch.
func (s *OrderStore) DropEpoch(epoch int64) {
	for _, o := range s.byEpoch[epoch] {
		if !o.IsSettled {
			return // Keep the epoch while anything is pending
		}
	}
	delete(s.byEpoch, epoch)
}

// === Snapshot support ===

type StoreSnapshot struct {
	LastAcceptedIdx int64
	Orders          []*StoredOrder
}

func (s *OrderStore) Snapshot() *StoreSnapshot {
	orders := make([]*StoredOrder, 0)
	for _, epochOrders := range s.byEpoch {
		orders = append(orders, epochOrders...)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].Idx < orders[j].Idx })
	return &StoreSnapshot{
		LastAcceptedIdx: s.lastAcceptedIdx,
		Orders:          orders,
	}
}

func (s *OrderStore) Restore(snap *StoreSnapshot) {
	s.lastAcceptedIdx = snap.LastAcceptedIdx
	s.byEpoch = make(map[int64][]*StoredOrder)
	for _, o := range snap.Orders {
		s.byEpoch[o.Epoch] = append(s.byEpoch[o.Epoch], o)
	}
}
