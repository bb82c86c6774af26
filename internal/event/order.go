package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FilledOrder is a matched pair of opposing over/under intents, submitted
// on-chain-order by the off-chain matcher. Idx is a global monotonic id;
// batches must arrive in strictly increasing idx order with no gaps.
type FilledOrder struct {
	Idx        int64
	Epoch      int64
	Product    string
	OverUser   uuid.UUID
	UnderUser  uuid.UUID
	OverPrice  int64 // Quoted price, raw integer (collateral = unit*price*PriceUnit)
	UnderPrice int64
	Unit       int64
	// Units already redeemed back to the user on each side. Only meaningful
	// for self-orders, where they drive the user/vault settlement split.
	OverRedeemed  int64
	UnderRedeemed int64
}

// OrderFillBatch carries one contiguous run of filled orders for a product's
// current epoch. The engine rejects the whole batch if its first idx does not
// immediately follow the last accepted idx.
type OrderFillBatch struct {
	BatchID   uuid.UUID
	Product   string
	Epoch     int64
	Orders    []FilledOrder
	Sequence  int64
	Timestamp time.Time
}

func (o *OrderFillBatch) IdempotencyKey() string {
	return o.BatchID.String()
}

func (o *OrderFillBatch) EventType() EventType {
	return EventTypeOrderFillBatch
}

func (o *OrderFillBatch) ProductID() *string {
	p := o.Product
	return &p
}

func (o *OrderFillBatch) SourceSequence() int64 {
	return o.Sequence
}

// Validate checks batch-local structure before the core sees it: non-empty,
// single epoch, contiguous idx run, positive units and prices.
func (o *OrderFillBatch) Validate() error {
	if len(o.Orders) == 0 {
		return fmt.Errorf("order batch %s is empty", o.BatchID)
	}

	for i, ord := range o.Orders {
		if ord.Epoch != o.Epoch {
			return fmt.Errorf("order idx=%d epoch=%d does not match batch epoch %d", ord.Idx, ord.Epoch, o.Epoch)
		}
		if ord.Product != o.Product {
			return fmt.Errorf("order idx=%d product=%s does not match batch product %s", ord.Idx, ord.Product, o.Product)
		}
		if i > 0 && ord.Idx != o.Orders[i-1].Idx+1 {
			return fmt.Errorf("order idx sequence broken inside batch: %d follows %d", ord.Idx, o.Orders[i-1].Idx)
		}
		if ord.Unit <= 0 {
			return fmt.Errorf("order idx=%d has non-positive unit %d", ord.Idx, ord.Unit)
		}
		if ord.OverPrice <= 0 || ord.UnderPrice <= 0 {
			return fmt.Errorf("order idx=%d has non-positive price", ord.Idx)
		}
		if ord.OverRedeemed < 0 || ord.OverRedeemed > ord.Unit ||
			ord.UnderRedeemed < 0 || ord.UnderRedeemed > ord.Unit {
			return fmt.Errorf("order idx=%d redeemed units out of range", ord.Idx)
		}
	}

	return nil
}
