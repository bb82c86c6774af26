package settle

import (
	"fmt"

	"OptionClear/internal/ledger"
	fpmath "OptionClear/internal/math"
	"OptionClear/internal/round"

	"github.com/google/uuid"
)

// WinPosition is the directional outcome of one settled order.
type WinPosition int32

const (
	WinPositionInvalid WinPosition = iota // Tie: end price == start price
	WinPositionOver
	WinPositionUnder
)

func (w WinPosition) String() string {
	switch w {
	case WinPositionOver:
		return "over"
	case WinPositionUnder:
		return "under"
	case WinPositionInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Result is the write-once audit record for one settled order idx.
type Result struct {
	Idx         int64
	Epoch       int64
	Product     string
	OverUser    uuid.UUID
	UnderUser   uuid.UUID
	WinPosition WinPosition
	WinAmount   int64
	FeeRate     int64 // Basis points
	Fee         int64
}

// Engine computes win/loss/tie outcomes for a closed round's orders and
// issues the corresponding escrow releases. All value movement is ledger
// journals; settlement cost is O(orders) ledger writes.
type Engine struct {
	journals      *ledger.EscrowJournalGenerator
	commissionBps int64
	results       map[int64]*Result
}

func NewEngine(journals *ledger.EscrowJournalGenerator, commissionBps int64) *Engine {
	return &Engine{
		journals:      journals,
		commissionBps: commissionBps,
		results:       make(map[int64]*Result),
	}
}

// Result returns the recorded settlement result for an order idx.
func (e *Engine) Result(idx int64) (*Result, bool) {
	r, ok := e.results[idx]
	return r, ok
}

// LockOrder escrows both counterparties' collateral for an accepted order.
// The over side locks unit*overPrice*PriceUnit, the under side
// unit*underPrice*PriceUnit; together they form the order's total collateral.
func (e *Engine) LockOrder(batch *ledger.Batch, o *StoredOrder) error {
	productID, ok := ledger.GetProductID(o.Product)
	if !ok {
		return fmt.Errorf("lock order %d: unknown product %s", o.Idx, o.Product)
	}

	overAmount := fpmath.OrderPayout(o.Unit, o.OverPrice)
	underAmount := fpmath.OrderPayout(o.Unit, o.UnderPrice)

	if err := e.journals.AppendEscrowLock(batch, ledger.CallerSettlement,
		o.OverUser, productID, o.Epoch, o.Idx, overAmount); err != nil {
		return fmt.Errorf("lock order %d over side: %w", o.Idx, err)
	}
	if err := e.journals.AppendEscrowLock(batch, ledger.CallerSettlement,
		o.UnderUser, productID, o.Epoch, o.Idx, underAmount); err != nil {
		return fmt.Errorf("lock order %d under side: %w", o.Idx, err)
	}
	return nil
}

// SettleRound settles every unsettled order of a closed round in idx order.
// Orders already settled are skipped (guarded by IsSettled); each produced
// Result is recorded exactly once per idx.
func (e *Engine) SettleRound(batch *ledger.Batch, r *round.Round, orders []*StoredOrder) ([]*Result, error) {
	results := make([]*Result, 0, len(orders))

	for _, o := range orders {
		if o.IsSettled {
			continue
		}
		if _, done := e.results[o.Idx]; done {
			// Result already recorded in a previous pass; only the flag
			// was lost. Never re-issue transfers.
			o.IsSettled = true
			continue
		}

		startPrice, ok := r.StartPrice[o.Product]
		if !ok {
			return nil, fmt.Errorf("settle order %d: round %d has no start price for %s", o.Idx, r.Epoch, o.Product)
		}
		endPrice, ok := r.EndPrice[o.Product]
		if !ok {
			return nil, fmt.Errorf("settle order %d: round %d has no end price for %s", o.Idx, r.Epoch, o.Product)
		}

		result, err := e.settleOrder(batch, o, startPrice, endPrice)
		if err != nil {
			return nil, err
		}

		o.IsSettled = true
		e.results[o.Idx] = result
		results = append(results, result)
	}

	return results, nil
}

// settleOrder issues the escrow releases for one order.
//
// Tie: both sides get their full quoted amount back, fee 0.
// Win/loss: the winner's escrow is released in full with no fee; the loser's
// escrow is released back to the loser net of commission, the fee accruing to
// the treasury. Escrow here is quoted collateral, not the wager itself: the
// directional payout lives in the option tokens redeemed outside this engine.
// Self-order: each side is split into user and vault portions by redeemed
// units, every portion computed with the same fee formula.
func (e *Engine) settleOrder(batch *ledger.Batch, o *StoredOrder, startPrice, endPrice int64) (*Result, error) {
	productID, _ := ledger.GetProductID(o.Product)

	overAmount := fpmath.OrderPayout(o.Unit, o.OverPrice)
	underAmount := fpmath.OrderPayout(o.Unit, o.UnderPrice)

	result := &Result{
		Idx:       o.Idx,
		Epoch:     o.Epoch,
		Product:   o.Product,
		OverUser:  o.OverUser,
		UnderUser: o.UnderUser,
		FeeRate:   e.commissionBps,
	}

	switch {
	case endPrice == startPrice:
		result.WinPosition = WinPositionInvalid
	case endPrice > startPrice:
		result.WinPosition = WinPositionOver
	default:
		result.WinPosition = WinPositionUnder
	}

	if result.WinPosition == WinPositionInvalid {
		// No transfer between parties; both escrows return in full.
		if err := e.releaseSide(batch, o, productID, o.OverUser, overAmount, o.OverPrice, o.OverRedeemed, 0,
			ledger.NewUserAccountKey(o.OverUser, ledger.SubTypeFree)); err != nil {
			return nil, fmt.Errorf("settle order %d tie over side: %w", o.Idx, err)
		}
		if err := e.releaseSide(batch, o, productID, o.UnderUser, underAmount, o.UnderPrice, o.UnderRedeemed, 0,
			ledger.NewUserAccountKey(o.UnderUser, ledger.SubTypeFree)); err != nil {
			return nil, fmt.Errorf("settle order %d tie under side: %w", o.Idx, err)
		}
		return result, nil
	}

	winUser, loseUser := o.OverUser, o.UnderUser
	winAmount, loseAmount := overAmount, underAmount
	winPrice, losePrice := o.OverPrice, o.UnderPrice
	winRedeemed, loseRedeemed := o.OverRedeemed, o.UnderRedeemed
	if result.WinPosition == WinPositionUnder {
		winUser, loseUser = o.UnderUser, o.OverUser
		winAmount, loseAmount = underAmount, overAmount
		winPrice, losePrice = o.UnderPrice, o.OverPrice
		winRedeemed, loseRedeemed = o.UnderRedeemed, o.OverRedeemed
	}

	// Fee is computed before any transfer is issued.
	fee := fpmath.CommissionFee(loseAmount, e.commissionBps)
	result.WinAmount = winAmount
	result.Fee = fee

	if err := e.releaseSide(batch, o, productID, winUser, winAmount, winPrice, winRedeemed, 0,
		ledger.NewUserAccountKey(winUser, ledger.SubTypeFree)); err != nil {
		return nil, fmt.Errorf("settle order %d winner side: %w", o.Idx, err)
	}
	if err := e.releaseSide(batch, o, productID, loseUser, loseAmount, losePrice, loseRedeemed, e.commissionBps,
		ledger.NewUserAccountKey(loseUser, ledger.SubTypeFree)); err != nil {
		return nil, fmt.Errorf("settle order %d loser side: %w", o.Idx, err)
	}

	return result, nil
}

// releaseSide drains one side's escrow bucket. For a self-order the side is
// split by redeemed units into a user portion and a vault portion, each
// fee'd independently with the same formula; otherwise the whole net amount
// goes to dest.
//
// The split reproduces the original redeemed-unit bookkeeping verbatim; see
// DESIGN.md for the open question around partially redeemed positions.
func (e *Engine) releaseSide(
	batch *ledger.Batch,
	o *StoredOrder,
	productID ledger.ProductID,
	user uuid.UUID,
	amount, price, redeemedUnits, feeBps int64,
	dest ledger.AccountKey,
) error {
	selfOrder := o.OverUser == o.UnderUser

	if !selfOrder {
		fee := int64(0)
		if feeBps > 0 {
			fee = fpmath.CommissionFee(amount, feeBps)
		}
		return e.journals.AppendEscrowRelease(batch, ledger.CallerSettlement,
			user, productID, o.Epoch, o.Idx, amount, fee, dest)
	}

	userAmount := fpmath.OrderPayout(redeemedUnits, price)
	vaultAmount := amount - userAmount

	if userAmount > 0 {
		fee := int64(0)
		if feeBps > 0 {
			fee = fpmath.CommissionFee(userAmount, feeBps)
		}
		if err := e.journals.AppendEscrowRelease(batch, ledger.CallerSettlement,
			user, productID, o.Epoch, o.Idx, userAmount, fee,
			ledger.NewUserAccountKey(user, ledger.SubTypeFree)); err != nil {
			return err
		}
	}
	if vaultAmount > 0 {
		fee := int64(0)
		if feeBps > 0 {
			fee = fpmath.CommissionFee(vaultAmount, feeBps)
		}
		if err := e.journals.AppendEscrowRelease(batch, ledger.CallerSettlement,
			user, productID, o.Epoch, o.Idx, vaultAmount, fee,
			ledger.VaultPoolAccount()); err != nil {
			return err
		}
	}
	return nil
}

// === Snapshot support ===

type EngineSnapshot struct {
	Results []*Result
}

func (e *Engine) Snapshot() *EngineSnapshot {
	results := make([]*Result, 0, len(e.results))
	for _, r := range e.results {
		results = append(results, r)
	}
	return &EngineSnapshot{Results: results}
}

func (e *Engine) Restore(snap *EngineSnapshot) {
	e.results = make(map[int64]*Result, len(snap.Results))
	for _, r := range snap.Results {
		e.results[r.Idx] = r
	}
}
