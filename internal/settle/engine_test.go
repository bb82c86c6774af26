package settle_test

import (
	"OptionClear/internal/event"
	"OptionClear/internal/ledger"
	"OptionClear/internal/round"
	"OptionClear/internal/settle"
	"testing"
	"time"

	"github.com/google/uuid"
)

const commissionBps = 500 // 5%

type fixture struct {
	tracker *ledger.BalanceTracker
	jg      *ledger.EscrowJournalGenerator
	engine  *settle.Engine
}

func newFixture() *fixture {
	tracker := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, tracker)
	return &fixture{
		tracker: tracker,
		jg:      jg,
		engine:  settle.NewEngine(jg, commissionBps),
	}
}

func (f *fixture) deposit(t *testing.T, userID uuid.UUID, amount int64) {
	t.Helper()
	batch := f.jg.NewBatch("dep:"+userID.String(), 0)
	if err := f.jg.AppendDeposit(batch, ledger.CallerClearingHouse, userID, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := f.tracker.ApplyBatch(f.jg.Seal(batch)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}
}

func (f *fixture) lock(t *testing.T, o *settle.StoredOrder) {
	t.Helper()
	batch := f.jg.NewBatch("lock", 0)
	if err := f.engine.LockOrder(batch, o); err != nil {
		t.Fatalf("LockOrder: %v", err)
	}
	if err := f.tracker.ApplyBatch(f.jg.Seal(batch)); err != nil {
		t.Fatalf("apply lock: %v", err)
	}
}

func (f *fixture) settle(t *testing.T, r *round.Round, orders []*settle.StoredOrder) []*settle.Result {
	t.Helper()
	batch := f.jg.NewBatch("settle", 0)
	results, err := f.engine.SettleRound(batch, r, orders)
	if err != nil {
		t.Fatalf("SettleRound: %v", err)
	}
	f.jg.Seal(batch)
	if len(batch.Journals) > 0 {
		if err := f.tracker.ApplyBatch(batch); err != nil {
			t.Fatalf("apply settlement: %v", err)
		}
	}
	return results
}

func closedRound(epoch, startPrice, endPrice int64) *round.Round {
	return &round.Round{
		Epoch:          epoch,
		StartTimestamp: time.Unix(0, 0),
		EndTimestamp:   time.Unix(300, 0),
		StartPrice:     map[string]int64{"BTC-USD": startPrice},
		EndPrice:       map[string]int64{"BTC-USD": endPrice},
		IsStarted:      true,
		IsSettled:      true,
	}
}

func order(idx, epoch int64, over, under uuid.UUID, unit, overPrice, underPrice int64) *settle.StoredOrder {
	return &settle.StoredOrder{
		FilledOrder: event.FilledOrder{
			Idx:        idx,
			Epoch:      epoch,
			Product:    "BTC-USD",
			OverUser:   over,
			UnderUser:  under,
			OverPrice:  overPrice,
			UnderPrice: underPrice,
			Unit:       unit,
		},
	}
}

// ============================================================================
// Test: win/loss settlement
// ============================================================================

func TestSettle_OverWins(t *testing.T) {
	f := newFixture()
	userA, userB := uuid.New(), uuid.New()

	// unit=10, over quotes 40, under quotes 60 → escrows 400e6 and 600e6
	f.deposit(t, userA, 400_000_000)
	f.deposit(t, userB, 600_000_000)

	o := order(1, 1, userA, userB, 10, 40, 60)
	f.lock(t, o)

	if free := f.tracker.GetUserFreeBalance(userA); free != 0 {
		t.Fatalf("A free after lock: got %d, want 0", free)
	}

	r := closedRound(1, 50_000, 51_000) // end > start → over wins
	results := f.settle(t, r, []*settle.StoredOrder{o})

	if len(results) != 1 {
		t.Fatalf("results: got %d, want 1", len(results))
	}
	res := results[0]
	if res.WinPosition != settle.WinPositionOver {
		t.Errorf("win position: got %s, want over", res.WinPosition)
	}
	if res.OverUser != userA || res.UnderUser != userB {
		t.Error("result should carry both counterparties")
	}

	// Fee is 5% of the loser's 600e6 escrow
	if res.Fee != 30_000_000 {
		t.Errorf("fee: got %d, want 30_000_000", res.Fee)
	}
	// Winner's escrow back in full
	if res.WinAmount != 400_000_000 {
		t.Errorf("win amount: got %d, want 400_000_000", res.WinAmount)
	}

	if free := f.tracker.GetUserFreeBalance(userA); free != 400_000_000 {
		t.Errorf("winner free: got %d, want 400_000_000", free)
	}
	if free := f.tracker.GetUserFreeBalance(userB); free != 570_000_000 {
		t.Errorf("loser free: got %d, want 570_000_000", free)
	}
	if treasury := f.tracker.GetTreasuryBalance(); treasury != 30_000_000 {
		t.Errorf("treasury: got %d, want 30_000_000", treasury)
	}
	if total := f.tracker.ComputeGlobalBalance(); total != 0 {
		t.Errorf("conservation: global balance %d != 0", total)
	}

	// Escrow buckets fully drained
	productID, _ := ledger.GetProductID("BTC-USD")
	if got := f.tracker.GetEscrowBalance(userA, productID, 1, 1); got != 0 {
		t.Errorf("over escrow not drained: %d", got)
	}
	if got := f.tracker.GetEscrowBalance(userB, productID, 1, 1); got != 0 {
		t.Errorf("under escrow not drained: %d", got)
	}
}

func TestSettle_UnderWins(t *testing.T) {
	f := newFixture()
	userA, userB := uuid.New(), uuid.New()
	f.deposit(t, userA, 400_000_000)
	f.deposit(t, userB, 600_000_000)

	o := order(1, 1, userA, userB, 10, 40, 60)
	f.lock(t, o)

	r := closedRound(1, 50_000, 49_999) // end < start → under wins
	results := f.settle(t, r, []*settle.StoredOrder{o})

	res := results[0]
	if res.WinPosition != settle.WinPositionUnder {
		t.Fatalf("win position: got %s, want under", res.WinPosition)
	}
	// Fee is 5% of the over side's 400e6 escrow
	if res.Fee != 20_000_000 {
		t.Errorf("fee: got %d, want 20_000_000", res.Fee)
	}
	if free := f.tracker.GetUserFreeBalance(userB); free != 600_000_000 {
		t.Errorf("winner free: got %d, want 600_000_000", free)
	}
	if free := f.tracker.GetUserFreeBalance(userA); free != 380_000_000 {
		t.Errorf("loser free: got %d, want 380_000_000", free)
	}
	if total := f.tracker.ComputeGlobalBalance(); total != 0 {
		t.Errorf("conservation: global balance %d != 0", total)
	}
}

// ============================================================================
// Test: tie
// ============================================================================

func TestSettle_Tie_FullRefundsNoFee(t *testing.T) {
	f := newFixture()
	userA, userB := uuid.New(), uuid.New()
	f.deposit(t, userA, 400_000_000)
	f.deposit(t, userB, 600_000_000)

	o := order(1, 1, userA, userB, 10, 40, 60)
	f.lock(t, o)

	r := closedRound(1, 50_000, 50_000) // end == start → tie
	results := f.settle(t, r, []*settle.StoredOrder{o})

	res := results[0]
	if res.WinPosition != settle.WinPositionInvalid {
		t.Errorf("win position: got %s, want invalid", res.WinPosition)
	}
	if res.Fee != 0 || res.WinAmount != 0 {
		t.Errorf("tie should carry no fee or win amount, got fee=%d win=%d", res.Fee, res.WinAmount)
	}

	if free := f.tracker.GetUserFreeBalance(userA); free != 400_000_000 {
		t.Errorf("A refund: got %d, want 400_000_000", free)
	}
	if free := f.tracker.GetUserFreeBalance(userB); free != 600_000_000 {
		t.Errorf("B refund: got %d, want 600_000_000", free)
	}
	if treasury := f.tracker.GetTreasuryBalance(); treasury != 0 {
		t.Errorf("treasury after tie: got %d, want 0", treasury)
	}
}

// ============================================================================
// Test: self-order split
// ============================================================================

func TestSettle_SelfOrder_RedeemedSplit(t *testing.T) {
	f := newFixture()
	userA := uuid.New()
	f.deposit(t, userA, 1_000_000_000)

	// Same user on both sides; 4 of 10 over units redeemed back to the user
	o := order(1, 1, userA, userA, 10, 40, 60)
	o.OverRedeemed = 4
	f.lock(t, o)

	r := closedRound(1, 50_000, 51_000) // over wins
	f.settle(t, r, []*settle.StoredOrder{o})

	// Winner (over) side 400e6: user keeps 4 units worth (160e6), vault takes
	// 240e6, no fee. Loser (under) side 600e6: all vault (0 units redeemed),
	// fee 5% → 570e6 vault, 30e6 treasury.
	if free := f.tracker.GetUserFreeBalance(userA); free != 160_000_000 {
		t.Errorf("user free: got %d, want 160_000_000", free)
	}
	if vault := f.tracker.GetVaultPoolBalance(); vault != 810_000_000 {
		t.Errorf("vault pool: got %d, want 810_000_000", vault)
	}
	if treasury := f.tracker.GetTreasuryBalance(); treasury != 30_000_000 {
		t.Errorf("treasury: got %d, want 30_000_000", treasury)
	}
	if total := f.tracker.ComputeGlobalBalance(); total != 0 {
		t.Errorf("conservation: global balance %d != 0", total)
	}
}

// ============================================================================
// Test: idempotent settlement
// ============================================================================

func TestSettle_ResultRecordedOncePerIdx(t *testing.T) {
	f := newFixture()
	userA, userB := uuid.New(), uuid.New()
	f.deposit(t, userA, 400_000_000)
	f.deposit(t, userB, 600_000_000)

	o := order(1, 1, userA, userB, 10, 40, 60)
	f.lock(t, o)

	r := closedRound(1, 50_000, 51_000)
	first := f.settle(t, r, []*settle.StoredOrder{o})
	if len(first) != 1 {
		t.Fatalf("first pass: got %d results", len(first))
	}

	// Second pass must be a no-op: no new results, no new transfers
	winnerBefore := f.tracker.GetUserFreeBalance(userA)
	second := f.settle(t, r, []*settle.StoredOrder{o})
	if len(second) != 0 {
		t.Errorf("second pass should produce no results, got %d", len(second))
	}
	if got := f.tracker.GetUserFreeBalance(userA); got != winnerBefore {
		t.Errorf("second pass moved funds: %d → %d", winnerBefore, got)
	}

	// Result lookup stays stable
	res, ok := f.engine.Result(1)
	if !ok || res.WinPosition != settle.WinPositionOver {
		t.Error("recorded result should survive re-settlement")
	}
}

func TestSettle_MissingEndPriceFails(t *testing.T) {
	f := newFixture()
	userA, userB := uuid.New(), uuid.New()
	f.deposit(t, userA, 400_000_000)
	f.deposit(t, userB, 600_000_000)

	o := order(1, 1, userA, userB, 10, 40, 60)
	f.lock(t, o)

	r := closedRound(1, 50_000, 51_000)
	delete(r.EndPrice, "BTC-USD")

	batch := f.jg.NewBatch("settle", 0)
	if _, err := f.engine.SettleRound(batch, r, []*settle.StoredOrder{o}); err == nil {
		t.Error("settling without an end price should fail")
	}
}

// ============================================================================
// Test: engine snapshot
// ============================================================================

func TestEngine_SnapshotRestore(t *testing.T) {
	f := newFixture()
	userA, userB := uuid.New(), uuid.New()
	f.deposit(t, userA, 400_000_000)
	f.deposit(t, userB, 600_000_000)

	o := order(1, 1, userA, userB, 10, 40, 60)
	f.lock(t, o)
	f.settle(t, closedRound(1, 50_000, 51_000), []*settle.StoredOrder{o})

	snap := f.engine.Snapshot()

	restored := settle.NewEngine(f.jg, commissionBps)
	restored.Restore(snap)

	res, ok := restored.Result(1)
	if !ok {
		t.Fatal("restored engine should have result for idx 1")
	}
	if res.WinPosition != settle.WinPositionOver || res.Fee != 30_000_000 {
		t.Errorf("restored result mismatch: %+v", res)
	}
}

// ============================================================================
// Test: OrderStore contiguity
// ============================================================================

func fillBatch(epoch int64, orders ...event.FilledOrder) *event.OrderFillBatch {
	return &event.OrderFillBatch{
		BatchID: uuid.New(),
		Product: "BTC-USD",
		Epoch:   epoch,
		Orders:  orders,
	}
}

func filled(idx, epoch int64) event.FilledOrder {
	return event.FilledOrder{
		Idx:        idx,
		Epoch:      epoch,
		Product:    "BTC-USD",
		OverUser:   uuid.New(),
		UnderUser:  uuid.New(),
		OverPrice:  40,
		UnderPrice: 60,
		Unit:       1,
	}
}

func TestOrderStore_AcceptContiguous(t *testing.T) {
	s := settle.NewOrderStore()

	if err := s.Accept(fillBatch(1, filled(1, 1), filled(2, 1))); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if err := s.Accept(fillBatch(1, filled(3, 1))); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if s.LastAcceptedIdx() != 3 {
		t.Errorf("last accepted idx: got %d, want 3", s.LastAcceptedIdx())
	}
}

func TestOrderStore_GapRejectedWholesale(t *testing.T) {
	s := settle.NewOrderStore()
	if err := s.Accept(fillBatch(1, filled(1, 1))); err != nil {
		t.Fatal(err)
	}

	// Batch starting at 3 leaves a gap at 2 — whole batch rejected
	if err := s.Accept(fillBatch(1, filled(3, 1), filled(4, 1))); err == nil {
		t.Fatal("gapped batch should be rejected")
	}
	if s.LastAcceptedIdx() != 1 {
		t.Errorf("rejected batch must not advance idx: got %d", s.LastAcceptedIdx())
	}
	if got := len(s.Unsettled(1)); got != 1 {
		t.Errorf("rejected batch must not store orders: got %d", got)
	}
}

func TestOrderStore_ReplayedBatchRejected(t *testing.T) {
	s := settle.NewOrderStore()
	batch := fillBatch(1, filled(1, 1))
	if err := s.Accept(batch); err != nil {
		t.Fatal(err)
	}
	if err := s.Accept(batch); err == nil {
		t.Error("re-accepting the same idx run should fail")
	}
}

func TestOrderStore_BrokenInternalSequenceRejected(t *testing.T) {
	s := settle.NewOrderStore()
	if err := s.Accept(fillBatch(1, filled(1, 1), filled(3, 1))); err == nil {
		t.Error("batch with internal idx gap should be rejected")
	}
}

func TestOrderStore_UnsettledSortedByIdx(t *testing.T) {
	s := settle.NewOrderStore()
	if err := s.Accept(fillBatch(1, filled(1, 1), filled(2, 1), filled(3, 1))); err != nil {
		t.Fatal(err)
	}

	orders := s.Unsettled(1)
	for i := 1; i < len(orders); i++ {
		if orders[i].Idx <= orders[i-1].Idx {
			t.Fatal("unsettled orders must be in strictly increasing idx order")
		}
	}
}

func TestOrderStore_DropEpochKeepsPending(t *testing.T) {
	s := settle.NewOrderStore()
	if err := s.Accept(fillBatch(1, filled(1, 1), filled(2, 1))); err != nil {
		t.Fatal(err)
	}

	orders := s.Unsettled(1)
	orders[0].IsSettled = true

	s.DropEpoch(1)
	if got := len(s.Unsettled(1)); got != 1 {
		t.Errorf("epoch with a pending order must survive drop, got %d unsettled", got)
	}

	orders[1].IsSettled = true
	s.DropEpoch(1)
	if got := len(s.Unsettled(1)); got != 0 {
		t.Errorf("fully settled epoch should be dropped, got %d", got)
	}
}
