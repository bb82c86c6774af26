package ledger_test

import (
	"OptionClear/internal/ledger"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserFreePath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	key := ledger.NewUserAccountKey(userID, ledger.SubTypeFree)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:free"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_EscrowPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	productID, _ := ledger.GetProductID("BTC-USD")
	key := ledger.NewEscrowAccountKey(userID, productID, 7, 3)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:escrow:BTC-USD:7:3"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	if got := ledger.TreasuryAccount().AccountPath(); got != "system:treasury" {
		t.Errorf("got %q, want %q", got, "system:treasury")
	}
	if got := ledger.VaultPoolAccount().AccountPath(); got != "system:vault" {
		t.Errorf("got %q, want %q", got, "system:vault")
	}
	if got := ledger.YieldVenueAccount().AccountPath(); got != "system:yield" {
		t.Errorf("got %q, want %q", got, "system:yield")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits)
	if key.AccountPath() != "external:deposits" {
		t.Errorf("got %q, want %q", key.AccountPath(), "external:deposits")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	userID := uuid.New()
	productID, _ := ledger.GetProductID("ETH-USD")

	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(userID, ledger.SubTypeFree),
		ledger.NewUserAccountKey(userID, ledger.SubTypePendingWithdrawal),
		ledger.NewEscrowAccountKey(userID, productID, 42, 17),
		ledger.TreasuryAccount(),
		ledger.VaultPoolAccount(),
		ledger.YieldVenueAccount(),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals),
	}

	for _, key := range keys {
		path := key.AccountPath()
		parsed, err := ledger.ParseAccountPath(path)
		if err != nil {
			t.Fatalf("ParseAccountPath(%q): %v", path, err)
		}
		if parsed != key {
			t.Errorf("round trip through %q changed key: got %+v, want %+v", path, parsed, key)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	bad := []string{
		"",
		"user",
		"user:not-a-uuid:free",
		"user:550e8400-e29b-41d4-a716-446655440000:nonsense",
		"user:550e8400-e29b-41d4-a716-446655440000:escrow:DOGE-USD:1:1",
		"system:slush_fund",
		"external:teleport",
	}
	for _, path := range bad {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("ParseAccountPath(%q) should fail", path)
		}
	}
}

func TestGetProductID_Known(t *testing.T) {
	id, ok := ledger.GetProductID("BTC-USD")
	if !ok {
		t.Fatal("BTC-USD should be a known product")
	}
	if id == 0 {
		t.Error("BTC-USD product ID should be non-zero")
	}
}

func TestGetProductID_Unknown(t *testing.T) {
	_, ok := ledger.GetProductID("DOGE-USD")
	if ok {
		t.Error("DOGE-USD should not be a known product")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func depositJournal(userID uuid.UUID, amount int64) ledger.Journal {
	return ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(userID, ledger.SubTypeFree),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Amount:        amount,
		JournalType:   ledger.JournalTypeDeposit,
	}
}

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if bal := bt.GetUserFreeBalance(uuid.New()); bal != 0 {
		t.Errorf("initial balance should be 0, got %d", bal)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	bt.ApplyJournal(depositJournal(userID, 1_000_000))

	if free := bt.GetUserFreeBalance(userID); free != 1_000_000 {
		t.Errorf("free balance: got %d, want 1_000_000", free)
	}
}

func TestBalanceTracker_EscrowBuckets(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()
	productID, _ := ledger.GetProductID("BTC-USD")

	bt.ApplyJournal(depositJournal(userID, 1_000_000))

	// Lock into two distinct per-order buckets
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewEscrowAccountKey(userID, productID, 1, 0),
		CreditAccount: ledger.NewUserAccountKey(userID, ledger.SubTypeFree),
		Amount:        300_000,
		JournalType:   ledger.JournalTypeEscrowLock,
	})
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewEscrowAccountKey(userID, productID, 1, 1),
		CreditAccount: ledger.NewUserAccountKey(userID, ledger.SubTypeFree),
		Amount:        200_000,
		JournalType:   ledger.JournalTypeEscrowLock,
	})

	if got := bt.GetEscrowBalance(userID, productID, 1, 0); got != 300_000 {
		t.Errorf("escrow bucket (1,0): got %d, want 300_000", got)
	}
	if got := bt.GetEscrowBalance(userID, productID, 1, 1); got != 200_000 {
		t.Errorf("escrow bucket (1,1): got %d, want 200_000", got)
	}
	if got := bt.GetUserFreeBalance(userID); got != 500_000 {
		t.Errorf("free after locks: got %d, want 500_000", got)
	}
	if got := bt.GetTotalEscrowLocked(); got != 500_000 {
		t.Errorf("total escrow: got %d, want 500_000", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	bt.ApplyJournal(depositJournal(userID, 1_000_000))

	// Hold part of it for withdrawal
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewUserAccountKey(userID, ledger.SubTypePendingWithdrawal),
		CreditAccount: ledger.NewUserAccountKey(userID, ledger.SubTypeFree),
		Amount:        300_000,
		JournalType:   ledger.JournalTypeWithdrawalHold,
	})

	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance should be zero, got %d", total)
	}
}

func TestBalanceTracker_ValidateSufficientFree(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	// No balance — should fail
	if err := bt.ValidateSufficientFree(userID, 100); err == nil {
		t.Error("expected error for insufficient balance")
	}

	bt.ApplyJournal(depositJournal(userID, 1_000))

	if err := bt.ValidateSufficientFree(userID, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficientFree(userID, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	userID := uuid.New()

	bt.ApplyJournal(depositJournal(userID, 999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.GetUserFreeBalance(userID) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batchID := uuid.New()
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeFree),
					CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
					Amount:        amount,
				},
			},
		}
		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeFree)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				Amount:        100,
			},
		},
	}
	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(), // Different batch ID
				DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeFree),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
				Amount:        100,
			},
		},
	}
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

// ============================================================================
// Test: EscrowJournalGenerator
// ============================================================================

func TestGenerator_DepositThenWithdrawalLifecycle(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()

	batch := jg.NewBatch("dep:1", 1000)
	if err := jg.AppendDeposit(batch, ledger.CallerClearingHouse, userID, 1_000_000); err != nil {
		t.Fatalf("AppendDeposit: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}

	batch = jg.NewBatch("wd:1", 2000)
	if err := jg.AppendWithdrawalHold(batch, ledger.CallerClearingHouse, userID, 400_000); err != nil {
		t.Fatalf("AppendWithdrawalHold: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply hold: %v", err)
	}

	if free := bt.GetUserFreeBalance(userID); free != 600_000 {
		t.Errorf("free after hold: got %d, want 600_000", free)
	}
	if pending := bt.GetUserPendingWithdrawal(userID); pending != 400_000 {
		t.Errorf("pending after hold: got %d, want 400_000", pending)
	}

	batch = jg.NewBatch("wd:1:exec", 3000)
	if err := jg.AppendWithdrawalExecute(batch, ledger.CallerClearingHouse, userID, 400_000); err != nil {
		t.Fatalf("AppendWithdrawalExecute: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply execute: %v", err)
	}

	if pending := bt.GetUserPendingWithdrawal(userID); pending != 0 {
		t.Errorf("pending after execute: got %d, want 0", pending)
	}
	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance after lifecycle: got %d, want 0", total)
	}
}

func TestGenerator_WithdrawalHold_InsufficientFree(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()

	batch := jg.NewBatch("wd:1", 1000)
	if err := jg.AppendWithdrawalHold(batch, ledger.CallerClearingHouse, userID, 100); err == nil {
		t.Error("hold with zero free balance should fail")
	}
}

func TestGenerator_EscrowLockAndRelease(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()
	productID, _ := ledger.GetProductID("BTC-USD")

	batch := jg.NewBatch("dep:1", 1000)
	if err := jg.AppendDeposit(batch, ledger.CallerClearingHouse, userID, 1_000_000); err != nil {
		t.Fatalf("AppendDeposit: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}

	batch = jg.NewBatch("order:1", 2000)
	if err := jg.AppendEscrowLock(batch, ledger.CallerSettlement, userID, productID, 5, 0, 200_000); err != nil {
		t.Fatalf("AppendEscrowLock: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply lock: %v", err)
	}

	// Release the whole bucket to the winner, 5% fee to the treasury
	batch = jg.NewBatch("settle:1", 3000)
	winner := ledger.NewUserAccountKey(userID, ledger.SubTypeFree)
	if err := jg.AppendEscrowRelease(batch, ledger.CallerSettlement,
		userID, productID, 5, 0, 200_000, 10_000, winner); err != nil {
		t.Fatalf("AppendEscrowRelease: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply release: %v", err)
	}

	if got := bt.GetEscrowBalance(userID, productID, 5, 0); got != 0 {
		t.Errorf("escrow bucket should be drained, got %d", got)
	}
	if got := bt.GetUserFreeBalance(userID); got != 990_000 {
		t.Errorf("free after release: got %d, want 990_000", got)
	}
	if got := bt.GetTreasuryBalance(); got != 10_000 {
		t.Errorf("treasury: got %d, want 10_000", got)
	}
	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance: got %d, want 0", total)
	}
}

func TestGenerator_EscrowLock_BatchAggregateFunding(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()
	productID, _ := ledger.GetProductID("BTC-USD")

	batch := jg.NewBatch("dep:1", 1000)
	if err := jg.AppendDeposit(batch, ledger.CallerClearingHouse, userID, 400_000); err != nil {
		t.Fatalf("AppendDeposit: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}

	// Each lock alone is covered; together they overdraw the free balance.
	// The second lock must see the first one already pending in the batch.
	batch = jg.NewBatch("order:1", 2000)
	if err := jg.AppendEscrowLock(batch, ledger.CallerSettlement, userID, productID, 1, 1, 400_000); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := jg.AppendEscrowLock(batch, ledger.CallerSettlement, userID, productID, 1, 2, 400_000); err == nil {
		t.Fatal("second lock exceeding aggregate free balance should fail")
	}
}

func TestGenerator_WithdrawalHold_CountsPendingBatchLocks(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()
	productID, _ := ledger.GetProductID("BTC-USD")

	batch := jg.NewBatch("dep:1", 1000)
	if err := jg.AppendDeposit(batch, ledger.CallerClearingHouse, userID, 500_000); err != nil {
		t.Fatalf("AppendDeposit: %v", err)
	}
	if err := bt.ApplyBatch(jg.Seal(batch)); err != nil {
		t.Fatalf("apply deposit: %v", err)
	}

	batch = jg.NewBatch("mixed:1", 2000)
	if err := jg.AppendEscrowLock(batch, ledger.CallerSettlement, userID, productID, 1, 1, 300_000); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := jg.AppendWithdrawalHold(batch, ledger.CallerClearingHouse, userID, 300_000); err == nil {
		t.Fatal("hold on top of a pending lock should fail")
	}
	if err := jg.AppendWithdrawalHold(batch, ledger.CallerClearingHouse, userID, 200_000); err != nil {
		t.Fatalf("hold within remaining free balance: %v", err)
	}
}

func TestBatch_NetEffect(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()
	free := ledger.NewUserAccountKey(userID, ledger.SubTypeFree)

	batch := jg.NewBatch("dep:1", 1000)
	if err := jg.AppendDeposit(batch, ledger.CallerClearingHouse, userID, 250_000); err != nil {
		t.Fatalf("AppendDeposit: %v", err)
	}
	if got := batch.NetEffect(free); got != 250_000 {
		t.Errorf("net effect after deposit: got %d, want 250_000", got)
	}
	if err := jg.AppendWithdrawalHold(batch, ledger.CallerClearingHouse, userID, 100_000); err != nil {
		t.Fatalf("AppendWithdrawalHold: %v", err)
	}
	if got := batch.NetEffect(free); got != 150_000 {
		t.Errorf("net effect after hold: got %d, want 150_000", got)
	}
	if got := batch.NetEffect(ledger.TreasuryAccount()); got != 0 {
		t.Errorf("untouched account net effect: got %d, want 0", got)
	}
}

func TestGenerator_EscrowRelease_FeeOutOfRange(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()
	productID, _ := ledger.GetProductID("BTC-USD")

	batch := jg.NewBatch("settle:1", 1000)
	dest := ledger.NewUserAccountKey(userID, ledger.SubTypeFree)
	if err := jg.AppendEscrowRelease(batch, ledger.CallerSettlement,
		userID, productID, 1, 0, 100, 101, dest); err == nil {
		t.Error("fee > amount should fail")
	}
	if err := jg.AppendEscrowRelease(batch, ledger.CallerSettlement,
		userID, productID, 1, 0, 100, -1, dest); err == nil {
		t.Error("negative fee should fail")
	}
}

func TestGenerator_CallerAllowList(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(1, bt)
	userID := uuid.New()
	productID, _ := ledger.GetProductID("BTC-USD")

	batch := jg.NewBatch("x", 1000)

	if err := jg.AppendDeposit(batch, ledger.CallerSettlement, userID, 100); err == nil {
		t.Error("deposit from settlement caller should be rejected")
	}
	if err := jg.AppendEscrowLock(batch, ledger.CallerClearingHouse, userID, productID, 1, 0, 100); err == nil {
		t.Error("escrow lock from clearing house caller should be rejected")
	}
}

func TestGenerator_SealAdvancesSequence(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewEscrowJournalGenerator(10, bt)

	first := jg.NewBatch("a", 0)
	jg.Seal(first)
	second := jg.NewBatch("b", 0)

	if first.Sequence != 10 {
		t.Errorf("first batch sequence: got %d, want 10", first.Sequence)
	}
	if second.Sequence != 11 {
		t.Errorf("second batch sequence: got %d, want 11", second.Sequence)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Conservation(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	// Empty ledger — should pass
	if err := v.ValidateConservation(); err != nil {
		t.Errorf("empty ledger should conserve: %v", err)
	}

	bt.ApplyJournal(depositJournal(uuid.New(), 1_000_000))

	if err := v.ValidateConservation(); err != nil {
		t.Errorf("balanced ledger should conserve: %v", err)
	}

	// Force an imbalance through the restore path
	bt.SetBalance(ledger.TreasuryAccount(), 123)
	if err := v.ValidateConservation(); err == nil {
		t.Error("forced imbalance should fail conservation")
	}
}

func TestInvariantValidator_UserAccounts(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	userID := uuid.New()

	bt.ApplyJournal(depositJournal(userID, 500))
	if err := v.ValidateUserAccounts(userID); err != nil {
		t.Errorf("positive balances should pass: %v", err)
	}

	bt.SetBalance(ledger.NewUserAccountKey(userID, ledger.SubTypeFree), -1)
	if err := v.ValidateUserAccounts(userID); err == nil {
		t.Error("negative free balance should fail")
	}
}
