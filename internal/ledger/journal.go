package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawalHold
	JournalTypeWithdrawalExecute
	JournalTypeWithdrawalCancel
	JournalTypeEscrowLock
	JournalTypeEscrowRelease
	JournalTypeSettlementTransfer
	JournalTypeCommissionFee
	JournalTypePerformanceFee
	JournalTypeVaultDeposit
	JournalTypeVaultRedeem
	JournalTypeStrategyUtilize
	JournalTypeStrategyDeutilize
	JournalTypeAdjustment
)

// Caller identifies which subsystem is asking the ledger to move funds.
// Every mutating entry point checks its caller against a fixed allow-list;
// end users never reach the ledger directly.
type Caller uint8

const (
	CallerClearingHouse Caller = iota
	CallerSettlement
	CallerVault
	CallerCouponRedemption
	CallerStrategy
)

func (c Caller) String() string {
	switch c {
	case CallerClearingHouse:
		return "clearing_house"
	case CallerSettlement:
		return "settlement"
	case CallerVault:
		return "vault"
	case CallerCouponRedemption:
		return "coupon_redemption"
	case CallerStrategy:
		return "strategy"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// NetEffect returns the pending balance change this batch holds for an
// account: positive where the batch debits it more than it credits it.
// Funding checks add this to the tracker balance so a batch cannot spend
// the same free balance twice before it is applied.
func (b *Batch) NetEffect(key AccountKey) int64 {
	var net int64
	for _, j := range b.Journals {
		if j.DebitAccount == key {
			net += j.Amount
		}
		if j.CreditAccount == key {
			net -= j.Amount
		}
	}
	return net
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single
// positive amount moves from credit account to debit account), so
// Σ debits == Σ credits holds per-entry. Multi-leg movements (settlement
// with fee, self-order splits) use multiple entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
