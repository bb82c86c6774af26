package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetUserFreeBalance returns the user's freely withdrawable balance.
func (bt *BalanceTracker) GetUserFreeBalance(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeFree))
}

// GetUserPendingWithdrawal returns the delay-gated withdrawal hold.
func (bt *BalanceTracker) GetUserPendingWithdrawal(userID uuid.UUID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypePendingWithdrawal))
}

// GetEscrowBalance returns the collateral locked against a specific order.
func (bt *BalanceTracker) GetEscrowBalance(userID uuid.UUID, product ProductID, epoch, orderIdx int64) int64 {
	return bt.GetBalance(NewEscrowAccountKey(userID, product, epoch, orderIdx))
}

// GetTotalEscrowLocked sums all escrow buckets across users and orders.
func (bt *BalanceTracker) GetTotalEscrowLocked() int64 {
	var total int64
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.SubType == SubTypeEscrow {
			total += balance
		}
	}
	return total
}

// GetTreasuryBalance returns accrued fees.
func (bt *BalanceTracker) GetTreasuryBalance() int64 {
	return bt.GetBalance(TreasuryAccount())
}

// GetVaultPoolBalance returns the pooled vault assets held by the ledger.
func (bt *BalanceTracker) GetVaultPoolBalance() int64 {
	return bt.GetBalance(VaultPoolAccount())
}

// GetYieldVenueBalance returns capital placed with the external yield venue.
func (bt *BalanceTracker) GetYieldVenueBalance() int64 {
	return bt.GetBalance(YieldVenueAccount())
}

// === Invariant Checks ===

// ValidateFreeNonNegative checks the user's free balance never goes negative.
func (bt *BalanceTracker) ValidateFreeNonNegative(userID uuid.UUID) error {
	free := bt.GetUserFreeBalance(userID)
	if free < 0 {
		return fmt.Errorf("user %s has negative free balance: %d", userID.String(), free)
	}
	return nil
}

// ValidateSufficientFree checks if the user can cover a debit from free balance.
func (bt *BalanceTracker) ValidateSufficientFree(userID uuid.UUID, required int64) error {
	free := bt.GetUserFreeBalance(userID)
	if free < required {
		return fmt.Errorf("insufficient free balance: have=%d, need=%d", free, required)
	}
	return nil
}

// ValidateEscrowCovers checks an escrow bucket holds at least the release amount.
func (bt *BalanceTracker) ValidateEscrowCovers(userID uuid.UUID, product ProductID, epoch, orderIdx, amount int64) error {
	locked := bt.GetEscrowBalance(userID, product, epoch, orderIdx)
	if locked < amount {
		return fmt.Errorf("escrow bucket %s/%d/%d short for user %s: have=%d, need=%d",
			mustSymbol(product), epoch, orderIdx, userID.String(), locked, amount)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (must be 0 for the zero-sum
// ledger: total locked + total free == total ledger-held assets).
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and restore)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SetBalance directly sets an account balance (snapshot restore only).
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	bt.balances[key] = balance
}

func mustSymbol(product ProductID) string {
	symbol, ok := GetProductSymbol(product)
	if !ok {
		return fmt.Sprintf("product-%d", product)
	}
	return symbol
}
