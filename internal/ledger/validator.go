package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator runs the ledger's conservation checks. Violations are
// fatal to the core: a batch that breaks conservation indicates a settlement
// math bug, not a recoverable input error.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

// ValidateBatchBalance checks structural validity. Each journal is balanced
// by construction (single amount, debit+credit), so this reduces to the
// batch-level structure checks.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies the zero-sum invariant: the sum of every
// account balance, external boundary accounts included, is exactly zero.
// Equivalently, total locked + total free == total ledger-held assets.
func (v *InvariantValidator) ValidateConservation() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("conservation violated: global balance %d != 0", total)
	}
	return nil
}

// ValidateUserAccounts checks a user's free balance and pending hold are
// non-negative after a batch touched them.
func (v *InvariantValidator) ValidateUserAccounts(userID uuid.UUID) error {
	if err := v.tracker.ValidateFreeNonNegative(userID); err != nil {
		return err
	}
	if pending := v.tracker.GetUserPendingWithdrawal(userID); pending < 0 {
		return fmt.Errorf("user %s has negative pending withdrawal: %d", userID.String(), pending)
	}
	return nil
}

// ValidateEscrowNonNegative checks no escrow bucket went negative, which
// would mean a release exceeded the locked collateral.
func (v *InvariantValidator) ValidateEscrowNonNegative() error {
	for key, balance := range v.tracker.balances {
		if key.Scope == AccountScopeUser && key.SubType == SubTypeEscrow && balance < 0 {
			return fmt.Errorf("escrow bucket %s negative: %d", key.AccountPath(), balance)
		}
	}
	return nil
}
