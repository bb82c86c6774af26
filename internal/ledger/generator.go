package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// EscrowJournalGenerator creates balanced journal batches for every
// collateral movement the clearing house performs. It is the only way funds
// move: callers are checked against a fixed allow-list per operation, which
// substitutes for access control in an environment with a single writer.
type EscrowJournalGenerator struct {
	sequence int64
	tracker  *BalanceTracker
}

func NewEscrowJournalGenerator(startSequence int64, tracker *BalanceTracker) *EscrowJournalGenerator {
	return &EscrowJournalGenerator{
		sequence: startSequence,
		tracker:  tracker,
	}
}

// SetSequence resets the journal sequence (snapshot restore only).
func (jg *EscrowJournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}

// NewBatch opens an empty batch tied to a source event.
func (jg *EscrowJournalGenerator) NewBatch(eventRef string, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 4),
	}
}

// Seal bumps the generator sequence once a batch is complete. Empty batches
// (state-only events) are sealed too so the sequence stays aligned with the
// event log.
func (jg *EscrowJournalGenerator) Seal(batch *Batch) *Batch {
	jg.sequence++
	return batch
}

func (jg *EscrowJournalGenerator) append(batch *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

func requireCaller(op string, caller Caller, allowed ...Caller) error {
	for _, a := range allowed {
		if caller == a {
			return nil
		}
	}
	return fmt.Errorf("%s: caller %s not allowed", op, caller)
}

// AppendDeposit credits a confirmed deposit: external:deposits → user:free.
func (jg *EscrowJournalGenerator) AppendDeposit(batch *Batch, caller Caller, userID uuid.UUID, amount int64) error {
	if err := requireCaller("deposit", caller, CallerClearingHouse); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("deposit: non-positive amount %d", amount)
	}

	jg.append(batch,
		NewUserAccountKey(userID, SubTypeFree),
		NewExternalAccountKey(SubTypeExternalDeposits),
		amount, JournalTypeDeposit)
	return nil
}

// AppendWithdrawalHold locks a withdrawal request: user:free → user:pending_withdrawal.
func (jg *EscrowJournalGenerator) AppendWithdrawalHold(batch *Batch, caller Caller, userID uuid.UUID, amount int64) error {
	if err := requireCaller("withdrawal hold", caller, CallerClearingHouse); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("withdrawal hold: non-positive amount %d", amount)
	}
	if err := jg.validateFreeCovers(batch, userID, amount); err != nil {
		return fmt.Errorf("withdrawal hold: %w", err)
	}

	jg.append(batch,
		NewUserAccountKey(userID, SubTypePendingWithdrawal),
		NewUserAccountKey(userID, SubTypeFree),
		amount, JournalTypeWithdrawalHold)
	return nil
}

// AppendWithdrawalExecute finalizes a matured hold: pending_withdrawal → external:withdrawals.
func (jg *EscrowJournalGenerator) AppendWithdrawalExecute(batch *Batch, caller Caller, userID uuid.UUID, amount int64) error {
	if err := requireCaller("withdrawal execute", caller, CallerClearingHouse); err != nil {
		return err
	}
	pending := jg.tracker.GetUserPendingWithdrawal(userID)
	if pending < amount {
		return fmt.Errorf("withdrawal execute: pending hold short: have=%d, need=%d", pending, amount)
	}

	jg.append(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals),
		NewUserAccountKey(userID, SubTypePendingWithdrawal),
		amount, JournalTypeWithdrawalExecute)
	return nil
}

// AppendWithdrawalCancel reverses a hold: pending_withdrawal → user:free.
func (jg *EscrowJournalGenerator) AppendWithdrawalCancel(batch *Batch, caller Caller, userID uuid.UUID, amount int64) error {
	if err := requireCaller("withdrawal cancel", caller, CallerClearingHouse); err != nil {
		return err
	}
	pending := jg.tracker.GetUserPendingWithdrawal(userID)
	if pending < amount {
		return fmt.Errorf("withdrawal cancel: pending hold short: have=%d, need=%d", pending, amount)
	}

	jg.append(batch,
		NewUserAccountKey(userID, SubTypeFree),
		NewUserAccountKey(userID, SubTypePendingWithdrawal),
		amount, JournalTypeWithdrawalCancel)
	return nil
}

// AppendEscrowLock moves collateral from the user's free balance into the
// per-order escrow bucket. The funding check counts earlier journals in the
// same batch: a multi-order batch (or a self-order locking both sides) must
// be covered in aggregate, not per lock.
func (jg *EscrowJournalGenerator) AppendEscrowLock(
	batch *Batch,
	caller Caller,
	userID uuid.UUID,
	product ProductID,
	epoch, orderIdx, amount int64,
) error {
	if err := requireCaller("escrow lock", caller, CallerSettlement, CallerVault); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("escrow lock: non-positive amount %d", amount)
	}
	if err := jg.validateFreeCovers(batch, userID, amount); err != nil {
		return fmt.Errorf("escrow lock: %w", err)
	}

	jg.append(batch,
		NewEscrowAccountKey(userID, product, epoch, orderIdx),
		NewUserAccountKey(userID, SubTypeFree),
		amount, JournalTypeEscrowLock)
	return nil
}

// validateFreeCovers checks the user's effective free balance — tracker
// balance plus the batch's pending net effect — covers a further debit.
func (jg *EscrowJournalGenerator) validateFreeCovers(batch *Batch, userID uuid.UUID, amount int64) error {
	freeKey := NewUserAccountKey(userID, SubTypeFree)
	free := jg.tracker.GetBalance(freeKey) + batch.NetEffect(freeKey)
	if free < amount {
		return fmt.Errorf("insufficient free balance: have=%d, need=%d", free, amount)
	}
	return nil
}

// AppendEscrowRelease drains `amount` from the locked bucket, crediting
// amount-fee to the destination account and accruing fee to the treasury.
// The fee is computed by the caller before any journal is written.
func (jg *EscrowJournalGenerator) AppendEscrowRelease(
	batch *Batch,
	caller Caller,
	userID uuid.UUID,
	product ProductID,
	epoch, orderIdx, amount, fee int64,
	destination AccountKey,
) error {
	if err := requireCaller("escrow release", caller, CallerSettlement, CallerVault, CallerCouponRedemption); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("escrow release: non-positive amount %d", amount)
	}
	if fee < 0 || fee > amount {
		return fmt.Errorf("escrow release: fee %d out of range for amount %d", fee, amount)
	}
	if err := jg.tracker.ValidateEscrowCovers(userID, product, epoch, orderIdx, amount); err != nil {
		return fmt.Errorf("escrow release: %w", err)
	}

	escrow := NewEscrowAccountKey(userID, product, epoch, orderIdx)
	if net := amount - fee; net > 0 {
		jg.append(batch, destination, escrow, net, JournalTypeEscrowRelease)
	}
	if fee > 0 {
		jg.append(batch, TreasuryAccount(), escrow, fee, JournalTypeCommissionFee)
	}
	return nil
}

// AppendBalanceTransfer is the direct free-balance leg used for winner/loser
// settlement, vault claims, and strategy allocation moves.
func (jg *EscrowJournalGenerator) AppendBalanceTransfer(
	batch *Batch,
	caller Caller,
	from, to AccountKey,
	amount int64,
	jt JournalType,
) error {
	if err := requireCaller("balance transfer", caller,
		CallerSettlement, CallerVault, CallerCouponRedemption, CallerStrategy); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("balance transfer: non-positive amount %d", amount)
	}

	jg.append(batch, to, from, amount, jt)
	return nil
}
