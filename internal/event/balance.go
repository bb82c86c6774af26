package event

import (
	"time"

	"github.com/google/uuid"
)

// DepositConfirmed credits a user's free balance once the inbound transfer
// has been verified by the clearing-house boundary.
type DepositConfirmed struct {
	DepositID uuid.UUID
	UserID    uuid.UUID
	Amount    int64 // Fixed-point, PriceUnit scale
	Sequence  int64
	Timestamp time.Time
}

func (d *DepositConfirmed) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *DepositConfirmed) EventType() EventType {
	return EventTypeDepositConfirmed
}

func (d *DepositConfirmed) ProductID() *string {
	return nil // Global event
}

func (d *DepositConfirmed) SourceSequence() int64 {
	return d.Sequence
}

// WithdrawalRequested moves free balance into a pending-withdrawal hold.
// Execution is delay-gated: the hold can only be executed after
// ExecutableAt (request timestamp + configured withdrawal delay).
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Amount       int64
	ExecutableAt time.Time
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WithdrawalRequested) EventType() EventType {
	return EventTypeWithdrawalRequested
}

func (w *WithdrawalRequested) ProductID() *string {
	return nil
}

func (w *WithdrawalRequested) SourceSequence() int64 {
	return w.Sequence
}

// WithdrawalExecuted finalizes a pending withdrawal after the delay elapsed.
// The handler rejects execution before the request's ExecutableAt.
type WithdrawalExecuted struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Amount       int64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalExecuted) IdempotencyKey() string {
	return w.WithdrawalID.String() + ":exec"
}

func (w *WithdrawalExecuted) EventType() EventType {
	return EventTypeWithdrawalExecuted
}

func (w *WithdrawalExecuted) ProductID() *string {
	return nil
}

func (w *WithdrawalExecuted) SourceSequence() int64 {
	return w.Sequence
}

// WithdrawalCancelled reverses a pending withdrawal back to free balance.
type WithdrawalCancelled struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Amount       int64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalCancelled) IdempotencyKey() string {
	return w.WithdrawalID.String() + ":cancel"
}

func (w *WithdrawalCancelled) EventType() EventType {
	return EventTypeWithdrawalCancelled
}

func (w *WithdrawalCancelled) ProductID() *string {
	return nil
}

func (w *WithdrawalCancelled) SourceSequence() int64 {
	return w.Sequence
}
