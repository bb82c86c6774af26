package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VaultDepositRequest accumulates assets into the current unsettled epoch.
// The assets move from the user's free balance into the vault pending pool
// immediately; shares are minted at claim time, after the epoch settles.
type VaultDepositRequest struct {
	RequestID uuid.UUID
	UserID    uuid.UUID
	Assets    int64
	Sequence  int64
	Timestamp time.Time
}

func (v *VaultDepositRequest) IdempotencyKey() string {
	return v.RequestID.String()
}

func (v *VaultDepositRequest) EventType() EventType {
	return EventTypeVaultDepositRequest
}

func (v *VaultDepositRequest) ProductID() *string {
	return nil
}

func (v *VaultDepositRequest) SourceSequence() int64 {
	return v.Sequence
}

// VaultRedeemRequest accumulates shares to redeem into the current unsettled
// epoch. Shares are burned at claim time at the epoch's frozen share price.
type VaultRedeemRequest struct {
	RequestID uuid.UUID
	UserID    uuid.UUID
	Shares    int64
	Sequence  int64
	Timestamp time.Time
}

func (v *VaultRedeemRequest) IdempotencyKey() string {
	return v.RequestID.String()
}

func (v *VaultRedeemRequest) EventType() EventType {
	return EventTypeVaultRedeemRequest
}

func (v *VaultRedeemRequest) ProductID() *string {
	return nil
}

func (v *VaultRedeemRequest) SourceSequence() int64 {
	return v.Sequence
}

// VaultClaimDeposit claims the user's pro-rata share entitlement from a
// settled epoch. The epoch acts as the request id; partial claims are
// tracked so a second claim of the same portion fails.
type VaultClaimDeposit struct {
	ClaimID   uuid.UUID
	UserID    uuid.UUID
	Epoch     int64
	Sequence  int64
	Timestamp time.Time
}

func (v *VaultClaimDeposit) IdempotencyKey() string {
	return fmt.Sprintf("%s:claim-deposit:%d", v.UserID, v.Epoch)
}

func (v *VaultClaimDeposit) EventType() EventType {
	return EventTypeVaultClaimDeposit
}

func (v *VaultClaimDeposit) ProductID() *string {
	return nil
}

func (v *VaultClaimDeposit) SourceSequence() int64 {
	return v.Sequence
}

// VaultClaimRedeem pays out the user's redeemed assets from a settled epoch,
// net of the performance fee charged above their WAEP and the hurdle.
type VaultClaimRedeem struct {
	ClaimID   uuid.UUID
	UserID    uuid.UUID
	Epoch     int64
	Sequence  int64
	Timestamp time.Time
}

func (v *VaultClaimRedeem) IdempotencyKey() string {
	return fmt.Sprintf("%s:claim-redeem:%d", v.UserID, v.Epoch)
}

func (v *VaultClaimRedeem) EventType() EventType {
	return EventTypeVaultClaimRedeem
}

func (v *VaultClaimRedeem) ProductID() *string {
	return nil
}

func (v *VaultClaimRedeem) SourceSequence() int64 {
	return v.Sequence
}
