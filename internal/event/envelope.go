package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeDepositConfirmed
	EventTypeWithdrawalRequested
	EventTypeWithdrawalExecuted
	EventTypeWithdrawalCancelled
	EventTypeOrderFillBatch
	EventTypeGenesisOpenRound
	EventTypeGenesisStartRound
	EventTypeExecuteRound
	EventTypePauseRounds
	EventTypeUnpauseRounds
	EventTypeManualRoundEnd
	EventTypeVaultDepositRequest
	EventTypeVaultRedeemRequest
	EventTypeVaultClaimDeposit
	EventTypeVaultClaimRedeem
	EventTypeStrategyCommand
	EventTypeOrderSettled
	EventTypeRoundStarted
	EventTypeRoundEnded
	EventTypeEpochSettled
	EventTypeFeeCollected
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Product context (nullable for global events such as round lifecycle)
	ProductID *string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// ProductID returns the product context (nil for global events)
	ProductID() *string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeDepositConfirmed:
		return "DepositConfirmed"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeWithdrawalExecuted:
		return "WithdrawalExecuted"
	case EventTypeWithdrawalCancelled:
		return "WithdrawalCancelled"
	case EventTypeOrderFillBatch:
		return "OrderFillBatch"
	case EventTypeGenesisOpenRound:
		return "GenesisOpenRound"
	case EventTypeGenesisStartRound:
		return "GenesisStartRound"
	case EventTypeExecuteRound:
		return "ExecuteRound"
	case EventTypePauseRounds:
		return "PauseRounds"
	case EventTypeUnpauseRounds:
		return "UnpauseRounds"
	case EventTypeManualRoundEnd:
		return "ManualRoundEnd"
	case EventTypeVaultDepositRequest:
		return "VaultDepositRequest"
	case EventTypeVaultRedeemRequest:
		return "VaultRedeemRequest"
	case EventTypeVaultClaimDeposit:
		return "VaultClaimDeposit"
	case EventTypeVaultClaimRedeem:
		return "VaultClaimRedeem"
	case EventTypeStrategyCommand:
		return "StrategyCommand"
	case EventTypeOrderSettled:
		return "OrderSettled"
	case EventTypeRoundStarted:
		return "RoundStarted"
	case EventTypeRoundEnded:
		return "RoundEnded"
	case EventTypeEpochSettled:
		return "EpochSettled"
	case EventTypeFeeCollected:
		return "FeeCollected"
	default:
		return "Unknown"
	}
}
