package event

import (
	"time"

	"github.com/google/uuid"
)

// StrategyAction selects which coordinator transition a StrategyCommand runs.
type StrategyAction int32

const (
	StrategyActionUtilize StrategyAction = iota
	StrategyActionDeutilize
	StrategyActionRebalance
	StrategyActionEmergency
	StrategyActionClearEmergency
)

func (a StrategyAction) String() string {
	switch a {
	case StrategyActionUtilize:
		return "utilize"
	case StrategyActionDeutilize:
		return "deutilize"
	case StrategyActionRebalance:
		return "rebalance"
	case StrategyActionEmergency:
		return "emergency"
	case StrategyActionClearEmergency:
		return "clear_emergency"
	default:
		return "unknown"
	}
}

// StrategyCommand is an operator instruction to the strategy coordinator.
// Amount is only meaningful for utilize/deutilize; rebalance derives its own
// delta from the configured target and deviation threshold.
type StrategyCommand struct {
	CommandID uuid.UUID
	Action    StrategyAction
	Amount    int64
	Sequence  int64
	Timestamp time.Time
}

func (s *StrategyCommand) IdempotencyKey() string {
	return s.CommandID.String()
}

func (s *StrategyCommand) EventType() EventType {
	return EventTypeStrategyCommand
}

func (s *StrategyCommand) ProductID() *string {
	return nil
}

func (s *StrategyCommand) SourceSequence() int64 {
	return s.Sequence
}
