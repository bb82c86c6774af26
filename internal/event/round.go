package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProductPrice is one product's oracle price with its publish time, as
// consumed from the price source by the shell. The core trusts freshness
// validation happened upstream.
type ProductPrice struct {
	Product     string
	Price       int64 // Fixed-point, PriceUnit scale
	PublishTime time.Time
}

// GenesisOpenRound opens round N with startTimestamp = event timestamp.
// Valid only from the Uninitialized or Paused state.
type GenesisOpenRound struct {
	CommandID uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (g *GenesisOpenRound) IdempotencyKey() string {
	return g.CommandID.String()
}

func (g *GenesisOpenRound) EventType() EventType {
	return EventTypeGenesisOpenRound
}

func (g *GenesisOpenRound) ProductID() *string {
	return nil
}

func (g *GenesisOpenRound) SourceSequence() int64 {
	return g.Sequence
}

// GenesisStartRound records start prices for all tracked products on the
// opened round and opens round N+1. Requires the opened round's
// startTimestamp to have elapsed.
type GenesisStartRound struct {
	CommandID uuid.UUID
	Prices    []ProductPrice
	Sequence  int64
	Timestamp time.Time
}

func (g *GenesisStartRound) IdempotencyKey() string {
	return g.CommandID.String()
}

func (g *GenesisStartRound) EventType() EventType {
	return EventTypeGenesisStartRound
}

func (g *GenesisStartRound) ProductID() *string {
	return nil
}

func (g *GenesisStartRound) SourceSequence() int64 {
	return g.Sequence
}

// ExecuteRound is the steady-state tick: closes the current round at the
// carried oracle prices, settles its orders, starts the next round with the
// same prices (price continuity), and settles the vault epoch.
type ExecuteRound struct {
	CommandID uuid.UUID
	Epoch     int64 // Round being closed; guards against double execution
	Prices    []ProductPrice
	Sequence  int64
	Timestamp time.Time
}

func (e *ExecuteRound) IdempotencyKey() string {
	return fmt.Sprintf("round:%d:execute", e.Epoch)
}

func (e *ExecuteRound) EventType() EventType {
	return EventTypeExecuteRound
}

func (e *ExecuteRound) ProductID() *string {
	return nil
}

func (e *ExecuteRound) SourceSequence() int64 {
	return e.Sequence
}

// PauseRounds freezes round progression and order submission. Existing
// positions stay withdrawable through the escrow ledger.
type PauseRounds struct {
	CommandID uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (p *PauseRounds) IdempotencyKey() string {
	return p.CommandID.String()
}

func (p *PauseRounds) EventType() EventType {
	return EventTypePauseRounds
}

func (p *PauseRounds) ProductID() *string {
	return nil
}

func (p *PauseRounds) SourceSequence() int64 {
	return p.Sequence
}

// UnpauseRounds lifts a pause. Round progression resumes via the genesis
// sequence (open then start), not by silently continuing the missed cadence.
type UnpauseRounds struct {
	CommandID uuid.UUID
	Sequence  int64
	Timestamp time.Time
}

func (u *UnpauseRounds) IdempotencyKey() string {
	return u.CommandID.String()
}

func (u *UnpauseRounds) EventType() EventType {
	return EventTypeUnpauseRounds
}

func (u *UnpauseRounds) ProductID() *string {
	return nil
}

func (u *UnpauseRounds) SourceSequence() int64 {
	return u.Sequence
}

// ManualRoundEnd is the admin override for a round the oracle never closed.
// The target epoch must lie strictly before the current epoch and the carried
// timestamp must land exactly on an epoch boundary. This is an emergency
// escape hatch, audit-logged and kept off the regular settlement path.
type ManualRoundEnd struct {
	CommandID uuid.UUID
	Epoch     int64
	Prices    []ProductPrice
	// InitDate anchors epoch boundary arithmetic: boundaries fall at
	// InitDate + k*RoundInterval.
	InitDate  time.Time
	Sequence  int64
	Timestamp time.Time
}

func (m *ManualRoundEnd) IdempotencyKey() string {
	return fmt.Sprintf("round:%d:manual-end", m.Epoch)
}

func (m *ManualRoundEnd) EventType() EventType {
	return EventTypeManualRoundEnd
}

func (m *ManualRoundEnd) ProductID() *string {
	return nil
}

func (m *ManualRoundEnd) SourceSequence() int64 {
	return m.Sequence
}
