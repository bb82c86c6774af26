package round

import (
	"fmt"
	"time"
)

// Status is the round lifecycle state machine.
// Uninitialized → GenesisOpen → Running → Paused, with the genesis sequence
// re-run after every unpause. Recovery from a missed execute tick is the
// documented manual procedure (pause → unpause → genesis), never automatic.
type Status int32

const (
	StatusUninitialized Status = iota
	StatusGenesisOpen
	StatusRunning
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusGenesisOpen:
		return "genesis_open"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Round holds one settlement window's metadata. StartPrice is set when the
// round starts (or carried from the previous round's end price); EndPrice is
// set exactly once at settlement and immutable thereafter.
type Round struct {
	Epoch          int64
	StartTimestamp time.Time
	EndTimestamp   time.Time
	StartPrice     map[string]int64
	EndPrice       map[string]int64
	IsStarted      bool
	IsSettled      bool
}

// Manager drives the round state machine. Not thread-safe: only the
// single-threaded deterministic core touches it.
type Manager struct {
	status       Status
	interval     time.Duration
	products     []string
	rounds       map[int64]*Round
	currentEpoch int64 // Epoch of the round currently running (0 = none yet)
}

func NewManager(interval time.Duration, products []string) *Manager {
	return &Manager{
		status:   StatusUninitialized,
		interval: interval,
		products: products,
		rounds:   make(map[int64]*Round),
	}
}

func (m *Manager) Status() Status       { return m.status }
func (m *Manager) CurrentEpoch() int64  { return m.currentEpoch }
func (m *Manager) Products() []string   { return m.products }
func (m *Manager) Interval() time.Duration { return m.interval }

// GetRound returns round metadata for an epoch.
func (m *Manager) GetRound(epoch int64) (*Round, bool) {
	r, ok := m.rounds[epoch]
	return r, ok
}

// AcceptingOrders reports whether order batches for the given epoch may be
// locked into escrow right now.
func (m *Manager) AcceptingOrders(epoch int64) bool {
	return m.status == StatusRunning && epoch == m.currentEpoch
}

// GenesisOpen opens round N with startTimestamp = now. Only valid from the
// Uninitialized or Paused state.
func (m *Manager) GenesisOpen(now time.Time) (*Round, error) {
	if m.status != StatusUninitialized && m.status != StatusPaused {
		return nil, fmt.Errorf("genesis open: invalid from status %s", m.status)
	}

	epoch := m.currentEpoch + 1
	r := &Round{
		Epoch:          epoch,
		StartTimestamp: now,
		EndTimestamp:   now.Add(m.interval),
		StartPrice:     make(map[string]int64),
		EndPrice:       make(map[string]int64),
	}
	m.rounds[epoch] = r
	m.status = StatusGenesisOpen
	return r, nil
}

// GenesisStart records start prices on the opened round and opens the next
// one. Requires the opened round's start timestamp to have elapsed.
func (m *Manager) GenesisStart(now time.Time, prices map[string]int64) (*Round, error) {
	if m.status != StatusGenesisOpen {
		return nil, fmt.Errorf("genesis start: invalid from status %s", m.status)
	}

	epoch := m.currentEpoch + 1
	r := m.rounds[epoch]
	if now.Before(r.StartTimestamp) {
		return nil, fmt.Errorf("genesis start: round %d start time %s not yet reached",
			epoch, r.StartTimestamp.Format(time.RFC3339))
	}
	if err := requireAllProducts(prices, m.products); err != nil {
		return nil, fmt.Errorf("genesis start: %w", err)
	}

	for product, price := range prices {
		r.StartPrice[product] = price
	}
	r.IsStarted = true

	next := &Round{
		Epoch:          epoch + 1,
		StartTimestamp: r.EndTimestamp,
		EndTimestamp:   r.EndTimestamp.Add(m.interval),
		StartPrice:     make(map[string]int64),
		EndPrice:       make(map[string]int64),
	}
	m.rounds[epoch+1] = next

	m.currentEpoch = epoch
	m.status = StatusRunning
	return r, nil
}

// Execute is the steady-state tick: closes the running round at the given
// prices and starts the next one with the same prices (price continuity).
// The closed round is returned for settlement. Too early or already settled
// are caller errors; nothing mutates.
func (m *Manager) Execute(epoch int64, now time.Time, prices map[string]int64) (*Round, error) {
	if m.status != StatusRunning {
		return nil, fmt.Errorf("execute round: invalid from status %s", m.status)
	}
	if epoch != m.currentEpoch {
		return nil, fmt.Errorf("execute round: epoch %d is not the running round %d", epoch, m.currentEpoch)
	}

	r := m.rounds[epoch]
	if r.IsSettled {
		return nil, fmt.Errorf("execute round: round %d already settled", epoch)
	}
	if now.Before(r.EndTimestamp) {
		return nil, fmt.Errorf("execute round: round %d closes at %s, not yet reached",
			epoch, r.EndTimestamp.Format(time.RFC3339))
	}
	if err := requireAllProducts(prices, m.products); err != nil {
		return nil, fmt.Errorf("execute round: %w", err)
	}

	if err := m.setEndPrices(r, prices); err != nil {
		return nil, fmt.Errorf("execute round: %w", err)
	}
	r.IsSettled = true

	// Start the next round with price continuity, and open the one after.
	next := m.rounds[epoch+1]
	for product, price := range prices {
		if _, set := next.StartPrice[product]; !set {
			next.StartPrice[product] = price
		}
	}
	next.IsStarted = true

	after := &Round{
		Epoch:          epoch + 2,
		StartTimestamp: next.EndTimestamp,
		EndTimestamp:   next.EndTimestamp.Add(m.interval),
		StartPrice:     make(map[string]int64),
		EndPrice:       make(map[string]int64),
	}
	m.rounds[epoch+2] = after

	m.currentEpoch = epoch + 1
	return r, nil
}

// Pause freezes round progression and order submission. Escrowed positions
// stay withdrawable through the ledger.
func (m *Manager) Pause() error {
	if m.status == StatusUninitialized {
		return fmt.Errorf("pause: rounds never initialized")
	}
	if m.status == StatusPaused {
		return fmt.Errorf("pause: already paused")
	}
	m.status = StatusPaused
	return nil
}

// Unpause lifts a pause. Progression resumes only through the genesis
// sequence; the missed cadence is never silently continued.
func (m *Manager) Unpause() error {
	if m.status != StatusPaused {
		return fmt.Errorf("unpause: not paused (status %s)", m.status)
	}
	m.status = StatusUninitialized
	return nil
}

// ManualEnd injects an admin-supplied end price for a past round the oracle
// never closed. The epoch must be strictly before the running round and the
// carried close timestamp must land exactly on an epoch boundary relative to
// initDate. Seeds the following round's start price where unset. Returns the
// round for settlement.
func (m *Manager) ManualEnd(epoch int64, closeTime, initDate time.Time, prices map[string]int64) (*Round, error) {
	if epoch >= m.currentEpoch {
		return nil, fmt.Errorf("manual end: epoch %d not strictly before current %d", epoch, m.currentEpoch)
	}
	r, ok := m.rounds[epoch]
	if !ok {
		return nil, fmt.Errorf("manual end: unknown epoch %d", epoch)
	}
	if r.IsSettled {
		return nil, fmt.Errorf("manual end: round %d already settled", epoch)
	}

	offset := closeTime.Sub(initDate)
	if offset < 0 || offset%m.interval != 0 {
		return nil, fmt.Errorf("manual end: close time %s not on an epoch boundary",
			closeTime.Format(time.RFC3339))
	}
	if err := requireAllProducts(prices, m.products); err != nil {
		return nil, fmt.Errorf("manual end: %w", err)
	}

	if err := m.setEndPrices(r, prices); err != nil {
		return nil, fmt.Errorf("manual end: %w", err)
	}
	r.IsSettled = true

	if next, ok := m.rounds[epoch+1]; ok {
		for product, price := range prices {
			if _, set := next.StartPrice[product]; !set {
				next.StartPrice[product] = price
			}
		}
	}

	return r, nil
}

// setEndPrices enforces the write-once invariant per (round, product).
func (m *Manager) setEndPrices(r *Round, prices map[string]int64) error {
	for product := range prices {
		if _, set := r.EndPrice[product]; set {
			return fmt.Errorf("end price for %s already set on round %d", product, r.Epoch)
		}
	}
	for product, price := range prices {
		r.EndPrice[product] = price
	}
	return nil
}

func requireAllProducts(prices map[string]int64, products []string) error {
	for _, product := range products {
		if _, ok := prices[product]; !ok {
			return fmt.Errorf("missing price for tracked product %s", product)
		}
	}
	return nil
}

// === Snapshot support ===

// Snapshot captures the manager state for persistence.
type Snapshot struct {
	Status       int32
	CurrentEpoch int64
	Rounds       []*Round
}

func (m *Manager) Snapshot() *Snapshot {
	rounds := make([]*Round, 0, len(m.rounds))
	for _, r := range m.rounds {
		rounds = append(rounds, r)
	}
	return &Snapshot{
		Status:       int32(m.status),
		CurrentEpoch: m.currentEpoch,
		Rounds:       rounds,
	}
}

func (m *Manager) Restore(snap *Snapshot) {
	m.status = Status(snap.Status)
	m.currentEpoch = snap.CurrentEpoch
	m.rounds = make(map[int64]*Round, len(snap.Rounds))
	for _, r := range snap.Rounds {
		m.rounds[r.Epoch] = r
	}
}
