package strategy

import (
	"fmt"

	fpmath "OptionClear/internal/math"
)

// Status is the coordinator's current capital-movement mode.
type Status int8

const (
	StatusIdle Status = iota
	StatusUtilizing
	StatusDeutilizing
	StatusRebalancing
	StatusEmergency
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusUtilizing:
		return "UTILIZING"
	case StatusDeutilizing:
		return "DEUTILIZING"
	case StatusRebalancing:
		return "REBALANCING"
	case StatusEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Move describes a capital transfer the coordinator wants applied between the
// vault pool and the yield venue. Positive Amount always moves ToVenue or
// back depending on direction.
type Move struct {
	ToVenue bool
	Amount  int64
}

// Coordinator decides how much vault capital sits at the external yield
// venue. Utilization is expressed in basis points of total vault capital and
// is kept inside [minBps, maxBps] around targetBps; moves smaller than the
// deviation threshold are skipped to avoid churn. Emergency mode pulls
// everything back and blocks utilization until explicitly cleared.
// Not thread-safe: single-threaded core only.
type Coordinator struct {
	status Status

	targetBps    int64
	minBps       int64
	maxBps       int64
	deviationBps int64
}

func NewCoordinator(targetBps, minBps, maxBps, deviationBps int64) (*Coordinator, error) {
	if minBps > targetBps || targetBps > maxBps {
		return nil, fmt.Errorf("strategy bounds: min=%d <= target=%d <= max=%d required",
			minBps, targetBps, maxBps)
	}
	if maxBps > fpmath.BpsDenominator {
		return nil, fmt.Errorf("strategy bounds: max=%d exceeds %d bps", maxBps, fpmath.BpsDenominator)
	}
	return &Coordinator{
		status:       StatusIdle,
		targetBps:    targetBps,
		minBps:       minBps,
		maxBps:       maxBps,
		deviationBps: deviationBps,
	}, nil
}

func (c *Coordinator) Status() Status { return c.status }

// UtilizationBps returns the current venue share of total vault capital.
func (c *Coordinator) UtilizationBps(poolBalance, venueBalance int64) int64 {
	total := poolBalance + venueBalance
	if total <= 0 {
		return 0
	}
	return venueBalance * fpmath.BpsDenominator / total
}

// Utilize moves pool capital toward the target utilization. Rejected in
// emergency mode. Returns a zero move when already within the deviation
// threshold or when moving would exceed maxBps.
func (c *Coordinator) Utilize(poolBalance, venueBalance int64) (Move, error) {
	if c.status == StatusEmergency {
		return Move{}, fmt.Errorf("utilize: blocked in emergency mode")
	}

	move := c.moveToward(poolBalance, venueBalance, c.targetBps)
	if !move.ToVenue {
		// Utilize only pushes capital out; pulling back is Deutilize.
		return Move{}, nil
	}
	if move.Amount > poolBalance {
		move.Amount = poolBalance
	}
	if move.Amount > 0 {
		c.status = StatusUtilizing
	}
	return move, nil
}

// Deutilize pulls venue capital back toward the target, or pulls amount
// directly when amount > 0. Allowed in emergency mode.
func (c *Coordinator) Deutilize(poolBalance, venueBalance, amount int64) (Move, error) {
	if amount < 0 {
		return Move{}, fmt.Errorf("deutilize: negative amount %d", amount)
	}
	if amount > 0 {
		if amount > venueBalance {
			return Move{}, fmt.Errorf("deutilize: amount %d exceeds venue balance %d", amount, venueBalance)
		}
		if c.status != StatusEmergency {
			c.status = StatusDeutilizing
		}
		return Move{ToVenue: false, Amount: amount}, nil
	}

	move := c.moveToward(poolBalance, venueBalance, c.targetBps)
	if move.ToVenue {
		return Move{}, nil
	}
	if move.Amount > 0 && c.status != StatusEmergency {
		c.status = StatusDeutilizing
	}
	return move, nil
}

// Rebalance moves capital in either direction toward the target utilization.
// Rejected in emergency mode; no-ops inside the deviation threshold.
func (c *Coordinator) Rebalance(poolBalance, venueBalance int64) (Move, error) {
	if c.status == StatusEmergency {
		return Move{}, fmt.Errorf("rebalance: blocked in emergency mode")
	}

	move := c.moveToward(poolBalance, venueBalance, c.targetBps)
	if move.ToVenue && move.Amount > poolBalance {
		move.Amount = poolBalance
	}
	if move.Amount > 0 {
		c.status = StatusRebalancing
	}
	return move, nil
}

// Emergency pulls everything back from the venue and blocks utilization
// until ClearEmergency.
func (c *Coordinator) Emergency(venueBalance int64) Move {
	c.status = StatusEmergency
	return Move{ToVenue: false, Amount: venueBalance}
}

// ClearEmergency lifts the emergency block. Fails if venue capital remains.
func (c *Coordinator) ClearEmergency(venueBalance int64) error {
	if c.status != StatusEmergency {
		return fmt.Errorf("clear emergency: not in emergency mode (status=%s)", c.status)
	}
	if venueBalance != 0 {
		return fmt.Errorf("clear emergency: venue still holds %d", venueBalance)
	}
	c.status = StatusIdle
	return nil
}

// Reconcile runs after round settlement: it settles the status back to idle
// when the previous move completed and reports whether utilization drifted
// outside [minBps, maxBps].
func (c *Coordinator) Reconcile(poolBalance, venueBalance int64) (drifted bool) {
	if c.status != StatusEmergency {
		c.status = StatusIdle
	}
	util := c.UtilizationBps(poolBalance, venueBalance)
	return util < c.minBps || util > c.maxBps
}

// moveToward computes the capital move that brings utilization to goalBps,
// skipping moves inside the deviation threshold.
func (c *Coordinator) moveToward(poolBalance, venueBalance, goalBps int64) Move {
	total := poolBalance + venueBalance
	if total <= 0 {
		return Move{}
	}

	util := c.UtilizationBps(poolBalance, venueBalance)
	delta := util - goalBps
	if delta < 0 {
		delta = -delta
	}
	if delta < c.deviationBps {
		return Move{}
	}

	want := total * goalBps / fpmath.BpsDenominator
	if want > venueBalance {
		return Move{ToVenue: true, Amount: want - venueBalance}
	}
	return Move{ToVenue: false, Amount: venueBalance - want}
}

// === Snapshot support ===

type Snapshot struct {
	Status       Status
	TargetBps    int64
	MinBps       int64
	MaxBps       int64
	DeviationBps int64
}

func (c *Coordinator) Snapshot() *Snapshot {
	return &Snapshot{
		Status:       c.status,
		TargetBps:    c.targetBps,
		MinBps:       c.minBps,
		MaxBps:       c.maxBps,
		DeviationBps: c.deviationBps,
	}
}

func (c *Coordinator) Restore(snap *Snapshot) {
	c.status = snap.Status
	c.targetBps = snap.TargetBps
	c.minBps = snap.MinBps
	c.maxBps = snap.MaxBps
	c.deviationBps = snap.DeviationBps
}
