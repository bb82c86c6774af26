package projection

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
)

// SettlementHistoryEntry records one settled order outcome.
type SettlementHistoryEntry struct {
	OrderIdx  int64
	Epoch     int64
	Product   string
	WinSide   string // "over", "under", or "invalid" for ties
	OverUser  uuid.UUID
	UnderUser uuid.UUID
	WinAmount int64
	Fee       int64
	Timestamp int64
}

// RoundHistoryEntry records one closed round per product.
type RoundHistoryEntry struct {
	Epoch      int64
	Product    string
	StartPrice int64
	EndPrice   int64
	StartTime  int64
	EndTime    int64
	Manual     bool
}

// VaultEpochEntry records one settled vault epoch.
type VaultEpochEntry struct {
	Epoch           int64
	SharePrice      int64
	TotalShares     int64
	DepositedAssets int64
	RedeemedShares  int64
	Timestamp       int64
}

// HistoryProjection maintains queryable settlement, round, and vault epoch
// history in memory. Entries are appended by the orchestrator as settled
// outputs leave the core; the event log remains the source of truth and
// history can be rebuilt from it.
type HistoryProjection struct {
	mu          sync.RWMutex
	settlements []SettlementHistoryEntry
	rounds      []RoundHistoryEntry
	epochs      []VaultEpochEntry
}

func NewHistoryProjection() *HistoryProjection {
	return &HistoryProjection{}
}

// AddSettlement records a settled order.
func (p *HistoryProjection) AddSettlement(entry SettlementHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settlements = append(p.settlements, entry)
}

// AddRound records a closed round.
func (p *HistoryProjection) AddRound(entry RoundHistoryEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rounds = append(p.rounds, entry)
}

// AddVaultEpoch records a settled vault epoch.
func (p *HistoryProjection) AddVaultEpoch(entry VaultEpochEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.epochs = append(p.epochs, entry)
}

// LoadFromDB hydrates the in-memory history from the projection tables,
// oldest first so appends keep chronological order. Called once at startup.
func (p *HistoryProjection) LoadFromDB(ctx context.Context, db *sql.DB) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := db.QueryContext(ctx, `
		SELECT order_idx, epoch, product, win_side, over_user, under_user, win_amount, fee, timestamp
		FROM projections.settlement_history
		ORDER BY timestamp ASC, epoch ASC, order_idx ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()
	p.settlements = p.settlements[:0]
	for rows.Next() {
		var e SettlementHistoryEntry
		if err := rows.Scan(&e.OrderIdx, &e.Epoch, &e.Product, &e.WinSide,
			&e.OverUser, &e.UnderUser, &e.WinAmount, &e.Fee, &e.Timestamp); err != nil {
			return err
		}
		p.settlements = append(p.settlements, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	roundRows, err := db.QueryContext(ctx, `
		SELECT epoch, product, start_price, end_price, start_time, end_time, manual
		FROM projections.round_history
		ORDER BY epoch ASC, product ASC
	`)
	if err != nil {
		return err
	}
	defer roundRows.Close()
	p.rounds = p.rounds[:0]
	for roundRows.Next() {
		var e RoundHistoryEntry
		if err := roundRows.Scan(&e.Epoch, &e.Product, &e.StartPrice, &e.EndPrice,
			&e.StartTime, &e.EndTime, &e.Manual); err != nil {
			return err
		}
		p.rounds = append(p.rounds, e)
	}
	if err := roundRows.Err(); err != nil {
		return err
	}

	epochRows, err := db.QueryContext(ctx, `
		SELECT epoch, share_price, total_shares, deposited_assets, redeemed_shares, timestamp
		FROM projections.vault_epochs
		ORDER BY epoch ASC
	`)
	if err != nil {
		return err
	}
	defer epochRows.Close()
	p.epochs = p.epochs[:0]
	for epochRows.Next() {
		var e VaultEpochEntry
		if err := epochRows.Scan(&e.Epoch, &e.SharePrice, &e.TotalShares,
			&e.DepositedAssets, &e.RedeemedShares, &e.Timestamp); err != nil {
			return err
		}
		p.epochs = append(p.epochs, e)
	}
	return epochRows.Err()
}

// SettlementsByUser returns the most recent settlements involving a user.
func (p *HistoryProjection) SettlementsByUser(userID uuid.UUID, limit int) []SettlementHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]SettlementHistoryEntry, 0)
	for i := len(p.settlements) - 1; i >= 0 && len(result) < limit; i-- {
		e := p.settlements[i]
		if e.OverUser == userID || e.UnderUser == userID {
			result = append(result, e)
		}
	}
	return result
}

// SettlementsByEpoch returns all settlements for an epoch.
func (p *HistoryProjection) SettlementsByEpoch(epoch int64) []SettlementHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]SettlementHistoryEntry, 0)
	for _, e := range p.settlements {
		if e.Epoch == epoch {
			result = append(result, e)
		}
	}
	return result
}

// RecentRounds returns the most recent closed rounds for a product.
func (p *HistoryProjection) RecentRounds(product string, limit int) []RoundHistoryEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]RoundHistoryEntry, 0)
	for i := len(p.rounds) - 1; i >= 0 && len(result) < limit; i-- {
		if p.rounds[i].Product == product {
			result = append(result, p.rounds[i])
		}
	}
	return result
}

// VaultEpochs returns the most recent settled vault epochs.
func (p *HistoryProjection) VaultEpochs(limit int) []VaultEpochEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]VaultEpochEntry, 0)
	for i := len(p.epochs) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, p.epochs[i])
	}
	return result
}
