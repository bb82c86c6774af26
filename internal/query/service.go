package query

import (
	"context"
	"database/sql"
	"fmt"

	"OptionClear/internal/projection"

	"github.com/google/uuid"
)

// QueryService provides read-only access to projection tables and in-memory
// history projections. Queries never touch the deterministic core; all
// responses include as_of_sequence for freshness semantics.
type QueryService struct {
	db      *sql.DB
	history *projection.HistoryProjection
}

func NewQueryService(db *sql.DB, history *projection.HistoryProjection) *QueryService {
	return &QueryService{db: db, history: history}
}

// GetBalance returns a user's balances broken down by bucket.
// Escrow is summed across all of the user's per-order escrow accounts.
func (qs *QueryService) GetBalance(
	ctx context.Context,
	userID uuid.UUID,
) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	freePath := fmt.Sprintf("user:%s:free", userID)
	free, err := qs.getProjectedBalance(ctx, freePath)
	if err != nil {
		return nil, err
	}

	pendingPath := fmt.Sprintf("user:%s:pending_withdrawal", userID)
	pending, err := qs.getProjectedBalance(ctx, pendingPath)
	if err != nil {
		return nil, err
	}

	escrowPrefix := fmt.Sprintf("user:%s:escrow:%%", userID)
	var escrow int64
	err = qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(balance), 0) FROM projections.balances
		WHERE account_path LIKE $1
	`, escrowPrefix).Scan(&escrow)
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:            userID,
		FreeBalance:       free,
		EscrowBalance:     escrow,
		PendingWithdrawal: pending,
		TotalBalance:      free + escrow + pending,
		AsOfSequence:      asOfSeq,
	}, nil
}

// GetRoundHistory returns the most recent closed rounds for a product.
func (qs *QueryService) GetRoundHistory(
	ctx context.Context,
	product string,
	limit int,
) ([]RoundResponse, error) {
	if limit <= 0 {
		limit = 50
	}

	entries := qs.history.RecentRounds(product, limit)
	rounds := make([]RoundResponse, 0, len(entries))
	for _, e := range entries {
		rounds = append(rounds, RoundResponse{
			Epoch:      e.Epoch,
			Product:    e.Product,
			StartPrice: e.StartPrice,
			EndPrice:   e.EndPrice,
			StartTime:  e.StartTime,
			EndTime:    e.EndTime,
			Manual:     e.Manual,
		})
	}
	return rounds, nil
}

// GetSettlementHistory returns settled order outcomes for a user.
func (qs *QueryService) GetSettlementHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
) ([]SettlementResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	entries := qs.history.SettlementsByUser(userID, limit)
	results := make([]SettlementResponse, 0, len(entries))
	for _, e := range entries {
		results = append(results, SettlementResponse{
			OrderIdx:     e.OrderIdx,
			Epoch:        e.Epoch,
			Product:      e.Product,
			WinSide:      e.WinSide,
			OverUser:     e.OverUser,
			UnderUser:    e.UnderUser,
			WinAmount:    e.WinAmount,
			Fee:          e.Fee,
			Timestamp:    e.Timestamp,
			AsOfSequence: asOfSeq,
		})
	}
	return results, nil
}

// GetVaultEpochs returns the most recent settled vault epochs.
func (qs *QueryService) GetVaultEpochs(ctx context.Context, limit int) ([]VaultEpochResponse, error) {
	if limit <= 0 {
		limit = 50
	}

	entries := qs.history.VaultEpochs(limit)
	epochs := make([]VaultEpochResponse, 0, len(entries))
	for _, e := range entries {
		epochs = append(epochs, VaultEpochResponse{
			Epoch:           e.Epoch,
			SharePrice:      e.SharePrice,
			TotalShares:     e.TotalShares,
			DepositedAssets: e.DepositedAssets,
			RedeemedShares:  e.RedeemedShares,
			Timestamp:       e.Timestamp,
		})
	}
	return epochs, nil
}

// GetVaultOverview returns pool-level vault state from projections.
func (qs *QueryService) GetVaultOverview(ctx context.Context) (*VaultOverviewResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	pool, err := qs.getProjectedBalance(ctx, "system:vault")
	if err != nil {
		return nil, err
	}
	venue, err := qs.getProjectedBalance(ctx, "system:yield")
	if err != nil {
		return nil, err
	}

	resp := &VaultOverviewResponse{
		PoolBalance:  pool,
		VenueBalance: venue,
		AsOfSequence: asOfSeq,
	}

	if epochs := qs.history.VaultEpochs(1); len(epochs) > 0 {
		resp.LatestEpoch = epochs[0].Epoch
		resp.LatestSharePrice = epochs[0].SharePrice
	}

	return resp, nil
}

// GetJournalHistory returns journal entries for a user with pagination.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE debit_account LIKE $1 OR credit_account LIKE $1
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain and global balance invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	// Check hash chain continuity
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Global balance must sum to zero across all accounts
	var total sql.NullInt64
	err = qs.db.QueryRowContext(ctx, `
		SELECT SUM(balance) FROM projections.balances
	`).Scan(&total)
	if err != nil {
		return nil, err
	}
	if total.Valid {
		report.GlobalImbalance = total.Int64
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.GlobalImbalance == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, accountPath string) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(balance, 0) FROM projections.balances
		WHERE account_path = $1
	`, accountPath).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return balance, err
}
