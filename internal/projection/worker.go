package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence       int64
	EventType      string
	ProductID      *string
	JournalEntries []JournalEntry
	Timestamp      int64

	// Set only on outputs that closed a round.
	Settlements []SettlementHistoryEntry
	Rounds      []RoundHistoryEntry
	VaultEpochs []VaultEpochEntry
}

// JournalEntry is a simplified journal for projection consumption.
// Debit increases the account balance, credit decreases it, matching
// ledger.BalanceTracker.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   int32
}

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop: if projections fall
// behind, they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue — projections are eventually consistent
				// and can be rebuilt from the event log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Update balance projections from journal entries
	for _, j := range output.JournalEntries {
		if err := pw.updateBalanceProjection(ctx, tx, output.Sequence, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if err := pw.insertHistory(ctx, tx, output); err != nil {
		return fmt.Errorf("history projection: %w", err)
	}

	// Update projection watermark
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalanceProjection(ctx context.Context, tx *sql.Tx, seq int64, j JournalEntry) error {
	// Debit account: balance increases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3
	`, j.DebitAccount, j.Amount, seq); err != nil {
		return err
	}

	// Credit account: balance decreases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		VALUES ($1, -$2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2, last_sequence = $3
	`, j.CreditAccount, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

// insertHistory appends round-close history rows. Inserts are idempotent so
// replays and duplicate deliveries leave the tables unchanged.
func (pw *ProjectionWorker) insertHistory(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	for _, s := range output.Settlements {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.settlement_history
				(order_idx, epoch, product, win_side, over_user, under_user, win_amount, fee, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (product, epoch, order_idx) DO NOTHING
		`, s.OrderIdx, s.Epoch, s.Product, s.WinSide, s.OverUser, s.UnderUser,
			s.WinAmount, s.Fee, s.Timestamp); err != nil {
			return err
		}
	}

	for _, r := range output.Rounds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.round_history
				(epoch, product, start_price, end_price, start_time, end_time, manual)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (product, epoch) DO NOTHING
		`, r.Epoch, r.Product, r.StartPrice, r.EndPrice, r.StartTime, r.EndTime, r.Manual); err != nil {
			return err
		}
	}

	for _, v := range output.VaultEpochs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.vault_epochs
				(epoch, share_price, total_shares, deposited_assets, redeemed_shares, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (epoch) DO NOTHING
		`, v.Epoch, v.SharePrice, v.TotalShares, v.DepositedAssets, v.RedeemedShares, v.Timestamp); err != nil {
			return err
		}
	}

	return nil
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.settlement_history`,
		`TRUNCATE projections.round_history`,
		`TRUNCATE projections.vault_epochs`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Rebuild from journal entries: debits add, credits subtract
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account
		ON CONFLICT (account_path) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
