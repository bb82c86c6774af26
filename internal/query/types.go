package query

import "github.com/google/uuid"

// BalanceResponse represents user balance state for API queries.
type BalanceResponse struct {
	UserID uuid.UUID `json:"user_id"`

	// Ledger balances (from journal entries)
	FreeBalance       int64 `json:"free_balance"`       // spendable collateral
	EscrowBalance     int64 `json:"escrow_balance"`     // locked against open orders
	PendingWithdrawal int64 `json:"pending_withdrawal"` // held behind the withdrawal delay

	TotalBalance int64 `json:"total_balance"` // free + escrow + pending_withdrawal

	// Metadata
	AsOfSequence int64 `json:"as_of_sequence"` // last applied event sequence
}

// RoundResponse represents one closed round for API queries.
type RoundResponse struct {
	Epoch      int64  `json:"epoch"`
	Product    string `json:"product"`
	StartPrice int64  `json:"start_price"`
	EndPrice   int64  `json:"end_price"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	Manual     bool   `json:"manual"`
}

// SettlementResponse represents a settled order outcome for API queries.
type SettlementResponse struct {
	OrderIdx     int64     `json:"order_idx"`
	Epoch        int64     `json:"epoch"`
	Product      string    `json:"product"`
	WinSide      string    `json:"win_side"`
	OverUser     uuid.UUID `json:"over_user"`
	UnderUser    uuid.UUID `json:"under_user"`
	WinAmount    int64     `json:"win_amount"`
	Fee          int64     `json:"fee"`
	Timestamp    int64     `json:"timestamp"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// VaultEpochResponse represents a settled vault epoch for API queries.
type VaultEpochResponse struct {
	Epoch           int64 `json:"epoch"`
	SharePrice      int64 `json:"share_price"`
	TotalShares     int64 `json:"total_shares"`
	DepositedAssets int64 `json:"deposited_assets"`
	RedeemedShares  int64 `json:"redeemed_shares"`
	Timestamp       int64 `json:"timestamp"`
}

// VaultOverviewResponse summarizes pool-level vault state.
type VaultOverviewResponse struct {
	PoolBalance      int64 `json:"pool_balance"`       // assets held by the vault pool account
	VenueBalance     int64 `json:"venue_balance"`      // assets placed with the yield venue
	LatestEpoch      int64 `json:"latest_epoch"`       // most recent settled epoch
	LatestSharePrice int64 `json:"latest_share_price"` // share price frozen at that epoch
	AsOfSequence     int64 `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	GlobalImbalance int64   `json:"global_imbalance,omitempty"`
}
