package core

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"OptionClear/internal/event"
	"OptionClear/internal/ledger"
	fpmath "OptionClear/internal/math"
	"OptionClear/internal/observability"
	"OptionClear/internal/round"
	"OptionClear/internal/settle"
	"OptionClear/internal/strategy"
	"OptionClear/internal/vault"

	"github.com/google/uuid"
)

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.EscrowJournalGenerator
	validator         *ledger.InvariantValidator
	rounds            *round.Manager
	orders            *settle.OrderStore
	settlement        *settle.Engine
	vault             *vault.Accountant
	strategy          *strategy.Coordinator
	withdrawals       map[uuid.UUID]*WithdrawalHold
	pendingRoundClose *RoundCloseInfo
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Event      event.Event // Source event, marshaled into the log for replay
	Batch      *ledger.Batch
	StateDelta []byte
	RoundClose *RoundCloseInfo // non-nil only when this event closed a round
}

// RoundCloseInfo summarizes a closed round for downstream projections.
type RoundCloseInfo struct {
	Round           *round.Round
	Results         []*settle.Result
	SharePrice      int64
	TotalShares     int64
	DepositedAssets int64
	RedeemedShares  int64
}

// WithdrawalHold tracks a delay-gated withdrawal between request and
// execution or cancellation.
type WithdrawalHold struct {
	WithdrawalID uuid.UUID
	UserID       uuid.UUID
	Amount       int64
	ExecutableAt time.Time
	Closed       bool
}

// Config carries the deterministic parameters the core is constructed with.
// They are part of replay identity: changing them against an existing event
// log changes the state hashes.
type Config struct {
	StartSequence    int64
	CommissionFeeBps int64
	RoundInterval    time.Duration
	Products         []string

	VaultDepositCap        int64 // Per-epoch; 0 = unlimited
	VaultHurdleBps         int64
	VaultPerformanceFeeBps int64

	StrategyTargetBps    int64
	StrategyMinBps       int64
	StrategyMaxBps       int64
	StrategyDeviationBps int64

	IdempotencyCapacity int
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	balanceTracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(balanceTracker)
	journalGen := ledger.NewEscrowJournalGenerator(cfg.StartSequence, balanceTracker)

	coordinator, err := strategy.NewCoordinator(
		cfg.StrategyTargetBps, cfg.StrategyMinBps, cfg.StrategyMaxBps, cfg.StrategyDeviationBps)
	if err != nil {
		return nil, err
	}

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        journalGen,
		validator:         validator,
		rounds:            round.NewManager(cfg.RoundInterval, cfg.Products),
		orders:            settle.NewOrderStore(),
		settlement:        settle.NewEngine(journalGen, cfg.CommissionFeeBps),
		vault:             vault.NewAccountant(cfg.VaultDepositCap, cfg.VaultHurdleBps, cfg.VaultPerformanceFeeBps),
		strategy:          coordinator,
		withdrawals:       make(map[uuid.UUID]*WithdrawalHold),
		idempotency:       NewIdempotencyChecker(capacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessEvent is the main processing pipeline
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation. Order batches ride the indexer's
	// contiguous per-product log and must be gapless; everything else is
	// stamped at its origin, so only regressions reject.
	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()

	var seqErr error
	if strings.HasPrefix(partition, "orders:") {
		seqErr = c.sequenceValidator.ValidateSequence(partition, sourceSequence, idempotencyKey, isDuplicate)
	} else {
		seqErr = c.sequenceValidator.ValidateCommandSequence(partition, sourceSequence, idempotencyKey, isDuplicate)
	}
	if seqErr != nil {
		return fmt.Errorf("sequence validation failed: %w", seqErr)
	}

	// If duplicate, skip processing
	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	// Step 3: Event dispatch - build the journal batch
	batch, err := c.dispatchEvent(evt)
	if err != nil {
		c.pendingRoundClose = nil
		return fmt.Errorf("dispatch failed: %w", err)
	}

	// Step 4-7: validate, apply, hash, wrap.
	// Empty batches (state-only events like VaultRedeemRequest or round
	// lifecycle transitions) skip validation and application but still
	// produce an envelope in the event log.
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}

		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			return fmt.Errorf("apply batch failed: %w", err)
		}
	}

	stateDigest := c.computeStateDigest(batch)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		ProductID:      evt.ProductID(),
		Timestamp:      c.getEventTimestamp(evt),
		SourceSequence: sourceSequence,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Event:      evt,
		Batch:      batch,
		StateDelta: stateDigest,
		RoundClose: c.pendingRoundClose,
	}
	c.pendingRoundClose = nil
	c.sequence++

	// Step 8: Post-checks
	if err := c.postCheckInvariants(evt); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 9: Emit outputs.
	// Persist channel uses a BLOCKING send (backpressure); the projection
	// channel is NON-BLOCKING with silent drop — projections rebuild from
	// the event log if they fall behind.
	c.persistChan <- output

	select {
	case c.projectionChan <- output:
	default:
		// Dropped — projection catches up via rebuild
	}

	// Step 10: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	// Record metrics
	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.EscrowLocked.Set(float64(c.balanceTracker.GetTotalEscrowLocked()))
		c.metrics.TreasuryBalance.Set(float64(c.balanceTracker.GetTreasuryBalance()))
	}

	return nil
}

// getPartition determines partition key for sequence validation.
// Order batches are sequenced strictly per product; round lifecycle commands
// share one monotonic partition; everything else rides the global partition.
func (c *DeterministicCore) getPartition(evt event.Event) string {
	switch e := evt.(type) {
	case *event.OrderFillBatch:
		return fmt.Sprintf("orders:%s", e.Product)
	case *event.GenesisOpenRound, *event.GenesisStartRound, *event.ExecuteRound,
		*event.PauseRounds, *event.UnpauseRounds, *event.ManualRoundEnd:
		return "rounds"
	default:
		return "global"
	}
}

// getEventTimestamp extracts the versioned timestamp from the event.
// The core MUST NOT call time.Now(); all timestamps are replayable inputs.
func (c *DeterministicCore) getEventTimestamp(evt event.Event) time.Time {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return e.Timestamp
	case *event.WithdrawalRequested:
		return e.Timestamp
	case *event.WithdrawalExecuted:
		return e.Timestamp
	case *event.WithdrawalCancelled:
		return e.Timestamp
	case *event.OrderFillBatch:
		return e.Timestamp
	case *event.GenesisOpenRound:
		return e.Timestamp
	case *event.GenesisStartRound:
		return e.Timestamp
	case *event.ExecuteRound:
		return e.Timestamp
	case *event.PauseRounds:
		return e.Timestamp
	case *event.UnpauseRounds:
		return e.Timestamp
	case *event.ManualRoundEnd:
		return e.Timestamp
	case *event.VaultDepositRequest:
		return e.Timestamp
	case *event.VaultRedeemRequest:
		return e.Timestamp
	case *event.VaultClaimDeposit:
		return e.Timestamp
	case *event.VaultClaimRedeem:
		return e.Timestamp
	case *event.StrategyCommand:
		return e.Timestamp
	default:
		panic(fmt.Sprintf("FATAL: getEventTimestamp called with unhandled event type %T — deterministic core cannot use wall-clock time", evt))
	}
}

// computeStateDigest creates canonical bytes for state hash
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch) []byte {
	// Collect all affected accounts
	affectedAccounts := make(map[ledger.AccountKey]bool)

	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	// Sort accounts deterministically
	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}

	// Sort by AccountPath (deterministic string ordering)
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	// Build digest
	digest := make([]byte, 0, len(accounts)*64)

	for _, key := range accounts {
		balance := c.balanceTracker.GetBalance(key)

		// Append account path
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)

		// Append balance (8 bytes LE)
		digest = appendInt64LE(digest, balance)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(evt event.Event) error {
	switch e := evt.(type) {
	case *event.WithdrawalRequested:
		if err := c.validator.ValidateUserAccounts(e.UserID); err != nil {
			return fmt.Errorf("post-check withdrawal: %w", err)
		}

	case *event.VaultDepositRequest:
		if err := c.validator.ValidateUserAccounts(e.UserID); err != nil {
			return fmt.Errorf("post-check vault deposit: %w", err)
		}

	case *event.OrderFillBatch:
		for i := range e.Orders {
			if err := c.validator.ValidateUserAccounts(e.Orders[i].OverUser); err != nil {
				return fmt.Errorf("post-check order lock: %w", err)
			}
			if err := c.validator.ValidateUserAccounts(e.Orders[i].UnderUser); err != nil {
				return fmt.Errorf("post-check order lock: %w", err)
			}
		}

	case *event.ExecuteRound, *event.ManualRoundEnd:
		// Settlement must drain escrow exactly: every released bucket ends
		// at zero and total value is conserved.
		if err := c.validator.ValidateEscrowNonNegative(); err != nil {
			return fmt.Errorf("post-check settlement: %w", err)
		}
		if err := c.validator.ValidateConservation(); err != nil {
			return fmt.Errorf("post-check settlement: %w", err)
		}
	}

	// Periodic global zero-sum check
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateConservation(); err != nil {
			return fmt.Errorf("post-check periodic (at seq %d): %w", c.sequence, err)
		}
	}

	return nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.DepositConfirmed:
		return c.handleDepositConfirmed(e)
	case *event.WithdrawalRequested:
		return c.handleWithdrawalRequested(e)
	case *event.WithdrawalExecuted:
		return c.handleWithdrawalExecuted(e)
	case *event.WithdrawalCancelled:
		return c.handleWithdrawalCancelled(e)
	case *event.OrderFillBatch:
		return c.handleOrderFillBatch(e)
	case *event.GenesisOpenRound:
		return c.handleGenesisOpenRound(e)
	case *event.GenesisStartRound:
		return c.handleGenesisStartRound(e)
	case *event.ExecuteRound:
		return c.handleExecuteRound(e)
	case *event.PauseRounds:
		return c.handlePauseRounds(e)
	case *event.UnpauseRounds:
		return c.handleUnpauseRounds(e)
	case *event.ManualRoundEnd:
		return c.handleManualRoundEnd(e)
	case *event.VaultDepositRequest:
		return c.handleVaultDepositRequest(e)
	case *event.VaultRedeemRequest:
		return c.handleVaultRedeemRequest(e)
	case *event.VaultClaimDeposit:
		return c.handleVaultClaimDeposit(e)
	case *event.VaultClaimRedeem:
		return c.handleVaultClaimRedeem(e)
	case *event.StrategyCommand:
		return c.handleStrategyCommand(e)
	default:
		return nil, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Balance events ---

func (c *DeterministicCore) handleDepositConfirmed(evt *event.DepositConfirmed) (*ledger.Batch, error) {
	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err := c.journalGen.AppendDeposit(batch, ledger.CallerClearingHouse, evt.UserID, evt.Amount); err != nil {
		return nil, err
	}
	return c.journalGen.Seal(batch), nil
}

func (c *DeterministicCore) handleWithdrawalRequested(evt *event.WithdrawalRequested) (*ledger.Batch, error) {
	if _, exists := c.withdrawals[evt.WithdrawalID]; exists {
		return nil, fmt.Errorf("withdrawal %s already requested", evt.WithdrawalID)
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err := c.journalGen.AppendWithdrawalHold(batch, ledger.CallerClearingHouse, evt.UserID, evt.Amount); err != nil {
		return nil, err
	}

	c.withdrawals[evt.WithdrawalID] = &WithdrawalHold{
		WithdrawalID: evt.WithdrawalID,
		UserID:       evt.UserID,
		Amount:       evt.Amount,
		ExecutableAt: evt.ExecutableAt,
	}
	return c.journalGen.Seal(batch), nil
}

func (c *DeterministicCore) handleWithdrawalExecuted(evt *event.WithdrawalExecuted) (*ledger.Batch, error) {
	hold, ok := c.withdrawals[evt.WithdrawalID]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: no pending hold", evt.WithdrawalID)
	}
	if hold.Closed {
		return nil, fmt.Errorf("withdrawal %s: hold already closed", evt.WithdrawalID)
	}
	if evt.Timestamp.Before(hold.ExecutableAt) {
		return nil, fmt.Errorf("withdrawal %s: delay not elapsed (executable at %s)",
			evt.WithdrawalID, hold.ExecutableAt.Format(time.RFC3339))
	}
	if evt.Amount != hold.Amount {
		return nil, fmt.Errorf("withdrawal %s: amount %d does not match hold %d",
			evt.WithdrawalID, evt.Amount, hold.Amount)
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err := c.journalGen.AppendWithdrawalExecute(batch, ledger.CallerClearingHouse, evt.UserID, evt.Amount); err != nil {
		return nil, err
	}

	hold.Closed = true
	return c.journalGen.Seal(batch), nil
}

func (c *DeterministicCore) handleWithdrawalCancelled(evt *event.WithdrawalCancelled) (*ledger.Batch, error) {
	hold, ok := c.withdrawals[evt.WithdrawalID]
	if !ok {
		return nil, fmt.Errorf("withdrawal %s: no pending hold", evt.WithdrawalID)
	}
	if hold.Closed {
		return nil, fmt.Errorf("withdrawal %s: hold already closed", evt.WithdrawalID)
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err := c.journalGen.AppendWithdrawalCancel(batch, ledger.CallerClearingHouse, evt.UserID, hold.Amount); err != nil {
		return nil, err
	}

	hold.Closed = true
	return c.journalGen.Seal(batch), nil
}

// --- Order flow ---

// handleOrderFillBatch escrows both sides of every order in the batch.
// The batch is all-or-nothing: any idx discontinuity or underfunded side
// rejects the whole event without mutating the order store.
func (c *DeterministicCore) handleOrderFillBatch(evt *event.OrderFillBatch) (*ledger.Batch, error) {
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("order batch %s: %w", evt.BatchID, err)
	}
	if !c.rounds.AcceptingOrders(evt.Epoch) {
		return nil, fmt.Errorf("order batch %s: epoch %d not accepting orders", evt.BatchID, evt.Epoch)
	}
	if first := evt.Orders[0].Idx; first != c.orders.LastAcceptedIdx()+1 {
		if c.metrics != nil {
			c.metrics.OrderIdxRejected.Inc()
		}
		return nil, fmt.Errorf("order batch %s: idx %d does not follow last accepted %d",
			evt.BatchID, first, c.orders.LastAcceptedIdx())
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	for i := range evt.Orders {
		stored := &settle.StoredOrder{FilledOrder: evt.Orders[i]}
		if err := c.settlement.LockOrder(batch, stored); err != nil {
			return nil, err
		}
	}

	// Locks built without error; the store accepts the batch atomically.
	if err := c.orders.Accept(evt); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.OrdersAccepted.WithLabelValues(evt.Product).Add(float64(len(evt.Orders)))
	}
	return c.journalGen.Seal(batch), nil
}

// --- Round lifecycle ---

func (c *DeterministicCore) handleGenesisOpenRound(evt *event.GenesisOpenRound) (*ledger.Batch, error) {
	if _, err := c.rounds.GenesisOpen(evt.Timestamp); err != nil {
		return nil, err
	}
	return c.journalGen.Seal(c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())), nil
}

func (c *DeterministicCore) handleGenesisStartRound(evt *event.GenesisStartRound) (*ledger.Batch, error) {
	r, err := c.rounds.GenesisStart(evt.Timestamp, priceMap(evt.Prices))
	if err != nil {
		return nil, err
	}

	c.emitDerived(event.EventTypeRoundStarted,
		fmt.Sprintf("round:%d:started", r.Epoch), evt.Timestamp)
	if c.metrics != nil {
		c.metrics.RoundEpoch.Set(float64(c.rounds.CurrentEpoch()))
	}
	return c.journalGen.Seal(c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())), nil
}

func (c *DeterministicCore) handleExecuteRound(evt *event.ExecuteRound) (*ledger.Batch, error) {
	r, err := c.rounds.Execute(evt.Epoch, evt.Timestamp, priceMap(evt.Prices))
	if err != nil {
		return nil, err
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err := c.settleClosedRound(batch, r, evt.Timestamp); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.RoundsExecuted.Inc()
		c.metrics.RoundEpoch.Set(float64(c.rounds.CurrentEpoch()))
	}
	return c.journalGen.Seal(batch), nil
}

func (c *DeterministicCore) handlePauseRounds(evt *event.PauseRounds) (*ledger.Batch, error) {
	if err := c.rounds.Pause(); err != nil {
		return nil, err
	}
	return c.journalGen.Seal(c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())), nil
}

func (c *DeterministicCore) handleUnpauseRounds(evt *event.UnpauseRounds) (*ledger.Batch, error) {
	if err := c.rounds.Unpause(); err != nil {
		return nil, err
	}
	return c.journalGen.Seal(c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())), nil
}

func (c *DeterministicCore) handleManualRoundEnd(evt *event.ManualRoundEnd) (*ledger.Batch, error) {
	r, err := c.rounds.ManualEnd(evt.Epoch, evt.Timestamp, evt.InitDate, priceMap(evt.Prices))
	if err != nil {
		return nil, err
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err := c.settleClosedRound(batch, r, evt.Timestamp); err != nil {
		return nil, err
	}
	return c.journalGen.Seal(batch), nil
}

// settleClosedRound settles a closed round's orders and the matching vault
// epoch into one batch. Shared by ExecuteRound and ManualRoundEnd.
func (c *DeterministicCore) settleClosedRound(batch *ledger.Batch, r *round.Round, ts time.Time) error {
	unsettled := c.orders.Unsettled(r.Epoch)
	results, err := c.settlement.SettleRound(batch, r, unsettled)
	if err != nil {
		return fmt.Errorf("settle round %d: %w", r.Epoch, err)
	}

	if c.metrics != nil {
		for _, res := range results {
			c.metrics.OrdersSettled.WithLabelValues(res.Product, res.WinPosition.String()).Inc()
			if res.Fee > 0 {
				c.metrics.SettlementFees.WithLabelValues(res.Product).Add(float64(res.Fee))
			}
		}
	}
	c.orders.DropEpoch(r.Epoch)

	// Vault NAV must include this batch's settlement flows into the vault
	// pool, which have not been applied to the tracker yet.
	vaultAssets := c.balanceTracker.GetVaultPoolBalance() +
		c.balanceTracker.GetYieldVenueBalance() +
		batchVaultDelta(batch)

	sharePrice, err := c.vault.SettleEpoch(r.Epoch, vaultAssets, ts.UnixMicro())
	if err != nil {
		return fmt.Errorf("settle vault epoch %d: %w", r.Epoch, err)
	}

	c.strategy.Reconcile(
		c.balanceTracker.GetVaultPoolBalance()+batchVaultPoolDelta(batch),
		c.balanceTracker.GetYieldVenueBalance())

	c.emitDerived(event.EventTypeRoundEnded, fmt.Sprintf("round:%d:ended", r.Epoch), ts)
	c.emitDerived(event.EventTypeEpochSettled, fmt.Sprintf("epoch:%d:settled", r.Epoch), ts)

	if c.metrics != nil {
		c.metrics.VaultEpochsSettled.Inc()
		c.metrics.VaultSharePrice.Set(float64(sharePrice))
		c.metrics.VaultTotalShares.Set(float64(c.vault.TotalShares()))
	}

	info := &RoundCloseInfo{
		Round:       r,
		Results:     results,
		SharePrice:  sharePrice,
		TotalShares: c.vault.TotalShares(),
	}
	if ed, ok := c.vault.Epoch(r.Epoch); ok {
		info.DepositedAssets = ed.TotalRequestedDepositAssets
		info.RedeemedShares = ed.TotalRequestedRedeemShares
	}
	c.pendingRoundClose = info
	return nil
}

// batchVaultDelta sums the batch's not-yet-applied flows into the vault pool
// and yield venue accounts.
func batchVaultDelta(batch *ledger.Batch) int64 {
	pool := ledger.VaultPoolAccount()
	venue := ledger.YieldVenueAccount()
	var delta int64
	for _, j := range batch.Journals {
		if j.DebitAccount == pool || j.DebitAccount == venue {
			delta += j.Amount
		}
		if j.CreditAccount == pool || j.CreditAccount == venue {
			delta -= j.Amount
		}
	}
	return delta
}

func batchVaultPoolDelta(batch *ledger.Batch) int64 {
	pool := ledger.VaultPoolAccount()
	var delta int64
	for _, j := range batch.Journals {
		if j.DebitAccount == pool {
			delta += j.Amount
		}
		if j.CreditAccount == pool {
			delta -= j.Amount
		}
	}
	return delta
}

// --- Vault events ---

func (c *DeterministicCore) handleVaultDepositRequest(evt *event.VaultDepositRequest) (*ledger.Batch, error) {
	// Requests bind to the running epoch. Before genesis (or while paused)
	// there is no epoch that will ever settle, and assets journalled into the
	// pool would have no claim path back out.
	if status := c.rounds.Status(); status != round.StatusRunning {
		return nil, fmt.Errorf("vault deposit: rounds not running (status %s)", status)
	}
	epoch := c.rounds.CurrentEpoch()
	if err := c.balanceTracker.ValidateSufficientFree(evt.UserID, evt.Assets); err != nil {
		return nil, fmt.Errorf("vault deposit: %w", err)
	}
	if err := c.vault.RequestDeposit(evt.UserID, epoch, evt.Assets); err != nil {
		return nil, err
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if err := c.journalGen.AppendBalanceTransfer(batch, ledger.CallerVault,
		ledger.NewUserAccountKey(evt.UserID, ledger.SubTypeFree),
		ledger.VaultPoolAccount(),
		evt.Assets, ledger.JournalTypeVaultDeposit); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.VaultDepositRequests.Inc()
	}
	return c.journalGen.Seal(batch), nil
}

func (c *DeterministicCore) handleVaultRedeemRequest(evt *event.VaultRedeemRequest) (*ledger.Batch, error) {
	if status := c.rounds.Status(); status != round.StatusRunning {
		return nil, fmt.Errorf("vault redeem: rounds not running (status %s)", status)
	}
	epoch := c.rounds.CurrentEpoch()
	if err := c.vault.RequestRedeem(evt.UserID, epoch, evt.Shares); err != nil {
		return nil, err
	}

	if c.metrics != nil {
		c.metrics.VaultRedeemRequests.Inc()
	}
	// Shares are internal vault state; no collateral moves until the claim.
	return c.journalGen.Seal(c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())), nil
}

func (c *DeterministicCore) handleVaultClaimDeposit(evt *event.VaultClaimDeposit) (*ledger.Batch, error) {
	if _, _, err := c.vault.ClaimDeposit(evt.UserID, evt.Epoch); err != nil {
		return nil, err
	}
	// Assets moved at request time; the claim only assigns shares.
	return c.journalGen.Seal(c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())), nil
}

func (c *DeterministicCore) handleVaultClaimRedeem(evt *event.VaultClaimRedeem) (*ledger.Batch, error) {
	// The payout must be liquid in the vault pool; capital parked at the
	// yield venue has to be deutilized before the claim can pass.
	if r, ok := c.vault.Request(evt.UserID, evt.Epoch); ok {
		if ed, settled := c.vault.Epoch(evt.Epoch); settled && ed.IsSettled {
			owed := fpmath.AssetsForShares(r.RedeemShares, ed.SharePrice)
			if pool := c.balanceTracker.GetVaultPoolBalance(); pool < owed {
				return nil, fmt.Errorf("vault claim redeem: pool balance %d short of payout %d", pool, owed)
			}
		}
	}

	assets, fee, err := c.vault.ClaimRedeem(evt.UserID, evt.Epoch)
	if err != nil {
		return nil, err
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if net := assets - fee; net > 0 {
		if err := c.journalGen.AppendBalanceTransfer(batch, ledger.CallerVault,
			ledger.VaultPoolAccount(),
			ledger.NewUserAccountKey(evt.UserID, ledger.SubTypeFree),
			net, ledger.JournalTypeVaultRedeem); err != nil {
			return nil, err
		}
	}
	if fee > 0 {
		if err := c.journalGen.AppendBalanceTransfer(batch, ledger.CallerVault,
			ledger.VaultPoolAccount(),
			ledger.TreasuryAccount(),
			fee, ledger.JournalTypePerformanceFee); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.VaultPerformanceFees.Add(float64(fee))
		}
	}
	return c.journalGen.Seal(batch), nil
}

// --- Strategy commands ---

func (c *DeterministicCore) handleStrategyCommand(evt *event.StrategyCommand) (*ledger.Batch, error) {
	pool := c.balanceTracker.GetVaultPoolBalance()
	venue := c.balanceTracker.GetYieldVenueBalance()

	var move strategy.Move
	var err error

	switch evt.Action {
	case event.StrategyActionUtilize:
		move, err = c.strategy.Utilize(pool, venue)
	case event.StrategyActionDeutilize:
		move, err = c.strategy.Deutilize(pool, venue, evt.Amount)
	case event.StrategyActionRebalance:
		move, err = c.strategy.Rebalance(pool, venue)
	case event.StrategyActionEmergency:
		move = c.strategy.Emergency(venue)
	case event.StrategyActionClearEmergency:
		err = c.strategy.ClearEmergency(venue)
	default:
		return nil, fmt.Errorf("unknown strategy action: %d", evt.Action)
	}
	if err != nil {
		return nil, err
	}

	batch := c.journalGen.NewBatch(evt.IdempotencyKey(), evt.Timestamp.UnixMicro())
	if move.Amount > 0 {
		from, to := ledger.VaultPoolAccount(), ledger.YieldVenueAccount()
		jt := ledger.JournalTypeStrategyUtilize
		direction := "to_venue"
		if !move.ToVenue {
			from, to = to, from
			jt = ledger.JournalTypeStrategyDeutilize
			direction = "to_pool"
		}
		if err := c.journalGen.AppendBalanceTransfer(batch, ledger.CallerStrategy, from, to, move.Amount, jt); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.StrategyMoves.WithLabelValues(direction).Inc()
		}
	}

	if c.metrics != nil {
		newVenue := venue
		if move.Amount > 0 {
			if move.ToVenue {
				newVenue += move.Amount
			} else {
				newVenue -= move.Amount
			}
		}
		c.metrics.StrategyUtilizationBps.Set(float64(c.strategy.UtilizationBps(pool+venue-newVenue, newVenue)))
	}
	return c.journalGen.Seal(batch), nil
}

// emitDerived publishes an informational outbound envelope to the projection
// channel. Derived events do not consume a sequence slot and are never
// journaled; downstream consumers rebuild them from the event log if dropped.
func (c *DeterministicCore) emitDerived(et event.EventType, key string, ts time.Time) {
	output := CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       c.sequence,
			IdempotencyKey: key,
			EventType:      et,
			Timestamp:      ts,
		},
	}

	select {
	case c.projectionChan <- output:
	default:
	}
}

func priceMap(prices []event.ProductPrice) map[string]int64 {
	m := make(map[string]int64, len(prices))
	for _, p := range prices {
		m[p.Product] = p.Price
	}
	return m
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
// This mirrors persistence.SnapshotData but uses typed fields.
type SnapshotState struct {
	Sequence    int64
	StateHash   [32]byte
	Balances    map[ledger.AccountKey]int64
	Rounds      *round.Snapshot
	Orders      *settle.StoreSnapshot
	Settlement  *settle.EngineSnapshot
	Vault       *vault.Snapshot
	Strategy    *strategy.Snapshot
	Withdrawals []*WithdrawalHold

	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// On warm restart, load the latest snapshot then replay events.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) {
	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.SetPrevHash(snap.StateHash)

	for key, balance := range snap.Balances {
		c.balanceTracker.SetBalance(key, balance)
	}

	if snap.Rounds != nil {
		c.rounds.Restore(snap.Rounds)
	}
	if snap.Orders != nil {
		c.orders.Restore(snap.Orders)
	}
	if snap.Settlement != nil {
		c.settlement.Restore(snap.Settlement)
	}
	if snap.Vault != nil {
		c.vault.Restore(snap.Vault)
	}
	if snap.Strategy != nil {
		c.strategy.Restore(snap.Strategy)
	}

	c.withdrawals = make(map[uuid.UUID]*WithdrawalHold, len(snap.Withdrawals))
	for _, hold := range snap.Withdrawals {
		c.withdrawals[hold.WithdrawalID] = hold
	}

	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}

	c.journalGen.SetSequence(snap.Sequence + 1)
}

// WarmLRU loads recent idempotency keys into the LRU cache, avoiding
// cold-path DB lookups for recently processed events.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the current global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

// RoundClock reports the running round's epoch and close deadline. Call only
// while the processing loop is idle (startup seeding of the execute
// scheduler); steady-state scheduling follows the core's outputs instead.
func (c *DeterministicCore) RoundClock() (epoch int64, deadline time.Time, running bool) {
	if c.rounds.Status() != round.StatusRunning {
		return 0, time.Time{}, false
	}
	epoch = c.rounds.CurrentEpoch()
	r, ok := c.rounds.GetRound(epoch)
	if !ok {
		return 0, time.Time{}, false
	}
	return epoch, r.EndTimestamp, true
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	holds := make([]*WithdrawalHold, 0, len(c.withdrawals))
	for _, hold := range c.withdrawals {
		holds = append(holds, hold)
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.GetPrevHash(),
		Balances:        c.balanceTracker.Snapshot(),
		Rounds:          c.rounds.Snapshot(),
		Orders:          c.orders.Snapshot(),
		Settlement:      c.settlement.Snapshot(),
		Vault:           c.vault.Snapshot(),
		Strategy:        c.strategy.Snapshot(),
		Withdrawals:     holds,
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}
