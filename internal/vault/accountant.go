package vault

import (
	"fmt"

	fpmath "OptionClear/internal/math"

	"github.com/google/uuid"
)

// EpochData tracks one epoch's pooled deposit/redeem requests. Created
// lazily on the first request; sharePrice is frozen exactly once at
// settlement.
type EpochData struct {
	Epoch                       int64
	TotalRequestedDepositAssets int64
	ClaimedDepositAssets        int64
	TotalRequestedRedeemShares  int64
	ClaimedRedeemShares         int64
	SharePrice                  int64
	IsSettled                   bool
	SettlementTimestamp         int64
}

// UserEpochRequest is one depositor's slice of an epoch's totals.
type UserEpochRequest struct {
	UserID         uuid.UUID
	Epoch          int64
	DepositAssets  int64
	RedeemShares   int64
	DepositClaimed bool
	RedeemClaimed  bool
}

// UserPerformanceData carries the weighted-average entry price used to gate
// performance fees to real gains above the depositor's own cost basis.
type UserPerformanceData struct {
	UserID          uuid.UUID
	Waep            int64
	TotalShares     int64
	LastUpdateEpoch int64
}

type requestKey struct {
	user  uuid.UUID
	epoch int64
}

// Accountant manages the request/claim/settle cycle. Requests accumulate in
// the current unsettled epoch; settlement freezes the share price and makes
// the epoch claimable; claims are tracked so double-claiming is impossible.
// Not thread-safe: single-threaded core only.
type Accountant struct {
	epochs   map[int64]*EpochData
	requests map[requestKey]*UserEpochRequest
	perf     map[uuid.UUID]*UserPerformanceData

	totalShares          int64 // Includes minted-but-unclaimed deposit shares
	pendingDepositAssets int64 // Requested, not yet share-backing
	reservedRedeemAssets int64 // Owed to redeemers after settle, unclaimed

	depositCap int64 // Per-epoch total deposit cap; 0 = unlimited
	hurdleBps  int64
	perfFeeBps int64
}

func NewAccountant(depositCap, hurdleBps, perfFeeBps int64) *Accountant {
	return &Accountant{
		epochs:     make(map[int64]*EpochData),
		requests:   make(map[requestKey]*UserEpochRequest),
		perf:       make(map[uuid.UUID]*UserPerformanceData),
		depositCap: depositCap,
		hurdleBps:  hurdleBps,
		perfFeeBps: perfFeeBps,
	}
}

func (a *Accountant) TotalShares() int64          { return a.totalShares }
func (a *Accountant) PendingDepositAssets() int64 { return a.pendingDepositAssets }
func (a *Accountant) ReservedRedeemAssets() int64 { return a.reservedRedeemAssets }

// Epoch returns the epoch record, if it exists.
func (a *Accountant) Epoch(epoch int64) (*EpochData, bool) {
	ed, ok := a.epochs[epoch]
	return ed, ok
}

// Performance returns a user's WAEP record.
func (a *Accountant) Performance(userID uuid.UUID) (*UserPerformanceData, bool) {
	p, ok := a.perf[userID]
	return p, ok
}

// Request returns a user's per-epoch request record.
func (a *Accountant) Request(userID uuid.UUID, epoch int64) (*UserEpochRequest, bool) {
	r, ok := a.requests[requestKey{userID, epoch}]
	return r, ok
}

func (a *Accountant) epochData(epoch int64) *EpochData {
	ed, ok := a.epochs[epoch]
	if !ok {
		ed = &EpochData{Epoch: epoch}
		a.epochs[epoch] = ed
	}
	return ed
}

func (a *Accountant) request(userID uuid.UUID, epoch int64) *UserEpochRequest {
	key := requestKey{userID, epoch}
	r, ok := a.requests[key]
	if !ok {
		r = &UserEpochRequest{UserID: userID, Epoch: epoch}
		a.requests[key] = r
	}
	return r
}

// RequestDeposit accumulates assets into the epoch's deposit total. May be
// called repeatedly before settlement; zero amounts and cap breaches reject.
func (a *Accountant) RequestDeposit(userID uuid.UUID, epoch, assets int64) error {
	if assets <= 0 {
		return fmt.Errorf("request deposit: non-positive assets %d", assets)
	}
	ed := a.epochData(epoch)
	if ed.IsSettled {
		return fmt.Errorf("request deposit: epoch %d already settled", epoch)
	}
	if a.depositCap > 0 && ed.TotalRequestedDepositAssets+assets > a.depositCap {
		return fmt.Errorf("request deposit: epoch %d cap %d exceeded (requested=%d, adding=%d)",
			epoch, a.depositCap, ed.TotalRequestedDepositAssets, assets)
	}

	ed.TotalRequestedDepositAssets += assets
	a.request(userID, epoch).DepositAssets += assets
	a.pendingDepositAssets += assets
	return nil
}

// RequestRedeem escrows shares into the epoch's redeem total. The shares
// leave the user's balance immediately so they cannot be double-spent.
func (a *Accountant) RequestRedeem(userID uuid.UUID, epoch, shares int64) error {
	if shares <= 0 {
		return fmt.Errorf("request redeem: non-positive shares %d", shares)
	}
	ed := a.epochData(epoch)
	if ed.IsSettled {
		return fmt.Errorf("request redeem: epoch %d already settled", epoch)
	}
	p, ok := a.perf[userID]
	if !ok || p.TotalShares < shares {
		have := int64(0)
		if ok {
			have = p.TotalShares
		}
		return fmt.Errorf("request redeem: insufficient shares: have=%d, need=%d", have, shares)
	}

	p.TotalShares -= shares
	ed.TotalRequestedRedeemShares += shares
	a.request(userID, epoch).RedeemShares += shares
	return nil
}

// SettleEpoch freezes the epoch's share price at NAV/totalShares and makes
// the epoch claimable. Idempotent-guarded: a second settle of the same epoch
// fails and leaves sharePrice unchanged. vaultAssets is the ledger-held
// vault capital (pool + yield venue) at settlement time.
func (a *Accountant) SettleEpoch(epoch, vaultAssets, timestampUs int64) (int64, error) {
	ed := a.epochData(epoch)
	if ed.IsSettled {
		return 0, fmt.Errorf("settle epoch: epoch %d already settled", epoch)
	}

	nav := vaultAssets - a.pendingDepositAssets - a.reservedRedeemAssets
	sharePrice := fpmath.SharePrice(nav, a.totalShares)

	ed.SharePrice = sharePrice
	ed.IsSettled = true
	ed.SettlementTimestamp = timestampUs

	// Requested deposits become share-backing capital at the frozen price;
	// the shares exist from here on, claimed or not.
	if ed.TotalRequestedDepositAssets > 0 {
		a.totalShares += fpmath.SharesForAssets(ed.TotalRequestedDepositAssets, sharePrice)
		a.pendingDepositAssets -= ed.TotalRequestedDepositAssets
	}

	// Requested redeems burn at the frozen price; their asset value is
	// reserved for claims.
	if ed.TotalRequestedRedeemShares > 0 {
		a.totalShares -= ed.TotalRequestedRedeemShares
		a.reservedRedeemAssets += fpmath.AssetsForShares(ed.TotalRequestedRedeemShares, sharePrice)
	}

	return sharePrice, nil
}

// ClaimDeposit hands the user their minted shares from a settled epoch and
// rolls the epoch's share price into their WAEP:
// newWaep = (oldWaep*oldShares + sharePrice*newShares) / (oldShares+newShares).
func (a *Accountant) ClaimDeposit(userID uuid.UUID, epoch int64) (shares, sharePrice int64, err error) {
	ed, ok := a.epochs[epoch]
	if !ok || !ed.IsSettled {
		return 0, 0, fmt.Errorf("claim deposit: epoch %d not settled", epoch)
	}
	r, ok := a.requests[requestKey{userID, epoch}]
	if !ok || r.DepositAssets == 0 {
		return 0, 0, fmt.Errorf("claim deposit: no deposit request for epoch %d", epoch)
	}
	if r.DepositClaimed {
		return 0, 0, fmt.Errorf("claim deposit: epoch %d already claimed", epoch)
	}

	shares = fpmath.SharesForAssets(r.DepositAssets, ed.SharePrice)

	p, ok := a.perf[userID]
	if !ok {
		p = &UserPerformanceData{UserID: userID}
		a.perf[userID] = p
	}
	p.Waep = fpmath.WeightedAvgEntryPrice(p.TotalShares, p.Waep, shares, ed.SharePrice)
	p.TotalShares += shares
	p.LastUpdateEpoch = epoch

	r.DepositClaimed = true
	ed.ClaimedDepositAssets += r.DepositAssets

	return shares, ed.SharePrice, nil
}

// ClaimRedeem pays out the user's redeemed assets from a settled epoch.
// The performance fee is charged only on the gain above the user's WAEP and
// the hurdle, floored at zero; the caller routes gross-fee to the user and
// fee to the treasury.
func (a *Accountant) ClaimRedeem(userID uuid.UUID, epoch int64) (assets, fee int64, err error) {
	ed, ok := a.epochs[epoch]
	if !ok || !ed.IsSettled {
		return 0, 0, fmt.Errorf("claim redeem: epoch %d not settled", epoch)
	}
	r, ok := a.requests[requestKey{userID, epoch}]
	if !ok || r.RedeemShares == 0 {
		return 0, 0, fmt.Errorf("claim redeem: no redeem request for epoch %d", epoch)
	}
	if r.RedeemClaimed {
		return 0, 0, fmt.Errorf("claim redeem: epoch %d already claimed", epoch)
	}

	assets = fpmath.AssetsForShares(r.RedeemShares, ed.SharePrice)

	waep := int64(0)
	if p, ok := a.perf[userID]; ok {
		waep = p.Waep
		p.LastUpdateEpoch = epoch
	}
	fee = fpmath.PerformanceFee(ed.SharePrice, waep, r.RedeemShares, a.hurdleBps, a.perfFeeBps)

	r.RedeemClaimed = true
	ed.ClaimedRedeemShares += r.RedeemShares
	a.reservedRedeemAssets -= assets

	return assets, fee, nil
}

// === Snapshot support ===

type Snapshot struct {
	Epochs               []*EpochData
	Requests             []*UserEpochRequest
	Performance          []*UserPerformanceData
	TotalShares          int64
	PendingDepositAssets int64
	ReservedRedeemAssets int64
}

func (a *Accountant) Snapshot() *Snapshot {
	snap := &Snapshot{
		TotalShares:          a.totalShares,
		PendingDepositAssets: a.pendingDepositAssets,
		ReservedRedeemAssets: a.reservedRedeemAssets,
	}
	for _, ed := range a.epochs {
		snap.Epochs = append(snap.Epochs, ed)
	}
	for _, r := range a.requests {
		snap.Requests = append(snap.Requests, r)
	}
	for _, p := range a.perf {
		snap.Performance = append(snap.Performance, p)
	}
	return snap
}

func (a *Accountant) Restore(snap *Snapshot) {
	a.totalShares = snap.TotalShares
	a.pendingDepositAssets = snap.PendingDepositAssets
	a.reservedRedeemAssets = snap.ReservedRedeemAssets
	a.epochs = make(map[int64]*EpochData, len(snap.Epochs))
	for _, ed := range snap.Epochs {
		a.epochs[ed.Epoch] = ed
	}
	a.requests = make(map[requestKey]*UserEpochRequest, len(snap.Requests))
	for _, r := range snap.Requests {
		a.requests[requestKey{r.UserID, r.Epoch}] = r
	}
	a.perf = make(map[uuid.UUID]*UserPerformanceData, len(snap.Performance))
	for _, p := range snap.Performance {
		a.perf[p.UserID] = p
	}
}
