package vault_test

import (
	fpmath "OptionClear/internal/math"
	"OptionClear/internal/vault"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestDeposit_AccumulatesAndCaps(t *testing.T) {
	a := vault.NewAccountant(1_000, 0, 0)
	user := uuid.New()

	require.NoError(t, a.RequestDeposit(user, 1, 400))
	require.NoError(t, a.RequestDeposit(user, 1, 500))

	ed, ok := a.Epoch(1)
	require.True(t, ok)
	assert.Equal(t, int64(900), ed.TotalRequestedDepositAssets)
	assert.Equal(t, int64(900), a.PendingDepositAssets())

	// Third request breaches the per-epoch cap
	err := a.RequestDeposit(user, 1, 200)
	require.Error(t, err)
	assert.Equal(t, int64(900), ed.TotalRequestedDepositAssets, "failed request must not mutate")

	// Zero and negative amounts reject
	assert.Error(t, a.RequestDeposit(user, 1, 0))
	assert.Error(t, a.RequestDeposit(user, 1, -5))
}

func TestRequestRedeem_RequiresShares(t *testing.T) {
	a := vault.NewAccountant(0, 0, 0)
	user := uuid.New()

	// No shares yet
	assert.Error(t, a.RequestRedeem(user, 1, 10))

	// Mint shares through a full deposit cycle
	require.NoError(t, a.RequestDeposit(user, 1, 1_000_000))
	_, err := a.SettleEpoch(1, 1_000_000, 100)
	require.NoError(t, err)
	_, _, err = a.ClaimDeposit(user, 1)
	require.NoError(t, err)

	// Shares leave the balance at request time
	require.NoError(t, a.RequestRedeem(user, 2, 400_000))
	p, ok := a.Performance(user)
	require.True(t, ok)
	assert.Equal(t, int64(600_000), p.TotalShares)

	// Cannot over-redeem the remainder
	assert.Error(t, a.RequestRedeem(user, 2, 600_001))
}

func TestSettleEpoch_ParPriceOnFirstEpoch(t *testing.T) {
	a := vault.NewAccountant(0, 0, 0)
	user := uuid.New()

	require.NoError(t, a.RequestDeposit(user, 1, 1_000_000_000))

	// All vault capital is the pending deposit; NAV is zero, price is par.
	sharePrice, err := a.SettleEpoch(1, 1_000_000_000, 100)
	require.NoError(t, err)
	assert.Equal(t, fpmath.PriceUnit, sharePrice)

	// Deposits became share-backing at par
	assert.Equal(t, int64(1_000_000_000), a.TotalShares())
	assert.Equal(t, int64(0), a.PendingDepositAssets())
}

func TestSettleEpoch_SecondSettleFails(t *testing.T) {
	a := vault.NewAccountant(0, 0, 0)
	user := uuid.New()
	require.NoError(t, a.RequestDeposit(user, 1, 1_000))
	_, err := a.SettleEpoch(1, 1_000, 100)
	require.NoError(t, err)

	ed, _ := a.Epoch(1)
	frozen := ed.SharePrice

	_, err = a.SettleEpoch(1, 2_000, 200)
	require.Error(t, err)
	assert.Equal(t, frozen, ed.SharePrice, "second settle must not move the frozen price")
	assert.Equal(t, int64(100), ed.SettlementTimestamp)
}

func TestClaimDeposit_MintsAtFrozenPriceAndSetsWaep(t *testing.T) {
	a := vault.NewAccountant(0, 0, 0)
	user := uuid.New()

	require.NoError(t, a.RequestDeposit(user, 1, 1_000_000_000))
	_, err := a.SettleEpoch(1, 1_000_000_000, 100)
	require.NoError(t, err)

	shares, sharePrice, err := a.ClaimDeposit(user, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), shares)
	assert.Equal(t, fpmath.PriceUnit, sharePrice)

	p, ok := a.Performance(user)
	require.True(t, ok)
	assert.Equal(t, fpmath.PriceUnit, p.Waep)
	assert.Equal(t, int64(1_000_000_000), p.TotalShares)

	// Double claim impossible
	_, _, err = a.ClaimDeposit(user, 1)
	assert.Error(t, err)
}

func TestClaimDeposit_FloorsSharesAboveParPrice(t *testing.T) {
	a := vault.NewAccountant(0, 0, 0)
	early, late := uuid.New(), uuid.New()

	// Epoch 1: early depositor in at par
	require.NoError(t, a.RequestDeposit(early, 1, 1_000_000_000))
	_, err := a.SettleEpoch(1, 1_000_000_000, 100)
	require.NoError(t, err)
	_, _, err = a.ClaimDeposit(early, 1)
	require.NoError(t, err)

	// Epoch 2: the vault gained 5%, late depositor comes in at 1.05
	require.NoError(t, a.RequestDeposit(late, 2, 1_000_000_000))
	sharePrice, err := a.SettleEpoch(2, 2_050_000_000, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1_050_000), sharePrice)

	shares, _, err := a.ClaimDeposit(late, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(952_380_952), shares, "minted shares floor")
}

func TestClaimRedeem_PerformanceFeeOnGainOnly(t *testing.T) {
	perfFeeBps := int64(1_000) // 10%
	a := vault.NewAccountant(0, 0, perfFeeBps)
	user := uuid.New()

	// Deposit at par in epoch 1
	require.NoError(t, a.RequestDeposit(user, 1, 1_000_000_000))
	_, err := a.SettleEpoch(1, 1_000_000_000, 100)
	require.NoError(t, err)
	_, _, err = a.ClaimDeposit(user, 1)
	require.NoError(t, err)

	// Redeem half in epoch 2 after a 5% gain
	require.NoError(t, a.RequestRedeem(user, 2, 500_000_000))
	sharePrice, err := a.SettleEpoch(2, 1_050_000_000, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(1_050_000), sharePrice)

	assets, fee, err := a.ClaimRedeem(user, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(525_000_000), assets)
	// Gain is 0.05 per share on 500e6 shares = 25e6; 10% of that
	assert.Equal(t, int64(2_500_000), fee)

	// Reserved assets released on claim
	assert.Equal(t, int64(0), a.ReservedRedeemAssets())

	// Double claim impossible
	_, _, err = a.ClaimRedeem(user, 2)
	assert.Error(t, err)
}

func TestClaimRedeem_NoFeeAtOrBelowBasis(t *testing.T) {
	a := vault.NewAccountant(0, 0, 1_000)
	user := uuid.New()

	require.NoError(t, a.RequestDeposit(user, 1, 1_000_000_000))
	_, err := a.SettleEpoch(1, 1_000_000_000, 100)
	require.NoError(t, err)
	_, _, err = a.ClaimDeposit(user, 1)
	require.NoError(t, err)

	// Flat epoch: share price unchanged, no gain, no fee
	require.NoError(t, a.RequestRedeem(user, 2, 500_000_000))
	_, err = a.SettleEpoch(2, 1_000_000_000, 200)
	require.NoError(t, err)

	assets, fee, err := a.ClaimRedeem(user, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(500_000_000), assets)
	assert.Equal(t, int64(0), fee)
}

func TestClaimBeforeSettle_Fails(t *testing.T) {
	a := vault.NewAccountant(0, 0, 0)
	user := uuid.New()
	require.NoError(t, a.RequestDeposit(user, 1, 1_000))

	_, _, err := a.ClaimDeposit(user, 1)
	assert.Error(t, err)
	_, _, err = a.ClaimRedeem(user, 1)
	assert.Error(t, err)
}

func TestRequestAfterSettle_Fails(t *testing.T) {
	a := vault.NewAccountant(0, 0, 0)
	user := uuid.New()
	require.NoError(t, a.RequestDeposit(user, 1, 1_000))
	_, err := a.SettleEpoch(1, 1_000, 100)
	require.NoError(t, err)

	assert.Error(t, a.RequestDeposit(user, 1, 100))
	assert.Error(t, a.RequestRedeem(user, 1, 100))
}

func TestAccountant_SnapshotRestore(t *testing.T) {
	a := vault.NewAccountant(0, 0, 1_000)
	user := uuid.New()

	require.NoError(t, a.RequestDeposit(user, 1, 1_000_000_000))
	_, err := a.SettleEpoch(1, 1_000_000_000, 100)
	require.NoError(t, err)
	_, _, err = a.ClaimDeposit(user, 1)
	require.NoError(t, err)
	require.NoError(t, a.RequestRedeem(user, 2, 250_000_000))

	snap := a.Snapshot()

	restored := vault.NewAccountant(0, 0, 1_000)
	restored.Restore(snap)

	assert.Equal(t, a.TotalShares(), restored.TotalShares())
	assert.Equal(t, a.PendingDepositAssets(), restored.PendingDepositAssets())
	assert.Equal(t, a.ReservedRedeemAssets(), restored.ReservedRedeemAssets())

	p, ok := restored.Performance(user)
	require.True(t, ok)
	assert.Equal(t, int64(750_000_000), p.TotalShares)

	// The restored accountant continues the cycle where it left off
	_, err = restored.SettleEpoch(2, 1_000_000_000, 200)
	require.NoError(t, err)
	assets, _, err := restored.ClaimRedeem(user, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(250_000_000), assets)
}
