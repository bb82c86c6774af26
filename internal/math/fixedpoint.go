package math

import (
	"math/big"
	"sync"
)

// PriceUnit is the fixed-point scale for all price and share-price values.
// A quoted order price of 55 escrows 55 * unit * PriceUnit in collateral.
const PriceUnit int64 = 1_000_000

// BpsDenominator is the basis-point divisor for fee rates.
const BpsDenominator int64 = 10_000

// Int128 pool for intermediate products that can exceed int64.
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator truncating toward zero.
// All settlement and fee arithmetic truncates, matching the original
// integer-division semantics; there is no rounding mode here on purpose.
func DivideInt128(numerator *big.Int, denominator int64) int64 {
	quotient := getInt128()
	quotient.Quo(numerator, big.NewInt(denominator))
	result := quotient.Int64()
	putInt128(quotient)
	return result
}

// OrderPayout converts a quoted (unit, price) pair into its collateral amount:
// unit * price * PriceUnit.
func OrderPayout(unit, price int64) int64 {
	raw := MultiplyInt128(unit, price)
	raw.Mul(raw, big.NewInt(PriceUnit))
	result := raw.Int64()
	putInt128(raw)
	return result
}

// CommissionFee computes amount * feeBps / 10000 truncating toward zero.
// At small unit counts the fee rounds down to zero; callers must not assume
// a non-zero fee for a non-zero amount.
func CommissionFee(amount, feeBps int64) int64 {
	raw := MultiplyInt128(amount, feeBps)
	fee := DivideInt128(raw, BpsDenominator)
	putInt128(raw)
	return fee
}

// SharesForAssets converts deposited assets into vault shares at the given
// share price (PriceUnit scale), flooring: assets * PriceUnit / sharePrice.
func SharesForAssets(assets, sharePrice int64) int64 {
	if sharePrice <= 0 {
		return 0
	}
	raw := MultiplyInt128(assets, PriceUnit)
	shares := DivideInt128(raw, sharePrice)
	putInt128(raw)
	return shares
}

// AssetsForShares converts vault shares back into assets at the given share
// price, flooring: shares * sharePrice / PriceUnit.
func AssetsForShares(shares, sharePrice int64) int64 {
	raw := MultiplyInt128(shares, sharePrice)
	assets := DivideInt128(raw, PriceUnit)
	putInt128(raw)
	return assets
}

// SharePrice computes NAV-per-share at PriceUnit scale. With no shares
// outstanding the price is par (PriceUnit).
func SharePrice(totalAssets, totalShares int64) int64 {
	if totalShares == 0 {
		return PriceUnit
	}
	raw := MultiplyInt128(totalAssets, PriceUnit)
	price := DivideInt128(raw, totalShares)
	putInt128(raw)
	return price
}

// WeightedAvgEntryPrice folds a new share grant into a depositor's
// weighted-average entry price:
// (oldWaep*oldShares + fillPrice*newShares) / (oldShares + newShares).
func WeightedAvgEntryPrice(oldShares, oldWaep, newShares, fillPrice int64) int64 {
	if oldShares == 0 {
		return fillPrice
	}

	term1 := MultiplyInt128(oldShares, oldWaep)
	term2 := MultiplyInt128(newShares, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := DivideInt128(numerator, oldShares+newShares)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// PerformanceFee charges perfFeeBps on the gain above the depositor's cost
// basis, and only on the portion exceeding the hurdle. The hurdle lifts the
// effective basis to waep * (1 + hurdleBps/10000); gains at or below it carry
// no fee. Never negative.
func PerformanceFee(sharePrice, waep, shares, hurdleBps, perfFeeBps int64) int64 {
	hurdleRaw := MultiplyInt128(waep, BpsDenominator+hurdleBps)
	basis := DivideInt128(hurdleRaw, BpsDenominator)
	putInt128(hurdleRaw)

	if basis < waep {
		basis = waep
	}
	if sharePrice <= basis {
		return 0
	}

	gainRaw := MultiplyInt128(sharePrice-basis, shares)
	gain := DivideInt128(gainRaw, PriceUnit)
	putInt128(gainRaw)

	return CommissionFee(gain, perfFeeBps)
}
