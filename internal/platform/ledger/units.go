package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ToBaseUnits converts a display amount to the chain's integer unit.
// Precision below one base unit is truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("ledger: negative amount %s", amount)
	}
	return amount.Shift(decimals).BigInt(), nil
}

// FromBaseUnits converts an integer chain amount to display units.
func FromBaseUnits(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// basisPointsToPercent converts 3000 bp into 30.00.
func basisPointsToPercent(bp uint64) decimal.Decimal {
	return decimal.New(int64(bp), -2)
}
