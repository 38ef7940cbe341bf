package chain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FormatUnits renders v scaled down by 10^decimals, e.g. 10000 with 6
// decimals as "0.01".
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// FormatEther renders a wei amount in ether.
func FormatEther(wei *big.Int) string { return FormatUnits(wei, 18) }
