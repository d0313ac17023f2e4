package units

import (
	"bytes"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/vaultwatch/internal/models"
)

// ToFloat converts x at the given scale to a float64, keeping BLN digits of
// fractional precision: float(x * BLN / scale) / BLN. It returns 0 when the
// intermediate does not fit.
func ToFloat(x, scale *uint256.Int) float64 {
	q, err := MulDiv(x, bln, scale)
	if err != nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(q.ToBig()).Float64()
	return f / BLNFloat
}

// ToDecimal renders x with the given number of decimal places exactly.
func ToDecimal(x *uint256.Int, places int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -places)
}

// RayRate returns the per-second excess of a RAY-scaled rate over 1.0,
// e.g. 3e-10 for fee = 1.0000000003 RAY. Rates below 1.0 come back negative.
func RayRate(perSecond *uint256.Int) float64 {
	excess := ToDecimal(perSecond, 27).Sub(decimal.NewFromInt(1))
	f, _ := excess.Float64()
	return f
}

// SimpleAPR annualises a per-second RAY rate linearly, in percent.
func SimpleAPR(perSecond *uint256.Int) float64 {
	return RayRate(perSecond) * BankYear * 100
}

// CompoundAPY annualises a per-second RAY rate with per-second compounding,
// in percent.
func CompoundAPY(perSecond *uint256.Int) float64 {
	r := RayRate(perSecond)
	if r <= -1 {
		return -100
	}
	return math.Expm1(BankYear*math.Log1p(r)) * 100
}

// Bytes32 encodes a class or attribute name as a right-padded bytes32 key.
func Bytes32(name string) ([32]byte, error) {
	var key [32]byte
	if len(name) > len(key) {
		return key, fmt.Errorf("%q is %d bytes: %w", name, len(name), models.ErrMalformedKey)
	}
	copy(key[:], name)
	return key, nil
}

// Bytes32String decodes a right-padded bytes32 key back to its name.
func Bytes32String(key [32]byte) string {
	return string(bytes.TrimRight(key[:], "\x00"))
}

// AddressKey places a 20-byte address at the start of a bytes32 key, the
// layout used for per-token characteristics of pool collateral.
func AddressKey(addr common.Address) [32]byte {
	var key [32]byte
	copy(key[:common.AddressLength], addr.Bytes())
	return key
}

// KeyAddress reads an address stored left-aligned in a bytes32 word.
func KeyAddress(word [32]byte) common.Address {
	return common.BytesToAddress(word[:common.AddressLength])
}
