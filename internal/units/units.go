// Package units holds the fixed-point scales used by the lending protocol and
// the conversions between them.
//
// Values read from chain are unsigned 256-bit integers scaled by one of the
// denominators below. Any product of two scaled values is formed in a 512-bit
// intermediate and narrowed back to 256 bits only after the division, so
// combining two scales never overflows silently: MulDiv reports an overflow of
// the final quotient as models.ErrArithmeticOverflow instead.
//
//	BLN = 10^9   display precision retained before converting to float64
//	WAD = 10^18  token amounts and normalised debt
//	RAY = 10^27  rates, indices and prices
//	RAD = 10^45  WAD × RAY, total debt amounts
//	X96 = 2^96   Q64.96 square-root prices of concentrated-liquidity pools
package units

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/models"
)

// BankYear is the number of seconds in a 365.25 day year.
const BankYear = ((24.0 * 365.0) + 6.0) * 3600.0

// BLNFloat is BLN as a float64 divisor.
const BLNFloat = 1e9

var (
	bln = uint256.NewInt(1_000_000_000)
	wad = new(uint256.Int).Mul(bln, bln)
	ray = new(uint256.Int).Mul(wad, bln)
	rad = new(uint256.Int).Mul(ray, wad)
	x96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)
)

// BLN returns 10^9.
func BLN() *uint256.Int { return new(uint256.Int).Set(bln) }

// WAD returns 10^18.
func WAD() *uint256.Int { return new(uint256.Int).Set(wad) }

// RAY returns 10^27.
func RAY() *uint256.Int { return new(uint256.Int).Set(ray) }

// RAD returns 10^45.
func RAD() *uint256.Int { return new(uint256.Int).Set(rad) }

// X96 returns 2^96.
func X96() *uint256.Int { return new(uint256.Int).Set(x96) }

// MulDiv returns floor(x*y/d). The product is held in 512 bits; a zero
// denominator or a quotient wider than 256 bits is reported before anything
// is written to the result.
func MulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, models.ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%s * %s / %s: %w", x.Dec(), y.Dec(), d.Dec(), models.ErrArithmeticOverflow)
	}
	return z, nil
}

// Add returns x+y, failing when the sum wraps.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%s + %s: %w", x.Dec(), y.Dec(), models.ErrArithmeticOverflow)
	}
	return z, nil
}

// RMul multiplies two RAY-scaled values, flooring the result.
func RMul(x, y *uint256.Int) (*uint256.Int, error) {
	return MulDiv(x, y, ray)
}

// SyntheticSqrtPrice derives the Q64.96 square-root price of a token1/token0
// pool from the two feed prices: isqrt(p1 * X96 * X96 / p0).
//
// p1 * 2^192 needs up to 448 bits, so the ratio and its square root are taken
// in arbitrary precision and narrowed afterwards.
func SyntheticSqrtPrice(p0, p1 *uint256.Int) (*uint256.Int, error) {
	if p0.IsZero() {
		return nil, fmt.Errorf("token0 price is zero: %w", models.ErrPriceUnavailable)
	}
	ratio := new(big.Int).Lsh(p1.ToBig(), 192)
	ratio.Quo(ratio, p0.ToBig())
	root := new(big.Int).Sqrt(ratio)
	out, overflow := uint256.FromBig(root)
	if overflow {
		return nil, fmt.Errorf("sqrt price %s: %w", root.String(), models.ErrArithmeticOverflow)
	}
	return out, nil
}

// SumMulDiv returns floor((a*x + b*y) / d) with the whole numerator held in
// arbitrary precision, so the two products are summed before any rounding.
func SumMulDiv(a, x, b, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, models.ErrDivideByZero
	}
	num := new(big.Int).Mul(a.ToBig(), x.ToBig())
	num.Add(num, new(big.Int).Mul(b.ToBig(), y.ToBig()))
	num.Quo(num, d.ToBig())
	out, overflow := uint256.FromBig(num)
	if overflow {
		return nil, fmt.Errorf("(%s*%s + %s*%s) / %s: %w", a.Dec(), x.Dec(), b.Dec(), y.Dec(), d.Dec(), models.ErrArithmeticOverflow)
	}
	return out, nil
}

// MulMulDiv returns floor(x*y*z / d) with a full-width intermediate, so no
// precision is lost between the two products.
func MulMulDiv(x, y, z, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, models.ErrDivideByZero
	}
	num := new(big.Int).Mul(x.ToBig(), y.ToBig())
	num.Mul(num, z.ToBig())
	num.Quo(num, d.ToBig())
	out, overflow := uint256.FromBig(num)
	if overflow {
		return nil, fmt.Errorf("%s*%s*%s / %s: %w", x.Dec(), y.Dec(), z.Dec(), d.Dec(), models.ErrArithmeticOverflow)
	}
	return out, nil
}

// Max returns the larger of x and y.
func Max(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return y
	}
	return x
}
