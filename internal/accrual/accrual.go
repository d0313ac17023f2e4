// Package accrual projects a collateral class's debt index forward in time.
//
// The vat compounds rack by fee once per second, but only records the result
// when someone drips the class. Between drips the client projects the index
// itself, starting from the recorded (rack, rho) pair:
//
//	syn_rack = rack * fee^elapsed   (RAY fixed point, floored each step)
//
// Iterate applies the per-second step literally. Compound reaches the same
// power by squaring, which keeps a worker that stalled for days from spending
// one multiplication per missed second. SynRack picks between them.
package accrual

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/units"
)

// MaxIterations bounds the per-second loop in SynRack; longer gaps are
// compounded by squaring.
const MaxIterations = 1 << 16

// Elapsed returns whole seconds between rho and now, never negative.
func Elapsed(rho uint64, now time.Time) uint64 {
	sec := now.Unix()
	if sec <= 0 || uint64(sec) <= rho {
		return 0
	}
	return uint64(sec) - rho
}

// SynRack projects rack forward by elapsed seconds at the per-second fee.
func SynRack(rack, fee *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	if elapsed <= MaxIterations {
		return Iterate(rack, fee, elapsed)
	}
	return Compound(rack, fee, elapsed)
}

// Iterate multiplies rack by fee and floors by RAY once per elapsed second.
func Iterate(rack, fee *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	acc := new(uint256.Int).Set(rack)
	if elapsed == 0 || fee.Eq(units.RAY()) {
		return acc, nil
	}
	var err error
	for i := uint64(0); i < elapsed; i++ {
		acc, err = units.RMul(acc, fee)
		if err != nil {
			return nil, fmt.Errorf("accrual step %d: %w", i, err)
		}
	}
	return acc, nil
}

// Compound computes rack * rpow(fee, elapsed) / RAY, where rpow raises fee to
// the elapsed power by squaring and floors every fixed-point product.
func Compound(rack, fee *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	if elapsed == 0 || fee.Eq(units.RAY()) {
		return new(uint256.Int).Set(rack), nil
	}
	factor, err := rpow(fee, elapsed)
	if err != nil {
		return nil, err
	}
	return units.RMul(rack, factor)
}

func rpow(x *uint256.Int, n uint64) (*uint256.Int, error) {
	result := units.RAY()
	base := new(uint256.Int).Set(x)
	var err error
	for n > 0 {
		if n&1 == 1 {
			if result, err = units.RMul(result, base); err != nil {
				return nil, fmt.Errorf("rpow: %w", err)
			}
		}
		n >>= 1
		if n > 0 {
			if base, err = units.RMul(base, base); err != nil {
				return nil, fmt.Errorf("rpow: %w", err)
			}
		}
	}
	return result, nil
}

// Debt returns art * synRack / RAY, the urn's debt in WAD.
func Debt(art, synRack *uint256.Int) (*uint256.Int, error) {
	return units.MulDiv(art, synRack, units.RAY())
}

// Loan returns art * synRack * par / RAY / RAY: the urn's debt valued at
// par, floored once.
func Loan(art, synRack, par *uint256.Int) (*uint256.Int, error) {
	rayRay := new(uint256.Int).Mul(units.RAY(), units.RAY())
	loan, err := units.MulMulDiv(art, synRack, par, rayRay)
	if err != nil {
		return nil, fmt.Errorf("loan at par: %w", err)
	}
	return loan, nil
}
