package models

import "errors"

// Error kinds shared by the valuation engine and the snapshot pipeline.
// Callers wrap them with context and match them with errors.Is.
var (
	// ErrDataUnavailable reports a failed external read.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrPriceUnavailable reports a feed pull that failed or returned no value.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrMalformedKey reports a class or attribute name wider than a bytes32 key.
	ErrMalformedKey = errors.New("malformed key")
	// ErrDivideByZero reports a liquidation ratio or denominator that resolved to zero.
	ErrDivideByZero = errors.New("divide by zero")
	// ErrArithmeticOverflow reports a fixed-point result that does not fit 256 bits.
	ErrArithmeticOverflow = errors.New("arithmetic overflow")
	// ErrUnknownCollateralClass reports a lookup for a class absent from configuration.
	ErrUnknownCollateralClass = errors.New("unknown collateral class")
)
