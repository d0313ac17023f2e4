package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Ilk holds the parameters of one collateral class as read from the vat.
//
// Rack only grows while Fee >= RAY, and Rho is the chain's record of the last
// accrual: neither is ever advanced locally, projections go through the
// accrual package instead.
type Ilk struct {
	Name string         `json:"name"`
	Tart *uint256.Int   `json:"tart"` // total normalised debt, WAD
	Rack *uint256.Int   `json:"rack"` // debt index, RAY
	Line *uint256.Int   `json:"line"` // debt ceiling, RAD
	Dust *uint256.Int   `json:"dust"` // minimum debt, RAD
	Fee  *uint256.Int   `json:"fee"`  // per-second rate, RAY
	Rho  uint64         `json:"rho"`  // unix seconds of the last accrual
	Chop *uint256.Int   `json:"chop"` // liquidation penalty, RAY
	Hook common.Address `json:"hook"`

	// Optional telemetry about the collateral token held by the protocol.
	Tink *uint256.Int `json:"tink,omitempty"`
	Inkd *uint256.Int `json:"inkd,omitempty"`
}

// RhoTime returns Rho as a UTC time.
func (i *Ilk) RhoTime() time.Time {
	return time.Unix(int64(i.Rho), 0).UTC()
}

// Clone returns a deep copy of the class parameters.
func (i *Ilk) Clone() Ilk {
	return Ilk{
		Name: i.Name,
		Tart: cloneInt(i.Tart),
		Rack: cloneInt(i.Rack),
		Line: cloneInt(i.Line),
		Dust: cloneInt(i.Dust),
		Fee:  cloneInt(i.Fee),
		Rho:  i.Rho,
		Chop: cloneInt(i.Chop),
		Hook: i.Hook,
		Tink: cloneInt(i.Tink),
		Inkd: cloneInt(i.Inkd),
	}
}

// Rates holds the vox parameters that steer par.
type Rates struct {
	Way *uint256.Int `json:"way"` // current par rate, RAY per second
	Tau uint64       `json:"tau"` // unix seconds of the last poke
	How *uint256.Int `json:"how"` // per-second sensitivity, RAY
}

// Clone returns a deep copy of the rates.
func (r Rates) Clone() Rates {
	return Rates{Way: cloneInt(r.Way), Tau: r.Tau, How: cloneInt(r.How)}
}

// PoolPosition is a concentrated-liquidity position held as collateral.
// Token0 and Token1 keep the pool's canonical order.
type PoolPosition struct {
	ID        *uint256.Int
	Token0    common.Address
	Token1    common.Address
	Fee       uint32
	TickLower int32
	TickUpper int32
	Liquidity *uint256.Int
}

func cloneInt(x *uint256.Int) *uint256.Int {
	if x == nil {
		return nil
	}
	return new(uint256.Int).Set(x)
}
