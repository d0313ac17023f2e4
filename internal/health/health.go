// Package health combines accrual and valuation into one vault's metrics.
package health

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/accrual"
	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

// Source is the subset of chain reads the computer needs.
type Source interface {
	Par(ctx context.Context) (*uint256.Int, error)
	Ink(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error)
	PositionIDs(ctx context.Context, ilk string, usr common.Address) ([]*uint256.Int, error)
	Art(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error)
	Ilk(ctx context.Context, ilk string) (models.Ilk, error)
}

// Valuer prices collateral.
type Valuer interface {
	ValueGem(ctx context.Context, ilk string, ink *uint256.Int) (*uint256.Int, error)
	ValuePosition(ctx context.Context, id *uint256.Int) (*uint256.Int, error)
}

// Computer derives urn metrics for one owner.
type Computer struct {
	src     Source
	valuer  Valuer
	poolIlk string
}

// New creates a Computer. Vaults in poolIlk hold pool positions; every other
// ilk holds a plain token amount.
func New(src Source, valuer Valuer, poolIlk string) *Computer {
	return &Computer{src: src, valuer: valuer, poolIlk: poolIlk}
}

// Compute reads owner's vault in ilk and derives its debt, loan, value and
// safety as of now.
func (c *Computer) Compute(ctx context.Context, ilk string, owner common.Address, now time.Time) (models.Urn, error) {
	urn := models.Urn{Ilk: ilk, UpdatedAt: now}

	if ilk == c.poolIlk {
		ids, err := c.src.PositionIDs(ctx, ilk, owner)
		if err != nil {
			return models.Urn{}, fmt.Errorf("read %s positions: %w", ilk, err)
		}
		total := new(uint256.Int)
		for _, id := range ids {
			v, err := c.valuer.ValuePosition(ctx, id)
			if err != nil {
				return models.Urn{}, fmt.Errorf("value %s position %s: %w", ilk, id.Dec(), err)
			}
			if total, err = units.Add(total, v); err != nil {
				return models.Urn{}, err
			}
		}
		urn.PositionIDs = ids
		urn.Ink = total
		urn.Value = new(uint256.Int).Set(total)
	} else {
		ink, err := c.src.Ink(ctx, ilk, owner)
		if err != nil {
			return models.Urn{}, fmt.Errorf("read %s ink: %w", ilk, err)
		}
		value, err := c.valuer.ValueGem(ctx, ilk, ink)
		if err != nil {
			return models.Urn{}, fmt.Errorf("value %s: %w", ilk, err)
		}
		urn.Ink = ink
		urn.Value = value
	}

	art, err := c.src.Art(ctx, ilk, owner)
	if err != nil {
		return models.Urn{}, fmt.Errorf("read %s art: %w", ilk, err)
	}
	params, err := c.src.Ilk(ctx, ilk)
	if err != nil {
		return models.Urn{}, fmt.Errorf("read ilk %s: %w", ilk, err)
	}
	par, err := c.src.Par(ctx)
	if err != nil {
		return models.Urn{}, fmt.Errorf("read par: %w", err)
	}

	syn, err := accrual.SynRack(params.Rack, params.Fee, accrual.Elapsed(params.Rho, now))
	if err != nil {
		return models.Urn{}, fmt.Errorf("accrue %s: %w", ilk, err)
	}
	debt, err := accrual.Debt(art, syn)
	if err != nil {
		return models.Urn{}, fmt.Errorf("%s debt: %w", ilk, err)
	}
	loan, err := accrual.Loan(art, syn, par)
	if err != nil {
		return models.Urn{}, fmt.Errorf("%s loan: %w", ilk, err)
	}

	urn.Art = art
	urn.SynRack = syn
	urn.Debt = debt
	urn.Loan = loan
	urn.Safety = Safety(urn.Value, loan)
	return urn, nil
}

// Safety returns value / loan as a float, keeping BLN digits of precision:
// float(value * BLN / loan) / BLN. A zero loan gives 0. The result is always
// finite; a ratio too large for 256 bits saturates at math.MaxFloat64.
func Safety(value, loan *uint256.Int) float64 {
	if loan == nil || loan.IsZero() || value == nil {
		return 0
	}
	q, err := units.MulDiv(value, units.BLN(), loan)
	if err != nil {
		return math.MaxFloat64
	}
	f, _ := new(big.Float).SetInt(q.ToBig()).Float64()
	s := f / units.BLNFloat
	if math.IsInf(s, 0) || math.IsNaN(s) {
		return math.MaxFloat64
	}
	return s
}
