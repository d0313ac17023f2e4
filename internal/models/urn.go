package models

import (
	"errors"
	"math"
	"time"

	"github.com/holiman/uint256"
)

// Urn is one vault's position in a collateral class together with the
// metrics derived for display.
type Urn struct {
	Ilk         string         `json:"ilk"`
	Ink         *uint256.Int   `json:"ink"`                    // raw collateral, or summed position value for pool collateral
	PositionIDs []*uint256.Int `json:"position_ids,omitempty"` // pool collateral only
	Art         *uint256.Int   `json:"art"`                    // normalised debt, WAD
	SynRack     *uint256.Int   `json:"syn_rack"`               // projected debt index, RAY
	Debt        *uint256.Int   `json:"debt"`                   // art * syn_rack, WAD
	Loan        *uint256.Int   `json:"loan"`                   // debt at par, WAD
	Value       *uint256.Int   `json:"value"`                  // liquidation-weighted collateral value, WAD
	Safety      float64        `json:"safety"`
	UpdatedAt   time.Time      `json:"updated_at"`

	// Stale is set when the latest cycle could not refresh this urn and the
	// values above were carried over from the previous snapshot.
	Stale bool   `json:"stale"`
	Err   string `json:"error,omitempty"`
}

// Clone returns a deep copy of the urn.
func (u *Urn) Clone() Urn {
	out := *u
	out.Ink = cloneInt(u.Ink)
	out.Art = cloneInt(u.Art)
	out.SynRack = cloneInt(u.SynRack)
	out.Debt = cloneInt(u.Debt)
	out.Loan = cloneInt(u.Loan)
	out.Value = cloneInt(u.Value)
	if u.PositionIDs != nil {
		out.PositionIDs = make([]*uint256.Int, len(u.PositionIDs))
		for i, id := range u.PositionIDs {
			out.PositionIDs[i] = cloneInt(id)
		}
	}
	return out
}

// Validate checks the invariants of derived urn metrics.
func (u *Urn) Validate() error {
	if u.Ilk == "" {
		return errors.New("urn ilk must not be empty")
	}
	if math.IsNaN(u.Safety) || math.IsInf(u.Safety, 0) {
		return errors.New("safety must be finite")
	}
	if u.Safety < 0 {
		return errors.New("safety must not be negative")
	}
	if u.Loan != nil && u.Loan.IsZero() && u.Safety != 0 {
		return errors.New("safety must be zero when loan is zero")
	}
	return nil
}
