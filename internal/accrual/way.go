package accrual

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/units"
)

// ProjectWay estimates the par rate after elapsed seconds without a poke.
// While mar is below par the rate is scaled up by how each second, while it
// is above par it is scaled down by 1/how; at par it stays put.
func ProjectWay(way, how, mar, par *uint256.Int, elapsed uint64) (*uint256.Int, error) {
	switch mar.Cmp(par) {
	case 0:
		return new(uint256.Int).Set(way), nil
	case -1:
		return SynRack(way, how, elapsed)
	default:
		inv, err := units.MulDiv(units.RAY(), units.RAY(), how)
		if err != nil {
			return nil, fmt.Errorf("inverse how: %w", err)
		}
		return SynRack(way, inv, elapsed)
	}
}
