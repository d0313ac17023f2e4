// Package valuation prices vault collateral: plain token holdings through a
// single feed, and concentrated-liquidity positions through a synthetic pool
// price derived from the two token feeds.
//
// Values are liquidation weighted: a price (RAY) times an amount (WAD) divided
// by a liquidation ratio (RAY), so the result is WAD and compares directly
// against a loan.
package valuation

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

// Class characteristics read through Source.Geth.
const (
	charSrc  = "src"
	charTag  = "tag"
	charLiqr = "liqr"
)

// Source is the subset of chain reads the valuer needs.
type Source interface {
	Geth(ctx context.Context, ilk, char string, indexes ...[32]byte) ([32]byte, error)
	Pull(ctx context.Context, src common.Address, tag [32]byte) (*uint256.Int, error)
	Position(ctx context.Context, id *uint256.Int) (models.PoolPosition, error)
	Total(ctx context.Context, id, sqrtPriceX96 *uint256.Int) (*uint256.Int, *uint256.Int, error)
}

// Valuer computes collateral values from chain reads. Prices are pulled on
// every call and never cached.
type Valuer struct {
	src     Source
	poolIlk string
}

// New creates a Valuer. poolIlk is the class whose collateral is held as
// pool positions, ":uninft" on the reference deployment.
func New(src Source, poolIlk string) *Valuer {
	return &Valuer{src: src, poolIlk: poolIlk}
}

// feed is the price source and liquidation ratio of one token.
type feed struct {
	src  common.Address
	tag  [32]byte
	liqr *uint256.Int
}

func (v *Valuer) resolve(ctx context.Context, ilk string, indexes ...[32]byte) (feed, error) {
	src, err := v.src.Geth(ctx, ilk, charSrc, indexes...)
	if err != nil {
		return feed{}, fmt.Errorf("resolve %s src: %w", ilk, err)
	}
	tag, err := v.src.Geth(ctx, ilk, charTag, indexes...)
	if err != nil {
		return feed{}, fmt.Errorf("resolve %s tag: %w", ilk, err)
	}
	liqr, err := v.src.Geth(ctx, ilk, charLiqr, indexes...)
	if err != nil {
		return feed{}, fmt.Errorf("resolve %s liqr: %w", ilk, err)
	}
	return feed{
		src:  units.KeyAddress(src),
		tag:  tag,
		liqr: new(uint256.Int).SetBytes32(liqr[:]),
	}, nil
}

func (v *Valuer) price(ctx context.Context, f feed) (*uint256.Int, error) {
	p, err := v.src.Pull(ctx, f.src, f.tag)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w: %w", units.Bytes32String(f.tag), models.ErrPriceUnavailable, err)
	}
	if p.IsZero() {
		return nil, fmt.Errorf("pull %s returned zero: %w", units.Bytes32String(f.tag), models.ErrPriceUnavailable)
	}
	return p, nil
}

// ValueGem values ink units of a token ilk: price * ink / liqr.
func (v *Valuer) ValueGem(ctx context.Context, ilk string, ink *uint256.Int) (*uint256.Int, error) {
	f, err := v.resolve(ctx, ilk)
	if err != nil {
		return nil, err
	}
	if f.liqr.IsZero() {
		return nil, fmt.Errorf("%s liqr: %w", ilk, models.ErrDivideByZero)
	}
	p, err := v.price(ctx, f)
	if err != nil {
		return nil, err
	}
	return GemValue(p, ink, f.liqr)
}

// ValuePosition values one pool position held in the pool ilk.
//
// Each token's feed and liquidation ratio are looked up with the token
// address as index. The pool is priced at the synthetic sqrt price implied by
// the two feeds rather than its own spot price, the position is decomposed at
// that price, and the amounts are valued against the larger of the two
// liquidation ratios. Token order is the position's own.
func (v *Valuer) ValuePosition(ctx context.Context, id *uint256.Int) (*uint256.Int, error) {
	pos, err := v.src.Position(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", id.Dec(), err)
	}
	f0, err := v.resolve(ctx, v.poolIlk, units.AddressKey(pos.Token0))
	if err != nil {
		return nil, err
	}
	f1, err := v.resolve(ctx, v.poolIlk, units.AddressKey(pos.Token1))
	if err != nil {
		return nil, err
	}
	if f0.liqr.IsZero() && f1.liqr.IsZero() {
		return nil, fmt.Errorf("position %s liqr: %w", id.Dec(), models.ErrDivideByZero)
	}
	p0, err := v.price(ctx, f0)
	if err != nil {
		return nil, err
	}
	p1, err := v.price(ctx, f1)
	if err != nil {
		return nil, err
	}
	sqrtPrice, err := units.SyntheticSqrtPrice(p0, p1)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w", id.Dec(), err)
	}
	amount0, amount1, err := v.src.Total(ctx, id, sqrtPrice)
	if err != nil {
		return nil, fmt.Errorf("decompose position %s: %w", id.Dec(), err)
	}
	return PositionValue(amount0, amount1, p0, p1, f0.liqr, f1.liqr)
}

// GemValue returns floor(price * ink / liqr).
func GemValue(price, ink, liqr *uint256.Int) (*uint256.Int, error) {
	if liqr.IsZero() {
		return nil, fmt.Errorf("liqr: %w", models.ErrDivideByZero)
	}
	return units.MulDiv(price, ink, liqr)
}

// PositionValue returns floor((a0*p0 + a1*p1) / max(l0, l1)).
func PositionValue(a0, a1, p0, p1, l0, l1 *uint256.Int) (*uint256.Int, error) {
	liqr := units.Max(l0, l1)
	if liqr.IsZero() {
		return nil, fmt.Errorf("liqr: %w", models.ErrDivideByZero)
	}
	return units.SumMulDiv(a0, p0, a1, p1, liqr)
}
