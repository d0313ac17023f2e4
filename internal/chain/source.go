// Package chain reads protocol state from an EVM JSON-RPC node.
//
// Source is the read interface the valuation engine and the snapshot pipeline
// depend on. EVM implements it with go-ethereum: call data is packed from the
// ABI fragments in abi.go, while return data is decoded by the explicit
// per-field functions in decode.go, each of which documents the word layout
// and scale it expects. Every call is rate limited and bounded by its own
// timeout; failures surface as models.ErrDataUnavailable or
// models.ErrPriceUnavailable.
package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/models"
)

// Source is the set of protocol reads vaultwatch performs. All methods are
// side-effect free.
type Source interface {
	// Par returns the system target price, RAY.
	Par(ctx context.Context) (*uint256.Int, error)
	// Ink returns the raw collateral amount of usr in a token ilk.
	Ink(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error)
	// PositionIDs returns the pool position ids usr holds in a pool ilk.
	PositionIDs(ctx context.Context, ilk string, usr common.Address) ([]*uint256.Int, error)
	// Art returns the normalised debt of usr in an ilk, WAD.
	Art(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error)
	// Ilk returns the parameters of a collateral class.
	Ilk(ctx context.Context, ilk string) (models.Ilk, error)
	// Geth returns a raw class characteristic, optionally indexed.
	Geth(ctx context.Context, ilk, char string, indexes ...[32]byte) ([32]byte, error)
	// Pull returns the price a feed publishes under (src, tag), RAY.
	Pull(ctx context.Context, src common.Address, tag [32]byte) (*uint256.Int, error)
	// Tip returns the feed the vox reads mar from.
	Tip(ctx context.Context) (common.Address, [32]byte, error)
	// Rates returns the vox way, tau and how.
	Rates(ctx context.Context) (models.Rates, error)
	// Position returns a concentrated-liquidity position by id.
	Position(ctx context.Context, id *uint256.Int) (models.PoolPosition, error)
	// Total decomposes a position into token amounts at sqrtPriceX96.
	Total(ctx context.Context, id, sqrtPriceX96 *uint256.Int) (amount0, amount1 *uint256.Int, err error)
	// GemBalance returns the balance of who in an ERC-20 token.
	GemBalance(ctx context.Context, gem, who common.Address) (*uint256.Int, error)
	// GemDecimals returns the decimals of an ERC-20 token.
	GemDecimals(ctx context.Context, gem common.Address) (*uint256.Int, error)
	// Head returns the latest block number and its timestamp.
	Head(ctx context.Context) (uint64, time.Time, error)
	// Events returns NewPalm2 logs for act up to toBlock, in chain order.
	Events(ctx context.Context, act string, toBlock uint64) ([]models.Event, error)
}
