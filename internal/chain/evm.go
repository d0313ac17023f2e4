package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

// Client is the subset of the Ethereum RPC used by EVM.
type Client interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// Dial opens an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Contracts holds the protocol addresses. The vat and vox facets usually
// share one diamond address.
type Contracts struct {
	Vat        common.Address
	Vox        common.Address
	Feedbase   common.Address
	NFPM       common.Address
	UniWrapper common.Address
}

// Options tunes how EVM talks to the node.
type Options struct {
	CallTimeout     time.Duration // per call; zero means no timeout
	RateLimit       float64       // calls per second; zero means unlimited
	Burst           int
	EventsFromBlock uint64
}

// EVM implements Source against an Ethereum-compatible node.
type EVM struct {
	client      Client
	contracts   Contracts
	abis        *contractABIs
	limiter     *rate.Limiter
	callTimeout time.Duration
	fromBlock   uint64
}

var _ Source = (*EVM)(nil)

// NewEVM constructs a Source from an RPC client.
func NewEVM(client Client, contracts Contracts, opts Options) (*EVM, error) {
	if client == nil {
		return nil, errors.New("rpc client required")
	}
	abis, err := parseABIs()
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	return &EVM{
		client:      client,
		contracts:   contracts,
		abis:        abis,
		limiter:     rate.NewLimiter(limit, burst),
		callTimeout: opts.CallTimeout,
		fromBlock:   opts.EventsFromBlock,
	}, nil
}

// bounded waits for the rate limiter and derives the per-call context.
func (e *EVM) bounded(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit: %w: %w", models.ErrDataUnavailable, err)
	}
	if e.callTimeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	return ctx, cancel, nil
}

func (e *EVM) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]byte, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel, err := e.bounded(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	out, err := e.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w: %w", method, models.ErrDataUnavailable, err)
	}
	return out, nil
}

func (e *EVM) uintCall(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (*uint256.Int, error) {
	out, err := e.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	v, err := decodeUint(out, 0)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w: %w", method, models.ErrDataUnavailable, err)
	}
	return v, nil
}

// Par implements Source.
func (e *EVM) Par(ctx context.Context) (*uint256.Int, error) {
	return e.uintCall(ctx, e.contracts.Vat, e.abis.vat, "par")
}

func (e *EVM) inkPayload(ctx context.Context, ilk string, usr common.Address) ([]byte, error) {
	key, err := units.Bytes32(ilk)
	if err != nil {
		return nil, err
	}
	out, err := e.call(ctx, e.contracts.Vat, e.abis.vat, "ink", key, usr)
	if err != nil {
		return nil, err
	}
	payload, err := decodeBytes(out)
	if err != nil {
		return nil, fmt.Errorf("decode ink: %w: %w", models.ErrDataUnavailable, err)
	}
	return payload, nil
}

// Ink implements Source.
func (e *EVM) Ink(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error) {
	payload, err := e.inkPayload(ctx, ilk, usr)
	if err != nil {
		return nil, err
	}
	v, err := decodeInkAmount(payload)
	if err != nil {
		return nil, fmt.Errorf("decode ink: %w: %w", models.ErrDataUnavailable, err)
	}
	return v, nil
}

// PositionIDs implements Source.
func (e *EVM) PositionIDs(ctx context.Context, ilk string, usr common.Address) ([]*uint256.Int, error) {
	payload, err := e.inkPayload(ctx, ilk, usr)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return []*uint256.Int{}, nil
	}
	ids, err := decodeUintArray(payload)
	if err != nil {
		return nil, fmt.Errorf("decode position ids: %w: %w", models.ErrDataUnavailable, err)
	}
	return ids, nil
}

// Art implements Source.
func (e *EVM) Art(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error) {
	key, err := units.Bytes32(ilk)
	if err != nil {
		return nil, err
	}
	return e.uintCall(ctx, e.contracts.Vat, e.abis.vat, "urns", key, usr)
}

// Ilk implements Source.
func (e *EVM) Ilk(ctx context.Context, name string) (models.Ilk, error) {
	key, err := units.Bytes32(name)
	if err != nil {
		return models.Ilk{}, err
	}
	out, err := e.call(ctx, e.contracts.Vat, e.abis.vat, "ilks", key)
	if err != nil {
		return models.Ilk{}, err
	}
	ilk, err := decodeIlk(name, out)
	if err != nil {
		return models.Ilk{}, fmt.Errorf("decode ilks(%s): %w: %w", name, models.ErrDataUnavailable, err)
	}
	return ilk, nil
}

// decodeIlk reads the ilks() tuple: tart (WAD), rack (RAY), line (RAD),
// dust (RAD), fee (RAY), rho (unix seconds), chop (RAY), hook (address).
func decodeIlk(name string, out []byte) (models.Ilk, error) {
	ilk := models.Ilk{Name: name}
	fields := []**uint256.Int{&ilk.Tart, &ilk.Rack, &ilk.Line, &ilk.Dust, &ilk.Fee}
	for i, dst := range fields {
		v, err := decodeUint(out, i)
		if err != nil {
			return models.Ilk{}, err
		}
		*dst = v
	}
	rho, err := decodeUint64(out, 5)
	if err != nil {
		return models.Ilk{}, err
	}
	ilk.Rho = rho
	if ilk.Chop, err = decodeUint(out, 6); err != nil {
		return models.Ilk{}, err
	}
	if ilk.Hook, err = decodeAddress(out, 7); err != nil {
		return models.Ilk{}, err
	}
	return ilk, nil
}

// Geth implements Source.
func (e *EVM) Geth(ctx context.Context, ilk, char string, indexes ...[32]byte) ([32]byte, error) {
	ilkKey, err := units.Bytes32(ilk)
	if err != nil {
		return [32]byte{}, err
	}
	charKey, err := units.Bytes32(char)
	if err != nil {
		return [32]byte{}, err
	}
	xs := make([][32]byte, len(indexes))
	copy(xs, indexes)
	out, err := e.call(ctx, e.contracts.Vat, e.abis.vat, "geth", ilkKey, charKey, xs)
	if err != nil {
		return [32]byte{}, err
	}
	w, err := word(out, 0)
	if err != nil {
		return [32]byte{}, fmt.Errorf("decode geth(%s, %s): %w: %w", ilk, char, models.ErrDataUnavailable, err)
	}
	return w, nil
}

// Pull implements Source. The feed returns (bytes32 val, uint256 ttl); val is
// read as a RAY price and an empty value counts as unavailable.
func (e *EVM) Pull(ctx context.Context, src common.Address, tag [32]byte) (*uint256.Int, error) {
	out, err := e.call(ctx, e.contracts.Feedbase, e.abis.feedbase, "pull", src, tag)
	if err != nil {
		return nil, fmt.Errorf("pull %s/%s: %w: %w", src.Hex(), units.Bytes32String(tag), models.ErrPriceUnavailable, err)
	}
	price, err := decodeUint(out, 0)
	if err != nil {
		return nil, fmt.Errorf("decode pull: %w: %w", models.ErrPriceUnavailable, err)
	}
	if price.IsZero() {
		return nil, fmt.Errorf("pull %s/%s returned no value: %w", src.Hex(), units.Bytes32String(tag), models.ErrPriceUnavailable)
	}
	return price, nil
}

// Tip implements Source.
func (e *EVM) Tip(ctx context.Context) (common.Address, [32]byte, error) {
	out, err := e.call(ctx, e.contracts.Vox, e.abis.vox, "tip")
	if err != nil {
		return common.Address{}, [32]byte{}, err
	}
	src, err := decodeAddress(out, 0)
	if err != nil {
		return common.Address{}, [32]byte{}, fmt.Errorf("decode tip: %w: %w", models.ErrDataUnavailable, err)
	}
	tag, err := word(out, 1)
	if err != nil {
		return common.Address{}, [32]byte{}, fmt.Errorf("decode tip: %w: %w", models.ErrDataUnavailable, err)
	}
	return src, tag, nil
}

// Rates implements Source.
func (e *EVM) Rates(ctx context.Context) (models.Rates, error) {
	way, err := e.uintCall(ctx, e.contracts.Vox, e.abis.vox, "way")
	if err != nil {
		return models.Rates{}, err
	}
	tau, err := e.uintCall(ctx, e.contracts.Vox, e.abis.vox, "tau")
	if err != nil {
		return models.Rates{}, err
	}
	if !tau.IsUint64() {
		return models.Rates{}, fmt.Errorf("tau %s exceeds 64 bits: %w", tau.Dec(), models.ErrDataUnavailable)
	}
	how, err := e.uintCall(ctx, e.contracts.Vox, e.abis.vox, "how")
	if err != nil {
		return models.Rates{}, err
	}
	return models.Rates{Way: way, Tau: tau.Uint64(), How: how}, nil
}

// Position implements Source.
func (e *EVM) Position(ctx context.Context, id *uint256.Int) (models.PoolPosition, error) {
	out, err := e.call(ctx, e.contracts.NFPM, e.abis.nfpm, "positions", id.ToBig())
	if err != nil {
		return models.PoolPosition{}, err
	}
	pos, err := decodePosition(id, out)
	if err != nil {
		return models.PoolPosition{}, fmt.Errorf("decode positions(%s): %w: %w", id.Dec(), models.ErrDataUnavailable, err)
	}
	return pos, nil
}

// decodePosition reads the positions() tuple. Words used: 2 token0, 3 token1,
// 4 fee (uint24), 5 tickLower (int24), 6 tickUpper (int24), 7 liquidity
// (uint128). Nonce, operator, fee growth and owed tokens are skipped.
func decodePosition(id *uint256.Int, out []byte) (models.PoolPosition, error) {
	pos := models.PoolPosition{ID: new(uint256.Int).Set(id)}
	var err error
	if pos.Token0, err = decodeAddress(out, 2); err != nil {
		return pos, err
	}
	if pos.Token1, err = decodeAddress(out, 3); err != nil {
		return pos, err
	}
	if pos.Fee, err = decodeUint24(out, 4); err != nil {
		return pos, err
	}
	if pos.TickLower, err = decodeInt24(out, 5); err != nil {
		return pos, err
	}
	if pos.TickUpper, err = decodeInt24(out, 6); err != nil {
		return pos, err
	}
	if pos.Liquidity, err = decodeUint(out, 7); err != nil {
		return pos, err
	}
	return pos, nil
}

// Total implements Source.
func (e *EVM) Total(ctx context.Context, id, sqrtPriceX96 *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if sqrtPriceX96.BitLen() > 160 {
		return nil, nil, fmt.Errorf("sqrt price %s exceeds uint160: %w", sqrtPriceX96.Dec(), models.ErrArithmeticOverflow)
	}
	out, err := e.call(ctx, e.contracts.UniWrapper, e.abis.uniWrapper, "total", e.contracts.NFPM, id.ToBig(), sqrtPriceX96.ToBig())
	if err != nil {
		return nil, nil, err
	}
	amount0, err := decodeUint(out, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("decode total: %w: %w", models.ErrDataUnavailable, err)
	}
	amount1, err := decodeUint(out, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("decode total: %w: %w", models.ErrDataUnavailable, err)
	}
	return amount0, amount1, nil
}

// GemBalance implements Source.
func (e *EVM) GemBalance(ctx context.Context, gem, who common.Address) (*uint256.Int, error) {
	return e.uintCall(ctx, gem, e.abis.gem, "balanceOf", who)
}

// GemDecimals implements Source.
func (e *EVM) GemDecimals(ctx context.Context, gem common.Address) (*uint256.Int, error) {
	return e.uintCall(ctx, gem, e.abis.gem, "decimals")
}

// Head implements Source.
func (e *EVM) Head(ctx context.Context) (uint64, time.Time, error) {
	ctx, cancel, err := e.bounded(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	defer cancel()

	header, err := e.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("fetch head: %w: %w", models.ErrDataUnavailable, err)
	}
	if header == nil || header.Number == nil {
		return 0, time.Time{}, fmt.Errorf("head metadata missing: %w", models.ErrDataUnavailable)
	}
	return header.Number.Uint64(), time.Unix(int64(header.Time), 0).UTC(), nil
}

// Events implements Source.
func (e *EVM) Events(ctx context.Context, act string, toBlock uint64) ([]models.Event, error) {
	actKey, err := units.Bytes32(act)
	if err != nil {
		return nil, err
	}
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(e.fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{e.contracts.Vat},
		Topics:    [][]common.Hash{{newPalm2Topic}, {common.Hash(actKey)}},
	}

	ctx, cancel, err := e.bounded(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	logs, err := e.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter NewPalm2 logs: %w: %w", models.ErrDataUnavailable, err)
	}
	events := make([]models.Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := decodeNewPalm2(l)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrDataUnavailable, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
