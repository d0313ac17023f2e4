// Package chaintest provides an in-memory chain.Source for tests.
package chaintest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/chain"
	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

// TotalFunc decomposes a position into token amounts at a sqrt price.
type TotalFunc func(id, sqrtPriceX96 *uint256.Int) (*uint256.Int, *uint256.Int, error)

// Fake is a chain.Source backed by maps. The zero value is not usable; call
// New. All methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	par       *uint256.Int
	inks      map[string]*uint256.Int
	ids       map[string][]*uint256.Int
	arts      map[string]*uint256.Int
	ilks      map[string]models.Ilk
	chars     map[string][32]byte
	prices    map[string]*uint256.Int
	tipSrc    common.Address
	tipTag    [32]byte
	rates     models.Rates
	positions map[string]models.PoolPosition
	total     TotalFunc
	balances  map[string]*uint256.Int
	decimals  map[common.Address]*uint256.Int
	block     uint64
	blockTime time.Time
	events    map[string][]models.Event

	failures map[string]error
	calls    map[string]int
}

var _ chain.Source = (*Fake)(nil)

// New returns a fake with par = RAY and no other state.
func New() *Fake {
	return &Fake{
		par:       units.RAY(),
		inks:      make(map[string]*uint256.Int),
		ids:       make(map[string][]*uint256.Int),
		arts:      make(map[string]*uint256.Int),
		ilks:      make(map[string]models.Ilk),
		chars:     make(map[string][32]byte),
		prices:    make(map[string]*uint256.Int),
		rates:     models.Rates{Way: units.RAY(), How: units.RAY()},
		positions: make(map[string]models.PoolPosition),
		balances:  make(map[string]*uint256.Int),
		decimals:  make(map[common.Address]*uint256.Int),
		events:    make(map[string][]models.Event),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

func charKey(ilk, char string, indexes ...[32]byte) string {
	parts := []string{ilk, char}
	for _, idx := range indexes {
		parts = append(parts, common.Bytes2Hex(idx[:]))
	}
	return strings.Join(parts, "/")
}

func priceKey(src common.Address, tag [32]byte) string {
	return src.Hex() + "/" + units.Bytes32String(tag)
}

func balanceKey(gem, who common.Address) string {
	return gem.Hex() + "/" + who.Hex()
}

// enter records a call and returns the injected failure for method, if any.
// The caller holds f.mu.
func (f *Fake) enter(method string) error {
	f.calls[method]++
	if err, ok := f.failures[method]; ok {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// FailOn makes every later call to method return err.
func (f *Fake) FailOn(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
}

// ClearFailures removes every injected failure.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
}

// Calls returns how many times method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// SetPar sets the target price.
func (f *Fake) SetPar(par *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.par = par
}

// SetInk sets the raw collateral of an ilk.
func (f *Fake) SetInk(ilk string, ink *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inks[ilk] = ink
}

// SetPositionIDs sets the positions held in a pool ilk.
func (f *Fake) SetPositionIDs(ilk string, ids ...*uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[ilk] = ids
}

// SetArt sets the normalised debt of an ilk.
func (f *Fake) SetArt(ilk string, art *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arts[ilk] = art
}

// SetIlk sets class parameters under ilk.Name.
func (f *Fake) SetIlk(ilk models.Ilk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ilks[ilk.Name] = ilk
}

// SetChar sets a raw class characteristic.
func (f *Fake) SetChar(ilk, char string, value [32]byte, indexes ...[32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chars[charKey(ilk, char, indexes...)] = value
}

func mustKey(name string) [32]byte {
	k, err := units.Bytes32(name)
	if err != nil {
		panic(err)
	}
	return k
}

// SetFeed configures the src, tag and liqr characteristics of an ilk, or of
// one token of a pool ilk when indexes are given.
func (f *Fake) SetFeed(ilk string, src common.Address, tag string, liqr *uint256.Int, indexes ...[32]byte) {
	f.SetChar(ilk, "src", units.AddressKey(src), indexes...)
	f.SetChar(ilk, "tag", mustKey(tag), indexes...)
	f.SetChar(ilk, "liqr", liqr.Bytes32(), indexes...)
}

// SetPrice sets the value a feed publishes.
func (f *Fake) SetPrice(src common.Address, tag string, price *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[priceKey(src, mustKey(tag))] = price
}

// SetTip sets the market price feed.
func (f *Fake) SetTip(src common.Address, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tipSrc, f.tipTag = src, mustKey(tag)
}

// SetRates sets way, tau and how.
func (f *Fake) SetRates(r models.Rates) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = r
}

// SetPosition stores a pool position under its ID.
func (f *Fake) SetPosition(pos models.PoolPosition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[pos.ID.Dec()] = pos
}

// SetTotal sets the decomposition function used by Total.
func (f *Fake) SetTotal(fn TotalFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = fn
}

// SetGem sets a token balance and its decimals.
func (f *Fake) SetGem(gem, who common.Address, balance, decimals *uint256.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(gem, who)] = balance
	f.decimals[gem] = decimals
}

// SetHead sets the latest block.
func (f *Fake) SetHead(block uint64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block, f.blockTime = block, at
}

// AddEvents appends logs for act in chain order.
func (f *Fake) AddEvents(act string, events ...models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[act] = append(f.events[act], events...)
}

func missing(what string) error {
	return fmt.Errorf("%s not set: %w", what, models.ErrDataUnavailable)
}

func (f *Fake) Par(ctx context.Context) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Par"); err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(f.par), nil
}

func (f *Fake) Ink(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Ink"); err != nil {
		return nil, err
	}
	if _, err := units.Bytes32(ilk); err != nil {
		return nil, err
	}
	if v, ok := f.inks[ilk]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return new(uint256.Int), nil
}

func (f *Fake) PositionIDs(ctx context.Context, ilk string, usr common.Address) ([]*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PositionIDs"); err != nil {
		return nil, err
	}
	out := make([]*uint256.Int, 0, len(f.ids[ilk]))
	for _, id := range f.ids[ilk] {
		out = append(out, new(uint256.Int).Set(id))
	}
	return out, nil
}

func (f *Fake) Art(ctx context.Context, ilk string, usr common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Art"); err != nil {
		return nil, err
	}
	if v, ok := f.arts[ilk]; ok {
		return new(uint256.Int).Set(v), nil
	}
	return new(uint256.Int), nil
}

func (f *Fake) Ilk(ctx context.Context, name string) (models.Ilk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Ilk"); err != nil {
		return models.Ilk{}, err
	}
	ilk, ok := f.ilks[name]
	if !ok {
		return models.Ilk{}, missing("ilk " + name)
	}
	return ilk.Clone(), nil
}

func (f *Fake) Geth(ctx context.Context, ilk, char string, indexes ...[32]byte) ([32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Geth"); err != nil {
		return [32]byte{}, err
	}
	return f.chars[charKey(ilk, char, indexes...)], nil
}

func (f *Fake) Pull(ctx context.Context, src common.Address, tag [32]byte) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Pull"); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPriceUnavailable, err)
	}
	p, ok := f.prices[priceKey(src, tag)]
	if !ok || p.IsZero() {
		return nil, fmt.Errorf("no value for %s: %w", priceKey(src, tag), models.ErrPriceUnavailable)
	}
	return new(uint256.Int).Set(p), nil
}

func (f *Fake) Tip(ctx context.Context) (common.Address, [32]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Tip"); err != nil {
		return common.Address{}, [32]byte{}, err
	}
	return f.tipSrc, f.tipTag, nil
}

func (f *Fake) Rates(ctx context.Context) (models.Rates, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Rates"); err != nil {
		return models.Rates{}, err
	}
	return f.rates.Clone(), nil
}

func (f *Fake) Position(ctx context.Context, id *uint256.Int) (models.PoolPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Position"); err != nil {
		return models.PoolPosition{}, err
	}
	pos, ok := f.positions[id.Dec()]
	if !ok {
		return models.PoolPosition{}, missing("position " + id.Dec())
	}
	return pos, nil
}

func (f *Fake) Total(ctx context.Context, id, sqrtPriceX96 *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	f.mu.Lock()
	fn := f.total
	err := f.enter("Total")
	f.mu.Unlock()
	if err != nil {
		return nil, nil, err
	}
	if fn == nil {
		return nil, nil, missing("total")
	}
	return fn(id, sqrtPriceX96)
}

func (f *Fake) GemBalance(ctx context.Context, gem, who common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GemBalance"); err != nil {
		return nil, err
	}
	v, ok := f.balances[balanceKey(gem, who)]
	if !ok {
		return nil, missing("balance " + balanceKey(gem, who))
	}
	return new(uint256.Int).Set(v), nil
}

func (f *Fake) GemDecimals(ctx context.Context, gem common.Address) (*uint256.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("GemDecimals"); err != nil {
		return nil, err
	}
	v, ok := f.decimals[gem]
	if !ok {
		return nil, missing("decimals " + gem.Hex())
	}
	return new(uint256.Int).Set(v), nil
}

func (f *Fake) Head(ctx context.Context) (uint64, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Head"); err != nil {
		return 0, time.Time{}, err
	}
	return f.block, f.blockTime, nil
}

func (f *Fake) Events(ctx context.Context, act string, toBlock uint64) ([]models.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Events"); err != nil {
		return nil, err
	}
	var out []models.Event
	for _, ev := range f.events[act] {
		if ev.BlockNumber <= toBlock {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}
