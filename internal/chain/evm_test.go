package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

type fakeClient struct {
	responses map[string][]byte
	calls     []ethereum.CallMsg
	callErr   error

	query  ethereum.FilterQuery
	logs   []gethtypes.Log
	header *gethtypes.Header
}

func newFakeClient() *fakeClient {
	return &fakeClient{responses: make(map[string][]byte)}
}

func (f *fakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls = append(f.calls, call)
	if f.callErr != nil {
		return nil, f.callErr
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("call without deadline")
	}
	out, ok := f.responses[string(call.Data[:4])]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return out, nil
}

func (f *fakeClient) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error) {
	f.query = q
	return f.logs, nil
}

func (f *fakeClient) HeaderByNumber(_ context.Context, _ *big.Int) (*gethtypes.Header, error) {
	if f.header == nil {
		return nil, errors.New("not found")
	}
	return f.header, nil
}

// respond packs the return values of method and serves them for its selector.
func (f *fakeClient) respond(t *testing.T, contract abi.ABI, method string, values ...interface{}) {
	t.Helper()
	m, ok := contract.Methods[method]
	require.True(t, ok, "method %s", method)
	out, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	f.responses[string(m.ID)] = out
}

var testContracts = Contracts{
	Vat:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	Vox:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	Feedbase:   common.HexToAddress("0x00000000000000000000000000000000000000bb"),
	NFPM:       common.HexToAddress("0x00000000000000000000000000000000000000cc"),
	UniWrapper: common.HexToAddress("0x00000000000000000000000000000000000000dd"),
}

func newTestEVM(t *testing.T, client *fakeClient) *EVM {
	t.Helper()
	e, err := NewEVM(client, testContracts, Options{CallTimeout: time.Second, EventsFromBlock: 100})
	require.NoError(t, err)
	return e
}

func ray(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), units.RAY().ToBig())
}

func TestNewEVMRequiresClient(t *testing.T) {
	_, err := NewEVM(nil, testContracts, Options{})
	require.Error(t, err)
}

func TestEVMPar(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	client.respond(t, e.abis.vat, "par", ray(1))

	par, err := e.Par(context.Background())
	require.NoError(t, err)
	assert.Equal(t, units.RAY().Dec(), par.Dec())
	require.Len(t, client.calls, 1)
	assert.Equal(t, testContracts.Vat, *client.calls[0].To)
}

func TestEVMIlk(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	hook := common.HexToAddress("0x2222222222222222222222222222222222222222")
	client.respond(t, e.abis.vat, "ilks",
		big.NewInt(11), ray(2), big.NewInt(33), big.NewInt(44),
		ray(1), big.NewInt(1_700_000_000), ray(1), hook)

	ilk, err := e.Ilk(context.Background(), "weth")
	require.NoError(t, err)
	assert.Equal(t, "weth", ilk.Name)
	assert.Equal(t, uint64(11), ilk.Tart.Uint64())
	assert.Equal(t, ray(2).String(), ilk.Rack.Dec())
	assert.Equal(t, uint64(33), ilk.Line.Uint64())
	assert.Equal(t, uint64(44), ilk.Dust.Uint64())
	assert.Equal(t, uint64(1_700_000_000), ilk.Rho)
	assert.Equal(t, hook, ilk.Hook)
}

func TestEVMInk(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	amount := uint256.NewInt(5_000_000_000_000_000_000).Bytes32()
	client.respond(t, e.abis.vat, "ink", amount[:])

	ink, err := e.Ink(context.Background(), "weth", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "5000000000000000000", ink.Dec())
}

func TestEVMPositionIDs(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)

	uintSlice, err := abi.NewType("uint256[]", "", nil)
	require.NoError(t, err)
	payload, err := abi.Arguments{{Type: uintSlice}}.Pack([]*big.Int{big.NewInt(7), big.NewInt(8)})
	require.NoError(t, err)
	client.respond(t, e.abis.vat, "ink", payload)

	ids, err := e.PositionIDs(context.Background(), ":uninft", common.Address{})
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.Equal(t, uint64(7), ids[0].Uint64())
	assert.Equal(t, uint64(8), ids[1].Uint64())

	client.respond(t, e.abis.vat, "ink", []byte{})
	ids, err = e.PositionIDs(context.Background(), ":uninft", common.Address{})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEVMMalformedKey(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)

	_, err := e.Art(context.Background(), "a-collateral-class-name-over-32-bytes", common.Address{})
	require.ErrorIs(t, err, models.ErrMalformedKey)
	_, err = e.Geth(context.Background(), "weth", "a-characteristic-name-over-32-bytes")
	require.ErrorIs(t, err, models.ErrMalformedKey)
	assert.Empty(t, client.calls, "nothing is sent for a malformed key")
}

func TestEVMGeth(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	src := common.HexToAddress("0x3333333333333333333333333333333333333333")
	client.respond(t, e.abis.vat, "geth", units.AddressKey(src))

	raw, err := e.Geth(context.Background(), ":uninft", "src", units.AddressKey(src))
	require.NoError(t, err)
	assert.Equal(t, src, units.KeyAddress(raw))
}

func TestEVMPull(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	tag := key(t, "weth:rico")

	client.respond(t, e.abis.feedbase, "pull", uint256.MustFromBig(ray(3)).Bytes32(), big.NewInt(1<<40))
	price, err := e.Pull(context.Background(), common.Address{}, tag)
	require.NoError(t, err)
	assert.Equal(t, ray(3).String(), price.Dec())

	client.respond(t, e.abis.feedbase, "pull", [32]byte{}, big.NewInt(0))
	_, err = e.Pull(context.Background(), common.Address{}, tag)
	require.ErrorIs(t, err, models.ErrPriceUnavailable)

	client.callErr = errors.New("connection refused")
	_, err = e.Pull(context.Background(), common.Address{}, tag)
	require.ErrorIs(t, err, models.ErrPriceUnavailable)
}

func TestEVMCallFailureIsDataUnavailable(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)

	_, err := e.Par(context.Background())
	require.ErrorIs(t, err, models.ErrDataUnavailable)
}

func TestEVMTipAndRates(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	src := common.HexToAddress("0x4444444444444444444444444444444444444444")
	tag := key(t, "rico:ref")
	client.respond(t, e.abis.vox, "tip", src, tag)
	client.respond(t, e.abis.vox, "way", ray(1))
	client.respond(t, e.abis.vox, "tau", big.NewInt(1_700_000_123))
	client.respond(t, e.abis.vox, "how", ray(2))

	gotSrc, gotTag, err := e.Tip(context.Background())
	require.NoError(t, err)
	assert.Equal(t, src, gotSrc)
	assert.Equal(t, tag, gotTag)

	rates, err := e.Rates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1_700_000_123), rates.Tau)
	assert.Equal(t, ray(2).String(), rates.How.Dec())
}

func TestEVMPosition(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	token0 := common.HexToAddress("0x5555555555555555555555555555555555555555")
	token1 := common.HexToAddress("0x0000000000000000000000000000000000000001")
	client.respond(t, e.abis.nfpm, "positions",
		big.NewInt(0), common.Address{}, token0, token1,
		big.NewInt(500), big.NewInt(-600), big.NewInt(600), big.NewInt(123456),
		big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0))

	pos, err := e.Position(context.Background(), uint256.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, token0, pos.Token0, "token order is kept as returned")
	assert.Equal(t, token1, pos.Token1)
	assert.Equal(t, uint32(500), pos.Fee)
	assert.Equal(t, int32(-600), pos.TickLower)
	assert.Equal(t, int32(600), pos.TickUpper)
	assert.Equal(t, uint64(123456), pos.Liquidity.Uint64())
	assert.Equal(t, uint64(9), pos.ID.Uint64())
}

func TestEVMTotal(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	client.respond(t, e.abis.uniWrapper, "total", big.NewInt(10), big.NewInt(20))

	a0, a1, err := e.Total(context.Background(), uint256.NewInt(9), units.X96())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), a0.Uint64())
	assert.Equal(t, uint64(20), a1.Uint64())

	wide := new(uint256.Int).Lsh(uint256.NewInt(1), 160)
	_, _, err = e.Total(context.Background(), uint256.NewInt(9), wide)
	require.ErrorIs(t, err, models.ErrArithmeticOverflow)
}

func TestEVMGem(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	gem := common.HexToAddress("0x6666666666666666666666666666666666666666")
	client.respond(t, e.abis.gem, "balanceOf", big.NewInt(77))
	client.respond(t, e.abis.gem, "decimals", uint8(18))

	bal, err := e.GemBalance(context.Background(), gem, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, uint64(77), bal.Uint64())
	dec, err := e.GemDecimals(context.Background(), gem)
	require.NoError(t, err)
	assert.Equal(t, uint64(18), dec.Uint64())
	assert.Equal(t, gem, *client.calls[0].To)
}

func TestEVMHead(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)

	_, _, err := e.Head(context.Background())
	require.ErrorIs(t, err, models.ErrDataUnavailable)

	client.header = &gethtypes.Header{Number: big.NewInt(512), Time: 1_700_000_000}
	block, at, err := e.Head(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(512), block)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), at)
}

func TestEVMEvents(t *testing.T) {
	client := newFakeClient()
	e := newTestEVM(t, client)
	usr := common.HexToAddress("0x7777777777777777777777777777777777777777")
	mk := func(block uint64, removed bool) gethtypes.Log {
		val := uint256.NewInt(block).Bytes32()
		return gethtypes.Log{
			Topics: []common.Hash{
				newPalm2Topic,
				common.Hash(key(t, "art")),
				common.Hash(key(t, "weth")),
				common.Hash(units.AddressKey(usr)),
			},
			Data:        val[:],
			BlockNumber: block,
			Removed:     removed,
		}
	}
	client.logs = []gethtypes.Log{mk(101, false), mk(102, true), mk(103, false)}

	events, err := e.Events(context.Background(), "art", 200)
	require.NoError(t, err)
	require.Len(t, events, 2, "removed logs are skipped")
	assert.Equal(t, uint64(101), events[0].BlockNumber)
	assert.Equal(t, uint64(103), events[1].BlockNumber)

	assert.Equal(t, uint64(100), client.query.FromBlock.Uint64())
	assert.Equal(t, uint64(200), client.query.ToBlock.Uint64())
	assert.Equal(t, []common.Address{testContracts.Vat}, client.query.Addresses)
	require.Len(t, client.query.Topics, 2)
	assert.Equal(t, newPalm2Topic, client.query.Topics[0][0])
	assert.Equal(t, common.Hash(key(t, "art")), client.query.Topics[1][0])
}
