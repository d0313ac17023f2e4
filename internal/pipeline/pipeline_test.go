package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/vaultwatch/internal/chain/chaintest"
	"github.com/rewired-gh/vaultwatch/internal/health"
	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/state"
	"github.com/rewired-gh/vaultwatch/internal/units"
	"github.com/rewired-gh/vaultwatch/internal/valuation"
)

const poolIlk = ":uninft"

var (
	owner   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	feedSrc = common.HexToAddress("0x0000000000000000000000000000000000000f00")
	xauSrc  = common.HexToAddress("0x0000000000000000000000000000000000000c1c")
	hook    = common.HexToAddress("0x0000000000000000000000000000000000000b00")
	gem     = common.HexToAddress("0x0000000000000000000000000000000000000e7e")
	t0      = time.Unix(1_700_000_000, 0)
)

func rays(n uint64) *uint256.Int { return new(uint256.Int).Mul(uint256.NewInt(n), units.RAY()) }
func wads(n uint64) *uint256.Int { return new(uint256.Int).Mul(uint256.NewInt(n), units.WAD()) }

type recorder struct {
	mu        sync.Mutex
	cycles    int
	failures  int
	snapshots int
}

func (r *recorder) ObserveCycle(_ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles++
	if err != nil {
		r.failures++
	}
}

func (r *recorder) ObserveSnapshot(*models.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots++
}

type fixture struct {
	src   *chaintest.Fake
	store *state.Store
	rec   *recorder
	p     *Pipeline
}

func classParams(name string) models.Ilk {
	return models.Ilk{
		Name: name,
		Tart: wads(1000),
		Rack: units.RAY(),
		Line: new(uint256.Int),
		Dust: new(uint256.Int),
		Fee:  units.RAY(),
		Rho:  uint64(t0.Unix()),
		Chop: units.RAY(),
		Hook: hook,
	}
}

func newFixture(t *testing.T, policy FailurePolicy) *fixture {
	t.Helper()
	src := chaintest.New()
	for _, ilk := range []string{"weth", "wbtc"} {
		src.SetFeed(ilk, feedSrc, ilk+":usd", units.RAY())
		src.SetPrice(feedSrc, ilk+":usd", rays(2))
		src.SetInk(ilk, wads(10))
		src.SetArt(ilk, wads(5))
		src.SetIlk(classParams(ilk))
	}
	src.SetChar("weth", "gem", units.AddressKey(gem))
	src.SetGem(gem, hook, wads(42), uint256.NewInt(18))
	src.SetTip(feedSrc, "rico:ref")
	src.SetPrice(feedSrc, "rico:ref", rays(3))
	src.SetPrice(xauSrc, "xau:usd", rays(2000))
	src.SetHead(500, t0)

	ilks := []string{"weth", "wbtc"}
	store := state.New(models.NewPlaceholder(ilks), state.View{})
	rec := &recorder{}
	p, err := New(src, health.New(src, valuation.New(src, poolIlk), poolIlk), store, Options{
		Owner:          owner,
		Ilks:           ilks,
		KnownIlks:      []string{"weth", "wbtc", poolIlk},
		PoolIlk:        poolIlk,
		Interval:       10 * time.Millisecond,
		Policy:         policy,
		MaxConcurrency: 2,
		MaxEvents:      2,
		XauSrc:         xauSrc,
		XauTag:         "xau:usd",
	}, rec)
	require.NoError(t, err)
	return &fixture{src: src, store: store, rec: rec, p: p}
}

func snapshotJSON(t *testing.T, s *models.Snapshot) string {
	t.Helper()
	b, err := json.Marshal(s)
	require.NoError(t, err)
	return string(b)
}

func TestNewValidatesOptions(t *testing.T) {
	src := chaintest.New()
	store := state.New(nil, state.View{})
	c := health.New(src, valuation.New(src, poolIlk), poolIlk)

	_, err := New(src, c, store, Options{}, nil)
	require.Error(t, err, "zero interval")
	_, err = New(src, c, store, Options{Interval: time.Second, Policy: "retry"}, nil)
	require.Error(t, err)
	_, err = New(src, c, store, Options{Interval: time.Second, Ilks: []string{"a-collateral-class-name-over-32-bytes"}}, nil)
	require.ErrorIs(t, err, models.ErrMalformedKey)

	p, err := New(src, c, store, Options{Interval: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, Isolate, p.opts.Policy)
}

func TestCyclePublishesSnapshot(t *testing.T) {
	f := newFixture(t, Isolate)

	snap, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)

	assert.NotEmpty(t, snap.ID)
	require.Len(t, snap.Urns, 2)
	assert.Equal(t, "weth", snap.Urns[0].Ilk)
	assert.Equal(t, "wbtc", snap.Urns[1].Ilk)
	assert.Equal(t, wads(20).Dec(), snap.Urns[0].Value.Dec())
	assert.InDelta(t, 4.0, snap.Urns[0].Safety, 1e-9)
	assert.Equal(t, units.RAY().Dec(), snap.Par.Dec())
	assert.Equal(t, rays(3).Dec(), snap.Mar.Dec())
	assert.Equal(t, rays(2000).Dec(), snap.Xau.Dec())
	assert.Equal(t, uint64(500), snap.Block)
	assert.Equal(t, t0, snap.CreatedAt)
	assert.Empty(t, snap.Ilks, "nothing selected")
	assert.Nil(t, snap.Events, "events not requested")
	assert.Zero(t, f.src.Calls("Events"))

	assert.Equal(t, snap.ID, f.store.Snapshot().ID)
	age, ok := f.store.Age(t0.Add(time.Second))
	assert.True(t, ok)
	assert.Equal(t, time.Second, age)
	assert.Equal(t, 1, f.rec.snapshots)
}

func TestCycleReadsSelectedIlksOnly(t *testing.T) {
	f := newFixture(t, Isolate)
	f.store.UpdateView(func(v *state.View) { v.SelectedIlks = []string{"weth", poolIlk} })
	f.src.SetIlk(classParams(poolIlk))

	snap, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, snap.Ilks, 2)
	assert.Equal(t, "weth", snap.Ilks[0].Name)
	assert.Equal(t, wads(42).Dec(), snap.Ilks[0].Tink.Dec())
	assert.Equal(t, uint64(18), snap.Ilks[0].Inkd.Uint64())
	assert.Nil(t, snap.Ilks[1].Tink, "pool class has no token telemetry")
	// Two urn computations plus the two selected classes.
	assert.Equal(t, 4, f.src.Calls("Ilk"))
}

func TestFailedCycleKeepsSnapshot(t *testing.T) {
	f := newFixture(t, Isolate)
	_, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)

	now := t0.Add(time.Minute)
	before := snapshotJSON(t, f.store.Snapshot())
	ageBefore, _ := f.store.Age(now)

	f.src.FailOn("Head", models.ErrDataUnavailable)
	snap, err := f.p.Cycle(context.Background(), t0.Add(30*time.Second))
	require.ErrorIs(t, err, models.ErrDataUnavailable)
	assert.Nil(t, snap)

	assert.Equal(t, before, snapshotJSON(t, f.store.Snapshot()))
	ageAfter, _ := f.store.Age(now)
	assert.Equal(t, ageBefore, ageAfter)

	st := f.store.Status()
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "read head")
	assert.Equal(t, t0.Add(30*time.Second), st.LastErrorAt)
}

func TestIsolatedUrnIsCarriedStale(t *testing.T) {
	f := newFixture(t, Isolate)
	first, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)

	f.src.SetPrice(feedSrc, "wbtc:usd", new(uint256.Int))
	f.src.SetInk("weth", wads(20))
	snap, err := f.p.Cycle(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)

	weth, wbtc := snap.Urns[0], snap.Urns[1]
	assert.False(t, weth.Stale)
	assert.Equal(t, wads(40).Dec(), weth.Value.Dec())

	assert.True(t, wbtc.Stale)
	assert.Contains(t, wbtc.Err, models.ErrPriceUnavailable.Error())
	assert.Equal(t, first.Urns[1].Value.Dec(), wbtc.Value.Dec())
	assert.Equal(t, t0, wbtc.UpdatedAt, "stale urn keeps its own age")
	assert.Equal(t, 1, snap.StaleUrns())
}

func TestIsolatedUrnWithoutHistory(t *testing.T) {
	f := newFixture(t, Isolate)
	f.src.SetPrice(feedSrc, "wbtc:usd", new(uint256.Int))

	snap, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)
	assert.True(t, snap.Urns[1].Stale)
	assert.Equal(t, "wbtc", snap.Urns[1].Ilk)
}

func TestAbortPolicyFailsCycle(t *testing.T) {
	f := newFixture(t, Abort)
	_, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)
	before := snapshotJSON(t, f.store.Snapshot())

	f.src.SetPrice(feedSrc, "wbtc:usd", new(uint256.Int))
	_, err = f.p.Cycle(context.Background(), t0.Add(time.Minute))
	require.ErrorIs(t, err, models.ErrPriceUnavailable)
	assert.Equal(t, before, snapshotJSON(t, f.store.Snapshot()))
}

func artEvent(block uint64, idx uint, ilk string) models.Event {
	return models.Event{BlockNumber: block, LogIndex: idx, Act: "art", Ilk: ilk, Usr: owner, Val: big.NewInt(int64(block))}
}

func TestEventsNewestFirstFilteredAndBounded(t *testing.T) {
	f := newFixture(t, Isolate)
	f.src.AddEvents("art",
		artEvent(100, 0, "weth"),
		artEvent(200, 1, "weth"),
		artEvent(200, 0, "wbtc"),
		artEvent(300, 0, "weth"),
		artEvent(600, 0, "weth"), // past head
	)
	f.store.UpdateView(func(v *state.View) { v.Events = &state.EventFilter{Act: "art", Ilk: "weth"} })

	snap, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, uint64(300), snap.Events[0].BlockNumber)
	assert.Equal(t, uint64(200), snap.Events[1].BlockNumber)
	assert.Equal(t, "weth", snap.Events[1].Ilk)

	f.store.UpdateView(func(v *state.View) { v.Events.Ilk = "" })
	snap, err = f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)
	require.Len(t, snap.Events, 2)
	assert.Equal(t, uint64(300), snap.Events[0].BlockNumber)
	assert.Equal(t, uint(1), snap.Events[1].LogIndex, "same block orders by log index")
}

func TestEventsUnknownIlk(t *testing.T) {
	f := newFixture(t, Isolate)
	f.store.UpdateView(func(v *state.View) { v.Events = &state.EventFilter{Act: "art", Ilk: "doge"} })

	_, err := f.p.Cycle(context.Background(), t0)
	require.ErrorIs(t, err, models.ErrUnknownCollateralClass)
	assert.Zero(t, f.src.Calls("Art"), "view is checked before any read")
}

func TestEventsFailureIsIsolated(t *testing.T) {
	f := newFixture(t, Isolate)
	f.src.AddEvents("art", artEvent(100, 0, "weth"))
	f.store.UpdateView(func(v *state.View) { v.Events = &state.EventFilter{Act: "art"} })
	_, err := f.p.Cycle(context.Background(), t0)
	require.NoError(t, err)

	f.src.FailOn("Events", errors.New("query returned more than 10000 results"))
	snap, err := f.p.Cycle(context.Background(), t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, uint64(100), snap.Events[0].BlockNumber)
}

func TestRunCyclesUntilCancelled(t *testing.T) {
	f := newFixture(t, Isolate)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cycles atomic.Int32
	f.p.OnCycle = func(err error) {
		assert.NoError(t, err)
		if cycles.Add(1) == 3 {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		f.p.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.GreaterOrEqual(t, cycles.Load(), int32(3))
	f.rec.mu.Lock()
	defer f.rec.mu.Unlock()
	assert.Equal(t, int(cycles.Load()), f.rec.cycles)
	assert.Zero(t, f.rec.failures)
}

func TestRunReportsFailures(t *testing.T) {
	f := newFixture(t, Isolate)
	f.src.FailOn("Par", models.ErrDataUnavailable)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errs := make(chan error, 1)
	f.p.OnCycle = func(err error) {
		select {
		case errs <- err:
		default:
		}
		cancel()
	}
	f.p.Run(ctx)

	err := <-errs
	require.ErrorIs(t, err, models.ErrDataUnavailable)
	assert.Equal(t, 1, f.store.Status().ConsecutiveFailures)
}
