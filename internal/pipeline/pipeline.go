// Package pipeline runs the polling loop that turns chain reads into
// published snapshots.
//
// Each cycle reads the presenter's view once, computes every monitored urn,
// refreshes the market parameters and, when the view asks for them, the
// state-change log, then publishes one complete Snapshot. A failed cycle
// publishes nothing: the previous snapshot stays in place and the failure is
// recorded in the store. Urn failures can instead be isolated, in which case
// the urn is carried over from the previous snapshot and marked stale.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/vaultwatch/internal/logger"
	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/state"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

// FailurePolicy decides what a failing urn does to its cycle.
type FailurePolicy string

const (
	// Isolate carries the urn over from the previous snapshot, marked stale.
	Isolate FailurePolicy = "isolate"
	// Abort fails the whole cycle.
	Abort FailurePolicy = "abort"
)

// Source is the subset of chain reads the pipeline performs itself.
type Source interface {
	Par(ctx context.Context) (*uint256.Int, error)
	Tip(ctx context.Context) (common.Address, [32]byte, error)
	Pull(ctx context.Context, src common.Address, tag [32]byte) (*uint256.Int, error)
	Ilk(ctx context.Context, ilk string) (models.Ilk, error)
	Geth(ctx context.Context, ilk, char string, indexes ...[32]byte) ([32]byte, error)
	GemBalance(ctx context.Context, gem, who common.Address) (*uint256.Int, error)
	GemDecimals(ctx context.Context, gem common.Address) (*uint256.Int, error)
	Rates(ctx context.Context) (models.Rates, error)
	Head(ctx context.Context) (uint64, time.Time, error)
	Events(ctx context.Context, act string, toBlock uint64) ([]models.Event, error)
}

// Computer derives one urn's metrics.
type Computer interface {
	Compute(ctx context.Context, ilk string, owner common.Address, now time.Time) (models.Urn, error)
}

// Recorder observes cycle outcomes, typically for metrics.
type Recorder interface {
	ObserveCycle(d time.Duration, err error)
	ObserveSnapshot(snap *models.Snapshot)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(time.Duration, error) {}
func (nopRecorder) ObserveSnapshot(*models.Snapshot)  {}

// Options configures a Pipeline.
type Options struct {
	Owner common.Address
	// Ilks are the monitored vault classes, in display order.
	Ilks []string
	// KnownIlks are every class the presenter may select; Ilks are always
	// known.
	KnownIlks []string
	PoolIlk   string

	Interval       time.Duration
	Policy         FailurePolicy
	MaxConcurrency int
	MaxEvents      int

	// XauSrc and XauTag name the reference price feed.
	XauSrc common.Address
	XauTag string
}

// Pipeline produces snapshots into a state.Store.
type Pipeline struct {
	src      Source
	computer Computer
	store    *state.Store
	opts     Options
	known    map[string]struct{}
	xauTag   [32]byte
	rec      Recorder
	log      zerolog.Logger

	// OnCycle, when set, is called after every cycle with its error.
	OnCycle func(err error)

	now func() time.Time
}

// New creates a Pipeline. rec may be nil.
func New(src Source, computer Computer, store *state.Store, opts Options, rec Recorder) (*Pipeline, error) {
	if src == nil || computer == nil || store == nil {
		return nil, errors.New("pipeline requires a source, a computer and a store")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", opts.Interval)
	}
	switch opts.Policy {
	case "":
		opts.Policy = Isolate
	case Isolate, Abort:
	default:
		return nil, fmt.Errorf("unknown failure policy %q", opts.Policy)
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	xauTag, err := units.Bytes32(opts.XauTag)
	if err != nil {
		return nil, fmt.Errorf("reference tag: %w", err)
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	known := make(map[string]struct{}, len(opts.Ilks)+len(opts.KnownIlks))
	for _, ilk := range append(append([]string(nil), opts.Ilks...), opts.KnownIlks...) {
		if _, err := units.Bytes32(ilk); err != nil {
			return nil, fmt.Errorf("ilk %q: %w", ilk, err)
		}
		known[ilk] = struct{}{}
	}

	return &Pipeline{
		src:      src,
		computer: computer,
		store:    store,
		opts:     opts,
		known:    known,
		xauTag:   xauTag,
		rec:      rec,
		log:      logger.GetForComponent("pipeline"),
		now:      time.Now,
	}, nil
}

// Run runs a cycle immediately and then one per interval until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	p.log.Debug().Msg("running initial cycle")
	p.runCycle(ctx, p.now())

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("pipeline stopped")
			return
		case <-ticker.C:
			p.runCycle(ctx, p.now())
		}
	}
}

func (p *Pipeline) runCycle(ctx context.Context, now time.Time) {
	start := time.Now()
	_, err := p.Cycle(ctx, now)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() == nil {
			p.log.Error().Err(err).Dur("elapsed", elapsed).Msg("cycle failed, keeping previous snapshot")
		}
	} else {
		p.log.Debug().Dur("elapsed", elapsed).Msg("cycle completed")
	}
	p.rec.ObserveCycle(elapsed, err)
	if p.OnCycle != nil {
		p.OnCycle(err)
	}
}

// Cycle collects and publishes one snapshot as of now. On error nothing is
// published and the failure is recorded in the store.
func (p *Pipeline) Cycle(ctx context.Context, now time.Time) (*models.Snapshot, error) {
	snap, err := p.collect(ctx, now)
	if err == nil {
		err = p.store.Publish(snap)
	}
	if err != nil {
		p.store.RecordFailure(err, now)
		return nil, err
	}
	p.rec.ObserveSnapshot(snap)
	return snap, nil
}

func (p *Pipeline) collect(ctx context.Context, now time.Time) (*models.Snapshot, error) {
	view := p.store.View()
	prev := p.store.Snapshot()

	if err := p.checkView(view); err != nil {
		return nil, err
	}

	urns, err := p.collectUrns(ctx, now, prev)
	if err != nil {
		return nil, err
	}

	par, err := p.src.Par(ctx)
	if err != nil {
		return nil, fmt.Errorf("read par: %w", err)
	}
	mar, err := p.market(ctx)
	if err != nil {
		return nil, err
	}
	ilks, err := p.collectIlks(ctx, view.SelectedIlks)
	if err != nil {
		return nil, err
	}
	rates, err := p.src.Rates(ctx)
	if err != nil {
		return nil, fmt.Errorf("read rates: %w", err)
	}
	xau, err := p.src.Pull(ctx, p.opts.XauSrc, p.xauTag)
	if err != nil {
		return nil, fmt.Errorf("pull reference price: %w", err)
	}
	block, blockTime, err := p.src.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}

	var events []models.Event
	if view.Events != nil {
		events, err = p.collectEvents(ctx, *view.Events, block)
		if err != nil {
			if p.opts.Policy == Abort || ctx.Err() != nil {
				return nil, err
			}
			p.log.Warn().Err(err).Msg("events unavailable, keeping previous window")
			events = p.filterEvents(prev.Events, *view.Events)
		}
	}

	return &models.Snapshot{
		ID:        uuid.NewString(),
		Urns:      urns,
		Ilks:      ilks,
		Par:       par,
		Mar:       mar,
		Xau:       xau,
		Rates:     rates,
		Events:    events,
		Block:     block,
		BlockTime: blockTime,
		CreatedAt: now,
	}, nil
}

func (p *Pipeline) checkView(view state.View) error {
	for _, ilk := range view.SelectedIlks {
		if _, ok := p.known[ilk]; !ok {
			return fmt.Errorf("selected ilk %q: %w", ilk, models.ErrUnknownCollateralClass)
		}
	}
	if f := view.Events; f != nil && f.Ilk != "" {
		if _, ok := p.known[f.Ilk]; !ok {
			return fmt.Errorf("event filter ilk %q: %w", f.Ilk, models.ErrUnknownCollateralClass)
		}
	}
	return nil
}

// collectUrns computes every monitored urn with bounded fan-out. Results keep
// the configured order.
func (p *Pipeline) collectUrns(ctx context.Context, now time.Time, prev *models.Snapshot) ([]models.Urn, error) {
	urns := make([]models.Urn, len(p.opts.Ilks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxConcurrency)

	for i, ilk := range p.opts.Ilks {
		i, ilk := i, ilk
		g.Go(func() error {
			urn, err := p.computer.Compute(gctx, ilk, p.opts.Owner, now)
			if err == nil {
				urns[i] = urn
				return nil
			}
			if p.opts.Policy == Abort || gctx.Err() != nil {
				return fmt.Errorf("urn %s: %w", ilk, err)
			}
			p.log.Warn().Err(err).Str("ilk", ilk).Msg("urn unavailable, carrying previous values")
			urns[i] = staleUrn(prev, ilk, err)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urns, nil
}

// staleUrn returns the previous values of ilk's urn marked stale with err, or
// an empty stale urn when there are none.
func staleUrn(prev *models.Snapshot, ilk string, err error) models.Urn {
	var urn models.Urn
	if old, ok := prev.Urn(ilk); ok {
		urn = old.Clone()
	} else {
		urn = models.Urn{Ilk: ilk}
	}
	urn.Stale = true
	urn.Err = err.Error()
	return urn
}

// market pulls mar through the feed the vox points at.
func (p *Pipeline) market(ctx context.Context) (*uint256.Int, error) {
	src, tag, err := p.src.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("read tip: %w", err)
	}
	mar, err := p.src.Pull(ctx, src, tag)
	if err != nil {
		return nil, fmt.Errorf("pull mar: %w", err)
	}
	return mar, nil
}

// collectIlks reads parameters for the selected classes only.
func (p *Pipeline) collectIlks(ctx context.Context, selected []string) ([]models.Ilk, error) {
	ilks := make([]models.Ilk, 0, len(selected))
	for _, name := range selected {
		ilk, err := p.src.Ilk(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read ilk %s: %w", name, err)
		}
		if name != p.opts.PoolIlk {
			p.telemetry(ctx, &ilk)
		}
		ilks = append(ilks, ilk)
	}
	return ilks, nil
}

// telemetry fills the optional held-token balance and decimals of a token
// class. Missing telemetry is not an error.
func (p *Pipeline) telemetry(ctx context.Context, ilk *models.Ilk) {
	raw, err := p.src.Geth(ctx, ilk.Name, "gem")
	if err != nil {
		p.log.Debug().Err(err).Str("ilk", ilk.Name).Msg("no gem characteristic")
		return
	}
	gem := units.KeyAddress(raw)
	if gem == (common.Address{}) {
		return
	}
	tink, err := p.src.GemBalance(ctx, gem, ilk.Hook)
	if err != nil {
		p.log.Debug().Err(err).Str("ilk", ilk.Name).Msg("gem balance unavailable")
		return
	}
	inkd, err := p.src.GemDecimals(ctx, gem)
	if err != nil {
		p.log.Debug().Err(err).Str("ilk", ilk.Name).Msg("gem decimals unavailable")
		return
	}
	ilk.Tink, ilk.Inkd = tink, inkd
}

// collectEvents reads the state-change log up to block, newest first.
func (p *Pipeline) collectEvents(ctx context.Context, filter state.EventFilter, block uint64) ([]models.Event, error) {
	events, err := p.src.Events(ctx, filter.Act, block)
	if err != nil {
		return nil, fmt.Errorf("read %s events: %w", filter.Act, err)
	}
	return p.filterEvents(events, filter), nil
}

func (p *Pipeline) filterEvents(events []models.Event, filter state.EventFilter) []models.Event {
	out := make([]models.Event, 0, len(events))
	for i := range events {
		ev := &events[i]
		if ev.Act != filter.Act || (filter.Ilk != "" && ev.Ilk != filter.Ilk) {
			continue
		}
		out = append(out, ev.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Newer(&out[j]) })
	if p.opts.MaxEvents > 0 && len(out) > p.opts.MaxEvents {
		out = out[:p.opts.MaxEvents]
	}
	return out
}
