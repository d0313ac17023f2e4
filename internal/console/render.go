package console

import (
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/rewired-gh/vaultwatch/internal/accrual"
	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/state"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

// Frame is everything one redraw needs, copied out of the store.
type Frame struct {
	Snapshot *models.Snapshot
	View     state.View
	Status   state.Status
	Now      time.Time
}

var (
	warn  = color.New(color.FgRed, color.Bold).SprintFunc()
	faint = color.New(color.Faint).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

// Render writes one frame as plain text.
func Render(w io.Writer, f Frame, opts Options) {
	renderHeader(w, f, opts)

	if f.Snapshot == nil || f.Snapshot.ID == "" {
		fmt.Fprintln(w, faint("waiting for the first snapshot..."))
	}
	if f.Snapshot != nil {
		renderUrns(w, f.Snapshot, opts)

		switch f.View.Kind {
		case state.ViewIlks:
			renderIlks(w, f.Snapshot, f.View, f.Now)
		case state.ViewMarket:
			renderMarket(w, f.Snapshot, f.Now)
		case state.ViewPricing:
			renderPricing(w, f.Snapshot)
		case state.ViewEvents:
			renderEvents(w, f.Snapshot, f.View)
		}
	}

	if f.View.ShowHelp {
		renderHelp(w, opts)
	}
	renderFooter(w, f.View, opts)
}

func renderHeader(w io.Writer, f Frame, opts Options) {
	line := bold("vaultwatch") + " | " + opts.Name
	if s := f.Snapshot; s != nil && s.ID != "" {
		line += fmt.Sprintf(" | block %s (%s)", humanize.Comma(int64(s.Block)), s.BlockTime.UTC().Format("2006-01-02 15:04:05 MST"))
		line += " | refreshed " + humanize.RelTime(s.CreatedAt, f.Now, "ago", "from now")
	}
	fmt.Fprintln(w, line)

	st := f.Status
	if st.ConsecutiveFailures > 0 {
		fmt.Fprintln(w, warn(fmt.Sprintf("! %d failed %s since the last snapshot: %s",
			st.ConsecutiveFailures, plural(st.ConsecutiveFailures, "cycle", "cycles"), st.LastError)))
	}
	if opts.MaxAge > 0 && !st.LastSuccess.IsZero() && f.Now.Sub(st.LastSuccess) > opts.MaxAge {
		fmt.Fprintln(w, warn("! snapshot is older than "+opts.MaxAge.String()))
	}
	fmt.Fprintln(w)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoFormatHeaders(true)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	t.SetHeaderLine(false)
	t.SetColumnSeparator("")
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetAlignment(tablewriter.ALIGN_RIGHT)
	t.SetHeaderAlignment(tablewriter.ALIGN_RIGHT)
	return t
}

func renderUrns(w io.Writer, s *models.Snapshot, opts Options) {
	fmt.Fprintln(w, bold("urns"))
	t := newTable(w, "ilk", "ink", "art", "debt", "loan", "value", "safety")
	for _, u := range s.Urns {
		name := u.Ilk
		if u.Stale {
			name += " (stale)"
		}
		ink := wad(u.Ink)
		if u.Ilk == opts.PoolIlk && len(u.PositionIDs) > 0 {
			ids := make([]string, len(u.PositionIDs))
			for i, id := range u.PositionIDs {
				ids[i] = "#" + id.Dec()
			}
			ink = strings.Join(ids, ", ")
		}
		t.Append([]string{name, ink, wad(u.Art), wad(u.Debt), wad(u.Loan), wad(u.Value), safety(u, opts.SafetyWarn)})
	}
	t.Render()

	for _, u := range s.Urns {
		if u.Err != "" {
			fmt.Fprintln(w, faint(fmt.Sprintf("  %s: %s", u.Ilk, u.Err)))
		}
	}
	fmt.Fprintln(w)
}

func safety(u models.Urn, threshold float64) string {
	if u.Loan == nil || u.Loan.IsZero() {
		return "-"
	}
	out := fmt.Sprintf("%.5f", u.Safety)
	if threshold > 0 && u.Safety < threshold {
		return warn(out)
	}
	return out
}

func renderIlks(w io.Writer, s *models.Snapshot, v state.View, now time.Time) {
	fmt.Fprintln(w, bold("ilks"))
	t := newTable(w, "ilk", "tart", "rack", "fee apr", "fee apy", "dust", "line", "chop", "rho", "tink")
	for _, ilk := range s.Ilks {
		if !v.Selected(ilk.Name) {
			continue
		}
		t.Append([]string{
			ilk.Name,
			wad(ilk.Tart),
			scaled(ilk.Rack, 27, 9),
			pct(ilk.Fee, units.SimpleAPR),
			pct(ilk.Fee, units.CompoundAPY),
			scaled(ilk.Dust, 45, 2),
			scaled(ilk.Line, 45, 0),
			scaled(ilk.Chop, 27, 4),
			humanize.RelTime(ilk.RhoTime(), now, "ago", "from now"),
			telemetry(ilk),
		})
	}
	t.Render()
	fmt.Fprintln(w)
}

func telemetry(ilk models.Ilk) string {
	if ilk.Tink == nil {
		return "-"
	}
	places := int32(18)
	if ilk.Inkd != nil && ilk.Inkd.IsUint64() {
		places = int32(ilk.Inkd.Uint64())
	}
	return units.ToDecimal(ilk.Tink, places).StringFixed(4)
}

func renderMarket(w io.Writer, s *models.Snapshot, now time.Time) {
	fmt.Fprintln(w, bold("mar/par"))
	fmt.Fprintf(w, "  par: %s\n", scaled(s.Par, 27, 9))
	fmt.Fprintf(w, "  mar: %s\n", scaled(s.Mar, 27, 9))

	way := s.Rates.Way
	if way == nil || s.Par == nil || s.Mar == nil {
		fmt.Fprintln(w)
		return
	}
	rate := pct(way, units.CompoundAPY)
	switch s.Mar.Cmp(s.Par) {
	case 1:
		fmt.Fprintf(w, "  msg: mar > par, price rate is decreasing (currently %s)\n", rate)
	case -1:
		fmt.Fprintf(w, "  msg: mar < par, price rate is increasing (currently %s)\n", rate)
	default:
		fmt.Fprintf(w, "  msg: mar = par, price rate is stable (currently %s)\n", rate)
	}

	poked := time.Unix(int64(s.Rates.Tau), 0)
	line := "  last poke: " + humanize.RelTime(poked, now, "ago", "from now")
	if s.Rates.How != nil && !s.Rates.How.IsZero() {
		next, err := accrual.ProjectWay(way, s.Rates.How, s.Mar, s.Par, accrual.Elapsed(s.Rates.Tau, now))
		if err == nil {
			line += fmt.Sprintf(" (would be %s)", pct(next, units.CompoundAPY))
		}
	}
	fmt.Fprintln(w, line)
	fmt.Fprintln(w)
}

func renderPricing(w io.Writer, s *models.Snapshot) {
	fmt.Fprintln(w, bold("pricing"))
	if s.Xau == nil || s.Xau.IsZero() {
		fmt.Fprintln(w, "  reference price unavailable")
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "  mar: ~%s USD\n", usd(s.Mar, s.Xau))
	fmt.Fprintf(w, "  par: ~%s USD\n", usd(s.Par, s.Xau))
	fmt.Fprintf(w, "  xau: ~%s USD\n", scaled(s.Xau, 27, 6))
	fmt.Fprintln(w)
}

// usd converts a RAY price quoted in the reference unit to dollars.
func usd(p, xau *uint256.Int) string {
	if p == nil {
		return "-"
	}
	v, err := units.RMul(p, xau)
	if err != nil {
		return "overflow"
	}
	return scaled(v, 27, 6)
}

func renderEvents(w io.Writer, s *models.Snapshot, v state.View) {
	title := "events"
	if v.Events != nil {
		title += " (" + v.Events.Act
		if v.Events.Ilk != "" {
			title += ", " + v.Events.Ilk
		}
		title += ")"
	}
	fmt.Fprintln(w, bold(title))
	if len(s.Events) == 0 {
		fmt.Fprintln(w, faint("  no events"))
		fmt.Fprintln(w)
		return
	}
	t := newTable(w, "block", "ilk", "usr", "act", "val")
	for _, e := range s.Events {
		t.Append([]string{
			humanize.Comma(int64(e.BlockNumber)),
			e.Ilk,
			shortAddr(e.Usr.Hex()),
			e.Act,
			signedWad(e.Val),
		})
	}
	t.Render()
	fmt.Fprintln(w)
}

func renderHelp(w io.Writer, opts Options) {
	fmt.Fprintln(w, bold("settings"))
	fmt.Fprintf(w, "  pool ilk: %s\n", opts.PoolIlk)
	if opts.SafetyWarn > 0 {
		fmt.Fprintf(w, "  safety warning below: %.3f\n", opts.SafetyWarn)
	}
	if opts.MaxAge > 0 {
		fmt.Fprintf(w, "  stale after: %s\n", opts.MaxAge)
	}
	fmt.Fprintln(w)
}

func renderFooter(w io.Writer, v state.View, opts Options) {
	fmt.Fprintf(w, "view: %s", v.Kind)
	if len(v.SelectedIlks) > 0 {
		fmt.Fprintf(w, " [%s]", strings.Join(v.SelectedIlks, ", "))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, faint(`keys: q quit  c clear  p pop ilk  f events  \ mar/par or pricing  s settings`))
	if len(opts.Keys) > 0 {
		fmt.Fprintln(w, faint("ilks: "+shortcuts(opts.Keys)))
	}
}

func shortcuts(keys map[rune]string) string {
	runes := make([]rune, 0, len(keys))
	for r := range keys {
		runes = append(runes, r)
	}
	sort.Slice(runes, func(i, j int) bool { return runes[i] < runes[j] })
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = fmt.Sprintf("%c %s", r, keys[r])
	}
	return strings.Join(parts, "  ")
}

func wad(x *uint256.Int) string {
	return scaled(x, 18, 4)
}

func scaled(x *uint256.Int, places, shown int32) string {
	if x == nil {
		return "-"
	}
	return units.ToDecimal(x, places).StringFixed(shown)
}

func signedWad(x *big.Int) string {
	if x == nil {
		return "-"
	}
	return decimal.NewFromBigInt(x, -18).StringFixed(4)
}

func pct(x *uint256.Int, annualise func(*uint256.Int) float64) string {
	if x == nil || x.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%.4f%%", annualise(x))
}

func shortAddr(hex string) string {
	if len(hex) < 10 {
		return hex
	}
	return hex[:6] + "..." + hex[len(hex)-4:]
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
