package telegram

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rewired-gh/vaultwatch/internal/logger"
	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/state"
)

// Sender delivers a formatted message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// CycleSource exposes what the notifier reads after each cycle.
type CycleSource interface {
	Snapshot() *models.Snapshot
	Status() state.Status
}

// CycleResult is one cycle's outcome together with the store contents it
// left behind, captured before the cycle is queued for alerting.
type CycleResult struct {
	Err      error
	Status   state.Status
	Snapshot *models.Snapshot
}

// Notifier turns cycle outcomes into alerts. HandleCycle calls are
// serialised.
type Notifier struct {
	sender    Sender
	src       CycleSource
	name      string
	threshold float64

	mu        sync.Mutex
	failStart time.Time
	failures  int
	low       map[string]bool

	log zerolog.Logger
}

// NewNotifier creates a notifier for the wallet called name. A zero threshold
// disables safety alerts.
func NewNotifier(sender Sender, src CycleSource, name string, threshold float64) *Notifier {
	return &Notifier{
		sender:    sender,
		src:       src,
		name:      name,
		threshold: threshold,
		low:       make(map[string]bool),
		log:       logger.GetForComponent("telegram"),
	}
}

// Capture records the outcome of the cycle that just finished. It must run
// on the goroutine that finished the cycle, before the next one starts.
func (n *Notifier) Capture(cycleErr error) CycleResult {
	return CycleResult{Err: cycleErr, Status: n.src.Status(), Snapshot: n.src.Snapshot()}
}

// HandleCycle turns a captured cycle outcome into alerts.
func (n *Notifier) HandleCycle(ctx context.Context, res CycleResult) {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := res.Status
	if res.Err != nil {
		if n.failures == 0 {
			n.failStart = status.LastErrorAt
			n.send(ctx, formatFailure(n.name, res.Err, status.LastErrorAt))
		}
		n.failures++
		return
	}

	if n.failures > 0 {
		n.send(ctx, formatRecovery(n.name, n.failures, status.LastSuccess.Sub(n.failStart)))
		n.failures = 0
	}

	if n.threshold > 0 && res.Snapshot != nil {
		n.checkSafety(ctx, res.Snapshot)
	}
}

// checkSafety alerts once for every urn that drops under the threshold and
// re-arms when it climbs back. Stale urns and urns without debt are skipped.
func (n *Notifier) checkSafety(ctx context.Context, snap *models.Snapshot) {
	var fresh []models.Urn
	for _, u := range snap.Urns {
		if u.Stale {
			continue
		}
		below := u.Loan != nil && !u.Loan.IsZero() && u.Safety < n.threshold
		if below && !n.low[u.Ilk] {
			fresh = append(fresh, u)
		}
		n.low[u.Ilk] = below
	}
	if len(fresh) == 0 {
		return
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].Safety < fresh[j].Safety })
	n.send(ctx, formatLowSafety(n.name, fresh, n.threshold))
}

func (n *Notifier) send(ctx context.Context, text string) {
	if err := n.sender.Send(ctx, text); err != nil {
		n.log.Error().Err(err).Msg("failed to send alert")
	}
}
