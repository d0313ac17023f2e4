// Package state is the boundary between the snapshot pipeline and the
// presenter.
//
// It holds two independently locked values: the presenter's View, changed
// only through UpdateView, and the latest Snapshot, replaced whole by
// Publish. Locks are held only long enough to copy or swap a value, so
// neither side ever waits on the other's network calls or rendering.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rewired-gh/vaultwatch/internal/models"
)

// Status describes the outcome of recent cycles.
type Status struct {
	LastSuccess         time.Time // CreatedAt of the published snapshot
	LastError           string
	LastErrorAt         time.Time
	ConsecutiveFailures int
}

// Store holds the view selection and the latest snapshot.
type Store struct {
	viewMu sync.RWMutex
	view   View

	snapMu   sync.RWMutex
	snapshot *models.Snapshot
	status   Status

	changed chan struct{}
}

// New creates a store showing placeholder until the first Publish. The
// placeholder does not count as a successful snapshot.
func New(placeholder *models.Snapshot, view View) *Store {
	if placeholder == nil {
		placeholder = models.NewPlaceholder(nil)
	}
	return &Store{
		view:     view.Clone(),
		snapshot: placeholder.Clone(),
		changed:  make(chan struct{}, 1),
	}
}

// View returns a copy of the view selection.
func (s *Store) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view.Clone()
}

// UpdateView applies fn to the view selection under the view lock. fn must
// not block.
func (s *Store) UpdateView(fn func(*View)) {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	fn(&s.view)
}

// Snapshot returns a deep copy of the latest snapshot.
func (s *Store) Snapshot() *models.Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshot.Clone()
}

// Publish validates snap and replaces the current snapshot with a copy of
// it. The caller may keep using snap afterwards.
func (s *Store) Publish(snap *models.Snapshot) error {
	if snap == nil {
		return errors.New("nil snapshot")
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	next := snap.Clone()

	s.snapMu.Lock()
	s.snapshot = next
	s.status.LastSuccess = next.CreatedAt
	s.status.ConsecutiveFailures = 0
	s.snapMu.Unlock()

	s.notify()
	return nil
}

// RecordFailure notes a failed cycle. The current snapshot and its success
// time are left untouched.
func (s *Store) RecordFailure(err error, at time.Time) {
	if err == nil {
		return
	}
	s.snapMu.Lock()
	s.status.LastError = err.Error()
	s.status.LastErrorAt = at
	s.status.ConsecutiveFailures++
	s.snapMu.Unlock()

	s.notify()
}

// Status returns the outcome of recent cycles.
func (s *Store) Status() Status {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.status
}

// Age returns how old the last successful snapshot is at now. ok is false
// until the first Publish.
func (s *Store) Age(now time.Time) (age time.Duration, ok bool) {
	s.snapMu.RLock()
	last := s.status.LastSuccess
	s.snapMu.RUnlock()
	if last.IsZero() {
		return 0, false
	}
	if now.Before(last) {
		return 0, true
	}
	return now.Sub(last), true
}

// Changed returns a channel that receives a value after the store changes.
// Signals coalesce: a reader that falls behind sees one pending signal, and
// must call Snapshot or Status for the data itself.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
