package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// Snapshot is the complete result of one polling cycle. It is built wholesale,
// published once and never mutated afterwards; readers receive clones.
type Snapshot struct {
	ID        string       `json:"id"`
	Urns      []Urn        `json:"urns"`
	Ilks      []Ilk        `json:"ilks"` // selected classes only
	Par       *uint256.Int `json:"par"`  // target price, RAY
	Mar       *uint256.Int `json:"mar"`  // market price, RAY
	Xau       *uint256.Int `json:"xau"`  // reference price, RAY
	Rates     Rates        `json:"rates"`
	Events    []Event      `json:"events"` // newest first
	Block     uint64       `json:"block"`
	BlockTime time.Time    `json:"block_time"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewPlaceholder returns the snapshot shown before the first cycle completes:
// one empty urn per monitored ilk and zeroed prices.
func NewPlaceholder(ilks []string) *Snapshot {
	s := &Snapshot{
		Urns:  make([]Urn, 0, len(ilks)),
		Par:   new(uint256.Int),
		Mar:   new(uint256.Int),
		Xau:   new(uint256.Int),
		Rates: Rates{Way: new(uint256.Int), How: new(uint256.Int)},
	}
	for _, ilk := range ilks {
		s.Urns = append(s.Urns, Urn{
			Ilk:   ilk,
			Ink:   new(uint256.Int),
			Art:   new(uint256.Int),
			Debt:  new(uint256.Int),
			Loan:  new(uint256.Int),
			Value: new(uint256.Int),
		})
	}
	return s
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		ID:        s.ID,
		Par:       cloneInt(s.Par),
		Mar:       cloneInt(s.Mar),
		Xau:       cloneInt(s.Xau),
		Rates:     s.Rates.Clone(),
		Block:     s.Block,
		BlockTime: s.BlockTime,
		CreatedAt: s.CreatedAt,
	}
	if s.Urns != nil {
		out.Urns = make([]Urn, len(s.Urns))
		for i := range s.Urns {
			out.Urns[i] = s.Urns[i].Clone()
		}
	}
	if s.Ilks != nil {
		out.Ilks = make([]Ilk, len(s.Ilks))
		for i := range s.Ilks {
			out.Ilks[i] = s.Ilks[i].Clone()
		}
	}
	if s.Events != nil {
		out.Events = make([]Event, len(s.Events))
		for i := range s.Events {
			out.Events[i] = s.Events[i].Clone()
		}
	}
	return out
}

// Urn returns the urn for an ilk.
func (s *Snapshot) Urn(ilk string) (Urn, bool) {
	for i := range s.Urns {
		if s.Urns[i].Ilk == ilk {
			return s.Urns[i], true
		}
	}
	return Urn{}, false
}

// StaleUrns counts urns carried over from an earlier cycle.
func (s *Snapshot) StaleUrns() int {
	n := 0
	for i := range s.Urns {
		if s.Urns[i].Stale {
			n++
		}
	}
	return n
}

// Validate checks that the snapshot is complete enough to publish.
func (s *Snapshot) Validate() error {
	if s.ID == "" {
		return errors.New("snapshot ID must not be empty")
	}
	if s.Par == nil || s.Mar == nil {
		return errors.New("snapshot prices must be set")
	}
	if s.CreatedAt.IsZero() {
		return errors.New("snapshot creation time must be set")
	}
	for i := range s.Urns {
		if err := s.Urns[i].Validate(); err != nil {
			return fmt.Errorf("urn %s: %w", s.Urns[i].Ilk, err)
		}
	}
	for i := 1; i < len(s.Events); i++ {
		if s.Events[i].Newer(&s.Events[i-1]) {
			return errors.New("events must be ordered newest first")
		}
	}
	return nil
}
