// Package models defines the domain entities of vaultwatch: collateral class
// parameters, vault positions with their derived metrics, state-change events
// and the snapshot that bundles one polling cycle for the presentation layer.
// Entities carry their own validation and deep-copy helpers so a published
// snapshot can be handed out without sharing mutable state.
//
// Terminology (matching the protocol's own naming):
//   - Ilk: a collateral class with its own rate and ceiling parameters.
//   - Urn: one owner's collateral and debt position within an ilk.
package models

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a decoded NewPalm2 log, emitted by the vat whenever a per-urn
// value such as art changes.
type Event struct {
	BlockNumber uint64         `json:"block_number"`
	LogIndex    uint           `json:"log_index"`
	Act         string         `json:"act"` // changed attribute, e.g. "art"
	Ilk         string         `json:"ilk"`
	Usr         common.Address `json:"usr"`
	Val         *big.Int       `json:"val"` // new value, signed 256-bit
}

// Clone returns a deep copy of the event.
func (e *Event) Clone() Event {
	out := *e
	if e.Val != nil {
		out.Val = new(big.Int).Set(e.Val)
	}
	return out
}

// Validate checks that the event carries its identifying fields.
func (e *Event) Validate() error {
	if e.Act == "" {
		return errors.New("event act must not be empty")
	}
	if e.Val == nil {
		return errors.New("event value must not be nil")
	}
	return nil
}

// Newer reports whether e was emitted after o.
func (e *Event) Newer(o *Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber > o.BlockNumber
	}
	return e.LogIndex > o.LogIndex
}
