package models

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func TestUrnValidate(t *testing.T) {
	tests := []struct {
		name    string
		urn     Urn
		wantErr bool
	}{
		{
			name:    "valid urn",
			urn:     Urn{Ilk: "weth", Loan: uint256.NewInt(10), Safety: 1.5},
			wantErr: false,
		},
		{
			name:    "zero loan zero safety",
			urn:     Urn{Ilk: "weth", Loan: uint256.NewInt(0), Safety: 0},
			wantErr: false,
		},
		{
			name:    "empty ilk",
			urn:     Urn{Safety: 1},
			wantErr: true,
		},
		{
			name:    "NaN safety",
			urn:     Urn{Ilk: "weth", Safety: math.NaN()},
			wantErr: true,
		},
		{
			name:    "infinite safety",
			urn:     Urn{Ilk: "weth", Safety: math.Inf(1)},
			wantErr: true,
		},
		{
			name:    "negative safety",
			urn:     Urn{Ilk: "weth", Safety: -0.5},
			wantErr: true,
		},
		{
			name:    "zero loan non-zero safety",
			urn:     Urn{Ilk: "weth", Loan: uint256.NewInt(0), Safety: 2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.urn.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUrnCloneIsDeep(t *testing.T) {
	u := Urn{
		Ilk:         ":uninft",
		Ink:         uint256.NewInt(5),
		PositionIDs: []*uint256.Int{uint256.NewInt(1), uint256.NewInt(2)},
		Art:         uint256.NewInt(7),
	}
	c := u.Clone()
	c.Ink.SetUint64(99)
	c.PositionIDs[0].SetUint64(42)
	c.Art.SetUint64(0)

	if u.Ink.Uint64() != 5 {
		t.Errorf("clone shares ink: %d", u.Ink.Uint64())
	}
	if u.PositionIDs[0].Uint64() != 1 {
		t.Errorf("clone shares position ids: %d", u.PositionIDs[0].Uint64())
	}
	if u.Art.Uint64() != 7 {
		t.Errorf("clone shares art: %d", u.Art.Uint64())
	}
	if c.Debt != nil {
		t.Error("nil field should stay nil")
	}
}

func TestSnapshotCloneIsDeep(t *testing.T) {
	s := NewPlaceholder([]string{"weth", ":uninft"})
	s.ID = "snap-1"
	s.CreatedAt = time.Now()
	s.Ilks = []Ilk{{Name: "weth", Rack: uint256.NewInt(3)}}
	s.Events = []Event{{BlockNumber: 10, Act: "art", Val: big.NewInt(-4)}}

	c := s.Clone()
	c.Par.SetUint64(8)
	c.Urns[0].Ink.SetUint64(8)
	c.Ilks[0].Rack.SetUint64(8)
	c.Events[0].Val.SetInt64(8)

	if !s.Par.IsZero() || !s.Urns[0].Ink.IsZero() {
		t.Error("clone shares prices or urns")
	}
	if s.Ilks[0].Rack.Uint64() != 3 {
		t.Error("clone shares ilks")
	}
	if s.Events[0].Val.Int64() != -4 {
		t.Error("clone shares events")
	}
	if (*Snapshot)(nil).Clone() != nil {
		t.Error("nil clone should be nil")
	}
}

func TestSnapshotValidate(t *testing.T) {
	valid := func() *Snapshot {
		s := NewPlaceholder([]string{"weth"})
		s.ID = "snap-1"
		s.CreatedAt = time.Now()
		return s
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid snapshot: %v", err)
	}

	s := valid()
	s.ID = ""
	if s.Validate() == nil {
		t.Error("expected error for empty ID")
	}

	s = valid()
	s.Urns[0].Safety = math.Inf(1)
	if s.Validate() == nil {
		t.Error("expected error for infinite safety")
	}

	s = valid()
	s.Events = []Event{
		{BlockNumber: 5, Act: "art", Val: big.NewInt(1)},
		{BlockNumber: 9, Act: "art", Val: big.NewInt(1)},
	}
	if s.Validate() == nil {
		t.Error("expected error for oldest-first events")
	}
}

func TestSnapshotLookup(t *testing.T) {
	s := NewPlaceholder([]string{"weth", ":uninft"})
	s.Urns[1].Stale = true

	if _, ok := s.Urn(":uninft"); !ok {
		t.Error("expected :uninft urn")
	}
	if _, ok := s.Urn("wbtc"); ok {
		t.Error("unexpected wbtc urn")
	}
	if s.StaleUrns() != 1 {
		t.Errorf("StaleUrns() = %d, want 1", s.StaleUrns())
	}
}

func TestEventNewer(t *testing.T) {
	a := Event{BlockNumber: 10, LogIndex: 2}
	b := Event{BlockNumber: 10, LogIndex: 1}
	c := Event{BlockNumber: 9, LogIndex: 7}
	if !a.Newer(&b) || !b.Newer(&c) || c.Newer(&a) {
		t.Error("Newer ordering is wrong")
	}
}
