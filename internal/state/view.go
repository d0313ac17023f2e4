package state

// ViewKind selects what the presenter shows.
type ViewKind int

const (
	ViewUrns ViewKind = iota
	ViewIlks
	ViewMarket
	ViewPricing
	ViewEvents
)

var viewNames = map[ViewKind]string{
	ViewUrns:    "urns",
	ViewIlks:    "ilks",
	ViewMarket:  "mar/par",
	ViewPricing: "pricing",
	ViewEvents:  "events",
}

func (k ViewKind) String() string {
	if name, ok := viewNames[k]; ok {
		return name
	}
	return "unknown"
}

// EventFilter narrows the state-change log the pipeline fetches. Act is the
// changed field ("art"); an empty Ilk means every class.
type EventFilter struct {
	Act string
	Ilk string
}

// View is the presenter's selection state. The pipeline reads it at the
// start of each cycle to decide which optional data to fetch.
type View struct {
	Kind         ViewKind
	SelectedIlks []string
	Events       *EventFilter // nil when no events are requested
	ShowHelp     bool
}

// Clone returns a copy that shares nothing with v.
func (v View) Clone() View {
	out := v
	if v.SelectedIlks != nil {
		out.SelectedIlks = append([]string(nil), v.SelectedIlks...)
	}
	if v.Events != nil {
		f := *v.Events
		out.Events = &f
	}
	return out
}

// Selected reports whether ilk is currently selected.
func (v View) Selected(ilk string) bool {
	for _, s := range v.SelectedIlks {
		if s == ilk {
			return true
		}
	}
	return false
}

// ToggleIlk adds ilk to the selection, or removes it when already present.
func (v *View) ToggleIlk(ilk string) {
	for i, s := range v.SelectedIlks {
		if s == ilk {
			v.SelectedIlks = append(v.SelectedIlks[:i:i], v.SelectedIlks[i+1:]...)
			return
		}
	}
	v.SelectedIlks = append(v.SelectedIlks, ilk)
}
