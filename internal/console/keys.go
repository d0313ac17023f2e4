package console

import (
	"github.com/rewired-gh/vaultwatch/internal/state"
)

// Control keys. config.ReservedKeys keeps class selection keys off them.
const (
	KeyQuit     = 'q'
	KeyClear    = 'c'
	KeyPop      = 'p'
	KeySettings = 's'
	KeyEvents   = 'f'
	KeyMarket   = '\\'
	KeyHelp     = '?'
	keyCtrlC    = 0x03
)

// HandleKey applies one key press to the view and reports whether the
// console should quit.
func (c *Console) HandleKey(r rune) bool {
	switch r {
	case KeyQuit, keyCtrlC:
		return true
	case KeyClear:
		c.store.UpdateView(func(v *state.View) {
			v.Kind = state.ViewUrns
			v.SelectedIlks = nil
			v.Events = nil
			v.ShowHelp = false
		})
	case KeyPop:
		c.store.UpdateView(func(v *state.View) {
			if n := len(v.SelectedIlks); n > 0 {
				v.SelectedIlks = v.SelectedIlks[:n-1]
			}
			if len(v.SelectedIlks) == 0 && v.Kind == state.ViewIlks {
				v.Kind = state.ViewUrns
			}
		})
	case KeySettings, KeyHelp:
		c.store.UpdateView(func(v *state.View) { v.ShowHelp = !v.ShowHelp })
	case KeyEvents:
		c.store.UpdateView(func(v *state.View) {
			if v.Events != nil {
				v.Events = nil
				v.Kind = state.ViewUrns
				return
			}
			v.Events = &state.EventFilter{Act: "art"}
			v.Kind = state.ViewEvents
		})
	case KeyMarket:
		c.store.UpdateView(func(v *state.View) {
			if v.Kind == state.ViewMarket {
				v.Kind = state.ViewPricing
			} else {
				v.Kind = state.ViewMarket
			}
		})
	default:
		ilk, ok := c.opts.Keys[r]
		if !ok {
			return false
		}
		c.store.UpdateView(func(v *state.View) {
			if v.Kind == state.ViewEvents && v.Events != nil {
				if v.Events.Ilk == ilk {
					v.Events.Ilk = ""
				} else {
					v.Events.Ilk = ilk
				}
				return
			}
			v.ToggleIlk(ilk)
			if len(v.SelectedIlks) > 0 {
				v.Kind = state.ViewIlks
			} else if v.Kind == state.ViewIlks {
				v.Kind = state.ViewUrns
			}
		})
	}
	return false
}
