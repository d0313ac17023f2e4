// Package console is the terminal presenter. It renders the latest snapshot
// as plain text tables and turns key presses into view changes; everything it
// shows comes from state.Store and all it writes back is the view selection.
package console

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/rewired-gh/vaultwatch/internal/logger"
	"github.com/rewired-gh/vaultwatch/internal/state"
)

const clearScreen = "\x1b[H\x1b[2J"

// Options configures what the console shows.
type Options struct {
	Name       string          // wallet label in the header
	Keys       map[rune]string // class selection keys
	PoolIlk    string
	SafetyWarn float64       // safety below this is highlighted; 0 disables
	MaxAge     time.Duration // snapshots older than this are flagged
	Refresh    time.Duration // redraw period for ages
}

// Console reads keys from in and draws frames to out.
type Console struct {
	store *state.Store
	in    io.Reader
	out   io.Writer
	opts  Options
	clear bool

	now func() time.Time
	log zerolog.Logger
}

// New creates a console over store.
func New(store *state.Store, in io.Reader, out io.Writer, opts Options) *Console {
	if opts.Refresh <= 0 {
		opts.Refresh = time.Second
	}
	return &Console{
		store: store,
		in:    in,
		out:   out,
		opts:  opts,
		now:   time.Now,
		log:   logger.GetForComponent("console"),
	}
}

// Run draws until ctx is done or the quit key is pressed. When in is a
// terminal it is switched to raw mode for the duration.
func (c *Console) Run(ctx context.Context) error {
	out := c.out
	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		old, err := term.MakeRaw(int(f.Fd()))
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer func() {
			if err := term.Restore(int(f.Fd()), old); err != nil {
				c.log.Error().Err(err).Msg("failed to restore terminal")
			}
		}()
		out = crlfWriter{w: c.out}
		c.clear = true
	}

	keys := make(chan rune)
	go c.readKeys(ctx, keys)

	ticker := time.NewTicker(c.opts.Refresh)
	defer ticker.Stop()

	c.draw(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case r, ok := <-keys:
			if !ok {
				// Input closed; keep drawing until cancelled.
				keys = nil
				continue
			}
			if c.HandleKey(r) {
				return nil
			}
			c.draw(out)
		case <-c.store.Changed():
			c.draw(out)
		case <-ticker.C:
			c.draw(out)
		}
	}
}

func (c *Console) readKeys(ctx context.Context, keys chan<- rune) {
	defer close(keys)
	r := bufio.NewReader(c.in)
	for {
		key, _, err := r.ReadRune()
		if err != nil {
			if err != io.EOF {
				c.log.Warn().Err(err).Msg("input closed")
			}
			return
		}
		select {
		case keys <- key:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Console) draw(out io.Writer) {
	var buf bytes.Buffer
	if c.clear {
		buf.WriteString(clearScreen)
	}
	Render(&buf, Frame{
		Snapshot: c.store.Snapshot(),
		View:     c.store.View(),
		Status:   c.store.Status(),
		Now:      c.now(),
	}, c.opts)
	if _, err := out.Write(buf.Bytes()); err != nil {
		c.log.Error().Err(err).Msg("failed to draw")
	}
}

// crlfWriter restores carriage returns that raw mode stops adding.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
