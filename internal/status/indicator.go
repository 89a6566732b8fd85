// Package status renders the session status as a single replacing indicator:
// the terminal title when attached to a tty, a "[status]" line otherwise.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/mattn/go-isatty"

	"bluetooth-serial/internal/connmgr"
)

// Indicator is a connmgr.StatusPresenter that remembers the latest text.
type Indicator struct {
	mu    sync.Mutex
	w     io.Writer
	title bool
	text  string
}

var _ connmgr.StatusPresenter = (*Indicator)(nil)

// New writes to w. When w is a terminal the status goes to its title bar.
func New(w io.Writer) *Indicator {
	ind := &Indicator{w: w}
	if f, ok := w.(*os.File); ok {
		ind.title = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return ind
}

// SetStatus replaces the indicator text. Repeating the current text writes
// nothing.
func (i *Indicator) SetStatus(text string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if text == i.text {
		return
	}
	i.text = text
	if i.w == nil {
		return
	}
	if i.title {
		fmt.Fprintf(i.w, "\x1b]0;btserial: %s\x07", text)
		return
	}
	fmt.Fprintf(i.w, "[status] %s\n", text)
}

// Current returns the latest text, or "" before the first SetStatus.
func (i *Indicator) Current() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.text
}

// Handler serves the current text as {"status": "..."}.
func (i *Indicator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": i.Current()})
	})
}
