package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/polychat/sandbox-worker/internal/events"
)

// eventPrinter renders the run's event stream as one line per event. It
// writes to stderr so stdout stays clean for the result.
type eventPrinter struct {
	mu  sync.Mutex
	w   io.Writer
	dim *color.Color
	key *color.Color
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{
		w:   w,
		dim: color.New(color.Faint),
		key: color.New(color.FgCyan),
	}
}

func (p *eventPrinter) Emit(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = p.key.Fprintf(p.w, "%-28s", ev.Type)
	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = p.dim.Fprintf(p.w, " %s=%s", k, oneLine(fmt.Sprint(ev.Data[k])))
	}
	_, _ = fmt.Fprintln(p.w)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

// printDiff writes a unified diff with the usual add/remove coloring.
func printDiff(w io.Writer, diff string) {
	add := color.New(color.FgGreen)
	del := color.New(color.FgRed)
	hdr := color.New(color.FgCyan)
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "diff --git"), strings.HasPrefix(line, "@@"):
			_, _ = hdr.Fprintln(w, line)
		case strings.HasPrefix(line, "+"):
			_, _ = add.Fprintln(w, line)
		case strings.HasPrefix(line, "-"):
			_, _ = del.Fprintln(w, line)
		default:
			_, _ = fmt.Fprintln(w, line)
		}
	}
}
