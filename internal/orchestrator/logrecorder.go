package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polychat/sandbox-worker/internal/events"
)

// logRecorder renders the event stream into the human-readable log returned
// in TaskResult.Logs, capped at a byte budget. Once the budget is hit the
// recorder drops further lines and appends a single truncation marker.
type logRecorder struct {
	mu        sync.Mutex
	b         strings.Builder
	budget    int
	truncated bool
}

func newLogRecorder(budget int) *logRecorder {
	return &logRecorder{budget: budget}
}

func (r *logRecorder) Emit(ev events.Event) {
	line := formatLogLine(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.truncated {
		return
	}
	if r.b.Len()+len(line) > r.budget {
		r.truncated = true
		r.b.WriteString("...(log truncated)\n")
		return
	}
	r.b.WriteString(line)
}

func (r *logRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.b.String()
}

func formatLogLine(ev events.Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.UTC().Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(ev.Type)

	keys := make([]string, 0, len(ev.Data))
	for k := range ev.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, compactValue(ev.Data[k]))
	}
	b.WriteByte('\n')
	return b.String()
}

func compactValue(v any) string {
	s := fmt.Sprint(v)
	s = strings.ReplaceAll(s, "\n", " ")
	const max = 200
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
