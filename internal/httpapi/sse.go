package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/otel"
	"github.com/polychat/sandbox-worker/pkg/models"
)

// subscriber is one SSE connection, optionally filtered to a single run.
type subscriber struct {
	ch    chan []byte
	runID string // empty = all runs
}

// SSEHub fans run events out to connected clients. It implements events.Sink,
// so the orchestrator publishes into it directly.
type SSEHub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewSSEHub() *SSEHub {
	return &SSEHub{subs: make(map[*subscriber]struct{})}
}

func (h *SSEHub) subscribe(runID string) *subscriber {
	sub := &subscriber{ch: make(chan []byte, models.DefaultSSEChannelBuffer), runID: runID}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	otel.AddSSEConnection()
	return sub
}

func (h *SSEHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
		otel.RemoveSSEConnection()
	}
	h.mu.Unlock()
}

// Emit implements events.Sink. Slow subscribers drop events rather than
// applying backpressure to the run.
func (h *SSEHub) Emit(ev events.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	otel.RecordSSEEvent(context.Background())
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- b:
		default:
		}
	}
}

// Handler streams events as SSE. An optional run_id query parameter narrows
// the stream to one run.
func (h *SSEHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		sub := h.subscribe(r.URL.Query().Get("run_id"))
		defer h.unsubscribe(sub)

		// Initial ping so clients know the stream is live.
		_, _ = fmt.Fprintf(w, "data: %s\n\n", `{"type":"connected"}`)
		flusher.Flush()

		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				// Comment keepalive.
				_, _ = fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				_, _ = fmt.Fprintf(w, "data: %s\n\n", string(msg))
				flusher.Flush()
			}
		}
	}
}
