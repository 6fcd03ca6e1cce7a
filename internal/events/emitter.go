package events

import (
	"log/slog"
	"time"
)

// Emitter stamps run ID and timestamp onto events before pushing them to the
// configured sink. One emitter per run.
type Emitter struct {
	RunID string
	Sink  Sink
}

// NewEmitter returns an emitter for the run. A nil sink discards events.
func NewEmitter(runID string, sink Sink) *Emitter {
	if sink == nil {
		sink = Discard
	}
	return &Emitter{RunID: runID, Sink: sink}
}

// Emit pushes one event of the given type with the given payload.
func (e *Emitter) Emit(eventType string, data map[string]any) {
	e.Sink.Emit(Event{
		Type:      eventType,
		RunID:     e.RunID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// SlogSink logs every event at debug level. Terminal events are logged at
// info so operators see run outcomes without raising verbosity.
type SlogSink struct {
	Logger *slog.Logger
}

func (s *SlogSink) Emit(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"run_id", ev.RunID}
	for k, v := range ev.Data {
		attrs = append(attrs, k, v)
	}
	switch ev.Type {
	case TaskCancelled, TaskFailed, AgentFinished:
		logger.Info(ev.Type, attrs...)
	default:
		logger.Debug(ev.Type, attrs...)
	}
}
