package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce      sync.Once
	runsCounter          metric.Int64Counter
	runDuration          metric.Float64Histogram
	stepsCounter         metric.Int64Counter
	commandsCounter      metric.Int64Counter
	commandDuration      metric.Float64Histogram
	modelRequestsCounter metric.Int64Counter
	modelRequestDuration metric.Float64Histogram
	gateChecksCounter    metric.Int64Counter
	strategiesCounter    metric.Int64Counter
	sseEventsCounter     metric.Int64Counter
	sseConnectionsGauge  metric.Int64ObservableGauge
	sseConnections       int64
	sseConnectionsMu     sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times;
// only runs once. Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		runsCounter, err = m.Int64Counter("sandbox_worker_runs_total", metric.WithDescription("Total runs by outcome"))
		if err != nil {
			return
		}
		runDuration, err = m.Float64Histogram("sandbox_worker_run_duration_seconds", metric.WithDescription("Run duration in seconds"))
		if err != nil {
			return
		}
		stepsCounter, err = m.Int64Counter("sandbox_worker_agent_steps_total", metric.WithDescription("Total agent steps executed"))
		if err != nil {
			return
		}
		commandsCounter, err = m.Int64Counter("sandbox_worker_commands_total", metric.WithDescription("Total sandbox commands by status"))
		if err != nil {
			return
		}
		commandDuration, err = m.Float64Histogram("sandbox_worker_command_duration_seconds", metric.WithDescription("Sandbox command duration in seconds"))
		if err != nil {
			return
		}
		modelRequestsCounter, err = m.Int64Counter("sandbox_worker_model_requests_total", metric.WithDescription("Total model completion attempts"))
		if err != nil {
			return
		}
		modelRequestDuration, err = m.Float64Histogram("sandbox_worker_model_request_duration_seconds", metric.WithDescription("Model request duration in seconds"))
		if err != nil {
			return
		}
		gateChecksCounter, err = m.Int64Counter("sandbox_worker_quality_gate_checks_total", metric.WithDescription("Quality gate checks by status"))
		if err != nil {
			return
		}
		strategiesCounter, err = m.Int64Counter("sandbox_worker_prompt_strategies_total", metric.WithDescription("Prompt strategy selections by strategy"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("sandbox_worker_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("sandbox_worker_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordRun records a finished run with its outcome and error type.
func RecordRun(ctx context.Context, outcome, errorType string, duration time.Duration) {
	if runsCounter != nil {
		runsCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome), AttrErrorType.String(errorType)))
	}
	if runDuration != nil {
		runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordAgentStep records one agent loop step.
func RecordAgentStep(ctx context.Context, action string) {
	if stepsCounter != nil {
		stepsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

// RecordCommand records one sandbox command execution.
func RecordCommand(ctx context.Context, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	if commandsCounter != nil {
		commandsCounter.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
	}
	if commandDuration != nil {
		commandDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrStatus.String(status)))
	}
}

// RecordModelRequest records one completion attempt.
func RecordModelRequest(ctx context.Context, attempt int, ok bool, duration time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	if modelRequestsCounter != nil {
		modelRequestsCounter.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status), attribute.Int("attempt", attempt)))
	}
	if modelRequestDuration != nil {
		modelRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrStatus.String(status)))
	}
}

// RecordGateCheck records one quality-gate check result.
func RecordGateCheck(ctx context.Context, passed bool) {
	if gateChecksCounter == nil {
		return
	}
	status := "passed"
	if !passed {
		status = "failed"
	}
	gateChecksCounter.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// RecordStrategySelected records which prompt strategy a run resolved to.
func RecordStrategySelected(ctx context.Context, strategy string) {
	if strategiesCounter != nil {
		strategiesCounter.Add(ctx, 1, metric.WithAttributes(AttrStrategy.String(strategy)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection increments the SSE subscriber count.
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection decrements the SSE subscriber count.
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	sseConnectionsMu.Unlock()
}
