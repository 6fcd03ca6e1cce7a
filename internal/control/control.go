// Package control implements cooperative run control: a local abort flag, an
// advisory wall-clock timeout, and remote pause/resume/cancel via a polled
// control endpoint. The only suspension point in a run is Checkpoint, called
// around cloning, every command, every quality-gate check, and before commit.
package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/polychat/sandbox-worker/internal/events"
	"github.com/polychat/sandbox-worker/internal/taskerr"
	"github.com/polychat/sandbox-worker/pkg/models"
)

// Checkpoint is the suspension-point function threaded through every
// suspend-capable call. It returns nil to continue, or a cancellation or
// timeout error that terminates the run.
type Checkpoint func(ctx context.Context, message string) error

// Fetcher retrieves the remote control state for a run.
type Fetcher interface {
	Fetch(ctx context.Context) (models.RunControl, error)
}

// Default polling cadence while paused.
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultPauseHeartbeat    = 30 * time.Second
	defaultFetchPollInterval = DefaultPollInterval
)

// Options configures a Controller. Fetcher may be nil when the run has no
// remote control endpoint.
type Options struct {
	Timeout        time.Duration // 0 = no wall-clock limit
	Fetcher        Fetcher
	Emitter        *events.Emitter
	PollInterval   time.Duration // while paused; defaults to 2s
	PauseHeartbeat time.Duration // pause heartbeat cadence; defaults to 30s
}

// Controller evaluates cancellation, timeout, and remote control state at
// each checkpoint. Safe for use from a single run goroutine; Abort may be
// called from any goroutine.
type Controller struct {
	mu          sync.Mutex
	aborted     bool
	abortReason string

	start          time.Time
	timeout        time.Duration
	fetcher        Fetcher
	emitter        *events.Emitter
	pollInterval   time.Duration
	pauseHeartbeat time.Duration
}

// New returns a controller whose wall clock starts now.
func New(opts Options) *Controller {
	c := &Controller{
		start:          time.Now(),
		timeout:        opts.Timeout,
		fetcher:        opts.Fetcher,
		emitter:        opts.Emitter,
		pollInterval:   opts.PollInterval,
		pauseHeartbeat: opts.PauseHeartbeat,
	}
	if c.emitter == nil {
		c.emitter = events.NewEmitter("", nil)
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.pauseHeartbeat <= 0 {
		c.pauseHeartbeat = DefaultPauseHeartbeat
	}
	return c
}

// Abort raises the local abort flag; the next checkpoint fails with a
// cancellation error.
func (c *Controller) Abort(reason string) {
	c.mu.Lock()
	c.aborted = true
	c.abortReason = reason
	c.mu.Unlock()
}

func (c *Controller) abortedState() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted, c.abortReason
}

func (c *Controller) checkLocal(ctx context.Context) error {
	if aborted, reason := c.abortedState(); aborted {
		return &taskerr.CancellationError{Reason: reason}
	}
	if ctx.Err() != nil {
		return &taskerr.CancellationError{Reason: ctx.Err().Error()}
	}
	if c.timeout > 0 {
		if elapsed := time.Since(c.start); elapsed >= c.timeout {
			return &taskerr.TimeoutError{Limit: c.timeout, Elapsed: elapsed}
		}
	}
	return nil
}

// Checkpoint evaluates local abort, wall-clock timeout, and (when configured)
// the remote control endpoint. Remote "paused" blocks in a fixed-interval
// polling loop that keeps re-checking local state. Transient fetch failures
// are swallowed: with checkpoints this frequent, availability wins over
// strict consistency.
func (c *Controller) Checkpoint(ctx context.Context, message string) error {
	if err := c.checkLocal(ctx); err != nil {
		return err
	}
	if c.fetcher == nil {
		return nil
	}

	state, err := c.fetcher.Fetch(ctx)
	if err != nil {
		slog.Debug("run control poll failed; continuing", "checkpoint", message, "err", err)
		return nil
	}
	switch state.State {
	case models.RunStateCancelled:
		return &taskerr.CancellationError{Reason: state.Reason}
	case models.RunStatePaused:
		return c.waitWhilePaused(ctx, message, state.Reason)
	default:
		return nil
	}
}

func (c *Controller) waitWhilePaused(ctx context.Context, message, reason string) error {
	c.emitter.Emit(events.RunPaused, map[string]any{"checkpoint": message, "reason": reason})
	pausedSince := time.Now()
	lastHeartbeat := pausedSince

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &taskerr.CancellationError{Reason: ctx.Err().Error()}
		case <-ticker.C:
		}
		if err := c.checkLocal(ctx); err != nil {
			return err
		}
		state, err := c.fetcher.Fetch(ctx)
		if err != nil {
			slog.Debug("run control poll failed while paused; continuing", "err", err)
			continue
		}
		switch state.State {
		case models.RunStateCancelled:
			return &taskerr.CancellationError{Reason: state.Reason}
		case models.RunStatePaused:
			if time.Since(lastHeartbeat) >= c.pauseHeartbeat {
				lastHeartbeat = time.Now()
				c.emitter.Emit(events.RunPaused, map[string]any{
					"checkpoint": message,
					"heartbeat":  true,
					"paused_for": time.Since(pausedSince).Round(time.Second).String(),
				})
			}
		default:
			c.emitter.Emit(events.RunResumed, map[string]any{
				"checkpoint": message,
				"paused_for": time.Since(pausedSince).Round(time.Second).String(),
			})
			return nil
		}
	}
}
