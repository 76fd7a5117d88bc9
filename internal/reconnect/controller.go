// Package reconnect owns connection liveness for the session core: the
// periodic heartbeat once a lobby or game session is active, and the bounded
// linear-backoff reconnection loop both transports share.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thehijacker/dicesoccer-sub001/internal/logging"
)

// State mirrors the transport connection lifecycle. The controller is the
// only writer; the session state machine reads it.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

// String renders the state for logs.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ErrRetryBudgetExhausted reports that the bounded reconnect policy gave up.
// The session must be abandoned and the player returned to the lobby entry.
var ErrRetryBudgetExhausted = errors.New("reconnect attempt budget exhausted")

// Options tunes the controller. Zero values fall back to the documented defaults.
type Options struct {
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxAttempts       int
	Logger            *logging.Logger
	// Sleep is replaced in tests to avoid waiting on real timers.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller drives heartbeats and reconnection with a uniform bounded policy.
type Controller struct {
	heartbeatInterval time.Duration
	base              time.Duration
	max               time.Duration
	maxAttempts       int
	logger            *logging.Logger
	sleep             func(ctx context.Context, d time.Duration) error

	state atomic.Int32

	mu         sync.Mutex
	beatActive atomic.Bool
	beatCancel context.CancelFunc
	beatDone   chan struct{}
	beatMisses int
}

// New constructs a controller with the supplied options.
func New(opts Options) *Controller {
	c := &Controller{
		heartbeatInterval: opts.HeartbeatInterval,
		base:              opts.BackoffBase,
		max:               opts.BackoffMax,
		maxAttempts:       opts.MaxAttempts,
		logger:            opts.Logger,
		sleep:             opts.Sleep,
	}
	if c.heartbeatInterval <= 0 {
		c.heartbeatInterval = 30 * time.Second
	}
	if c.base <= 0 {
		c.base = 5 * time.Second
	}
	if c.max <= 0 {
		c.max = 30 * time.Second
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 12
	}
	if c.logger == nil {
		c.logger = logging.NewTestLogger()
	}
	if c.sleep == nil {
		c.sleep = sleepCtx
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the current connection state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	if State(c.state.Swap(int32(s))) != s {
		c.logger.Debug("connection state changed", logging.String("state", s.String()))
	}
}

// MarkConnecting flags the initial connect in progress.
func (c *Controller) MarkConnecting() { c.setState(Connecting) }

// MarkConnected flags an established transport and resets the attempt budget.
func (c *Controller) MarkConnected() { c.setState(Connected) }

// MarkDisconnected flags a lost transport.
func (c *Controller) MarkDisconnected() { c.setState(Disconnected) }

// Delay returns the backoff before the given 1-based attempt:
// min(attempt*base, cap). The sequence never decreases and never exceeds the cap.
func (c *Controller) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(attempt) * c.base
	if delay > c.max {
		delay = c.max
	}
	return delay
}

// Reconnect runs the bounded backoff loop: wait, force any stale connection
// closed, dial again. It returns nil once connect succeeds, the context error
// if cancelled, or ErrRetryBudgetExhausted after MaxAttempts failures.
func (c *Controller) Reconnect(ctx context.Context, closeStale func(), connect func(ctx context.Context) error) error {
	c.setState(Reconnecting)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		//1.- Wait out the linear backoff before touching the network again.
		if err := c.sleep(ctx, c.Delay(attempt)); err != nil {
			c.setState(Disconnected)
			return err
		}
		//2.- Force-close whatever is left of the previous connection.
		if closeStale != nil {
			closeStale()
		}
		if err := connect(ctx); err != nil {
			c.logger.Warn("reconnect attempt failed",
				logging.Int("attempt", attempt), logging.Error(err))
			continue
		}
		//3.- Success resets the budget implicitly: the next loop starts at one.
		c.setState(Connected)
		c.logger.Info("reconnected", logging.Int("attempts", attempt))
		return nil
	}
	c.setState(Disconnected)
	return ErrRetryBudgetExhausted
}

// StartHeartbeat begins emitting liveness signals at the configured interval.
// Failures are logged and counted but never escalate on their own; the caller
// inspects Misses when deciding whether the connection is gone. Calling it
// while a heartbeat is running restarts the schedule.
func (c *Controller) StartHeartbeat(ctx context.Context, beat func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHeartbeatLocked()

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.beatCancel = cancel
	c.beatDone = done
	c.beatActive.Store(true)
	c.beatMisses = 0

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			//1.- A tick that fires after teardown must terminate, not reschedule.
			if !c.beatActive.Load() {
				return
			}
			if err := beat(hbCtx); err != nil {
				c.mu.Lock()
				c.beatMisses++
				misses := c.beatMisses
				c.mu.Unlock()
				c.logger.Warn("heartbeat failed",
					logging.Int("consecutive_misses", misses), logging.Error(err))
				continue
			}
			c.mu.Lock()
			c.beatMisses = 0
			c.mu.Unlock()
		}
	}()
}

// StopHeartbeat synchronously flips the active flag and cancels the schedule
// before returning, so no further beats can be issued afterwards.
func (c *Controller) StopHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopHeartbeatLocked()
}

func (c *Controller) stopHeartbeatLocked() {
	//1.- Flip the flag first so an already-fired tick sees it and terminates.
	c.beatActive.Store(false)
	if c.beatCancel != nil {
		c.beatCancel()
		c.beatCancel = nil
	}
	c.beatDone = nil
}

// HeartbeatActive reports whether the liveness schedule is currently running.
func (c *Controller) HeartbeatActive() bool {
	return c.beatActive.Load()
}

// Misses returns the number of consecutive failed heartbeats.
func (c *Controller) Misses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.beatMisses
}
