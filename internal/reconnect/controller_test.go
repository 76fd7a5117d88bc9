package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func TestDelayIsMonotonicAndCapped(t *testing.T) {
	//1.- The documented constants: base 5s, cap 30s.
	c := New(Options{BackoffBase: 5 * time.Second, BackoffMax: 30 * time.Second})
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 15 * time.Second,
		20 * time.Second, 25 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	prev := time.Duration(0)
	for i, expected := range want {
		got := c.Delay(i + 1)
		if got != expected {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
		if got < prev {
			t.Fatalf("attempt %d: delay decreased from %v to %v", i+1, prev, got)
		}
		prev = got
	}
}

func TestReconnectSucceedsAfterFailures(t *testing.T) {
	c := New(Options{MaxAttempts: 5, Sleep: noSleep})
	var attempts, closes int
	err := c.Reconnect(context.Background(),
		func() { closes++ },
		func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("still down")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	//1.- Every attempt must have force-closed the stale connection first.
	if closes != 3 {
		t.Fatalf("expected 3 stale closes, got %d", closes)
	}
	if c.State() != Connected {
		t.Fatalf("expected Connected, got %v", c.State())
	}
}

func TestReconnectGivesUpAfterBudget(t *testing.T) {
	c := New(Options{MaxAttempts: 4, Sleep: noSleep})
	var attempts int
	err := c.Reconnect(context.Background(), nil, func(ctx context.Context) error {
		attempts++
		return errors.New("unreachable")
	})
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("expected budget exhaustion, got %v", err)
	}
	if attempts != 4 {
		t.Fatalf("expected exactly 4 attempts, got %d", attempts)
	}
	if c.State() != Disconnected {
		t.Fatalf("expected Disconnected after giving up, got %v", c.State())
	}
}

func TestReconnectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Options{MaxAttempts: 3})
	err := c.Reconnect(ctx, nil, func(ctx context.Context) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestHeartbeatStopsSynchronously(t *testing.T) {
	c := New(Options{HeartbeatInterval: time.Millisecond})
	var beats atomic.Int32
	c.StartHeartbeat(context.Background(), func(ctx context.Context) error {
		beats.Add(1)
		return nil
	})
	if !c.HeartbeatActive() {
		t.Fatal("heartbeat should be active after start")
	}

	//1.- Stop must flip the active flag before returning.
	c.StopHeartbeat()
	if c.HeartbeatActive() {
		t.Fatal("heartbeat flag must be false immediately after stop")
	}
	//2.- No further beats are issued once the flag is down.
	settled := beats.Load()
	time.Sleep(20 * time.Millisecond)
	if beats.Load() != settled {
		t.Fatalf("heartbeat kept firing after stop: %d then %d", settled, beats.Load())
	}
}

func TestHeartbeatFailuresAreAbsorbed(t *testing.T) {
	c := New(Options{HeartbeatInterval: time.Millisecond})
	fail := atomic.Bool{}
	fail.Store(true)
	c.StartHeartbeat(context.Background(), func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("beat lost")
		}
		return nil
	})
	defer c.StopHeartbeat()

	deadline := time.After(time.Second)
	for c.Misses() < 2 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for heartbeat misses to accumulate")
		case <-time.After(time.Millisecond):
		}
	}
	//1.- Recovery resets the consecutive miss counter.
	fail.Store(false)
	deadline = time.After(time.Second)
	for c.Misses() != 0 {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for miss counter reset")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestStopHeartbeatWithoutStartIsNoOp(t *testing.T) {
	c := New(Options{})
	c.StopHeartbeat()
	c.StopHeartbeat()
	if c.HeartbeatActive() {
		t.Fatal("heartbeat must stay inactive")
	}
}
