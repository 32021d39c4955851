package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func TestRunner_TicksUntilCancelled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRunner(clock, zerolog.Nop())

	var runs atomic.Int32
	r.Add(Job{Name: "count", Interval: time.Minute, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})
	r.Add(Job{Name: "disabled", Interval: 0, Run: func(context.Context) error {
		t.Error("Disabled job must not run")
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)
	waitFor(t, func() bool { return runs.Load() == 1 })

	cancel()
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Runner did not stop")
	}
}

func TestRunner_SurvivesErrorsAndPanics(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := NewRunner(clock, zerolog.Nop())

	var runs atomic.Int32
	r.Add(Job{Name: "flaky", Interval: time.Second, Run: func(context.Context) error {
		n := runs.Add(1)
		if n == 1 {
			panic("first run explodes")
		}
		return errors.New("still failing")
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		r.Wait()
	}()
	r.Start(ctx)

	clock.BlockUntil(1)
	clock.Advance(time.Second)
	waitFor(t, func() bool { return runs.Load() == 1 })
	clock.Advance(time.Second)
	waitFor(t, func() bool { return runs.Load() == 2 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for condition")
}
