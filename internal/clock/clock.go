// Package clock provides the monotonic time source and task-spawn
// contract consumed by the router core (spec §4.7 "Clock & Scheduler
// contract"). Every component that needs "now" or needs to run a
// periodic background task takes a Clock instead of calling time.Now
// or go func() directly, so tests can substitute a fake clock and drive
// eviction/idle-timeout logic deterministically.
package clock

import (
	"context"
	"time"
)

// Clock is the monotonic time source used for timestamps, idle/TIME_WAIT
// accounting, and ticker scheduling.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed, mirroring time.After.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker that fires every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of *time.Ticker the core relies on.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the standard library.
type Real struct{}

// New returns the real, wall-clock Clock.
func New() Real { return Real{} }

func (Real) Now() time.Time { return time.Now() }

func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (Real) NewTicker(d time.Duration) Ticker { return &realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Scheduler spawns a long-lived task. The router core never calls `go`
// directly on its hot paths — it calls Scheduler.Spawn so that a caller
// embedding the core in a different concurrency model (a worker pool, a
// structured-concurrency runtime) can supply its own task-spawn
// primitive. See spec §9 "Cooperative I/O".
type Scheduler interface {
	// Spawn runs fn in a new task. fn must return when ctx is done.
	Spawn(ctx context.Context, fn func(ctx context.Context))
}

// GoScheduler spawns tasks as plain goroutines, recovering panics so
// that a bug in one connection's reader task never takes down the
// process (spec §7 "Isolation").
type GoScheduler struct {
	// Recover is called with the recovered value, if any goroutine
	// spawned by this scheduler panics. May be nil.
	Recover func(name string, recovered any)
}

// Spawn runs fn in a new goroutine.
func (s GoScheduler) Spawn(ctx context.Context, fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil && s.Recover != nil {
				s.Recover("scheduler-task", r)
			}
		}()
		fn(ctx)
	}()
}
