package loading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levelpin/levelpin/internal/types"
	"github.com/levelpin/levelpin/internal/util"
)

// Cooldown between startup attempts after a contained panic.
const (
	initialPanicCooldown = time.Second
	maxPanicCooldown     = 30 * time.Second
)

// Phases are the three units of startup work. Each runs with the machine
// already advanced to the matching state.
type Phases struct {
	Enumerate         func(ctx context.Context) error
	RestoreSavedState func(ctx context.Context) error
	RegisterWatchers  func(ctx context.Context) error
}

// phasePanicError carries a recovered panic out of a phase goroutine.
type phasePanicError struct {
	value any
}

func (e phasePanicError) Error() string {
	return fmt.Sprintf("phase panicked: %v", e.value)
}

// Runner executes the startup sequence. A panicking phase never takes the
// process down: the machine resets and the attempt is repeated after an
// escalating cooldown. Enumeration failures are fatal; watcher
// registration failures degrade to hot-plug blindness and startup still
// completes.
type Runner struct {
	machine  *Machine
	phases   Phases
	cooldown *util.Backoff

	enumerationTimeout time.Duration
	watcherTimeout     time.Duration
}

// NewRunner creates a runner over the given machine and phases.
func NewRunner(machine *Machine, phases Phases) *Runner {
	return &Runner{
		machine:            machine,
		phases:             phases,
		cooldown:           util.NewBackoff(initialPanicCooldown, maxPanicCooldown),
		enumerationTimeout: types.EnumerationTimeout,
		watcherTimeout:     types.WatcherRegistrationTimeout,
	}
}

// Run drives the machine to ready. It returns when startup completed,
// failed fatally, or ctx was cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		err := r.attempt(ctx)
		if err == nil {
			r.cooldown.Reset()
			return nil
		}

		var pe phasePanicError
		if !errors.As(err, &pe) {
			r.machine.Reset()
			return err
		}

		r.machine.Reset()
		delay := r.cooldown.Next()
		slog.Error("Startup attempt panicked, cooling down",
			"error", err, "cooldown", delay, "attempt", r.cooldown.Attempts())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Runner) attempt(ctx context.Context) error {
	if !r.machine.Advance(StateEnumerating) {
		return fmt.Errorf("cannot start enumeration from state %q", r.machine.State())
	}
	if err := runTimeboxed(ctx, r.enumerationTimeout, r.phases.Enumerate); err != nil {
		var pe phasePanicError
		if errors.As(err, &pe) {
			return err
		}
		return fmt.Errorf("device enumeration failed: %w", err)
	}

	if !r.machine.Advance(StateRestoringSavedState) {
		return fmt.Errorf("machine diverged during startup: %q", r.machine.State())
	}
	if err := runTimeboxed(ctx, 0, r.phases.RestoreSavedState); err != nil {
		var pe phasePanicError
		if errors.As(err, &pe) {
			return err
		}
		// Frozen devices can be re-frozen by hand; keep starting.
		slog.Warn("Restoring saved state failed", "error", err)
	}

	if !r.machine.Advance(StateRegisteringWatchers) {
		return fmt.Errorf("machine diverged during startup: %q", r.machine.State())
	}
	if err := runTimeboxed(ctx, r.watcherTimeout, r.phases.RegisterWatchers); err != nil {
		var pe phasePanicError
		if errors.As(err, &pe) {
			return err
		}
		slog.Warn("Volume watcher registration failed, device changes will not be observed",
			"error", err)
	}

	if !r.machine.Advance(StateReady) {
		return fmt.Errorf("machine diverged during startup: %q", r.machine.State())
	}
	return nil
}

// runTimeboxed runs one phase in its own goroutine so a hung phase cannot
// stall startup past its deadline and a panicking one is contained.
// timeout 0 means no deadline beyond ctx.
func runTimeboxed(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if fn == nil {
		return nil
	}
	pctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- phasePanicError{value: v}
			}
		}()
		done <- fn(pctx)
	}()

	select {
	case err := <-done:
		return err
	case <-pctx.Done():
		return pctx.Err()
	}
}
