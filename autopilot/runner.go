package autopilot

import (
	"sync"
	"time"

	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/control"
)

// A pilotRunner owns one pilot's worker. The worker inquires once per
// dashboard tick; the arbiter waits a bounded time on its condition for
// the result.
type pilotRunner struct {
	pilot    Pilot
	priority int
	index    int
	editID   control.HandlerID
	hasEdit  bool

	mu       sync.Mutex
	cond     *sync.Cond
	running  bool
	lastTick int64
	command  *DriveCommand
	elapsed  time.Duration
	done     bool
	last     Result
}

func newPilotRunner(pilot Pilot, priority, index int) *pilotRunner {
	r := &pilotRunner{pilot: pilot, priority: priority, index: index}
	r.cond = sync.NewCond(&r.mu)
	return r
}

func (r *pilotRunner) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// start launches the worker and blocks until it is live.
func (r *pilotRunner) start(ap *AutoPilot) {
	goutils.PanicCapturingGo(func() { r.loop(ap) })

	r.mu.Lock()
	for !r.running {
		r.cond.Wait()
	}
	r.mu.Unlock()
}

// loop waits for a fresh tick, inquires, and publishes the result. The
// worker is daemon-like: a pilot stuck inside InquireDrive is abandoned
// at teardown rather than joined.
func (r *pilotRunner) loop(ap *AutoPilot) {
	r.mu.Lock()
	r.running = true
	r.command = nil
	r.done = false
	r.lastTick = 0
	r.cond.Broadcast()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	for ap.state.Ready() && r.isRunning() {
		r.mu.Lock()
		tick := ap.tick.Load()
		if r.lastTick == tick {
			r.cond.Wait()
			r.mu.Unlock()
			continue
		}
		r.lastTick = tick
		r.command = nil
		r.done = false
		last := r.last
		r.mu.Unlock()

		dash := ap.currentDashboard()
		if dash == nil {
			continue
		}

		start := ap.clock.Now()
		command := r.safeInquire(ap, dash, last)
		elapsed := ap.clock.Now().Sub(start)

		r.mu.Lock()
		r.command = command
		r.elapsed = elapsed
		r.done = true
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

// safeInquire converts a pilot panic into a nil command so the worker
// survives for the next tick (PilotCrashed taxonomy).
func (r *pilotRunner) safeInquire(ap *AutoPilot, dash *control.Dashboard, last Result) (cmd *DriveCommand) {
	defer func() {
		if p := recover(); p != nil {
			ap.logger.Errorw("pilot panicked during inquiry", "pilot", r.pilot.Name(), "panic", p)
			cmd = nil
		}
	}()
	return r.pilot.InquireDrive(dash, last)
}

// setLastResult records how the previous inquiry fared, passed into the
// next one.
func (r *pilotRunner) setLastResult(result Result) {
	r.mu.Lock()
	r.last = result
	r.mu.Unlock()
}

// stop waits up to the grace period for the worker to exit; the worker
// leaves its loop on its own once the runtime is no longer STARTED. It
// reports false when the pilot is still stuck inside InquireDrive.
func (r *pilotRunner) stop(ap *AutoPilot, grace time.Duration) bool {
	deadline := ap.clock.Now().Add(grace)

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.running {
		r.cond.Broadcast()
		remaining := deadline.Sub(ap.clock.Now())
		if remaining <= 0 {
			return false
		}
		r.waitWithTimeout(ap, remaining)
	}
	return true
}

// waitWithTimeout waits on the runner condition for at most d. The
// runner mutex must be held.
func (r *pilotRunner) waitWithTimeout(ap *AutoPilot, d time.Duration) {
	timer := ap.clock.AfterFunc(d, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer timer.Stop()
	r.cond.Wait()
}
