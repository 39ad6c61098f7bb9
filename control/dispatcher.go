package control

import (
	"time"
)

// MaxQueuedDriveCommands bounds the dispatcher queue depth. Producers
// block until the worker drains a slot.
const MaxQueuedDriveCommands = 1

// RequestKind says which model operation a request performs.
type RequestKind int

// The two request kinds.
const (
	RequestDrive RequestKind = iota
	RequestDrivePWM
)

func (k RequestKind) String() string {
	if k == RequestDrivePWM {
		return "drive_pwm"
	}
	return "drive"
}

type driveParams struct {
	steering float64
	throttle float64
	duration time.Duration
	flipped  bool
}

type pwmParams struct {
	fl, rl, fr, rr float64
	duration       time.Duration
}

// A request is one queued actuation. Successive identical requests
// coalesce into the tail entry instead of enqueueing.
type request struct {
	created time.Time
	updated time.Time
	count   int
	kind    RequestKind
	drive   driveParams
	pwm     pwmParams
}

func (rq *request) sameParams(other *request) bool {
	if rq.kind != other.kind {
		return false
	}
	if rq.kind == RequestDrivePWM {
		return rq.pwm == other.pwm
	}
	return rq.drive == other.drive
}

// dispatcherLoop serializes device calls. The dispatcher mutex is
// released around the model call so producers are never blocked behind
// the device.
func (c *Control) dispatcherLoop() {
	c.dispatcherMu.Lock()
	c.dispatcherRunning = true
	c.dispatcherCond.Broadcast()
	c.logger.Info("dispatcher started")

	defer func() {
		c.dispatcherRunning = false
		c.dispatcherCond.Broadcast()
		c.logger.Info("dispatcher stopped")
		c.dispatcherMu.Unlock()
	}()

	for c.state.Running() {
		if len(c.requests) == 0 {
			c.dispatcherCond.Broadcast()
			c.dispatcherCond.Wait()
			continue
		}

		rq := c.requests[0]
		c.requests = c.requests[1:]
		if rq == nil {
			continue
		}

		c.dispatcherMu.Unlock()
		switch rq.kind {
		case RequestDrive:
			p := rq.drive
			c.model.Drive(p.steering, p.throttle, p.duration, p.flipped)
		case RequestDrivePWM:
			p := rq.pwm
			c.model.DriveByPWMs(p.fl, p.rl, p.fr, p.rr, p.duration)
		}
		c.dispatcherMu.Lock()
	}
}

// submit enqueues a request under the admission rules: override truncates
// the queue, identical tails coalesce, and a full queue blocks the
// producer until the worker drains a slot or the runtime leaves STARTED.
func (c *Control) submit(rq *request, override bool) bool {
	if !c.state.Ready() {
		return false
	}

	c.dispatcherMu.Lock()
	defer c.dispatcherMu.Unlock()

	if override {
		c.requests = nil
	} else if n := len(c.requests); n > 0 {
		if tail := c.requests[n-1]; tail.sameParams(rq) {
			tail.updated = c.clock.Now()
			tail.count++
			return true
		}
	}

	for len(c.requests) >= MaxQueuedDriveCommands {
		c.dispatcherCond.Broadcast()
		c.dispatcherCond.Wait()
		if !c.state.Ready() {
			return false
		}
	}

	now := c.clock.Now()
	rq.created = now
	rq.updated = now
	rq.count = 1
	c.requests = append(c.requests, rq)
	c.dispatcherCond.Broadcast()
	return true
}

// WaitForRequestsDone blocks until the dispatcher queue drains or the
// timeout passes, reporting whether the queue reached empty.
func (c *Control) WaitForRequestsDone(timeout time.Duration) bool {
	deadline := c.clock.Now().Add(timeout)

	c.dispatcherMu.Lock()
	defer c.dispatcherMu.Unlock()
	if !c.dispatcherRunning {
		return false
	}

	for c.dispatcherRunning && len(c.requests) > 0 {
		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			return len(c.requests) == 0
		}
		c.waitDispatcher(remaining)
	}
	return true
}

// QueueDepth returns the number of queued requests.
func (c *Control) QueueDepth() int {
	c.dispatcherMu.Lock()
	defer c.dispatcherMu.Unlock()
	return len(c.requests)
}

// waitDispatcher waits on the dispatcher condition for at most d. The
// dispatcher mutex must be held.
func (c *Control) waitDispatcher(d time.Duration) {
	timer := c.clock.AfterFunc(d, func() {
		c.dispatcherMu.Lock()
		c.dispatcherCond.Broadcast()
		c.dispatcherMu.Unlock()
	})
	defer timer.Stop()
	c.dispatcherCond.Wait()
}
