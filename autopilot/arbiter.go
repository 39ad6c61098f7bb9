package autopilot

import (
	"time"

	"github.com/trendcar/trendcar/control"
	"github.com/trendcar/trendcar/lifecycle"
)

type awaitStatus int

const (
	awaitOK awaitStatus = iota
	awaitNotRunning
	awaitTimeout
	awaitNil
)

// serve is the arbitration loop: wait for a fresh dashboard, walk pilots
// by priority, submit the first acceptable command, and enforce the
// safety gates.
func (ap *AutoPilot) serve() {
	defer func() {
		ap.uninitPilots()
		ap.state.TransitionTo(lifecycle.Stopped)
		ap.logger.Info("autopilot stopped")
	}()

	ap.state.TransitionTo(lifecycle.Started)
	ap.logger.Info("autopilot started")

	ap.initPilots()

	var lastTimestamp time.Time

	for ap.state.Ready() {
		if ap.maxActivation > 0 && ap.AutodriveStarted() && ap.AutodriveElapsed() > ap.maxActivation {
			ap.logger.Infow("time's up, deactivating autodrive",
				"after", ap.maxActivation.String())
			ap.stopAutodrive()
		}

		ap.mu.Lock()
		dash := ap.dashboard
		if dash == nil || !dash.Timestamp.After(lastTimestamp) {
			// the stop fires only when the pipeline itself stopped
			// producing ticks; a taking-over console starves the
			// arbiter of dashboards but the tick tracker still
			// advances, so manual driving is left alone
			lastTick := ap.lastTickAt
			lagging := ap.dashboardRenewBudget > 0 && !lastTick.IsZero() &&
				ap.clock.Now().Sub(lastTick) > ap.cameraLagTolerance
			ap.mu.Unlock()

			if lagging {
				ap.logger.Debugw("pausing driving, camera lag exceeded tolerance",
					"tolerance", ap.cameraLagTolerance.String())
				if ctrl := ap.Control(); ctrl != nil {
					ctrl.Drive(0, 0, 0, false, false)
				}
			}

			ap.mu.Lock()
			if ap.dashboard == dash && ap.state.Ready() {
				if ap.dashboardRenewBudget > 0 {
					ap.waitCond(ap.dashboardRenewBudget)
				} else {
					ap.cond.Wait()
				}
			}
			ap.mu.Unlock()
			continue
		}
		lastTimestamp = dash.Timestamp
		ap.mu.Unlock()

		seq := ap.tick.Inc()
		ap.arbitrate(dash, seq)
	}
}

// arbitrate runs one tick: at most one command reaches the dispatcher.
func (ap *AutoPilot) arbitrate(dash *control.Dashboard, seq int64) {
	ctrl := ap.Control()
	if ctrl == nil {
		return
	}

	for _, runner := range ap.pilots {
		if !ap.state.Ready() {
			return
		}
		if !runner.isRunning() {
			continue
		}

		cmd, elapsed, status := runner.await(ap, seq)
		switch status {
		case awaitNotRunning:
			ap.logger.Debugw("pilot was not running", "pilot", runner.pilot.Name())
			continue
		case awaitTimeout:
			runner.setLastResult(ResultTimedOut)
			ap.logger.Debugw("pilot inquiry timed out", "pilot", runner.pilot.Name())
			continue
		case awaitNil:
			runner.setLastResult(ResultNA)
			ap.logger.Debugw("pilot returned no command",
				"pilot", runner.pilot.Name(), "elapsed", elapsed.String())
			continue
		}

		if ap.submitCommand(ctrl, dash, runner, cmd, elapsed) {
			runner.setLastResult(ResultAccepted)
			return
		}
	}

	// nobody proposed anything usable; coast
	ap.logger.Debug("stop driving due to no running pilots")
	ctrl.Drive(0, 0, 0, false, false)
	if ap.IsRecording() {
		ap.snapshotRecording(dash, "")
	}
}

// submitCommand validates one proposal and drives it into the dispatcher.
// Malformed proposals are skipped with a debug log.
func (ap *AutoPilot) submitCommand(
	ctrl *control.Control,
	dash *control.Dashboard,
	runner *pilotRunner,
	cmd *DriveCommand,
	elapsed time.Duration,
) bool {
	duration := secondsToDuration(cmd.DurationSeconds)

	if cmd.hasAllPWMs() {
		fl, rl := *cmd.FrontLeftPWM, *cmd.RearLeftPWM
		fr, rr := *cmd.FrontRightPWM, *cmd.RearRightPWM
		ap.logger.Debugw("pilot returned pwms", "pilot", runner.pilot.Name(),
			"fl", fl, "rl", rl, "fr", fr, "rr", rr, "elapsed", elapsed.String())

		if ap.duringStartingStraight() {
			pwm := ap.startingStraightPWM
			if pwm <= 0 {
				pwm = max4(fl, rl, fr, rr)
			}
			fl, rl, fr, rr = pwm, pwm, pwm, pwm
			ap.logger.Debugw("enforcing straight start", "pwm", pwm)
		}

		ctrl.DriveByPWMs(fl, rl, fr, rr, duration, cmd.Override)
		if ap.IsRecording() {
			ap.snapshotRecording(dash, recordingSuffixPWMs(fl, rl, fr, rr))
		}
		return true
	}

	if cmd.Steering == nil {
		if cmd.hasAnyPWM() {
			ap.logger.Debugw("pilot returned incomplete pwms", "pilot", runner.pilot.Name())
		} else {
			ap.logger.Debugw("pilot returned command without steering", "pilot", runner.pilot.Name())
		}
		return false
	}
	if cmd.Throttle == nil {
		ap.logger.Debugw("pilot returned command without throttle", "pilot", runner.pilot.Name())
		return false
	}

	steering, throttle := *cmd.Steering, *cmd.Throttle
	flipped := dash.Flipped
	if cmd.Flipped != nil {
		flipped = *cmd.Flipped
	}
	ap.logger.Debugw("pilot returned command", "pilot", runner.pilot.Name(),
		"steering", steering, "throttle", throttle, "elapsed", elapsed.String())

	if ap.duringStartingStraight() {
		steering = 0
		if ap.startingStraightPWM > 0 {
			throttle = inheritSign(ap.startingStraightPWM, throttle)
		}
		ap.logger.Debugw("enforcing straight start", "throttle", throttle)
	}

	ctrl.Drive(steering, throttle, duration, flipped, cmd.Override)
	if ap.IsRecording() {
		ap.snapshotRecording(dash, recordingSuffixSteer(steering, throttle))
	}
	return true
}

// await wakes the runner for this tick and waits up to the response
// budget for a result. A late result from an earlier tick is accepted
// here, on the later tick it landed in.
func (r *pilotRunner) await(ap *AutoPilot, seq int64) (*DriveCommand, time.Duration, awaitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastTick != seq {
		r.cond.Broadcast()
	}

	start := ap.clock.Now()
	for {
		if !r.running {
			return nil, 0, awaitNotRunning
		}
		if r.lastTick == seq && r.command != nil {
			return r.command, r.elapsed, awaitOK
		}
		if r.done {
			break
		}
		waited := ap.clock.Now().Sub(start)
		if waited >= ap.responseTimeout {
			return nil, 0, awaitTimeout
		}
		r.waitWithTimeout(ap, ap.responseTimeout-waited)
	}

	if r.command == nil {
		return nil, r.elapsed, awaitNil
	}
	return r.command, r.elapsed, awaitOK
}

// duringStartingStraight tracks the window right after autodrive starts
// in which steering is forced straight.
func (ap *AutoPilot) duringStartingStraight() bool {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	if !ap.AutodriveStarted() {
		ap.pilotStartedAt = time.Time{}
		return false
	}
	if ap.pilotStartedAt.IsZero() {
		ap.pilotStartedAt = ap.clock.Now()
	}
	return ap.clock.Now().Sub(ap.pilotStartedAt) < ap.minStartingStraight
}

// waitCond waits on the autopilot condition for at most d. ap.mu must be
// held.
func (ap *AutoPilot) waitCond(d time.Duration) {
	timer := ap.clock.AfterFunc(d, func() {
		ap.mu.Lock()
		ap.cond.Broadcast()
		ap.mu.Unlock()
	})
	defer timer.Stop()
	ap.cond.Wait()
}

func max4(a, b, c, d float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	if d > m {
		m = d
	}
	return m
}
