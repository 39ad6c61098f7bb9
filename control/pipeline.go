package control

import (
	"time"

	"github.com/trendcar/trendcar/config"
)

// DefaultFrameRate is used when no camera reports a usable rate.
const DefaultFrameRate = 30.0

// dashboardLoop produces one Dashboard per tick at the configured frame
// rate, runs the editor chain over it, then broadcasts it to observers.
func (c *Control) dashboardLoop() {
	c.dashMu.Lock()
	c.dashRunning = true
	c.dashCond.Broadcast()
	c.dashMu.Unlock()
	c.logger.Info("dashboard pipeline started")

	defer func() {
		c.dashMu.Lock()
		c.dashRunning = false
		c.dashCond.Broadcast()
		c.dashMu.Unlock()
		c.logger.Info("dashboard pipeline stopped")
	}()

	samplingInterval := time.Duration(float64(time.Second) / c.tickRate())
	lastOutput := c.clock.Now()
	var lastProcess time.Duration
	frameStart := lastOutput
	frameCount := 0
	frameRate := 0.0

	for c.state.Running() {
		editors := c.editors.flattened()
		observers := c.observers.flattened()

		if len(editors) == 0 && len(observers) == 0 {
			c.dashMu.Lock()
			if c.editors.empty() && c.observers.empty() && c.state.Running() {
				c.dashCond.Wait()
			}
			c.dashMu.Unlock()
			continue
		}

		if delta := c.clock.Now().Sub(lastOutput); delta < samplingInterval {
			c.dashMu.Lock()
			if c.state.Running() {
				c.waitDash(samplingInterval - delta)
			}
			c.dashMu.Unlock()
			continue
		}

		lastOutput = c.clock.Now()

		dash := &Dashboard{
			Timestamp:       lastOutput,
			LastProcessTime: lastProcess,
			Frame:           c.model.Snapshot(0),
			AllFrames:       c.model.Snapshots(),
			FrameWidth:      c.model.FrameWidth(0),
			FrameHeight:     c.model.FrameHeight(0),
			FrameRate:       frameRate,
			ReadyToGo:       c.model.ReadyToGo(),
		}
		if dash.FrameRate <= 0 {
			dash.FrameRate = c.tickRate()
		}

		for _, entry := range editors {
			if c.runHandler("editor", entry, dash) {
				break
			}
		}
		for _, entry := range observers {
			if c.runHandler("observer", entry, dash) {
				break
			}
		}

		lastProcess = c.clock.Now().Sub(lastOutput)

		frameCount++
		frameEnd := c.clock.Now()
		if interval := frameEnd.Sub(frameStart); interval > time.Second {
			frameRate = float64(frameCount) / interval.Seconds()

			if interval > 10*time.Second {
				c.logger.Debugw("average frame rate", "fps", frameRate)
				frameCount = 0
				frameStart = frameEnd
			}
		}
	}
}

// runHandler invokes one editor/observer, converting a panic into a log
// line so a broken handler cannot take down the pipeline.
func (c *Control) runHandler(kind string, entry handlerEntry, dash *Dashboard) (shortCircuit bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorw("dashboard handler panicked", "kind", kind, "panic", r)
			shortCircuit = false
		}
	}()
	return entry.fn(dash)
}

// tickRate is the pipeline cadence: the primary camera's frame rate with
// a guard against zero and negative configs.
func (c *Control) tickRate() float64 {
	if rate := c.model.FrameRate(0); rate > 0 {
		return rate
	}
	if rate := c.cfg.Section(config.SectionCamera).Float64("default_frame_rate", 0); rate > 0 {
		return rate
	}
	return DefaultFrameRate
}

// waitDash waits on the dashboard condition for at most d. The dashboard
// mutex must be held.
func (c *Control) waitDash(d time.Duration) {
	timer := c.clock.AfterFunc(d, func() {
		c.dashMu.Lock()
		c.dashCond.Broadcast()
		c.dashMu.Unlock()
	})
	defer timer.Stop()
	c.dashCond.Wait()
}
