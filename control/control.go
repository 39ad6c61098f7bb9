// Package control owns the runtime around a car model: the dashboard
// pipeline that publishes per-tick snapshots through a priority-ordered
// editor/observer chain, and the dispatcher that serializes actuation.
package control

import (
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/lifecycle"
	"github.com/trendcar/trendcar/model"
)

// Drive command clamps.
const (
	MaxSteering = 90.0
	MaxThrottle = 1.0
	MaxDuration = 5 * time.Second
)

// BeginOptions modify runtime startup.
type BeginOptions struct {
	// Detecting probes whether this model fits the platform.
	Detecting bool
	// IgnorePlatformCheck begins even off the expected platform.
	IgnorePlatformCheck bool
	// Quiet skips the vibrate feedback on start/stop.
	Quiet bool
}

// Control is the runtime around one model. All workers live on it; there
// are no package-level singletons.
type Control struct {
	model  model.Model
	cfg    *config.Config
	logger golog.Logger
	clock  clock.Clock
	state  *lifecycle.Machine

	dispatcherMu      sync.Mutex
	dispatcherCond    *sync.Cond
	dispatcherRunning bool
	requests          []*request

	dashMu      sync.Mutex
	dashCond    *sync.Cond
	dashRunning bool
	editors     *handlerRegistry
	observers   *handlerRegistry

	workers sync.WaitGroup
}

// New builds a Control around the given model.
func New(m model.Model, cfg *config.Config, logger golog.Logger) *Control {
	return NewWithClock(m, cfg, logger, clock.New())
}

// NewWithClock builds a Control with an explicit clock for tests.
func NewWithClock(m model.Model, cfg *config.Config, logger golog.Logger, clk clock.Clock) *Control {
	c := &Control{
		model:     m,
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		state:     lifecycle.NewWithClock(clk),
		editors:   newHandlerRegistry(),
		observers: newHandlerRegistry(),
	}
	c.dispatcherCond = sync.NewCond(&c.dispatcherMu)
	c.dashCond = sync.NewCond(&c.dashMu)
	return c
}

// AutoDetect probes the registered models and returns a Control around
// the first one that begins, already started. With none available it
// returns a Control around the null model, stopped.
func AutoDetect(cfg *config.Config, logger golog.Logger) *Control {
	for _, name := range model.ModelNames() {
		c := New(model.NewModel(name, cfg, logger), cfg, logger)
		if err := c.Begin(BeginOptions{Detecting: true, Quiet: true}); err != nil {
			logger.Debugw("model did not begin", "model", name, "error", err)
			continue
		}
		return c
	}
	return New(model.NewModel(model.NullModelName, cfg, logger), cfg, logger)
}

// Launch builds and begins a Control around the named model.
func Launch(name string, cfg *config.Config, logger golog.Logger, opts BeginOptions) (*Control, error) {
	c := New(model.NewModel(name, cfg, logger), cfg, logger)
	if err := c.Begin(opts); err != nil {
		return nil, err
	}
	return c, nil
}

// Model returns the underlying model.
func (c *Control) Model() model.Model { return c.model }

// State returns the runtime's lifecycle machine.
func (c *Control) State() *lifecycle.Machine { return c.state }

// IsReady reports whether the runtime is fully started.
func (c *Control) IsReady() bool { return c.state.Ready() }

// Begin initializes the model and starts the dispatcher and dashboard
// workers. A model initialization failure transitions directly to
// STOPPED and is returned (DeviceUnavailable).
func (c *Control) Begin(opts BeginOptions) error {
	if c.state.Running() {
		return nil
	}
	if !c.state.CanBegin() {
		c.state.WaitFor(lifecycle.Init, lifecycle.Stopped)
	}
	c.state.TransitionTo(lifecycle.Starting)

	if err := c.model.Begin(model.BeginOptions{
		Detecting:           opts.Detecting,
		IgnorePlatformCheck: opts.IgnorePlatformCheck,
	}); err != nil {
		c.state.TransitionTo(lifecycle.Stopped)
		return errors.Wrapf(err, "unable to init model %s", c.model.Name())
	}

	c.workers.Add(1)
	goutils.ManagedGo(c.dispatcherLoop, c.workers.Done)
	c.workers.Add(1)
	goutils.ManagedGo(c.dashboardLoop, c.workers.Done)

	c.dispatcherMu.Lock()
	for !c.dispatcherRunning {
		c.dispatcherCond.Wait()
	}
	c.dispatcherMu.Unlock()

	c.dashMu.Lock()
	for !c.dashRunning {
		c.dashCond.Wait()
	}
	c.dashMu.Unlock()

	c.state.TransitionTo(lifecycle.Started)

	if !opts.Quiet {
		c.model.Vibrate(5, 30*time.Millisecond)
	}
	return nil
}

// End stops the workers and releases the model. Safe to call repeatedly.
func (c *Control) End(quiet bool) error {
	if !c.state.Running() {
		return nil
	}
	c.state.WaitFor(lifecycle.Started, lifecycle.Stopping, lifecycle.Stopped)
	if !c.state.CompareAndTransition(lifecycle.Started, lifecycle.Stopping) {
		return nil
	}

	c.dispatcherMu.Lock()
	c.dispatcherCond.Broadcast()
	c.dispatcherMu.Unlock()

	c.dashMu.Lock()
	c.dashCond.Broadcast()
	c.dashMu.Unlock()

	c.dispatcherMu.Lock()
	for c.dispatcherRunning {
		c.dispatcherCond.Wait()
	}
	c.dispatcherMu.Unlock()

	c.dashMu.Lock()
	for c.dashRunning {
		c.dashCond.Wait()
	}
	c.dashMu.Unlock()

	c.workers.Wait()

	if !quiet {
		c.model.Vibrate(3, 500*time.Millisecond)
	}
	err := c.model.End()
	c.state.TransitionTo(lifecycle.Stopped)
	return err
}

// Drive clamps and enqueues a steering/throttle command.
func (c *Control) Drive(steering, throttle float64, duration time.Duration, flipped, override bool) bool {
	steering = clamp(steering, -MaxSteering, MaxSteering)
	throttle = clamp(throttle, -MaxThrottle, MaxThrottle)
	duration = clampDuration(duration, 0, MaxDuration)

	return c.submit(&request{
		kind:  RequestDrive,
		drive: driveParams{steering: steering, throttle: throttle, duration: duration, flipped: flipped},
	}, override)
}

// DriveByPWMs clamps and enqueues a per-wheel PWM command.
func (c *Control) DriveByPWMs(fl, rl, fr, rr float64, duration time.Duration, override bool) bool {
	fl = clamp(fl, -1, 1)
	rl = clamp(rl, -1, 1)
	fr = clamp(fr, -1, 1)
	rr = clamp(rr, -1, 1)
	duration = clampDuration(duration, 0, MaxDuration)

	return c.submit(&request{
		kind: RequestDrivePWM,
		pwm:  pwmParams{fl: fl, rl: rl, fr: fr, rr: rr, duration: duration},
	}, override)
}

// RegisterDashboardEditor adds an editor at the given priority and wakes
// the pipeline.
func (c *Control) RegisterDashboardEditor(editor DashboardEditor, priority int) HandlerID {
	id := c.editors.register(editor, priority)
	c.wakeDashboard()
	return id
}

// UnregisterDashboardEditor removes a previously registered editor.
func (c *Control) UnregisterDashboardEditor(id HandlerID) bool {
	removed := c.editors.unregister(id)
	c.wakeDashboard()
	return removed
}

// RegisterDashboardObserver adds an observer at the given priority and
// wakes the pipeline.
func (c *Control) RegisterDashboardObserver(observer DashboardObserver, priority int) HandlerID {
	id := c.observers.register(observer, priority)
	c.wakeDashboard()
	return id
}

// UnregisterDashboardObserver removes a previously registered observer.
func (c *Control) UnregisterDashboardObserver(id HandlerID) bool {
	removed := c.observers.unregister(id)
	c.wakeDashboard()
	return removed
}

func (c *Control) wakeDashboard() {
	c.dashMu.Lock()
	c.dashCond.Broadcast()
	c.dashMu.Unlock()
}

// Vibrate forwards feedback pulses to the model.
func (c *Control) Vibrate(count int, interval time.Duration) bool {
	return c.model.Vibrate(count, interval)
}

// Snapshot returns the most recent frame of one camera, or nil.
func (c *Control) Snapshot(index int) image.Image { return c.model.Snapshot(index) }

// Snapshots returns the most recent frame of every camera.
func (c *Control) Snapshots() []image.Image { return c.model.Snapshots() }

// FrameWidth returns a camera's configured frame width.
func (c *Control) FrameWidth(index int) int { return c.model.FrameWidth(index) }

// FrameHeight returns a camera's configured frame height.
func (c *Control) FrameHeight(index int) int { return c.model.FrameHeight(index) }

// FrameRate returns a camera's configured frame rate.
func (c *Control) FrameRate(index int) float64 { return c.model.FrameRate(index) }

// ReadyToGo forwards the model's ready tri-state.
func (c *Control) ReadyToGo() model.TriState { return c.model.ReadyToGo() }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
