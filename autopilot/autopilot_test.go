package autopilot

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.uber.org/atomic"
	"go.viam.com/test"

	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/control"
	"github.com/trendcar/trendcar/lifecycle"
	"github.com/trendcar/trendcar/model"
)

// driveCall is one recorded actuation on the fake model.
type driveCall struct {
	steering float64
	throttle float64
}

type pwmCall struct {
	fl, rl, fr, rr float64
}

// apModel is a minimal model that records what the dispatcher sends.
type apModel struct {
	mu     sync.Mutex
	drives []driveCall
	pwms   []pwmCall
}

func (m *apModel) Name() string                  { return "ap-fake" }
func (m *apModel) Begin(model.BeginOptions) error { return nil }
func (m *apModel) End() error                    { return nil }

func (m *apModel) SetMotor(model.Wheel, float64) bool { return true }

func (m *apModel) DriveByPWMs(fl, rl, fr, rr float64, _ time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pwms = append(m.pwms, pwmCall{fl, rl, fr, rr})
	return true
}

func (m *apModel) Drive(steering, throttle float64, _ time.Duration, _ bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drives = append(m.drives, driveCall{steering, throttle})
	return true
}

func (m *apModel) driveCalls() []driveCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]driveCall{}, m.drives...)
}

func (m *apModel) pwmCalls() []pwmCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pwmCall{}, m.pwms...)
}

func (m *apModel) Snapshot(int) image.Image {
	return image.NewNRGBA(image.Rect(0, 0, 64, 48))
}
func (m *apModel) Snapshots() []image.Image       { return []image.Image{m.Snapshot(0)} }
func (m *apModel) FrameWidth(int) int             { return 64 }
func (m *apModel) FrameHeight(int) int            { return 48 }
func (m *apModel) FrameRate(int) float64          { return 50 }
func (m *apModel) Vibrate(int, time.Duration) bool { return true }
func (m *apModel) ReadyToGo() model.TriState      { return model.Unknown }

// scriptedPilot answers inquiries with a test-provided function.
type scriptedPilot struct {
	name string
	fn   func(dash *control.Dashboard, last Result) *DriveCommand
}

func (p *scriptedPilot) Name() string { return p.name }

func (p *scriptedPilot) InquireDrive(dash *control.Dashboard, last Result) *DriveCommand {
	return p.fn(dash, last)
}

func withPilots(t *testing.T, regs []pilotRegistration) {
	t.Helper()
	saved := pilotRegistry
	pilotRegistry = regs
	t.Cleanup(func() { pilotRegistry = saved })
}

func scripted(name string, priority int, fn func(dash *control.Dashboard, last Result) *DriveCommand) pilotRegistration {
	return pilotRegistration{
		constructor: func(*AutoPilot, golog.Logger) (Pilot, error) {
			return &scriptedPilot{name: name, fn: fn}, nil
		},
		inquiryPriority: priority,
		editPriority:    PriorityNormal,
	}
}

func startRuntime(t *testing.T, attrs map[string]config.AttributeMap) (*AutoPilot, *apModel) {
	t.Helper()
	if attrs == nil {
		attrs = map[string]config.AttributeMap{}
	}
	if _, ok := attrs[config.SectionAutoPilot]; !ok {
		attrs[config.SectionAutoPilot] = config.AttributeMap{}
	}
	if !attrs[config.SectionAutoPilot].Has("response_timeout") {
		attrs[config.SectionAutoPilot]["response_timeout"] = 0.2
	}
	cfg := config.FromMap(attrs)
	logger := golog.NewTestLogger(t)

	m := &apModel{}
	ctrl := control.New(m, cfg, logger)
	test.That(t, ctrl.Begin(control.BeginOptions{Quiet: true}), test.ShouldBeNil)

	ap := New(cfg, logger)
	test.That(t, ap.Start(ctrl), test.ShouldBeNil)

	t.Cleanup(func() {
		test.That(t, ap.Stop(), test.ShouldBeNil)
		test.That(t, ctrl.End(true), test.ShouldBeNil)
	})
	return ap, m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestHighestPriorityPilotWins(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("normal", PriorityNormal, func(*control.Dashboard, Result) *DriveCommand {
			return Steer(-10, 0.3)
		}),
		scripted("high", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			return Steer(30, 0.5)
		}),
	})
	_, m := startRuntime(t, nil)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return len(m.driveCalls()) > 0
	}), test.ShouldBeTrue)

	for _, call := range m.driveCalls() {
		test.That(t, call, test.ShouldResemble, driveCall{30, 0.5})
	}
}

func TestNullCommandFallsThrough(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("silent", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			return nil
		}),
		scripted("low", PriorityLow, func(*control.Dashboard, Result) *DriveCommand {
			return Steer(15, 0.4)
		}),
	})
	_, m := startRuntime(t, nil)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return len(m.driveCalls()) > 0
	}), test.ShouldBeTrue)

	for _, call := range m.driveCalls() {
		test.That(t, call, test.ShouldResemble, driveCall{15, 0.4})
	}
}

func TestNoPilotsCoasts(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("mute", PriorityNormal, func(*control.Dashboard, Result) *DriveCommand {
			return nil
		}),
	})
	_, m := startRuntime(t, nil)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return len(m.driveCalls()) > 0
	}), test.ShouldBeTrue)

	for _, call := range m.driveCalls() {
		test.That(t, call, test.ShouldResemble, driveCall{0, 0})
	}
}

func TestSlowPilotIsSkipped(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	withPilots(t, []pilotRegistration{
		scripted("slow", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			<-release
			return Steer(45, 1.0)
		}),
	})
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	_, m := startRuntime(t, map[string]config.AttributeMap{
		config.SectionAutoPilot: {"response_timeout": 0.05},
	})

	// while the pilot sleeps, every tick coasts
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return len(m.driveCalls()) >= 3
	}), test.ShouldBeTrue)
	for _, call := range m.driveCalls() {
		test.That(t, call, test.ShouldResemble, driveCall{0, 0})
	}

	// once the slow response lands it attaches to a later tick
	once.Do(func() { close(release) })
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		for _, call := range m.driveCalls() {
			if call == (driveCall{45, 1.0}) {
				return true
			}
		}
		return false
	}), test.ShouldBeTrue)
}

func TestPilotPanicIsContained(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("crashy", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			panic("pilot bug")
		}),
		scripted("steady", PriorityNormal, func(*control.Dashboard, Result) *DriveCommand {
			return Steer(5, 0.2)
		}),
	})
	_, m := startRuntime(t, nil)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		for _, call := range m.driveCalls() {
			if call == (driveCall{5, 0.2}) {
				return true
			}
		}
		return false
	}), test.ShouldBeTrue)
}

func TestMalformedCommandsAreSkipped(t *testing.T) {
	throttle := 0.4
	withPilots(t, []pilotRegistration{
		// throttle without steering is malformed
		scripted("broken", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			return &DriveCommand{Throttle: &throttle}
		}),
		// partial pwms are malformed too
		scripted("partial", PriorityNormal, func(*control.Dashboard, Result) *DriveCommand {
			one := 1.0
			return &DriveCommand{FrontLeftPWM: &one}
		}),
		scripted("good", PriorityLow, func(*control.Dashboard, Result) *DriveCommand {
			return Steer(10, 0.6)
		}),
	})
	_, m := startRuntime(t, nil)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return len(m.driveCalls()) > 0
	}), test.ShouldBeTrue)
	for _, call := range m.driveCalls() {
		test.That(t, call, test.ShouldResemble, driveCall{10, 0.6})
	}
}

func TestPWMCommandPath(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("pwm", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			return PWMs(0.5, 0.5, -0.5, -0.5)
		}),
	})
	_, m := startRuntime(t, nil)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return len(m.pwmCalls()) > 0
	}), test.ShouldBeTrue)
	test.That(t, m.pwmCalls()[0], test.ShouldResemble, pwmCall{0.5, 0.5, -0.5, -0.5})
	test.That(t, len(m.driveCalls()), test.ShouldEqual, 0)
}

func TestStartingStraightForcesSteeringToZero(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("eager", PriorityHigh, func(dash *control.Dashboard, _ Result) *DriveCommand {
			if !dash.Started {
				return nil
			}
			return Steer(45, 1.0)
		}),
	})
	ap, m := startRuntime(t, map[string]config.AttributeMap{
		config.SectionAutoPilot: {
			"response_timeout":              0.2,
			"min_starting_straight_seconds": 60.0,
			"starting_straight_throttle":    0.7,
		},
	})

	ap.StartAutodrive()
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		for _, call := range m.driveCalls() {
			if call.throttle == 0.7 {
				return true
			}
		}
		return false
	}), test.ShouldBeTrue)

	for _, call := range m.driveCalls() {
		if call.throttle == 0 {
			continue // pre-autodrive coasting
		}
		test.That(t, call, test.ShouldResemble, driveCall{0, 0.7})
	}
}

func TestStartingStraightPWMPath(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("pwm", PriorityHigh, func(dash *control.Dashboard, _ Result) *DriveCommand {
			if !dash.Started {
				return nil
			}
			return PWMs(0.5, 0.4, 0.1, 0.2)
		}),
	})
	ap, m := startRuntime(t, map[string]config.AttributeMap{
		config.SectionAutoPilot: {
			"response_timeout":              0.2,
			"min_starting_straight_seconds": 60.0,
			"starting_straight_throttle":    0.9,
		},
	})

	ap.StartAutodrive()
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return len(m.pwmCalls()) > 0
	}), test.ShouldBeTrue)
	test.That(t, m.pwmCalls()[0], test.ShouldResemble, pwmCall{0.9, 0.9, 0.9, 0.9})
}

func TestMaxActivationStopsAutodrive(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("driver", PriorityHigh, func(dash *control.Dashboard, _ Result) *DriveCommand {
			if !dash.Started {
				return nil
			}
			return Steer(0, 1.0)
		}),
	})
	ap, m := startRuntime(t, map[string]config.AttributeMap{
		config.SectionAutoPilot: {
			"response_timeout":              0.2,
			"max_activation_seconds":        0.3,
			"min_starting_straight_seconds": 0.0,
		},
	})

	ap.StartAutodrive()
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		for _, call := range m.driveCalls() {
			if call.throttle == 1.0 {
				return true
			}
		}
		return false
	}), test.ShouldBeTrue)

	// past the activation budget autodrive turns itself off and the
	// runtime coasts again
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		return !ap.AutodriveStarted()
	}), test.ShouldBeTrue)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		calls := m.driveCalls()
		return len(calls) > 0 && calls[len(calls)-1] == driveCall{0, 0}
	}), test.ShouldBeTrue)
}

func TestCameraLagStopsWhenPipelineStalls(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("driver", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			return Steer(10, 0.5)
		}),
	})
	ap, m := startRuntime(t, map[string]config.AttributeMap{
		config.SectionAutoPilot: {
			"response_timeout":             0.2,
			"camera_lag_tolerance_seconds": 0.1,
		},
	})

	// pilot commands flow while the pipeline ticks
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		for _, call := range m.driveCalls() {
			if call == (driveCall{10, 0.5}) {
				return true
			}
		}
		return false
	}), test.ShouldBeTrue)

	// wedge the pipeline mid-tick the way a stalled camera decode
	// would; dashboards stop renewing entirely
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })
	ap.Control().RegisterDashboardEditor(func(*control.Dashboard) bool {
		<-release
		return false
	}, PriorityLow)

	// past the lag tolerance the arbiter issues the defensive stop
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		calls := m.driveCalls()
		return len(calls) > 0 && calls[len(calls)-1] == driveCall{0, 0}
	}), test.ShouldBeTrue)
}

func TestCameraLagSparesManualTakeover(t *testing.T) {
	withPilots(t, []pilotRegistration{
		scripted("driver", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			return Steer(10, 0.5)
		}),
	})
	ap, m := startRuntime(t, map[string]config.AttributeMap{
		config.SectionAutoPilot: {
			"response_timeout":             0.2,
			"camera_lag_tolerance_seconds": 0.1,
		},
	})

	// a console's pre-observer: while the operator is taking over it
	// cuts the observer chain ahead of the arbiter, but the pipeline
	// itself keeps ticking
	var takingOver atomic.Bool
	ap.Control().RegisterDashboardObserver(func(*control.Dashboard) bool {
		return takingOver.Load()
	}, PriorityHigh)

	test.That(t, waitFor(t, 5*time.Second, func() bool {
		for _, call := range m.driveCalls() {
			if call == (driveCall{10, 0.5}) {
				return true
			}
		}
		return false
	}), test.ShouldBeTrue)

	takingOver.Store(true)
	// well past the lag tolerance, manual driving must not be stuttered
	// by defensive stops
	time.Sleep(500 * time.Millisecond)
	for _, call := range m.driveCalls() {
		test.That(t, call, test.ShouldNotResemble, driveCall{0, 0})
	}
	takingOver.Store(false)
}

func TestRemoteControlMasksAutodrive(t *testing.T) {
	withPilots(t, nil)
	ap, _ := startRuntime(t, nil)

	ap.StartAutodrive()
	test.That(t, ap.AutodriveStarted(), test.ShouldBeTrue)

	ap.EnableRemoteControl()
	test.That(t, ap.RemoteControlEnabled(), test.ShouldBeTrue)
	test.That(t, ap.AutodriveStarted(), test.ShouldBeFalse)

	// disabling remote control does not resurrect the stopped autodrive
	ap.DisableRemoteControl()
	test.That(t, ap.AutodriveStarted(), test.ShouldBeFalse)
}

func TestStopWithStuckPilotWarnsAndProceeds(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	withPilots(t, []pilotRegistration{
		scripted("stuck", PriorityHigh, func(*control.Dashboard, Result) *DriveCommand {
			<-block
			return nil
		}),
	})
	ap, _ := startRuntime(t, map[string]config.AttributeMap{
		config.SectionAutoPilot: {"response_timeout": 0.05},
	})

	// give the pilot a tick to get stuck
	test.That(t, waitFor(t, 5*time.Second, func() bool {
		ap.mu.Lock()
		defer ap.mu.Unlock()
		return ap.dashboard != nil
	}), test.ShouldBeTrue)

	start := time.Now()
	test.That(t, ap.Stop(), test.ShouldBeNil)
	// bounded by 5x the response timeout, not by the pilot
	test.That(t, time.Since(start), test.ShouldBeLessThan, 5*time.Second)
	test.That(t, ap.State().State(), test.ShouldEqual, lifecycle.Stopped)
}

func TestStartStopIdempotence(t *testing.T) {
	withPilots(t, nil)
	ap, _ := startRuntime(t, nil)

	// start while started is a no-op
	test.That(t, ap.Start(ap.Control()), test.ShouldBeNil)
	test.That(t, ap.Stop(), test.ShouldBeNil)
	// stop while stopped is a no-op
	test.That(t, ap.Stop(), test.ShouldBeNil)
}

func TestAutodriveElapsed(t *testing.T) {
	withPilots(t, nil)
	ap, _ := startRuntime(t, nil)

	test.That(t, ap.AutodriveElapsed(), test.ShouldEqual, time.Duration(0))
	ap.StartAutodrive()
	time.Sleep(20 * time.Millisecond)
	test.That(t, ap.AutodriveElapsed(), test.ShouldBeGreaterThan, time.Duration(0))
	ap.StopAutodrive()
	test.That(t, ap.AutodriveElapsed(), test.ShouldEqual, time.Duration(0))
}
