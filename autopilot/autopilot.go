// Package autopilot arbitrates between autonomous pilots and drives the
// accepted command into the control runtime.
package autopilot

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/control"
	"github.com/trendcar/trendcar/lifecycle"
	"github.com/trendcar/trendcar/model"
)

// Safety gate defaults.
const (
	DefaultResponseTimeout     = 750 * time.Millisecond
	DefaultMaxActivation       = 320.0
	DefaultMinStartingStraight = 0.5
	DefaultStartingStraightPWM = 1.0
	DefaultCameraLagTolerance  = 1.0
	DefaultJPEGQualityLevel    = 80
	pilotStopGraceMultiplier   = 5
)

// AutoPilot owns the pilot workers and the arbitration loop. It observes
// the control runtime's dashboards; it never holds a pointer into the
// pipeline beyond the observer registration.
type AutoPilot struct {
	cfg    *config.Config
	logger golog.Logger
	clock  clock.Clock
	state  *lifecycle.Machine

	mu         sync.Mutex
	cond       *sync.Cond
	control    *control.Control
	observerID control.HandlerID
	trackerID  control.HandlerID
	attached   bool
	dashboard  *control.Dashboard
	// lastTickAt advances on every produced dashboard, even when a
	// taking-over console short-circuits the observer chain before the
	// arbiter's observer runs; see trackDashboardTick
	lastTickAt time.Time

	// tick is the sequence number of the dashboard being arbitrated;
	// runners compare against it without taking ap.mu.
	tick atomic.Int64

	pilots []*pilotRunner

	remoteControl    atomic.Bool
	autodriveStarted atomic.Bool
	autodriveAt      atomic.Int64
	recording        atomic.Bool

	// arbitration settings, loaded from config at Start
	responseTimeout      time.Duration
	maxActivation        time.Duration
	minStartingStraight  time.Duration
	startingStraightPWM  float64
	cameraLagTolerance   time.Duration
	dashboardRenewBudget time.Duration
	recordingFolder      string
	jpegQuality          int

	pilotStartedAt time.Time

	workers sync.WaitGroup
}

// New builds an AutoPilot. Call Start with a started Control to serve.
func New(cfg *config.Config, logger golog.Logger) *AutoPilot {
	return NewWithClock(cfg, logger, clock.New())
}

// NewWithClock builds an AutoPilot with an explicit clock for tests.
func NewWithClock(cfg *config.Config, logger golog.Logger, clk clock.Clock) *AutoPilot {
	ap := &AutoPilot{
		cfg:    cfg,
		logger: logger,
		clock:  clk,
		state:  lifecycle.NewWithClock(clk),
	}
	ap.cond = sync.NewCond(&ap.mu)
	return ap
}

// Start attaches to the control runtime and launches the arbitration
// worker. It blocks until the worker is serving.
func (ap *AutoPilot) Start(ctrl *control.Control) error {
	ap.state.WaitFor(lifecycle.Init, lifecycle.Started, lifecycle.Stopped)
	if ap.state.Ready() {
		return nil
	}
	ap.state.TransitionTo(lifecycle.Starting)

	ap.loadSettings()
	ap.attachControl(ctrl)

	ap.workers.Add(1)
	goutils.ManagedGo(ap.serve, ap.workers.Done)

	if !ap.state.WaitForTimeout(10*time.Second, lifecycle.Started, lifecycle.Stopped) ||
		!ap.state.Ready() {
		ap.detachControl()
		return errors.New("autopilot worker did not start")
	}
	return nil
}

// Stop winds down the arbitration worker and the pilot workers.
func (ap *AutoPilot) Stop() error {
	ap.state.WaitFor(lifecycle.Init, lifecycle.Started, lifecycle.Stopped)
	if !ap.state.CompareAndTransition(lifecycle.Started, lifecycle.Stopping) {
		return nil
	}

	ap.mu.Lock()
	ap.cond.Broadcast()
	ap.mu.Unlock()

	ap.workers.Wait()
	ap.detachControl()
	return nil
}

// State returns the autopilot's lifecycle machine.
func (ap *AutoPilot) State() *lifecycle.Machine { return ap.state }

func (ap *AutoPilot) loadSettings() {
	section := ap.cfg.Section(config.SectionAutoPilot)
	ap.responseTimeout = secondsToDuration(section.Float64("response_timeout", DefaultResponseTimeout.Seconds()))
	ap.maxActivation = secondsToDuration(section.Float64("max_activation_seconds", DefaultMaxActivation))
	ap.minStartingStraight = secondsToDuration(section.Float64("min_starting_straight_seconds", DefaultMinStartingStraight))
	ap.startingStraightPWM = section.Float64("starting_straight_throttle", DefaultStartingStraightPWM)
	ap.cameraLagTolerance = secondsToDuration(section.Float64("camera_lag_tolerance_seconds", DefaultCameraLagTolerance))

	// the renew budget is the smallest positive safety window, so the
	// camera-lag stop can actually fire
	ap.dashboardRenewBudget = 0
	for _, window := range []time.Duration{ap.cameraLagTolerance, ap.minStartingStraight, ap.maxActivation} {
		if window <= 0 {
			continue
		}
		if ap.dashboardRenewBudget == 0 || window < ap.dashboardRenewBudget {
			ap.dashboardRenewBudget = window
		}
	}

	defaults := ap.cfg.Section(config.SectionDefault)
	ap.recordingFolder = defaults.String("recording_folder", "")
	ap.jpegQuality = defaults.Int("jpeg_quality_level", DefaultJPEGQualityLevel)
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

func (ap *AutoPilot) attachControl(ctrl *control.Control) {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if ap.attached {
		return
	}
	ap.control = ctrl
	// the tracker is an editor so it fires on every produced tick; a
	// console pre-observer returning true only cuts the observer chain
	ap.trackerID = ctrl.RegisterDashboardEditor(ap.trackDashboardTick, control.PriorityHigh)
	ap.observerID = ctrl.RegisterDashboardObserver(ap.observeDashboard, control.PriorityNormal)
	ap.attached = true
}

func (ap *AutoPilot) detachControl() {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	if !ap.attached {
		return
	}
	ap.control.UnregisterDashboardEditor(ap.trackerID)
	ap.control.UnregisterDashboardObserver(ap.observerID)
	ap.attached = false
}

// trackDashboardTick records that the pipeline produced a dashboard.
// The camera-lag gate keys off this timestamp, not the last dashboard
// the arbiter observed, so a manual takeover that starves the arbiter
// of ticks does not read as a stalled camera.
func (ap *AutoPilot) trackDashboardTick(dash *control.Dashboard) bool {
	ap.mu.Lock()
	ap.lastTickAt = dash.Timestamp
	ap.mu.Unlock()
	return false
}

// Control returns the attached control runtime, or nil.
func (ap *AutoPilot) Control() *control.Control {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.control
}

// observeDashboard is the pipeline observer hook: it publishes the tick
// for the arbitration loop and mirrors the autodrive state back into the
// record. ReadyToGo transitions start and stop autodrive.
func (ap *AutoPilot) observeDashboard(dash *control.Dashboard) bool {
	ap.mu.Lock()
	defer ap.mu.Unlock()

	ap.dashboard = dash
	switch dash.ReadyToGo {
	case model.Yes:
		ap.startAutodrive()
	case model.No:
		ap.stopAutodrive()
	}
	dash.Started = ap.AutodriveStarted()
	ap.cond.Broadcast()
	return false
}

func (ap *AutoPilot) currentDashboard() *control.Dashboard {
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.dashboard
}

// StartAutodrive activates autonomous driving.
func (ap *AutoPilot) StartAutodrive() { ap.startAutodrive() }

func (ap *AutoPilot) startAutodrive() {
	ap.autodriveStarted.Store(true)
	ap.autodriveAt.Store(ap.clock.Now().UnixNano())
}

// StopAutodrive deactivates autonomous driving.
func (ap *AutoPilot) StopAutodrive() { ap.stopAutodrive() }

func (ap *AutoPilot) stopAutodrive() {
	ap.autodriveStarted.Store(false)
	ap.autodriveAt.Store(0)
}

// AutodriveStarted reports whether autodrive is active. Remote control
// masks autodrive entirely.
func (ap *AutoPilot) AutodriveStarted() bool {
	if ap.RemoteControlEnabled() {
		return false
	}
	return ap.autodriveStarted.Load()
}

// AutodriveElapsed returns how long autodrive has been active.
func (ap *AutoPilot) AutodriveElapsed() time.Duration {
	at := ap.autodriveAt.Load()
	if at == 0 {
		return 0
	}
	return ap.clock.Now().Sub(time.Unix(0, at))
}

// EnableRemoteControl hands the car to the remote operator; autodrive
// stops in the same epoch.
func (ap *AutoPilot) EnableRemoteControl() {
	ap.remoteControl.Store(true)
	ap.stopAutodrive()
}

// DisableRemoteControl returns the car to autonomous availability.
func (ap *AutoPilot) DisableRemoteControl() { ap.remoteControl.Store(false) }

// RemoteControlEnabled reports whether a remote operator has the car.
func (ap *AutoPilot) RemoteControlEnabled() bool { return ap.remoteControl.Load() }

// StartRecording snapshots accepted commands with their frames.
func (ap *AutoPilot) StartRecording() { ap.recording.Store(true) }

// StopRecording ends the snapshot stream.
func (ap *AutoPilot) StopRecording() { ap.recording.Store(false) }

// IsRecording reports whether recording is active.
func (ap *AutoPilot) IsRecording() bool { return ap.recording.Load() }

// Drive routes a manual command through the same gates as pilot output.
func (ap *AutoPilot) Drive(steering, throttle float64) bool {
	ctrl := ap.Control()
	if ctrl == nil {
		return false
	}
	if ap.duringStartingStraight() {
		steering = 0
		if ap.startingStraightPWM > 0 {
			throttle = inheritSign(ap.startingStraightPWM, throttle)
		}
	}
	return ctrl.Drive(steering, throttle, 0, false, false)
}

// Vibrate stops the car and pulses feedback.
func (ap *AutoPilot) Vibrate(count int) {
	ctrl := ap.Control()
	if ctrl == nil {
		return
	}
	ctrl.Drive(0, 0, 0, false, false)
	for i := 0; i < count; i++ {
		ctrl.Vibrate(3, 10*time.Millisecond)
		ap.clock.Sleep(200 * time.Millisecond)
	}
}

// snapshotRecording writes the accepted command's frame to the recording
// folder, tagged with the command parameters.
func (ap *AutoPilot) snapshotRecording(dash *control.Dashboard, suffix string) {
	if dash == nil || dash.Frame == nil || ap.recordingFolder == "" {
		return
	}
	if err := os.MkdirAll(ap.recordingFolder, 0o755); err != nil {
		ap.logger.Warnw("unable to create recording folder", "folder", ap.recordingFolder, "error", err)
		return
	}

	name := fmt.Sprintf("recording-%s-auto%s.jpg",
		ap.clock.Now().Format("20060102-150405.000000"), suffix)
	path := filepath.Join(ap.recordingFolder, name)
	if err := imaging.Save(dash.Frame, path, imaging.JPEGQuality(ap.jpegQuality)); err != nil {
		ap.logger.Warnw("unable to record frame", "path", path, "error", err)
	}
}

func recordingSuffixSteer(steering, throttle float64) string {
	return fmt.Sprintf(",s=%+06.2f,t=%+06.3f", steering, throttle)
}

func recordingSuffixPWMs(fl, rl, fr, rr float64) string {
	return fmt.Sprintf(",fl=%+06.3f,rl=%+06.3f,fr=%+06.3f,rr=%+06.3f", fl, rl, fr, rr)
}

// initPilots instantiates every registered pilot, starts its worker, and
// registers its dashboard editor. Construction failures skip the pilot.
func (ap *AutoPilot) initPilots() {
	for _, reg := range pilotRegistry {
		pilot, err := reg.constructor(ap, ap.logger)
		if err != nil {
			ap.logger.Errorw("unable to create pilot", "error", err)
			continue
		}
		runner := newPilotRunner(pilot, reg.inquiryPriority, len(ap.pilots))
		runner.start(ap)

		if editor, ok := pilot.(DashboardEditingPilot); ok {
			ctrl := ap.Control()
			runner.editID = ctrl.RegisterDashboardEditor(editor.EditDashboard, reg.editPriority)
			runner.hasEdit = true
		}

		ap.pilots = append(ap.pilots, runner)
		ap.logger.Infow("pilot loaded", "pilot", pilot.Name())
	}

	sort.SliceStable(ap.pilots, func(i, j int) bool {
		if ap.pilots[i].priority != ap.pilots[j].priority {
			return ap.pilots[i].priority > ap.pilots[j].priority
		}
		return ap.pilots[i].index < ap.pilots[j].index
	})

	names := make([]string, 0, len(ap.pilots))
	for _, r := range ap.pilots {
		names = append(names, r.pilot.Name())
	}
	ap.logger.Infow("pilots sorted by priority", "pilots", names)
}

// uninitPilots unregisters editors and waits a bounded grace for each
// worker; a pilot still inside InquireDrive is abandoned with a warning.
func (ap *AutoPilot) uninitPilots() {
	for i := len(ap.pilots) - 1; i >= 0; i-- {
		runner := ap.pilots[i]
		if runner.hasEdit {
			if ctrl := ap.Control(); ctrl != nil {
				ctrl.UnregisterDashboardEditor(runner.editID)
			}
		}
		if !runner.stop(ap, pilotStopGraceMultiplier*ap.responseTimeout) {
			ap.logger.Warnw("pilot is blocked in inquiry; abandoning its worker",
				"pilot", runner.pilot.Name())
		} else {
			ap.logger.Infow("pilot unloaded", "pilot", runner.pilot.Name())
		}
	}
	ap.pilots = nil
}

func inheritSign(magnitude, from float64) float64 {
	if from < 0 {
		return -magnitude
	}
	return magnitude
}
