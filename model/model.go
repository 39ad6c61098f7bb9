// Package model abstracts the car hardware: motors, cameras, and the
// feedback channel, plus the steering/throttle kinematic mapping.
package model

import (
	"image"
	"time"

	"github.com/edaniels/golog"

	"github.com/trendcar/trendcar/config"
)

// TriState answers "ready to go?" without forcing an answer.
type TriState int

// TriState values.
const (
	Unknown TriState = iota
	Yes
	No
)

func (t TriState) String() string {
	switch t {
	case Yes:
		return "yes"
	case No:
		return "no"
	}
	return "unknown"
}

// Wheel identifies one of the four drive motors.
type Wheel int

// The four wheels, plus AllWheels for broadcast operations.
const (
	FrontLeft Wheel = iota
	RearLeft
	FrontRight
	RearRight
	AllWheels
)

func (w Wheel) String() string {
	switch w {
	case FrontLeft:
		return "front_left"
	case RearLeft:
		return "rear_left"
	case FrontRight:
		return "front_right"
	case RearRight:
		return "rear_right"
	case AllWheels:
		return "all"
	}
	return "unknown"
}

// Wheels lists the four drive wheels in channel order.
var Wheels = []Wheel{FrontLeft, RearLeft, FrontRight, RearRight}

// BeginOptions modify device initialization.
type BeginOptions struct {
	// Detecting softens logging; the caller is probing for a model that
	// fits the platform and failure is expected.
	Detecting bool
	// IgnorePlatformCheck begins even off the expected platform.
	IgnorePlatformCheck bool
}

// Model is the device abstraction the runtime drives.
type Model interface {
	Name() string

	// Begin initializes the device. An error means DeviceUnavailable.
	Begin(opts BeginOptions) error
	// End releases the device.
	End() error

	// SetMotor applies a signed PWM in [-1, 1] to one wheel. A false
	// return is a transient write failure; driving continues.
	SetMotor(wheel Wheel, pwm float64) bool
	// DriveByPWMs applies all four wheel PWMs as one logical operation.
	DriveByPWMs(fl, rl, fr, rr float64, duration time.Duration) bool
	// Drive maps (steering°, throttle) through the kinematic model.
	Drive(steering, throttle float64, duration time.Duration, flipped bool) bool

	// Snapshot returns the most recent frame of one camera, or nil.
	Snapshot(index int) image.Image
	// Snapshots returns the most recent frame of every camera.
	Snapshots() []image.Image

	FrameWidth(index int) int
	FrameHeight(index int) int
	FrameRate(index int) float64

	// Vibrate pulses the motors as physical feedback.
	Vibrate(count int, interval time.Duration) bool

	// ReadyToGo reports whether the world says driving may start.
	ReadyToGo() TriState
}

// Constructor builds a model from configuration.
type Constructor func(cfg *config.Config, logger golog.Logger) Model

type registration struct {
	name        string
	constructor Constructor
}

var registry []registration

// RegisterModel adds a named model constructor. Registration order is the
// auto-detect probe order.
func RegisterModel(name string, constructor Constructor) {
	registry = append(registry, registration{name, constructor})
}

// ModelNames returns the registered model names in probe order.
func ModelNames() []string {
	names := make([]string, 0, len(registry))
	for _, r := range registry {
		names = append(names, r.name)
	}
	return names
}

// NewModel constructs the named model, or the null model when the name is
// unknown or empty.
func NewModel(name string, cfg *config.Config, logger golog.Logger) Model {
	for _, r := range registry {
		if r.name == name {
			return r.constructor(cfg, logger)
		}
	}
	return newNullModel(cfg, logger)
}

// AutoDetect probes each registered model in order and returns the first
// one whose Begin succeeds, already begun. When none fits, it returns the
// null model, not yet begun.
func AutoDetect(cfg *config.Config, logger golog.Logger) Model {
	for _, r := range registry {
		m := r.constructor(cfg, logger)
		logger.Debugw("trying model", "model", m.Name())
		if err := m.Begin(BeginOptions{Detecting: true}); err != nil {
			logger.Debugw("model unavailable", "model", m.Name(), "error", err)
			continue
		}
		return m
	}
	return newNullModel(cfg, logger)
}
