package model

import (
	"math"
	"testing"

	"github.com/trendcar/trendcar/config"

	"go.viam.com/test"
)

func defaultKinematics() Kinematics {
	return Kinematics{
		SharpTurningAngle:  DefaultSharpTurningAngle,
		SharpTurningMinPWM: DefaultSharpTurningMinPWM,
		LowFriction:        true,
	}
}

func TestKinematicsFromConfig(t *testing.T) {
	cfg := config.FromMap(map[string]config.AttributeMap{
		config.SectionMotor: {
			"steering_sharp_turning_angle":   35.0,
			"steering_with_low_friction":     false,
			"steering_inversed":              true,
			"steering_sharp_turning_min_pwm": 0.5,
		},
	})
	k := KinematicsFromConfig(cfg)
	test.That(t, k.SharpTurningAngle, test.ShouldEqual, 35.0)
	test.That(t, k.SharpTurningMinPWM, test.ShouldEqual, 0.5)
	test.That(t, k.LowFriction, test.ShouldBeFalse)
	test.That(t, k.Inversed, test.ShouldBeTrue)

	k = KinematicsFromConfig(config.New())
	test.That(t, k.SharpTurningAngle, test.ShouldEqual, 40.0)
	test.That(t, k.LowFriction, test.ShouldBeTrue)
	test.That(t, k.Inversed, test.ShouldBeFalse)
}

func TestMotorPWMsDeadbandsAndStops(t *testing.T) {
	k := defaultKinematics()

	for _, throttle := range []float64{0, 0.001, -0.0019} {
		fl, rl, fr, rr := k.MotorPWMs(30, throttle)
		test.That(t, fl, test.ShouldEqual, 0.0)
		test.That(t, rl, test.ShouldEqual, 0.0)
		test.That(t, fr, test.ShouldEqual, 0.0)
		test.That(t, rr, test.ShouldEqual, 0.0)
	}

	// steering deadband snaps to zero, so the car goes straight
	fl, rl, fr, rr := k.MotorPWMs(0.004, 0.5)
	test.That(t, fl, test.ShouldEqual, 0.5)
	test.That(t, rl, test.ShouldEqual, 0.5)
	test.That(t, fr, test.ShouldEqual, 0.5)
	test.That(t, rr, test.ShouldEqual, 0.5)
}

func TestMotorPWMsStraightBand(t *testing.T) {
	k := defaultKinematics()
	for _, steering := range []float64{-5, -2.5, 0, 2.5, 5} {
		fl, rl, fr, rr := k.MotorPWMs(steering, -0.8)
		test.That(t, fl, test.ShouldEqual, -0.8)
		test.That(t, rl, test.ShouldEqual, -0.8)
		test.That(t, fr, test.ShouldEqual, -0.8)
		test.That(t, rr, test.ShouldEqual, -0.8)
	}
}

func TestMotorPWMsSpin(t *testing.T) {
	k := defaultKinematics()

	fl, rl, fr, rr := k.MotorPWMs(90, 0.6)
	test.That(t, fl, test.ShouldEqual, 0.6)
	test.That(t, rl, test.ShouldEqual, 0.6)
	test.That(t, fr, test.ShouldEqual, -0.6)
	test.That(t, rr, test.ShouldEqual, -0.6)

	fl, rl, fr, rr = k.MotorPWMs(-90, 0.6)
	test.That(t, fl, test.ShouldEqual, -0.6)
	test.That(t, rl, test.ShouldEqual, -0.6)
	test.That(t, fr, test.ShouldEqual, 0.6)
	test.That(t, rr, test.ShouldEqual, 0.6)

	// snapping near the extremes
	fl, _, _, _ = k.MotorPWMs(89.9951, 0.6)
	test.That(t, fl, test.ShouldEqual, 0.6)
	_, _, fr, _ = k.MotorPWMs(-89.996, 0.6)
	test.That(t, fr, test.ShouldEqual, 0.6)
}

func TestMotorPWMsLowFrictionInsideKnee(t *testing.T) {
	k := defaultKinematics()

	// +30° at half throttle: diff = 30/40 = 0.75; inner = 0.5,
	// outer = max(0.5 - 0.75, 0) = 0
	fl, rl, fr, rr := k.MotorPWMs(30, 0.5)
	test.That(t, fl, test.ShouldEqual, 0.5)
	test.That(t, rl, test.ShouldEqual, 0.5)
	test.That(t, fr, test.ShouldEqual, 0.0)
	test.That(t, rr, test.ShouldEqual, 0.0)

	// mirrored for a left turn
	fl, rl, fr, rr = k.MotorPWMs(-30, 0.5)
	test.That(t, fl, test.ShouldEqual, 0.0)
	test.That(t, rl, test.ShouldEqual, 0.0)
	test.That(t, fr, test.ShouldEqual, 0.5)
	test.That(t, rr, test.ShouldEqual, 0.5)

	// shallow turn keeps some outer drive: diff = 20/40 = 0.5
	fl, _, fr, _ = k.MotorPWMs(20, 0.9)
	test.That(t, fl, test.ShouldEqual, 0.9)
	test.That(t, fr, test.ShouldAlmostEqual, 0.4, 1e-9)

	// backward throttle keeps the same geometry with flipped signs
	fl, _, fr, _ = k.MotorPWMs(20, -0.9)
	test.That(t, fl, test.ShouldEqual, -0.9)
	test.That(t, fr, test.ShouldAlmostEqual, -0.4, 1e-9)

	// exactly at the knee the inner still carries throttle
	fl, _, fr, _ = k.MotorPWMs(40, 0.5)
	test.That(t, fl, test.ShouldEqual, 0.5)
	test.That(t, fr, test.ShouldEqual, 0.0)
}

func TestMotorPWMsLowFrictionBeyondKnee(t *testing.T) {
	k := defaultKinematics()

	// at the knee boundary the inner floor applies from there on
	fl, _, fr, _ := k.MotorPWMs(40.0001, 0.5)
	test.That(t, fl, test.ShouldAlmostEqual, 0.67, 0.001)
	test.That(t, fr, test.ShouldEqual, -0.01)

	// midway between knee and 90 the inner interpolates toward 1.0
	fl, _, fr, _ = k.MotorPWMs(65, 0.5)
	test.That(t, fl, test.ShouldAlmostEqual, 0.835, 0.001)
	test.That(t, fr, test.ShouldEqual, -0.01)

	// reverse throttle mirrors the brake direction
	_, _, fr, _ = k.MotorPWMs(65, -0.5)
	test.That(t, fr, test.ShouldEqual, 0.01)

	for _, steering := range []float64{10, 25, 40, 55, 70, 89} {
		fl, rl, fr, rr := k.MotorPWMs(steering, 1.0)
		m := math.Max(math.Max(math.Abs(fl), math.Abs(rl)), math.Max(math.Abs(fr), math.Abs(rr)))
		test.That(t, m, test.ShouldBeLessThanOrEqualTo, 1.0)
	}
}

func TestMotorPWMsLinearMode(t *testing.T) {
	k := defaultKinematics()
	k.LowFriction = false

	// inner side holds throttle; outer scales with (90-|s|)/90
	fl, rl, fr, rr := k.MotorPWMs(45, 0.8)
	test.That(t, fl, test.ShouldEqual, 0.8)
	test.That(t, rl, test.ShouldEqual, 0.8)
	test.That(t, fr, test.ShouldAlmostEqual, 0.4, 1e-9)
	test.That(t, rr, test.ShouldAlmostEqual, 0.4, 1e-9)

	fl, _, fr, _ = k.MotorPWMs(-45, 0.8)
	test.That(t, fl, test.ShouldAlmostEqual, 0.4, 1e-9)
	test.That(t, fr, test.ShouldEqual, 0.8)
}

func TestMotorPWMsInversed(t *testing.T) {
	k := defaultKinematics()
	k.Inversed = true

	// +30 behaves like -30: right side carries throttle
	fl, _, fr, _ := k.MotorPWMs(30, 0.5)
	test.That(t, fl, test.ShouldEqual, 0.0)
	test.That(t, fr, test.ShouldEqual, 0.5)
}
