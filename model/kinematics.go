package model

import "github.com/trendcar/trendcar/config"

// Kinematics holds the steering/throttle shaping parameters.
type Kinematics struct {
	SharpTurningAngle  float64
	SharpTurningMinPWM float64
	LowFriction        bool
	Inversed           bool
}

// Kinematics defaults.
const (
	DefaultSharpTurningAngle  = 40.0
	DefaultSharpTurningMinPWM = 0.67
)

// KinematicsFromConfig reads the MOTOR section's steering parameters.
func KinematicsFromConfig(cfg *config.Config) Kinematics {
	motor := cfg.Section(config.SectionMotor)
	return Kinematics{
		SharpTurningAngle:  motor.Float64("steering_sharp_turning_angle", DefaultSharpTurningAngle),
		SharpTurningMinPWM: motor.Float64("steering_sharp_turning_min_pwm", DefaultSharpTurningMinPWM),
		LowFriction:        motor.Bool("steering_with_low_friction", true),
		Inversed:           motor.Bool("steering_inversed", false),
	}
}

// MotorPWMs maps a steering angle in degrees and a throttle in [-1, 1] to
// the four wheel PWMs (FL, RL, FR, RR). Positive steering steers right:
// the left wheels carry throttle and the right wheels become the brake
// side; mirrored for negative steering.
func (k Kinematics) MotorPWMs(steering, throttle float64) (fl, rl, fr, rr float64) {
	if k.Inversed {
		steering = -steering
	}

	if throttle > -0.002 && throttle < 0.002 {
		throttle = 0
	}
	switch {
	case steering >= -0.005 && steering <= 0.005:
		steering = 0
	case steering <= -89.995:
		steering = -90
	case steering >= 89.995:
		steering = 90
	}

	if throttle == 0 {
		return 0, 0, 0, 0
	}
	if steering >= -5 && steering <= 5 {
		return throttle, throttle, throttle, throttle
	}
	if steering >= 90 {
		return throttle, throttle, -throttle, -throttle
	}
	if steering <= -90 {
		return -throttle, -throttle, throttle, throttle
	}

	inner, outer := k.shapedPWMs(steering, throttle)
	if steering > 5 {
		return inner, inner, outer, outer
	}
	return outer, outer, inner, inner
}

// shapedPWMs returns the (inner, outer) side PWMs for 5° < |steering| < 90°.
func (k Kinematics) shapedPWMs(steering, throttle float64) (inner, outer float64) {
	angle := steering
	if angle < 0 {
		angle = -angle
	}

	if !k.LowFriction {
		return throttle, throttle * (90 - angle) / 90
	}

	direction := 1.0
	magnitude := throttle
	if throttle < 0 {
		direction = -1.0
		magnitude = -throttle
	}

	if angle <= k.SharpTurningAngle {
		diff := angle / k.SharpTurningAngle
		outer := magnitude - diff
		if outer < 0 {
			outer = 0
		}
		return magnitude * direction, outer * direction
	}

	// beyond the knee the outer side gently reverse-brakes while the
	// inner side scales from the sharp-turn floor up to full power
	inner = mapProportional(angle, k.SharpTurningAngle, 90, k.SharpTurningMinPWM, 1.0)
	return inner * direction, -0.01 * direction
}

func mapProportional(value, fromLower, fromUpper, toLower, toUpper float64) float64 {
	return toLower + (value-fromLower)/(fromUpper-fromLower)*(toUpper-toLower)
}
