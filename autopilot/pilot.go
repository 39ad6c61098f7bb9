package autopilot

import (
	"github.com/edaniels/golog"

	"github.com/trendcar/trendcar/control"
)

// Result tells a pilot how its previous inquiry fared.
type Result int

// Inquiry results.
const (
	ResultNA Result = iota
	ResultTimedOut
	ResultAccepted
)

// Pilot priorities, aliased from the dashboard priorities so a pilot's
// inquiry and edit hooks share one scale.
const (
	PriorityHigh   = control.PriorityHigh
	PriorityNormal = control.PriorityNormal
	PriorityLow    = control.PriorityLow
)

// A DriveCommand is a pilot's proposal for one tick. Either all four
// per-wheel PWMs are present, or both Steering and Throttle; anything
// else is malformed and skipped.
type DriveCommand struct {
	Steering *float64
	Throttle *float64

	FrontLeftPWM  *float64
	RearLeftPWM   *float64
	FrontRightPWM *float64
	RearRightPWM  *float64

	// DurationSeconds bounds how long the command drives, [0, 5].
	DurationSeconds float64
	// Flipped overrides the dashboard's flipped flag when set.
	Flipped *bool
	// Override clears the dispatcher queue on admission.
	Override bool
}

// Steer builds a steering/throttle command.
func Steer(steering, throttle float64) *DriveCommand {
	return &DriveCommand{Steering: &steering, Throttle: &throttle}
}

// PWMs builds a per-wheel command.
func PWMs(fl, rl, fr, rr float64) *DriveCommand {
	return &DriveCommand{
		FrontLeftPWM:  &fl,
		RearLeftPWM:   &rl,
		FrontRightPWM: &fr,
		RearRightPWM:  &rr,
	}
}

func (cmd *DriveCommand) hasAllPWMs() bool {
	return cmd.FrontLeftPWM != nil && cmd.RearLeftPWM != nil &&
		cmd.FrontRightPWM != nil && cmd.RearRightPWM != nil
}

func (cmd *DriveCommand) hasAnyPWM() bool {
	return cmd.FrontLeftPWM != nil || cmd.RearLeftPWM != nil ||
		cmd.FrontRightPWM != nil || cmd.RearRightPWM != nil
}

// A Pilot proposes drive commands against dashboard ticks. Returning nil
// yields the tick to lower-priority pilots.
type Pilot interface {
	Name() string
	InquireDrive(dash *control.Dashboard, last Result) *DriveCommand
}

// A DashboardEditingPilot also mutates dashboards before broadcast.
type DashboardEditingPilot interface {
	Pilot
	EditDashboard(dash *control.Dashboard) bool
}

// Constructor builds a pilot at runtime startup. An error skips the
// pilot and is logged.
type Constructor func(ap *AutoPilot, logger golog.Logger) (Pilot, error)

// RegisterOption adjusts a pilot registration.
type RegisterOption func(*pilotRegistration)

// WithInquiryPriority sets the priority used to order the pilot during
// arbitration. Defaults to PriorityNormal.
func WithInquiryPriority(priority int) RegisterOption {
	return func(r *pilotRegistration) { r.inquiryPriority = priority }
}

// WithEditPriority sets the priority of the pilot's dashboard editor, if
// it has one. Defaults to PriorityNormal.
func WithEditPriority(priority int) RegisterOption {
	return func(r *pilotRegistration) { r.editPriority = priority }
}

type pilotRegistration struct {
	constructor     Constructor
	inquiryPriority int
	editPriority    int
}

var pilotRegistry []pilotRegistration

// RegisterPilot adds a pilot to the global registry. Priorities are
// resolved here, at registration time, never at the hot path.
func RegisterPilot(constructor Constructor, opts ...RegisterOption) {
	r := pilotRegistration{
		constructor:     constructor,
		inquiryPriority: PriorityNormal,
		editPriority:    PriorityNormal,
	}
	for _, opt := range opts {
		opt(&r)
	}
	pilotRegistry = append(pilotRegistry, r)
}
