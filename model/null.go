package model

import (
	"image"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/trendcar/trendcar/config"
)

// NullModelName is the registered name of the do-nothing model.
const NullModelName = "null"

// nullModel satisfies Model without any hardware. It is the fallback when
// detection finds nothing; its Begin always fails so callers know no
// device is behind it.
type nullModel struct {
	cfg    *config.Config
	logger golog.Logger
}

func newNullModel(cfg *config.Config, logger golog.Logger) Model {
	return &nullModel{cfg: cfg, logger: logger}
}

func (m *nullModel) Name() string { return NullModelName }

func (m *nullModel) Begin(opts BeginOptions) error {
	return errors.New("null model has no device")
}

func (m *nullModel) End() error { return nil }

func (m *nullModel) SetMotor(Wheel, float64) bool { return false }

func (m *nullModel) DriveByPWMs(fl, rl, fr, rr float64, duration time.Duration) bool {
	return false
}

func (m *nullModel) Drive(steering, throttle float64, duration time.Duration, flipped bool) bool {
	return false
}

func (m *nullModel) Snapshot(int) image.Image { return nil }

func (m *nullModel) Snapshots() []image.Image { return nil }

func (m *nullModel) FrameWidth(index int) int {
	return cameraSettings(m.cfg, index).width
}

func (m *nullModel) FrameHeight(index int) int {
	return cameraSettings(m.cfg, index).height
}

func (m *nullModel) FrameRate(index int) float64 {
	return cameraSettings(m.cfg, index).rate
}

func (m *nullModel) Vibrate(int, time.Duration) bool { return false }

func (m *nullModel) ReadyToGo() TriState { return Unknown }
