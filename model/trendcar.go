package model

import (
	"fmt"
	"image"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/pca9685"
)

// TrendCarModelName is the registered name of the hardware model.
const TrendCarModelName = "trendcar"

// Default motor PWM calibration. Magnitudes below the minimum do not turn
// the physical motors, so positive requests are rescaled into this range.
const (
	DefaultMinValidMotorPWM = 0.2
	DefaultMaxValidMotorPWM = 1.0
)

// defaultMotorChannels maps each wheel to its (anode, cathode, enable)
// expander channels.
var defaultMotorChannels = map[Wheel][3]int{
	FrontLeft:  {0, 1, 2},
	RearLeft:   {3, 4, 5},
	FrontRight: {6, 7, 8},
	RearRight:  {9, 10, 11},
}

// pwmBus is the slice of the expander driver the model needs.
type pwmBus interface {
	SetChannel(ch int, duty float64) error
	Reset() error
	Close() error
}

// trendCarModel drives the physical car: a PCA9685 motor bus plus one or
// more V4L2 cameras.
type trendCarModel struct {
	cfg    *config.Config
	logger golog.Logger
	clock  clock.Clock

	channels map[Wheel][3]int
	pwmRange map[Wheel][2]float64

	openBus     func() (pwmBus, error)
	openCameras func() ([]FrameSource, error)

	bus     pwmBus
	cameras *cameraSet
}

func init() {
	RegisterModel(TrendCarModelName, NewTrendCarModel)
	RegisterModel(SimulatorModelName, NewSimulatorModel)
}

// NewTrendCarModel builds the hardware model from configuration.
func NewTrendCarModel(cfg *config.Config, logger golog.Logger) Model {
	m := &trendCarModel{
		cfg:      cfg,
		logger:   logger,
		clock:    clock.New(),
		channels: motorChannelsFromConfig(cfg),
		pwmRange: motorPWMRangeFromConfig(cfg),
	}
	m.openBus = func() (pwmBus, error) { return openPCA9685(cfg) }
	m.openCameras = func() ([]FrameSource, error) { return openFrameSources(cfg, logger) }
	return m
}

func motorChannelsFromConfig(cfg *config.Config) map[Wheel][3]int {
	section := cfg.Section(config.SectionPCA9685)
	channels := map[Wheel][3]int{}
	for wheel, defaults := range defaultMotorChannels {
		triple := defaults
		a := section.Int(wheel.String()+"_motor_a_channel", -1)
		k := section.Int(wheel.String()+"_motor_k_channel", -1)
		en := section.Int(wheel.String()+"_motor_en_channel", -1)
		if a >= 0 && k >= 0 && en >= 0 {
			triple = [3]int{a, k, en}
		}
		channels[wheel] = triple
	}
	return channels
}

func motorPWMRangeFromConfig(cfg *config.Config) map[Wheel][2]float64 {
	section := cfg.Section(config.SectionMotor)
	defMin := section.Float64("default_min_valid_motor_pwm", DefaultMinValidMotorPWM)
	defMax := section.Float64("default_max_valid_motor_pwm", DefaultMaxValidMotorPWM)

	ranges := map[Wheel][2]float64{}
	for _, wheel := range Wheels {
		ranges[wheel] = [2]float64{
			section.Float64(wheel.String()+"_motor_min_pwm", defMin),
			section.Float64(wheel.String()+"_motor_max_pwm", defMax),
		}
	}
	return ranges
}

func openPCA9685(cfg *config.Config) (pwmBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "cannot init host peripherals")
	}
	section := cfg.Section(config.SectionPCA9685)
	bus, err := i2creg.Open(section.String("i2c_bus", ""))
	if err != nil {
		return nil, errors.Wrap(err, "cannot open i2c bus")
	}
	dev, err := pca9685.New(bus, uint16(section.Int("i2c_addr", int(pca9685.DefaultAddr))))
	if err != nil {
		return nil, err
	}
	if freq := section.Float64("pwm_freq", 0); freq > 0 {
		if err := dev.SetPWMFreq(freq); err != nil {
			return nil, err
		}
	}
	return dev, nil
}

func (m *trendCarModel) Name() string { return TrendCarModelName }

// Begin initializes the motor bus and camera set. Any failure here is
// DeviceUnavailable and the model stays unusable.
func (m *trendCarModel) Begin(opts BeginOptions) error {
	if !opts.IgnorePlatformCheck && !isRaspberryPi() {
		return errors.New("not running on a raspberry pi")
	}

	bus, err := m.openBus()
	if err != nil {
		return errors.Wrap(err, "motor bus unavailable")
	}
	m.bus = bus

	sources, err := m.openCameras()
	if err != nil || len(sources) == 0 {
		closeQuietly(m.logger, m.bus)
		m.bus = nil
		if err == nil {
			err = errors.New("no cameras were available")
		}
		return errors.Wrap(err, "camera unavailable")
	}

	m.cameras = newCameraSet(m.cfg, m.logger, m.clock, sources)
	m.cameras.start()
	return nil
}

func (m *trendCarModel) End() error {
	if m.cameras != nil {
		m.cameras.stop()
		m.cameras = nil
	}

	var errs error
	if m.bus != nil {
		errs = multierr.Combine(m.bus.Reset(), m.bus.Close())
		m.bus = nil
	}
	return errs
}

// SetMotor writes one wheel's three channels as a single logical
// operation. Positive magnitudes are rescaled into the wheel's calibrated
// valid range so low commands still turn the motor.
func (m *trendCarModel) SetMotor(wheel Wheel, pwm float64) bool {
	if m.bus == nil {
		return false
	}
	triple, ok := m.channels[wheel]
	if !ok {
		m.logger.Warnw("no channels for motor", "motor", wheel)
		return false
	}

	anode, cathode, enable := triple[0], triple[1], triple[2]
	if pwm < 0 {
		anode, cathode = cathode, anode
		pwm = -pwm
	}
	if pwm > 1 {
		pwm = 1
	}
	if pwm > 0 {
		valid := m.pwmRange[wheel]
		pwm = pwm*(valid[1]-valid[0]) + valid[0]
	}

	enableDuty := 0.0
	if pwm > 0 {
		enableDuty = 1.0
	}

	if err := m.bus.SetChannel(anode, pwm); err != nil {
		m.logger.Warnw("motor channel write failed", "motor", wheel, "error", err)
		return false
	}
	if err := m.bus.SetChannel(cathode, 0); err != nil {
		m.logger.Warnw("motor channel write failed", "motor", wheel, "error", err)
		return false
	}
	if err := m.bus.SetChannel(enable, enableDuty); err != nil {
		m.logger.Warnw("motor channel write failed", "motor", wheel, "error", err)
		return false
	}
	return true
}

func (m *trendCarModel) DriveByPWMs(fl, rl, fr, rr float64, duration time.Duration) bool {
	ok := m.SetMotor(FrontLeft, fl)
	ok = m.SetMotor(RearLeft, rl) && ok
	ok = m.SetMotor(FrontRight, fr) && ok
	ok = m.SetMotor(RearRight, rr) && ok
	return ok
}

func (m *trendCarModel) Drive(steering, throttle float64, duration time.Duration, flipped bool) bool {
	if flipped {
		steering = -steering
		throttle = -throttle
	}
	fl, rl, fr, rr := KinematicsFromConfig(m.cfg).MotorPWMs(steering, throttle)
	return m.DriveByPWMs(fl, rl, fr, rr, duration)
}

func (m *trendCarModel) Snapshot(index int) image.Image {
	if m.cameras == nil {
		return nil
	}
	return m.cameras.snapshot(index)
}

func (m *trendCarModel) Snapshots() []image.Image {
	if m.cameras == nil {
		return nil
	}
	return m.cameras.snapshots()
}

func (m *trendCarModel) FrameWidth(index int) int  { return cameraSettings(m.cfg, index).width }
func (m *trendCarModel) FrameHeight(index int) int { return cameraSettings(m.cfg, index).height }
func (m *trendCarModel) FrameRate(index int) float64 {
	return cameraSettings(m.cfg, index).rate
}

// Vibrate rocks all motors forward then backward for 30ms each, count
// times, with a pause of interval after each pulse. The requested 0.1 PWM
// goes through SetMotor, which rescales it into the valid motor range.
func (m *trendCarModel) Vibrate(count int, interval time.Duration) bool {
	if m.bus == nil {
		return false
	}
	for i := 0; i < count; i++ {
		m.DriveByPWMs(0.1, 0.1, 0.1, 0.1, 0)
		m.clock.Sleep(30 * time.Millisecond)
		m.DriveByPWMs(-0.1, -0.1, -0.1, -0.1, 0)
		m.clock.Sleep(30 * time.Millisecond)
		m.DriveByPWMs(0, 0, 0, 0, 0)
		m.clock.Sleep(interval)
	}
	return true
}

func (m *trendCarModel) ReadyToGo() TriState { return Unknown }

func isRaspberryPi() bool {
	for _, path := range []string{"/proc/device-tree/model", "/sys/firmware/devicetree/base/model"} {
		if data, err := os.ReadFile(path); err == nil {
			if strings.Contains(string(data), "Raspberry Pi") {
				return true
			}
		}
	}
	return false
}

func closeQuietly(logger golog.Logger, closer interface{ Close() error }) {
	if err := closer.Close(); err != nil {
		logger.Debugw("close failed", "error", err)
	}
}

func cameraDevicePath(index int) string {
	return fmt.Sprintf("/dev/video%d", index)
}
