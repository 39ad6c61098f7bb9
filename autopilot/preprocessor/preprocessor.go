// Package preprocessor carries the dashboard preprocessing pilot: the
// track-view ROI editor and the go-sign perception proxy that flips the
// runtime into autodrive.
package preprocessor

import (
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"

	"github.com/trendcar/trendcar/autopilot"
	"github.com/trendcar/trendcar/control"
)

// The track view is the bottom band of the frame.
const (
	bottomViewStart = 0.55
	bottomViewStop  = 1.00
)

// Preprocessor is a HIGH-priority pilot that never proposes commands; it
// feeds frames to the go-detect proxy and crops the track view for the
// pilots behind it.
type Preprocessor struct {
	ap     *autopilot.AutoPilot
	logger golog.Logger

	mu          sync.Mutex
	proxy       *GoDetectProxy
	ready       bool
	lastDetect  time.Time
	minInterval time.Duration
}

func init() {
	autopilot.RegisterPilot(
		func(ap *autopilot.AutoPilot, logger golog.Logger) (autopilot.Pilot, error) {
			return NewPreprocessor(ap, logger), nil
		},
		autopilot.WithInquiryPriority(autopilot.PriorityHigh),
		autopilot.WithEditPriority(autopilot.PriorityHigh),
	)
}

// NewPreprocessor builds the preprocessing pilot.
func NewPreprocessor(ap *autopilot.AutoPilot, logger golog.Logger) *Preprocessor {
	return &Preprocessor{ap: ap, logger: logger}
}

// Name implements Pilot.
func (p *Preprocessor) Name() string { return "Preprocessor" }

// EditDashboard publishes the track view: the bottom band of the frame,
// color-flattened for the driving pilots.
func (p *Preprocessor) EditDashboard(dash *control.Dashboard) bool {
	if dash.Frame == nil {
		return false
	}
	bounds := dash.Frame.Bounds()
	yStart := bounds.Min.Y + int(bottomViewStart*float64(bounds.Dy()))
	yStop := bounds.Min.Y + int(bottomViewStop*float64(bounds.Dy()))

	bottom := imaging.Crop(dash.Frame, image.Rect(bounds.Min.X, yStart, bounds.Max.X, yStop))
	dash.TrackView = flattenRGB(bottom)
	dash.TrackViewInfo = &control.TrackViewInfo{YStart: yStart, YStop: yStop}
	return false
}

// InquireDrive runs go-sign detection while the car is idle. It never
// proposes a command.
func (p *Preprocessor) InquireDrive(dash *control.Dashboard, _ autopilot.Result) *autopilot.DriveCommand {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ap.RemoteControlEnabled() || p.ap.AutodriveStarted() {
		p.quiesceLocked()
		return nil
	}
	if dash.Frame == nil {
		return nil
	}
	now := time.Now()
	if p.minInterval > 0 && !p.lastDetect.IsZero() && now.Sub(p.lastDetect) < p.minInterval {
		return nil
	}

	if p.proxy == nil {
		p.proxy = NewGoDetectProxy(p.logger)
	}
	detected, rect, count := p.proxy.Submit(dash.Frame)

	dash.FocusedRect = rect
	if rect != nil {
		dash.FocusedCount = count
	} else {
		dash.FocusedCount = 0
	}

	if count >= 0 && !p.ready {
		// the service just came alive; buzz so the track crew knows
		p.ap.Vibrate(3)
		p.ready = true
	}

	if detected {
		p.logger.Info("go detected, starting autodrive")
		p.quiesceLocked()
		p.ap.StartAutodrive()
		return nil
	}

	p.lastDetect = now
	return nil
}

// quiesceLocked resets the perception stack until the next idle phase.
func (p *Preprocessor) quiesceLocked() {
	if p.proxy != nil {
		p.proxy.Reset()
	}
	p.ready = false
	p.lastDetect = time.Time{}
}

// Close releases the proxy and its child process.
func (p *Preprocessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proxy != nil {
		p.proxy.Close()
		p.proxy = nil
	}
}

// flattenRGB saturates each channel where it dominates the pixel, the
// same flattening the track-following pilots train against.
func flattenRGB(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r16, g16, b16, _ := img.At(x, y).RGBA()
			r, g, b := int(r16>>8), int(g16>>8), int(b16>>8)

			var or, og, ob uint8
			if r >= g && r >= b && r >= 120 && g < 150 && b < 150 {
				or = 255
			}
			if g >= r && g >= b && g >= 120 && r < 150 && b < 150 {
				og = 255
			}
			if b >= r && b >= g && b >= 120 && r < 150 && g < 150 {
				ob = 255
			}
			out.SetNRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.NRGBA{R: or, G: og, B: ob, A: 255})
		}
	}
	return out
}
