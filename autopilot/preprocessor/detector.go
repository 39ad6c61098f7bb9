package preprocessor

import (
	"image"
	"image/color"
	"time"
)

// A Detection is one classifier verdict over a frame.
type Detection struct {
	Detected bool
	// Rect is the union of candidate windows, nil when none matched.
	Rect  *image.Rectangle
	Count int
	// Elapsed is the classifier's own processing time in seconds.
	Elapsed float64
}

// A Detector finds the go sign in a frame. Implementations may be an
// in-process heuristic or a subprocess-hosted model behind the same
// contract.
type Detector interface {
	Detect(frame image.Image) Detection
}

// Sliding-window parameters for the red-mask detector.
const (
	windowHeight = 20
	windowWidth  = 40
	windowStride = 5

	minMaskRatio = 0.05
	maxMaskRatio = 0.5

	// detections are accumulated over the most recent frames; the sign
	// counts as seen only when the running total clears the floor
	accumulateFrames  = 5
	minAccumulatedHit = 10
)

// redMaskDetector looks for the red go sign in the upper two fifths of
// the frame by sliding candidate windows over a red-channel mask.
type redMaskDetector struct {
	recent []int
	now    func() time.Time
}

// NewRedMaskDetector returns the in-process go-sign detector.
func NewRedMaskDetector() Detector {
	return &redMaskDetector{now: time.Now}
}

func (d *redMaskDetector) Detect(frame image.Image) Detection {
	start := d.now()
	if frame == nil {
		return Detection{}
	}
	bounds := frame.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return Detection{}
	}

	// only the sky band can hold the sign
	roi := image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Max.X, bounds.Min.Y+bounds.Dy()*2/5)
	mask := redMask(frame, roi)

	var union image.Rectangle
	count := 0
	for y := 0; y+windowHeight <= len(mask); y += windowStride {
		row := mask[y]
		for x := 0; x+windowWidth <= len(row); x += windowStride {
			ratio := maskRatio(mask, x, y)
			if ratio <= minMaskRatio || ratio >= maxMaskRatio {
				continue
			}
			window := image.Rect(roi.Min.X+x, roi.Min.Y+y, roi.Min.X+x+windowWidth, roi.Min.Y+y+windowHeight)
			if count == 0 {
				union = window
			} else {
				union = union.Union(window)
			}
			count++
		}
	}

	d.recent = append(d.recent, count)
	if len(d.recent) > accumulateFrames {
		d.recent = d.recent[len(d.recent)-accumulateFrames:]
	}
	total := 0
	for _, n := range d.recent {
		total += n
	}

	det := Detection{
		Detected: total > minAccumulatedHit,
		Count:    count,
		Elapsed:  d.now().Sub(start).Seconds(),
	}
	if count > 0 {
		det.Rect = &union
	}
	return det
}

// redMask builds a boolean mask of strongly red pixels over the ROI.
func redMask(frame image.Image, roi image.Rectangle) [][]bool {
	mask := make([][]bool, roi.Dy())
	for y := range mask {
		row := make([]bool, roi.Dx())
		for x := range row {
			row[x] = isRed(frame.At(roi.Min.X+x, roi.Min.Y+y))
		}
		mask[y] = row
	}
	return mask
}

// isRed approximates the classifier's HSV red bands in RGB space.
func isRed(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	r8, g8, b8 := int(r>>8), int(g>>8), int(b>>8)
	return r8 >= 120 && r8 > g8*2 && r8 > b8*2
}

func maskRatio(mask [][]bool, x, y int) float64 {
	hits := 0
	for dy := 0; dy < windowHeight; dy++ {
		row := mask[y+dy]
		for dx := 0; dx < windowWidth; dx++ {
			if row[x+dx] {
				hits++
			}
		}
	}
	return float64(hits) / float64(windowHeight*windowWidth)
}
