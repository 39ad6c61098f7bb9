package preprocessor

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"go.viam.com/test"
)

func grayFrame(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.NRGBA{90, 90, 90, 255}), image.Point{}, draw.Src)
	return img
}

func withRedSign(img *image.NRGBA, rect image.Rectangle) *image.NRGBA {
	draw.Draw(img, rect, image.NewUniform(color.NRGBA{220, 30, 30, 255}), image.Point{}, draw.Src)
	return img
}

func TestDetectNilAndEmptyFrames(t *testing.T) {
	d := NewRedMaskDetector()
	det := d.Detect(nil)
	test.That(t, det.Detected, test.ShouldBeFalse)
	test.That(t, det.Count, test.ShouldEqual, 0)

	det = d.Detect(image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	test.That(t, det.Detected, test.ShouldBeFalse)
}

func TestDetectNoSign(t *testing.T) {
	d := NewRedMaskDetector()
	for i := 0; i < 10; i++ {
		det := d.Detect(grayFrame(160, 120))
		test.That(t, det.Detected, test.ShouldBeFalse)
		test.That(t, det.Count, test.ShouldEqual, 0)
		test.That(t, det.Rect, test.ShouldBeNil)
	}
}

func TestDetectSignAccumulates(t *testing.T) {
	d := NewRedMaskDetector()
	sign := image.Rect(40, 10, 70, 30)

	var det Detection
	for i := 0; i < 10; i++ {
		det = d.Detect(withRedSign(grayFrame(160, 120), sign))
		test.That(t, det.Count, test.ShouldBeGreaterThan, 0)
		test.That(t, det.Rect, test.ShouldNotBeNil)
	}
	test.That(t, det.Detected, test.ShouldBeTrue)
	test.That(t, det.Rect.Overlaps(sign), test.ShouldBeTrue)

	// once the sign disappears the accumulation window drains and the
	// verdict clears
	for i := 0; i < accumulateFrames; i++ {
		det = d.Detect(grayFrame(160, 120))
	}
	test.That(t, det.Detected, test.ShouldBeFalse)
}

func TestDetectIgnoresSignBelowSkyBand(t *testing.T) {
	d := NewRedMaskDetector()
	// below the upper 2/5 of a 120-high frame (y >= 48)
	sign := image.Rect(40, 80, 70, 100)

	for i := 0; i < 10; i++ {
		det := d.Detect(withRedSign(grayFrame(160, 120), sign))
		test.That(t, det.Detected, test.ShouldBeFalse)
		test.That(t, det.Count, test.ShouldEqual, 0)
	}
}

func TestIsRed(t *testing.T) {
	test.That(t, isRed(color.NRGBA{220, 30, 30, 255}), test.ShouldBeTrue)
	test.That(t, isRed(color.NRGBA{90, 90, 90, 255}), test.ShouldBeFalse)
	test.That(t, isRed(color.NRGBA{255, 255, 255, 255}), test.ShouldBeFalse)
	test.That(t, isRed(color.NRGBA{130, 60, 60, 255}), test.ShouldBeTrue)
	test.That(t, isRed(color.NRGBA{100, 20, 20, 255}), test.ShouldBeFalse)
}
