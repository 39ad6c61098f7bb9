//go:build linux

package model

import (
	"bytes"
	"image"
	"image/jpeg"
	"strings"
	"sync"

	"github.com/blackjack/webcam"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/config"
)

// webcamSource adapts a V4L2 device to the grab/retrieve split. The device
// streams MJPEG; Grab stores the latest compressed frame and Retrieve
// decodes it on demand.
type webcamSource struct {
	cam *webcam.Webcam

	mu     sync.Mutex
	latest []byte
}

func openFrameSources(cfg *config.Config, logger golog.Logger) ([]FrameSource, error) {
	cam := cfg.Section(config.SectionCamera)
	maxCount := cam.Int("max_camera_count", DefaultMaxCameraCount)

	var sources []FrameSource
	for index := 0; index < maxCount; index++ {
		settings := cameraSettings(cfg, index)
		src, err := openWebcamSource(cameraDevicePath(index), settings)
		if err != nil {
			logger.Debugw("unable to open camera", "camera", index, "error", err)
			break
		}
		logger.Debugw("camera found",
			"camera", settings.name, "width", settings.width, "height", settings.height, "fps", settings.rate)
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		return nil, errors.New("no cameras were available")
	}
	return sources, nil
}

func openWebcamSource(path string, settings cameraConfig) (FrameSource, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q", path)
	}

	var format webcam.PixelFormat
	for f, name := range cam.GetSupportedFormats() {
		if strings.Contains(strings.ToUpper(name), "JPEG") {
			format = f
			break
		}
	}
	if format == 0 {
		goutils.UncheckedError(cam.Close())
		return nil, errors.Errorf("%q offers no MJPEG format", path)
	}

	if _, _, _, err := cam.SetImageFormat(format, uint32(settings.width), uint32(settings.height)); err != nil {
		goutils.UncheckedError(cam.Close())
		return nil, errors.Wrapf(err, "cannot set %q format", path)
	}
	if err := cam.StartStreaming(); err != nil {
		goutils.UncheckedError(cam.Close())
		return nil, errors.Wrapf(err, "cannot stream %q", path)
	}
	return &webcamSource{cam: cam}, nil
}

func (s *webcamSource) Grab() error {
	if err := s.cam.WaitForFrame(1); err != nil {
		return err
	}
	frame, err := s.cam.ReadFrame()
	if err != nil {
		return err
	}
	if len(frame) == 0 {
		return nil
	}

	s.mu.Lock()
	s.latest = append(s.latest[:0], frame...)
	s.mu.Unlock()
	return nil
}

func (s *webcamSource) Retrieve() (image.Image, error) {
	s.mu.Lock()
	data := append([]byte{}, s.latest...)
	s.mu.Unlock()

	if len(data) == 0 {
		return nil, errors.New("no frame grabbed yet")
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode frame")
	}
	return img, nil
}

func (s *webcamSource) Close() error {
	return s.cam.Close()
}
