package preprocessor

import (
	"io"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// Serve runs the go-detect child loop: read a frame, classify it, write
// the result, until the pipe closes or frames an EOF. This is the body
// of the `go-detect-service` subcommand.
func Serve(in io.Reader, out io.Writer, detector Detector, logger golog.Logger) error {
	logger.Info("go-detect service started")
	defer logger.Info("go-detect service stopped")

	for {
		frame, err := readFrame(in)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return errors.Wrap(err, "go-detect service read failed")
		}

		start := time.Now()
		det := detector.Detect(frame)
		det.Elapsed = time.Since(start).Seconds()

		record := detectionRecord{
			Detected: det.Detected,
			Rect:     rectToSlice(det.Rect),
			Count:    det.Count,
			Elapsed:  det.Elapsed,
		}
		if err := writeResult(out, record); err != nil {
			return errors.Wrap(err, "go-detect service write failed")
		}
	}
}
