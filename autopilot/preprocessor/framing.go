package preprocessor

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/jpeg"
	"io"

	"github.com/pkg/errors"
)

// The go-detect pipe protocol: every message is a little-endian uint32
// length followed by that many payload bytes. A zero length is EOF and
// terminates the loop. Requests carry a JPEG frame; responses carry a
// JSON detection record.

// detectionRecord is the wire form of one detection result.
type detectionRecord struct {
	Detected bool    `json:"detected"`
	Rect     []int   `json:"rect,omitempty"` // x, y, w, h
	Count    int     `json:"count"`
	Elapsed  float64 `json:"elapsed"`
}

func writeMessage(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(header[:])
	if n == 0 {
		return nil, io.EOF
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func writeFrame(w io.Writer, frame image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 90}); err != nil {
		return errors.Wrap(err, "cannot encode frame")
	}
	return writeMessage(w, buf.Bytes())
}

func readFrame(r io.Reader) (image.Image, error) {
	payload, err := readMessage(r)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "cannot decode frame")
	}
	return img, nil
}

func writeResult(w io.Writer, record detectionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return writeMessage(w, payload)
}

func readResult(r io.Reader) (detectionRecord, error) {
	payload, err := readMessage(r)
	if err != nil {
		return detectionRecord{}, err
	}
	var record detectionRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return detectionRecord{}, errors.Wrap(err, "cannot decode detection record")
	}
	return record, nil
}

func (rec detectionRecord) rectangle() *image.Rectangle {
	if len(rec.Rect) != 4 {
		return nil
	}
	r := image.Rect(rec.Rect[0], rec.Rect[1], rec.Rect[0]+rec.Rect[2], rec.Rect[1]+rec.Rect[3])
	return &r
}

func rectToSlice(r *image.Rectangle) []int {
	if r == nil {
		return nil
	}
	return []int{r.Min.X, r.Min.Y, r.Dx(), r.Dy()}
}
