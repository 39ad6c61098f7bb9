package webconsole

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"

	"github.com/trendcar/trendcar/autopilot"
	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/control"
)

func startWebConsole(t *testing.T) (*Console, *autopilot.AutoPilot, string) {
	t.Helper()
	cfg := config.New()
	logger := golog.NewTestLogger(t)
	ap := autopilot.New(cfg, logger)

	c := New(ap, cfg, logger)
	test.That(t, c.Start("127.0.0.1:0"), test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, c.Stop(), test.ShouldBeNil)
	})
	return c, ap, "http://" + c.BoundAddr()
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	test.That(t, err, test.ShouldBeNil)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getStatus(t *testing.T, base string) statusResponse {
	t.Helper()
	resp, err := http.Get(base + "/status")
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = resp.Body.Close() }()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	var status statusResponse
	test.That(t, json.NewDecoder(resp.Body).Decode(&status), test.ShouldBeNil)
	return status
}

func TestStatusEndpoint(t *testing.T) {
	_, ap, base := startWebConsole(t)

	status := getStatus(t, base)
	test.That(t, status.Autodrive, test.ShouldBeFalse)
	test.That(t, status.ReadyToGo, test.ShouldEqual, "unknown")

	ap.StartAutodrive()
	status = getStatus(t, base)
	test.That(t, status.Autodrive, test.ShouldBeTrue)
}

func TestAutodriveEndpoint(t *testing.T) {
	_, ap, base := startWebConsole(t)

	resp := postJSON(t, base+"/autodrive", map[string]bool{"enabled": true})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, ap.AutodriveStarted(), test.ShouldBeTrue)

	resp = postJSON(t, base+"/autodrive", map[string]bool{"enabled": false})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, ap.AutodriveStarted(), test.ShouldBeFalse)
}

func TestRemoteControlExcludesAutodrive(t *testing.T) {
	_, ap, base := startWebConsole(t)

	ap.StartAutodrive()
	resp := postJSON(t, base+"/remotecontrol", map[string]bool{"enabled": true})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, ap.RemoteControlEnabled(), test.ShouldBeTrue)
	test.That(t, ap.AutodriveStarted(), test.ShouldBeFalse)
}

func TestRecordingEndpoint(t *testing.T) {
	_, ap, base := startWebConsole(t)

	resp := postJSON(t, base+"/recording", map[string]bool{"enabled": true})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, ap.IsRecording(), test.ShouldBeTrue)
}

func TestDriveMarksTakingOver(t *testing.T) {
	c, _, base := startWebConsole(t)

	// without a started control runtime the drive is rejected but the
	// takeover mark still happens before routing
	resp := postJSON(t, base+"/drive", map[string]float64{"steering": 10, "throttle": 0.5})
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusConflict)
	test.That(t, c.TakingOver(), test.ShouldBeTrue)
}

func TestDriveRejectsBadPayload(t *testing.T) {
	_, _, base := startWebConsole(t)
	resp, err := http.Post(base+"/drive", "application/json", bytes.NewReader([]byte("{broken")))
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = resp.Body.Close() }()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
}

func TestSnapshotWithoutFrame(t *testing.T) {
	_, _, base := startWebConsole(t)
	resp, err := http.Get(base + "/snapshot.jpg")
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = resp.Body.Close() }()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
}

func TestSnapshotServesCachedFrame(t *testing.T) {
	c, _, base := startWebConsole(t)

	c.postObserveDashboard(&control.Dashboard{
		Frame:     image.NewNRGBA(image.Rect(0, 0, 32, 24)),
		FrameRate: 30,
	})

	resp, err := http.Get(base + "/snapshot.jpg")
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = resp.Body.Close() }()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, resp.Header.Get("Content-Type"), test.ShouldEqual, "image/jpeg")

	status := getStatus(t, base)
	test.That(t, status.FrameRate, test.ShouldEqual, 30.0)
}

func TestTrackViewEndpoint(t *testing.T) {
	c, _, base := startWebConsole(t)

	resp, err := http.Get(base + "/trackview.jpg")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
	_ = resp.Body.Close()

	c.postObserveDashboard(&control.Dashboard{
		TrackView: image.NewNRGBA(image.Rect(0, 0, 32, 10)),
	})
	resp, err = http.Get(base + "/trackview.jpg")
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = resp.Body.Close() }()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
}

func TestUnknownRouteIs404(t *testing.T) {
	_, _, base := startWebConsole(t)
	resp, err := http.Get(fmt.Sprintf("%s/nope", base))
	test.That(t, err, test.ShouldBeNil)
	defer func() { _ = resp.Body.Close() }()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
}
