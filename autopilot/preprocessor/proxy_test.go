package preprocessor

import (
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	goutils "go.viam.com/utils"
)

// scriptedDetector answers with a fixed script of detections.
type scriptedDetector struct {
	mu      sync.Mutex
	answers []Detection
	calls   int
}

func (d *scriptedDetector) Detect(image.Image) Detection {
	d.mu.Lock()
	defer d.mu.Unlock()
	answer := d.answers[len(d.answers)-1]
	if d.calls < len(d.answers) {
		answer = d.answers[d.calls]
	}
	d.calls++
	return answer
}

// pipeService runs Serve over in-memory pipes and exposes the client
// ends as a childProcess.
func pipeService(t *testing.T, detector Detector) (*childProcess, func()) {
	t.Helper()
	logger := golog.NewTestLogger(t)

	requestR, requestW := io.Pipe()
	responseR, responseW := io.Pipe()

	var workers sync.WaitGroup
	workers.Add(1)
	goutils.ManagedGo(func() {
		goutils.UncheckedError(Serve(requestR, responseW, detector, logger))
		goutils.UncheckedError(responseW.Close())
	}, workers.Done)

	child := &childProcess{stdin: requestW, stdout: responseR}
	return child, func() {
		goutils.UncheckedError(requestW.Close())
		workers.Wait()
	}
}

func newTestProxy(t *testing.T, detector Detector) *GoDetectProxy {
	t.Helper()
	p := NewGoDetectProxy(golog.NewTestLogger(t))

	var cleanups []func()
	var mu sync.Mutex
	p.mu.Lock()
	p.spawn = func() (*childProcess, error) {
		child, cleanup := pipeService(t, detector)
		mu.Lock()
		cleanups = append(cleanups, cleanup)
		mu.Unlock()
		return child, nil
	}
	p.mu.Unlock()

	t.Cleanup(func() {
		p.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, cleanup := range cleanups {
			cleanup()
		}
	})
	return p
}

func frame() image.Image { return image.NewNRGBA(image.Rect(0, 0, 32, 24)) }

func TestProxyReportsUnreadyThenAnswers(t *testing.T) {
	rect := image.Rect(1, 2, 11, 12)
	p := newTestProxy(t, &scriptedDetector{answers: []Detection{
		{Detected: false, Rect: &rect, Count: 2},
	}})

	// before any round trip the service is unready
	detected, _, count := p.Submit(frame())
	test.That(t, detected, test.ShouldBeFalse)
	test.That(t, count, test.ShouldEqual, -1)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, count = p.Submit(frame()); count >= 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	detected, gotRect, count := p.Submit(frame())
	test.That(t, detected, test.ShouldBeFalse)
	test.That(t, count, test.ShouldEqual, 2)
	test.That(t, gotRect, test.ShouldNotBeNil)
	test.That(t, *gotRect, test.ShouldResemble, rect)
}

func TestProxyDetectionStaysUntilReset(t *testing.T) {
	p := newTestProxy(t, &scriptedDetector{answers: []Detection{
		{Detected: true, Count: 5},
	}})

	deadline := time.Now().Add(5 * time.Second)
	detected := false
	for time.Now().Before(deadline) {
		if detected, _, _ = p.Submit(frame()); detected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, detected, test.ShouldBeTrue)

	// the verdict sticks around for the consumer until Reset
	detected, _, _ = p.Submit(frame())
	test.That(t, detected, test.ShouldBeTrue)

	p.Reset()
	detected, _, count := p.Submit(frame())
	test.That(t, detected, test.ShouldBeFalse)
	test.That(t, count, test.ShouldEqual, -1)
}

func TestProxySurvivesChildFailure(t *testing.T) {
	p := newTestProxy(t, &scriptedDetector{answers: []Detection{
		{Detected: false, Count: 1},
	}})

	// reach a ready answer
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, count := p.Submit(frame()); count >= 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// kill the child's pipes out from under the proxy
	p.mu.Lock()
	child := p.child
	p.mu.Unlock()
	test.That(t, child, test.ShouldNotBeNil)
	goutils.UncheckedError(child.stdin.Close())

	// the proxy keeps serving; a fresh child answers again
	deadline = time.Now().Add(5 * time.Second)
	recovered := false
	for time.Now().Before(deadline) {
		if _, _, count := p.Submit(frame()); count >= 0 {
			p.mu.Lock()
			recovered = p.child != nil && p.child != child
			p.mu.Unlock()
			if recovered {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, recovered, test.ShouldBeTrue)
}

func TestServeTerminatesOnEOF(t *testing.T) {
	logger := golog.NewTestLogger(t)
	requestR, requestW := io.Pipe()
	responseR, responseW := io.Pipe()

	done := make(chan error, 1)
	goutils.PanicCapturingGo(func() {
		done <- Serve(requestR, responseW, NewRedMaskDetector(), logger)
	})
	goutils.PanicCapturingGo(func() {
		// drain any responses so Serve never blocks on write
		for {
			if _, err := readResult(responseR); err != nil {
				return
			}
		}
	})

	test.That(t, writeFrame(requestW, frame()), test.ShouldBeNil)
	// zero-length message frames EOF
	test.That(t, writeMessage(requestW, nil), test.ShouldBeNil)

	select {
	case err := <-done:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("service did not terminate on EOF")
	}
	goutils.UncheckedError(requestW.Close())
	goutils.UncheckedError(responseW.Close())
}
