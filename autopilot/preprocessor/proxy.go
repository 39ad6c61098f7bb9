package preprocessor

import (
	"context"
	"image"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// ServiceSubcommand is the subcommand the proxy spawns on this same
// executable to host the classifier out of process.
const ServiceSubcommand = "go-detect-service"

type resultState int

const (
	// resultUnready means the service has not answered yet.
	resultUnready resultState = iota
	// resultNone means the service answered and saw no go sign.
	resultNone
	// resultDetected means the go sign was seen.
	resultDetected
)

// proxyResult is the cached last answer. Count -1 marks the service as
// not yet ready.
type proxyResult struct {
	state resultState
	rect  *image.Rectangle
	count int
}

func unreadyResult() proxyResult { return proxyResult{state: resultUnready, count: -1} }

// childProcess is one spawned classifier host.
type childProcess struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	proc   *os.Process
}

// GoDetectProxy marshals frames to a supervised child process. It holds
// at most one pending frame; newer frames displace older ones. On a pipe
// or framing error the child is killed and respawned on next demand.
type GoDetectProxy struct {
	logger golog.Logger

	mu      sync.Mutex
	pending image.Image
	result  proxyResult
	child   *childProcess

	spawn func() (*childProcess, error)

	cancel  func()
	workers sync.WaitGroup
}

// NewGoDetectProxy builds and starts the proxy worker.
func NewGoDetectProxy(logger golog.Logger) *GoDetectProxy {
	p := &GoDetectProxy{
		logger: logger,
		result: unreadyResult(),
		spawn:  spawnSelfService,
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.workers.Add(1)
	goutils.ManagedGo(func() { p.loop(cancelCtx) }, p.workers.Done)
	return p
}

// spawnSelfService re-invokes this executable in service mode.
func spawnSelfService() (*childProcess, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, "cannot locate own executable")
	}
	cmd := exec.Command(self, ServiceSubcommand)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "cannot start go-detect service")
	}
	child := &childProcess{stdin: stdin, stdout: stdout, proc: cmd.Process}
	// reap the child whenever it exits
	goutils.PanicCapturingGo(func() { goutils.UncheckedError(cmd.Wait()) })
	return child, nil
}

// Submit hands the latest frame to the proxy and returns the cached
// result. The frame is queued only while the sign is still unseen.
func (p *GoDetectProxy) Submit(frame image.Image) (detected bool, rect *image.Rectangle, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := p.result
	if result.state != resultDetected {
		if result.state == resultUnready {
			p.logger.Debug("go-detect service is not ready yet")
		}
		p.pending = frame
	}
	return result.state == resultDetected, result.rect, result.count
}

// Reset forgets the pending frame and cached result and stops the child.
// The proxy respawns the child on the next Submit.
func (p *GoDetectProxy) Reset() {
	p.mu.Lock()
	p.pending = nil
	p.result = unreadyResult()
	child := p.child
	p.child = nil
	p.mu.Unlock()

	if child != nil {
		p.stopChild(child)
	}
}

// Close stops the worker and the child.
func (p *GoDetectProxy) Close() {
	p.cancel()
	p.workers.Wait()
	p.Reset()
}

// loop drains the single-frame mailbox into the child. After a positive
// detection the proxy quiesces until Reset.
func (p *GoDetectProxy) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		detected := p.result.state == resultDetected
		frame := p.pending
		p.pending = nil
		if frame != nil && p.result.state == resultUnready {
			// pseudo answer so callers see the service as live
			p.result = proxyResult{state: resultNone, count: -1}
		}
		p.mu.Unlock()

		if detected {
			// keep the detected result for the pilot to consume; just
			// idle the child until Reset
			p.mu.Lock()
			p.pending = nil
			child := p.child
			p.child = nil
			p.mu.Unlock()
			if child != nil {
				p.stopChild(child)
			}
			if !goutils.SelectContextOrWait(ctx, 500*time.Millisecond) {
				return
			}
			continue
		}
		if frame == nil {
			// poll at the fastest plausible camera rate
			if !goutils.SelectContextOrWait(ctx, 33*time.Millisecond) {
				return
			}
			continue
		}

		result, ok := p.roundTrip(frame)
		if ok {
			p.mu.Lock()
			if p.result.state != resultUnready {
				p.result = result
			}
			p.mu.Unlock()
		}
	}
}

// roundTrip sends one frame and reads one record, spawning the child on
// demand. Any pipe or framing error kills the child.
func (p *GoDetectProxy) roundTrip(frame image.Image) (proxyResult, bool) {
	p.mu.Lock()
	child := p.child
	p.mu.Unlock()

	if child == nil {
		spawned, err := p.spawn()
		if err != nil {
			p.logger.Debugw("cannot spawn go-detect service", "error", err)
			return proxyResult{}, false
		}
		p.mu.Lock()
		p.child = spawned
		p.mu.Unlock()
		child = spawned
	}

	start := time.Now()
	if err := writeFrame(child.stdin, frame); err != nil {
		p.logger.Debugw("go-detect request failed", "error", err)
		p.dropChild(child)
		return proxyResult{}, false
	}
	record, err := readResult(child.stdout)
	if err != nil {
		p.logger.Debugw("go-detect response failed", "error", err)
		p.dropChild(child)
		return proxyResult{}, false
	}

	p.logger.Debugw("go-detect answered",
		"candidates", record.Count, "rect", record.Rect,
		"roundtrip", time.Since(start).Seconds(), "processing", record.Elapsed)

	result := proxyResult{rect: record.rectangle(), count: record.Count, state: resultNone}
	if record.Detected {
		result.state = resultDetected
	}
	return result, true
}

func (p *GoDetectProxy) dropChild(child *childProcess) {
	p.mu.Lock()
	if p.child == child {
		p.child = nil
	}
	p.mu.Unlock()
	p.stopChild(child)
}

// stopChild escalates SIGINT, SIGTERM, then SIGKILL.
func (p *GoDetectProxy) stopChild(child *childProcess) {
	p.logger.Debug("stopping go-detect service")
	goutils.UncheckedError(child.stdin.Close())
	goutils.UncheckedError(child.stdout.Close())
	if child.proc == nil {
		return
	}

	if err := child.proc.Signal(syscall.SIGINT); err != nil {
		return // already gone
	}
	for _, escalate := range []struct {
		wait   time.Duration
		signal syscall.Signal
	}{
		{100 * time.Millisecond, syscall.SIGTERM},
		{100 * time.Millisecond, syscall.SIGKILL},
	} {
		time.Sleep(escalate.wait)
		if err := child.proc.Signal(syscall.Signal(0)); err != nil {
			return // exited
		}
		goutils.UncheckedError(child.proc.Signal(escalate.signal))
	}
}
