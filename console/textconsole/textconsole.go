// Package textconsole serves the keystroke console on a UNIX socket:
// incremental manual driving, autodrive and remote-control switches, and
// a status line, one command per line.
package textconsole

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/autopilot"
	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/control"
	"github.com/trendcar/trendcar/lifecycle"
)

// Console tuning defaults.
const (
	DefaultMaxIdleTakingOver   = 3 * time.Second
	DefaultMaxIdleDeactivating = 10 * time.Second
	DefaultSocketPath          = "/var/run/trendcar/console.sock"

	throttleStep = 0.1
	steeringStep = 15.0
	drivePeriod  = 100 * time.Millisecond
)

// Console is the UNIX-socket keystroke console.
type Console struct {
	ap     *autopilot.AutoPilot
	cfg    *config.Config
	logger golog.Logger
	clock  clock.Clock
	state  *lifecycle.Machine

	maxIdleTakingOver   time.Duration
	maxIdleDeactivating time.Duration

	mu            sync.Mutex
	takingOver    bool
	takingOverAt  time.Time
	lastCommandAt time.Time
	steering      float64
	throttle      float64

	listener net.Listener
	preID    control.HandlerID
	postID   control.HandlerID

	statusMu    sync.Mutex
	clients     map[net.Conn]struct{}
	subscribers map[net.Conn]struct{}

	cancel  func()
	workers sync.WaitGroup
}

// New builds a console around the autopilot.
func New(ap *autopilot.AutoPilot, cfg *config.Config, logger golog.Logger) *Console {
	return NewWithClock(ap, cfg, logger, clock.New())
}

// NewWithClock builds a console with an explicit clock for tests.
func NewWithClock(ap *autopilot.AutoPilot, cfg *config.Config, logger golog.Logger, clk clock.Clock) *Console {
	section := cfg.Section(config.SectionConsole)
	return &Console{
		ap:                  ap,
		cfg:                 cfg,
		logger:              logger,
		clock:               clk,
		state:               lifecycle.NewWithClock(clk),
		maxIdleTakingOver:   secondsOr(section, "max_idle_taking_over", DefaultMaxIdleTakingOver),
		maxIdleDeactivating: secondsOr(section, "max_idle_deactivating", DefaultMaxIdleDeactivating),
		clients:             map[net.Conn]struct{}{},
		subscribers:         map[net.Conn]struct{}{},
	}
}

func secondsOr(section config.AttributeMap, key string, def time.Duration) time.Duration {
	return time.Duration(section.Float64(key, def.Seconds()) * float64(time.Second))
}

// SocketPath returns the configured console socket path.
func (c *Console) SocketPath() string {
	return c.cfg.Section(config.SectionConsole).String("socket_path", DefaultSocketPath)
}

// Start listens on the socket and registers the dashboard observers.
func (c *Console) Start(socketPath string) error {
	if !c.state.CompareAndTransition(lifecycle.Init, lifecycle.Starting) &&
		!c.state.CompareAndTransition(lifecycle.Stopped, lifecycle.Starting) {
		return nil
	}

	if socketPath == "" {
		socketPath = c.SocketPath()
	}
	goutils.UncheckedError(os.Remove(socketPath))
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		c.state.TransitionTo(lifecycle.Stopped)
		return errors.Wrapf(err, "cannot listen on console socket %q", socketPath)
	}
	c.listener = listener

	if ctrl := c.ap.Control(); ctrl != nil {
		c.preID = ctrl.RegisterDashboardObserver(c.preObserveDashboard, control.PriorityHigh)
		c.postID = ctrl.RegisterDashboardObserver(c.postObserveDashboard, control.PriorityLow)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.workers.Add(1)
	goutils.ManagedGo(func() { c.acceptLoop(cancelCtx) }, c.workers.Done)
	c.workers.Add(1)
	goutils.ManagedGo(func() { c.drivingLoop(cancelCtx) }, c.workers.Done)

	c.state.TransitionTo(lifecycle.Started)
	c.logger.Infow("text console started", "socket", socketPath)
	return nil
}

// Stop closes the socket and unregisters the observers.
func (c *Console) Stop() error {
	if !c.state.CompareAndTransition(lifecycle.Started, lifecycle.Stopping) {
		return nil
	}

	c.cancel()
	err := c.listener.Close()

	c.statusMu.Lock()
	for conn := range c.clients {
		goutils.UncheckedError(conn.Close())
	}
	c.clients = map[net.Conn]struct{}{}
	c.subscribers = map[net.Conn]struct{}{}
	c.statusMu.Unlock()

	c.workers.Wait()
	if ctrl := c.ap.Control(); ctrl != nil {
		ctrl.UnregisterDashboardObserver(c.preID)
		ctrl.UnregisterDashboardObserver(c.postID)
	}
	c.SetTakingOver(false)
	c.state.TransitionTo(lifecycle.Stopped)
	c.logger.Info("text console stopped")
	return err
}

// SetTakingOver flips manual takeover. While set, the pre-observer
// short-circuits the observer chain so pilots stay silent.
func (c *Console) SetTakingOver(takingOver bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.takingOver = takingOver
	if takingOver {
		c.takingOverAt = c.clock.Now()
	} else {
		c.takingOverAt = time.Time{}
	}
}

// TakingOver reports whether manual takeover is active.
func (c *Console) TakingOver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takingOver
}

// preObserveDashboard expires an idle takeover and, while taking over,
// stops the observer chain before the arbiter sees the tick.
func (c *Console) preObserveDashboard(*control.Dashboard) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.takingOver && !c.takingOverAt.IsZero() &&
		c.clock.Now().Sub(c.takingOverAt) >= c.maxIdleTakingOver {
		c.takingOver = false
		c.takingOverAt = time.Time{}
	}
	return c.takingOver
}

// postObserveDashboard pushes a status line to subscribed clients.
func (c *Console) postObserveDashboard(dash *control.Dashboard) bool {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if len(c.subscribers) == 0 {
		return false
	}
	line := c.statusLine(dash.FrameRate)
	for conn := range c.subscribers {
		if _, err := fmt.Fprintln(conn, line); err != nil {
			goutils.UncheckedError(conn.Close())
			delete(c.subscribers, conn)
		}
	}
	return false
}

func (c *Console) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debugw("console accept failed", "error", err)
			return
		}
		c.statusMu.Lock()
		c.clients[conn] = struct{}{}
		c.statusMu.Unlock()
		c.workers.Add(1)
		goutils.ManagedGo(func() { c.serveClient(ctx, conn) }, c.workers.Done)
	}
}

// drivingLoop repeats the manual command while taking over and zeroes it
// once the operator goes idle too long.
func (c *Console) drivingLoop(ctx context.Context) {
	for {
		if !goutils.SelectContextOrWait(ctx, drivePeriod) {
			return
		}

		c.mu.Lock()
		taking := c.takingOver
		steering, throttle := c.steering, c.throttle
		idle := time.Duration(0)
		if !c.lastCommandAt.IsZero() {
			idle = c.clock.Now().Sub(c.lastCommandAt)
		}
		if taking && idle > c.maxIdleDeactivating {
			c.steering, c.throttle = 0, 0
			steering, throttle = 0, 0
		}
		c.mu.Unlock()

		if taking {
			c.ap.Drive(steering, throttle)
		}
	}
}

func (c *Console) serveClient(ctx context.Context, conn net.Conn) {
	defer func() {
		goutils.UncheckedError(conn.Close())
		c.statusMu.Lock()
		delete(c.clients, conn)
		delete(c.subscribers, conn)
		c.statusMu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		reply, quit := c.handleCommand(strings.TrimSpace(scanner.Text()), conn)
		if reply != "" {
			if _, err := fmt.Fprintln(conn, reply); err != nil {
				return
			}
		}
		if quit {
			return
		}
	}
}

// handleCommand executes one console line and returns the reply.
func (c *Console) handleCommand(line string, conn net.Conn) (reply string, quit bool) {
	cmd, arg := line, ""
	if i := strings.IndexAny(line, " ="); i >= 0 {
		cmd, arg = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch strings.ToLower(cmd) {
	case "", "#":
		return "", false
	case "help":
		return helpText, false
	case "status":
		return c.statusLine(0), false
	case "watch":
		c.statusMu.Lock()
		c.subscribers[conn] = struct{}{}
		c.statusMu.Unlock()
		return "ok", false
	case "mute":
		c.statusMu.Lock()
		delete(c.subscribers, conn)
		c.statusMu.Unlock()
		return "ok", false
	case "up":
		c.adjustDrive(0, throttleStep)
		return "ok", false
	case "down":
		c.adjustDrive(0, -throttleStep)
		return "ok", false
	case "left":
		c.adjustDrive(-steeringStep, 0)
		return "ok", false
	case "right":
		c.adjustDrive(steeringStep, 0)
		return "ok", false
	case "brake":
		c.setDrive(0, 0)
		return "ok", false
	case "autodrive":
		if parseSwitch(arg) {
			c.ap.StartAutodrive()
		} else {
			c.ap.StopAutodrive()
		}
		return "ok", false
	case "remotecontrol":
		if parseSwitch(arg) {
			c.ap.EnableRemoteControl()
		} else {
			c.ap.DisableRemoteControl()
		}
		return "ok", false
	case "record":
		if parseSwitch(arg) {
			c.ap.StartRecording()
		} else {
			c.ap.StopRecording()
		}
		return "ok", false
	case "quit", "exit":
		return "bye", true
	}
	return "unknown command; try help", false
}

// adjustDrive nudges the manual steering/throttle and marks takeover.
func (c *Console) adjustDrive(steeringDelta, throttleDelta float64) {
	c.mu.Lock()
	c.steering = clamp(c.steering+steeringDelta, -90, 90)
	c.throttle = clamp(c.throttle+throttleDelta, -1, 1)
	c.lastCommandAt = c.clock.Now()
	c.takingOver = true
	c.takingOverAt = c.lastCommandAt
	steering, throttle := c.steering, c.throttle
	c.mu.Unlock()

	c.ap.Drive(steering, throttle)
}

func (c *Console) setDrive(steering, throttle float64) {
	c.mu.Lock()
	c.steering = steering
	c.throttle = throttle
	c.lastCommandAt = c.clock.Now()
	c.takingOver = true
	c.takingOverAt = c.lastCommandAt
	c.mu.Unlock()

	c.ap.Drive(steering, throttle)
}

// Steering returns the manual steering value.
func (c *Console) Steering() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.steering
}

// Throttle returns the manual throttle value.
func (c *Console) Throttle() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throttle
}

func (c *Console) statusLine(frameRate float64) string {
	c.mu.Lock()
	steering, throttle, taking := c.steering, c.throttle, c.takingOver
	c.mu.Unlock()
	return fmt.Sprintf(
		"status steering=%0.1f throttle=%0.2f taking_over=%t autodrive=%t remote_control=%t recording=%t fps=%0.1f",
		steering, throttle, taking,
		c.ap.AutodriveStarted(), c.ap.RemoteControlEnabled(), c.ap.IsRecording(), frameRate)
}

func parseSwitch(arg string) bool {
	switch strings.ToLower(arg) {
	case "on", "true", "1", "start", "yes":
		return true
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// helpText is a single line: every command gets exactly one reply line.
const helpText = "commands: up|down|left|right|brake (incremental manual driving); " +
	"autodrive on|off; remotecontrol on|off (hand the car to the remote operator); " +
	"record on|off (snapshot accepted commands); status|watch|mute (one-shot or streamed status); quit"
