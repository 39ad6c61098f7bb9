package model

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/config"
)

// SimulatorModelName is the registered name of the simulator bridge.
const SimulatorModelName = "simulator"

// DefaultSimulatorPort is where the simulator connects.
const DefaultSimulatorPort = 4567

// simulatorModel bridges the desktop track simulator over a WebSocket
// speaking the engine.io-flavoured telemetry protocol: "2"/"3" ping/pong
// and "42"-prefixed JSON events ("telemetry" in, "steer" out).
type simulatorModel struct {
	cfg    *config.Config
	logger golog.Logger

	mu             sync.Mutex
	rawImage       string
	frame          image.Image
	firstConnected bool
	conns          []*simConn

	running  atomic.Bool
	server   *http.Server
	workers  sync.WaitGroup
	sidCount atomic.Uint64
}

type simConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	inputSeq  atomic.Int64
	outputSeq atomic.Int64
}

func (c *simConn) send(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// NewSimulatorModel builds the simulator bridge from configuration.
func NewSimulatorModel(cfg *config.Config, logger golog.Logger) Model {
	return &simulatorModel{cfg: cfg, logger: logger}
}

func (m *simulatorModel) Name() string { return SimulatorModelName }

func (m *simulatorModel) Begin(opts BeginOptions) error {
	if !opts.IgnorePlatformCheck && isRaspberryPi() {
		return errors.New("simulator model is not for the car itself")
	}

	port := m.cfg.Section(config.SectionDefault).Int("simulator_port", DefaultSimulatorPort)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "cannot listen on simulator port %d", port)
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.logger.Debugw("simulator upgrade failed", "error", err)
			return
		}
		m.handleSimulator(ws)
	})

	m.server = &http.Server{Handler: mux}
	m.running.Store(true)
	m.firstConnected = false

	m.workers.Add(1)
	goutils.ManagedGo(func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Debugw("simulator server exited", "error", err)
		}
	}, m.workers.Done)
	return nil
}

func (m *simulatorModel) End() error {
	m.running.Store(false)

	m.mu.Lock()
	conns := append([]*simConn{}, m.conns...)
	m.mu.Unlock()
	for _, conn := range conns {
		goutils.UncheckedError(conn.ws.Close())
	}

	var err error
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = m.server.Shutdown(ctx)
		m.server = nil
	}
	m.workers.Wait()

	m.mu.Lock()
	m.conns = nil
	m.rawImage = ""
	m.frame = nil
	m.firstConnected = false
	m.mu.Unlock()
	return err
}

func (m *simulatorModel) handleSimulator(ws *websocket.Conn) {
	conn := &simConn{ws: ws}
	m.logger.Debug("simulator connected")

	m.mu.Lock()
	first := !m.firstConnected
	m.firstConnected = true
	m.conns = append(m.conns, conn)
	m.mu.Unlock()

	sid := m.sidCount.Inc()
	goutils.UncheckedError(conn.send(fmt.Sprintf(
		`0{"pingInterval":25000,"pingTimeout":60000,"upgrades":[],"sid":"%x"}`, sid)))
	if first {
		goutils.UncheckedError(conn.send(`42["restart",{}]`))
	}
	m.driveConn(conn, 0, 0)
	goutils.UncheckedError(conn.send(`40`))

	for m.running.Load() {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		m.handleMessage(conn, string(data))
	}

	m.mu.Lock()
	for i, c := range m.conns {
		if c == conn {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	goutils.UncheckedError(ws.Close())
	m.logger.Debug("simulator closed")
}

func (m *simulatorModel) handleMessage(conn *simConn, msg string) {
	if msg == "" {
		return
	}
	// protocol description: https://github.com/socketio/engine.io-protocol
	if msg[0] == '2' && !strings.HasPrefix(msg, "42") {
		goutils.UncheckedError(conn.send("3" + msg[1:]))
		return
	}
	if !strings.HasPrefix(msg, "42") {
		m.logger.Debugw("unhandled simulator message", "message", msg)
		return
	}

	event, payload, ok := parseSocketIOEvent(msg)
	if !ok {
		goutils.UncheckedError(conn.send(`42["manual",{}]`))
		m.logger.Info("manual driving mode enabled")
		return
	}
	if event != "telemetry" {
		return
	}

	var telemetry struct {
		Image string `json:"image"`
	}
	if err := json.Unmarshal(payload, &telemetry); err != nil {
		m.logger.Debugw("telemetry decode failed", "error", err)
		return
	}

	m.mu.Lock()
	m.frame = nil
	m.rawImage = telemetry.Image
	m.mu.Unlock()
	conn.inputSeq.Inc()
}

// parseSocketIOEvent extracts the event name and object payload out of a
// `42["name",{...}]` message.
func parseSocketIOEvent(msg string) (string, json.RawMessage, bool) {
	start := strings.Index(msg, "[")
	if start < 0 {
		return "", nil, false
	}
	end := strings.LastIndex(msg, "}]")
	if end < 0 || start >= end {
		return "", nil, false
	}

	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(msg[start:end+2]), &parts); err != nil || len(parts) < 2 {
		return "", nil, false
	}
	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil {
		return "", nil, false
	}
	return event, parts[1], true
}

func (m *simulatorModel) driveConn(conn *simConn, steering, throttle float64) {
	// one command per telemetry frame; wait for the simulator to catch up
	for m.running.Load() && conn.inputSeq.Load() >= 0 &&
		conn.outputSeq.Load() >= conn.inputSeq.Load()+1 {
		time.Sleep(2500 * time.Microsecond)
	}
	if !m.running.Load() {
		return
	}

	msg := fmt.Sprintf(`42["steer",{"steering_angle":"%f","throttle":"%f"}]`, steering, throttle)
	if err := conn.send(msg); err != nil {
		m.logger.Debugw("steer send failed", "error", err)
		return
	}
	conn.outputSeq.Inc()
}

func (m *simulatorModel) SetMotor(Wheel, float64) bool { return false }

func (m *simulatorModel) DriveByPWMs(fl, rl, fr, rr float64, duration time.Duration) bool {
	m.logger.Warn("drive by pwms is not supported by the simulator")
	return false
}

func (m *simulatorModel) Drive(steering, throttle float64, duration time.Duration, flipped bool) bool {
	if flipped {
		steering = -steering
		throttle = -throttle
	}

	m.mu.Lock()
	conns := append([]*simConn{}, m.conns...)
	m.mu.Unlock()
	if len(conns) == 0 {
		return false
	}

	for _, conn := range conns {
		m.driveConn(conn, steering, throttle)
	}
	return true
}

func (m *simulatorModel) Snapshot(index int) image.Image {
	if index != 0 {
		m.logger.Warnw("camera index out of bounds", "camera", index)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rawImage == "" {
		return image.NewNRGBA(image.Rect(0, 0, m.FrameWidth(0), m.FrameHeight(0)))
	}
	if m.frame == nil {
		data, err := base64.StdEncoding.DecodeString(m.rawImage)
		if err != nil {
			m.logger.Debugw("telemetry image decode failed", "error", err)
			return nil
		}
		frame, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			m.logger.Debugw("telemetry frame decode failed", "error", err)
			return nil
		}
		m.frame = frame
	}
	return m.frame
}

func (m *simulatorModel) Snapshots() []image.Image {
	return []image.Image{m.Snapshot(0)}
}

func (m *simulatorModel) FrameWidth(index int) int  { return cameraSettings(m.cfg, index).width }
func (m *simulatorModel) FrameHeight(index int) int { return cameraSettings(m.cfg, index).height }
func (m *simulatorModel) FrameRate(index int) float64 {
	return cameraSettings(m.cfg, index).rate
}

func (m *simulatorModel) Vibrate(int, time.Duration) bool { return false }

func (m *simulatorModel) ReadyToGo() TriState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.conns) > 0 {
		return Yes
	}
	return No
}
