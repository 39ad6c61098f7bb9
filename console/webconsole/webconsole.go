// Package webconsole exposes the runtime's mutators and camera views
// over HTTP JSON.
package webconsole

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	goji "goji.io"
	"goji.io/pat"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/autopilot"
	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/control"
	"github.com/trendcar/trendcar/lifecycle"
)

// DefaultAddr is where the web console listens.
const DefaultAddr = ":8080"

// Console is the HTTP console.
type Console struct {
	ap     *autopilot.AutoPilot
	cfg    *config.Config
	logger golog.Logger
	state  *lifecycle.Machine

	mu           sync.Mutex
	takingOver   bool
	takingOverAt time.Time
	latestFrame  image.Image
	trackView    image.Image
	frameRate    float64

	maxIdleTakingOver time.Duration

	preID  control.HandlerID
	postID control.HandlerID

	server    *http.Server
	boundAddr string
	workers   sync.WaitGroup
}

// New builds the web console around the autopilot.
func New(ap *autopilot.AutoPilot, cfg *config.Config, logger golog.Logger) *Console {
	section := cfg.Section(config.SectionConsole)
	idle := time.Duration(section.Float64("max_idle_taking_over", 3.0) * float64(time.Second))
	return &Console{
		ap:                ap,
		cfg:               cfg,
		logger:            logger,
		state:             lifecycle.New(),
		maxIdleTakingOver: idle,
	}
}

// Addr returns the configured listen address.
func (c *Console) Addr() string {
	return c.cfg.Section(config.SectionConsole).String("web_addr", DefaultAddr)
}

// Start serves the console on addr (or the configured address).
func (c *Console) Start(addr string) error {
	if !c.state.CompareAndTransition(lifecycle.Init, lifecycle.Starting) &&
		!c.state.CompareAndTransition(lifecycle.Stopped, lifecycle.Starting) {
		return nil
	}
	if addr == "" {
		addr = c.Addr()
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		c.state.TransitionTo(lifecycle.Stopped)
		return errors.Wrapf(err, "cannot listen on web console %q", addr)
	}

	if ctrl := c.ap.Control(); ctrl != nil {
		c.preID = ctrl.RegisterDashboardObserver(c.preObserveDashboard, control.PriorityHigh)
		c.postID = ctrl.RegisterDashboardObserver(c.postObserveDashboard, control.PriorityLow)
	}

	mux := goji.NewMux()
	mux.HandleFunc(pat.Get("/status"), c.handleStatus)
	mux.HandleFunc(pat.Post("/drive"), c.handleDrive)
	mux.HandleFunc(pat.Post("/autodrive"), c.handleAutodrive)
	mux.HandleFunc(pat.Post("/remotecontrol"), c.handleRemoteControl)
	mux.HandleFunc(pat.Post("/recording"), c.handleRecording)
	mux.HandleFunc(pat.Get("/snapshot.jpg"), c.handleSnapshot)
	mux.HandleFunc(pat.Get("/trackview.jpg"), c.handleTrackView)

	c.server = &http.Server{Handler: cors.AllowAll().Handler(mux)}
	c.workers.Add(1)
	goutils.ManagedGo(func() {
		if err := c.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Errorw("web console exited", "error", err)
		}
	}, c.workers.Done)

	c.boundAddr = listener.Addr().String()
	c.state.TransitionTo(lifecycle.Started)
	c.logger.Infow("web console started", "addr", c.boundAddr)
	return nil
}

// BoundAddr returns the address actually listened on.
func (c *Console) BoundAddr() string { return c.boundAddr }

// Stop shuts the server down and unregisters the observers.
func (c *Console) Stop() error {
	if !c.state.CompareAndTransition(lifecycle.Started, lifecycle.Stopping) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.server.Shutdown(ctx)
	c.workers.Wait()

	if ctrl := c.ap.Control(); ctrl != nil {
		ctrl.UnregisterDashboardObserver(c.preID)
		ctrl.UnregisterDashboardObserver(c.postID)
	}
	c.state.TransitionTo(lifecycle.Stopped)
	c.logger.Info("web console stopped")
	return err
}

// TakingOver reports whether a web client drove recently.
func (c *Console) TakingOver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takingOver
}

func (c *Console) preObserveDashboard(*control.Dashboard) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.takingOver && c.clockNow().Sub(c.takingOverAt) >= c.maxIdleTakingOver {
		c.takingOver = false
	}
	return c.takingOver
}

func (c *Console) postObserveDashboard(dash *control.Dashboard) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dash.Frame != nil {
		c.latestFrame = dash.Frame
	}
	if dash.TrackView != nil {
		c.trackView = dash.TrackView
	}
	c.frameRate = dash.FrameRate
	return false
}

func (c *Console) clockNow() time.Time { return time.Now() }

type statusResponse struct {
	Autodrive     bool    `json:"autodrive"`
	RemoteControl bool    `json:"remote_control"`
	Recording     bool    `json:"recording"`
	TakingOver    bool    `json:"taking_over"`
	FrameRate     float64 `json:"frame_rate"`
	ReadyToGo     string  `json:"ready_to_go"`
}

func (c *Console) handleStatus(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	frameRate := c.frameRate
	taking := c.takingOver
	c.mu.Unlock()

	ready := "unknown"
	if ctrl := c.ap.Control(); ctrl != nil {
		ready = ctrl.ReadyToGo().String()
	}
	c.writeJSON(w, statusResponse{
		Autodrive:     c.ap.AutodriveStarted(),
		RemoteControl: c.ap.RemoteControlEnabled(),
		Recording:     c.ap.IsRecording(),
		TakingOver:    taking,
		FrameRate:     frameRate,
		ReadyToGo:     ready,
	})
}

type driveRequest struct {
	Steering float64 `json:"steering"`
	Throttle float64 `json:"throttle"`
}

func (c *Console) handleDrive(w http.ResponseWriter, r *http.Request) {
	var req driveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	c.takingOver = true
	c.takingOverAt = c.clockNow()
	c.mu.Unlock()

	if !c.ap.Drive(req.Steering, req.Throttle) {
		http.Error(w, "runtime is not ready", http.StatusConflict)
		return
	}
	c.writeJSON(w, map[string]string{"result": "ok"})
}

type switchRequest struct {
	Enabled bool `json:"enabled"`
}

func (c *Console) handleAutodrive(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled {
		c.ap.StartAutodrive()
	} else {
		c.ap.StopAutodrive()
	}
	c.writeJSON(w, map[string]bool{"autodrive": c.ap.AutodriveStarted()})
}

func (c *Console) handleRemoteControl(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled {
		c.ap.EnableRemoteControl()
	} else {
		c.ap.DisableRemoteControl()
	}
	c.writeJSON(w, map[string]bool{"remote_control": c.ap.RemoteControlEnabled()})
}

func (c *Console) handleRecording(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled {
		c.ap.StartRecording()
	} else {
		c.ap.StopRecording()
	}
	c.writeJSON(w, map[string]bool{"recording": c.ap.IsRecording()})
}

func (c *Console) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	frame := c.latestFrame
	c.mu.Unlock()
	if frame == nil {
		if ctrl := c.ap.Control(); ctrl != nil {
			frame = ctrl.Snapshot(0)
		}
	}
	c.writeJPEG(w, frame)
}

func (c *Console) handleTrackView(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	view := c.trackView
	c.mu.Unlock()
	c.writeJPEG(w, view)
}

func (c *Console) writeJPEG(w http.ResponseWriter, frame image.Image) {
	if frame == nil {
		http.Error(w, "no frame available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, frame, &jpeg.Options{Quality: 80}); err != nil {
		c.logger.Debugw("snapshot encode failed", "error", err)
	}
}

func (c *Console) writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		c.logger.Debugw("response encode failed", "error", err)
	}
}
