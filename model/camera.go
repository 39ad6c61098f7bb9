package model

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/edaniels/golog"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/config"
)

// DefaultCameraCacheMaxLife bounds how long a stale frame shields
// consumers from a stalled device.
const DefaultCameraCacheMaxLife = 5 * time.Second

// DefaultMaxCameraCount is how many devices to probe for.
const DefaultMaxCameraCount = 1

// Camera config defaults.
const (
	DefaultFrameWidth  = 320
	DefaultFrameHeight = 240
	DefaultFrameRate   = 30.0
)

// A FrameSource produces frames in a grab/retrieve split: Grab advances
// the device to its newest frame cheaply, Retrieve decodes it.
type FrameSource interface {
	Grab() error
	Retrieve() (image.Image, error)
	Close() error
}

type cameraConfig struct {
	name   string
	width  int
	height int
	rate   float64
	vflip  bool
	hflip  bool
}

func cameraSettings(cfg *config.Config, index int) cameraConfig {
	cam := cfg.Section(config.SectionCamera)
	prefix := fmt.Sprintf("camera%d_", index)
	return cameraConfig{
		name:   cam.String(prefix+"name", fmt.Sprintf("camera%d", index)),
		width:  cam.Int(prefix+"frame_width", cam.Int("default_frame_width", DefaultFrameWidth)),
		height: cam.Int(prefix+"frame_height", cam.Int("default_frame_height", DefaultFrameHeight)),
		rate:   cam.Float64(prefix+"frame_rate", cam.Float64("default_frame_rate", DefaultFrameRate)),
		vflip:  cam.Bool(prefix+"vertical_flip", cam.Bool("default_camera_vertical_flip", false)),
		hflip:  cam.Bool(prefix+"horizontal_flip", cam.Bool("default_camera_horizontal_flip", false)),
	}
}

func cameraCacheMaxLife(cfg *config.Config) time.Duration {
	secs := cfg.Section(config.SectionCamera).Float64("camera_cache_max_life", DefaultCameraCacheMaxLife.Seconds())
	return time.Duration(secs * float64(time.Second))
}

type cachedFrame struct {
	at    time.Time
	frame image.Image
}

// cameraSet runs one grab worker per source and serves cached retrievals
// to the dashboard pipeline.
type cameraSet struct {
	cfg    *config.Config
	logger golog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	sources []FrameSource
	cache   []cachedFrame

	cancel  func()
	workers sync.WaitGroup
}

func newCameraSet(cfg *config.Config, logger golog.Logger, clk clock.Clock, sources []FrameSource) *cameraSet {
	return &cameraSet{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		sources: sources,
		cache:   make([]cachedFrame, len(sources)),
	}
}

func (cs *cameraSet) start() {
	cancelCtx, cancel := context.WithCancel(context.Background())
	cs.cancel = cancel

	for i, src := range cs.sources {
		index, source := i, src
		cs.workers.Add(1)
		goutils.ManagedGo(func() {
			cs.grabLoop(cancelCtx, index, source)
		}, cs.workers.Done)
	}
}

// grabLoop keeps the device's ring advanced so Retrieve always decodes
// the newest frame. No locks on the hot path.
func (cs *cameraSet) grabLoop(ctx context.Context, index int, source FrameSource) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := source.Grab(); err != nil {
			cs.logger.Debugw("camera grab failed", "camera", index, "error", err)
			if !goutils.SelectContextOrWait(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		if !goutils.SelectContextOrWait(ctx, 10*time.Microsecond) {
			return
		}
	}
}

func (cs *cameraSet) stop() {
	if cs.cancel != nil {
		cs.cancel()
		cs.cancel = nil
	}
	cs.workers.Wait()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, src := range cs.sources {
		if err := src.Close(); err != nil {
			cs.logger.Debugw("camera close failed", "camera", i, "error", err)
		}
	}
	cs.sources = nil
	cs.cache = nil
}

func (cs *cameraSet) count() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.sources)
}

// snapshot returns the most recent frame for one camera, consulting the
// cache first so consumers never outpace the configured frame rate and
// stale frames cover transient device stalls.
func (cs *cameraSet) snapshot(index int) image.Image {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if index < 0 || index >= len(cs.sources) {
		cs.logger.Warnw("camera index out of bounds", "camera", index)
		return nil
	}

	now := cs.clock.Now()
	maxLife := cameraCacheMaxLife(cs.cfg)
	settings := cameraSettings(cs.cfg, index)

	interval := maxLife
	if settings.rate > 0 {
		if frameInterval := time.Duration(float64(time.Second) / settings.rate); frameInterval < interval {
			interval = frameInterval
		}
	}

	cached := cs.cache[index]
	if cached.frame != nil && now.Sub(cached.at) < interval {
		return cached.frame
	}

	frame, err := cs.sources[index].Retrieve()
	if err == nil && frame != nil {
		frame = normalizeFrame(frame, settings)
		cs.cache[index] = cachedFrame{at: now, frame: frame}
		return frame
	}
	if err != nil {
		cs.logger.Debugw("camera retrieve failed", "camera", index, "error", err)
	}

	if cached.frame != nil && now.Sub(cached.at) < maxLife {
		return cached.frame
	}
	return nil
}

func (cs *cameraSet) snapshots() []image.Image {
	n := cs.count()
	frames := make([]image.Image, n)
	for i := 0; i < n; i++ {
		frames[i] = cs.snapshot(i)
	}
	return frames
}

func normalizeFrame(frame image.Image, settings cameraConfig) image.Image {
	switch {
	case settings.vflip && settings.hflip:
		return imaging.Rotate180(frame)
	case settings.vflip:
		return imaging.FlipV(frame)
	case settings.hflip:
		return imaging.FlipH(frame)
	}
	return frame
}
