// Package mqttconsole bridges the runtime's mutators and telemetry over
// an MQTT broker: commands arrive on <prefix>/cmd, state is published on
// <prefix>/state.
package mqttconsole

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/autopilot"
	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/lifecycle"
)

// Defaults for the broker bridge.
const (
	DefaultTopicPrefix     = "trendcar"
	DefaultPublishInterval = time.Second
	connectTimeout         = 10 * time.Second
)

// CmdPayload is one inbound command message. Absent fields leave their
// switch untouched.
type CmdPayload struct {
	Drive *struct {
		Steering float64 `json:"steering"`
		Throttle float64 `json:"throttle"`
	} `json:"drive,omitempty"`
	Autodrive     *bool `json:"autodrive,omitempty"`
	RemoteControl *bool `json:"remote_control,omitempty"`
	Recording     *bool `json:"recording,omitempty"`
}

// StatePayload is the periodic outbound telemetry message.
type StatePayload struct {
	Seq           uint64  `json:"seq"`
	TS            string  `json:"ts"`
	Autodrive     bool    `json:"autodrive"`
	RemoteControl bool    `json:"remote_control"`
	Recording     bool    `json:"recording"`
	ReadyToGo     string  `json:"ready_to_go"`
	FrameRate     float64 `json:"frame_rate"`
}

// Console is the MQTT bridge.
type Console struct {
	ap     *autopilot.AutoPilot
	cfg    *config.Config
	logger golog.Logger
	state  *lifecycle.Machine

	client  mqtt.Client
	seq     atomic.Uint64
	cancel  func()
	workers sync.WaitGroup
}

// New builds the MQTT console around the autopilot.
func New(ap *autopilot.AutoPilot, cfg *config.Config, logger golog.Logger) *Console {
	return &Console{ap: ap, cfg: cfg, logger: logger, state: lifecycle.New()}
}

// Configured reports whether a broker URL is present in the config.
func (c *Console) Configured() bool {
	return c.cfg.Section(config.SectionMQTT).String("broker", "") != ""
}

func (c *Console) topic(leaf string) string {
	prefix := c.cfg.Section(config.SectionMQTT).String("topic_prefix", DefaultTopicPrefix)
	return fmt.Sprintf("%s/%s", prefix, leaf)
}

// Start connects to the broker, subscribes to the command topic, and
// begins the periodic state publication.
func (c *Console) Start() error {
	if !c.state.CompareAndTransition(lifecycle.Init, lifecycle.Starting) &&
		!c.state.CompareAndTransition(lifecycle.Stopped, lifecycle.Starting) {
		return nil
	}

	section := c.cfg.Section(config.SectionMQTT)
	broker := section.String("broker", "")
	if broker == "" {
		c.state.TransitionTo(lifecycle.Stopped)
		return errors.New("no mqtt broker configured")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(section.String("client_id", "trendcar-console")).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetOrderMatters(false)
	if user := section.String("username", ""); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(section.String("password", ""))
	}

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		c.state.TransitionTo(lifecycle.Stopped)
		if err := token.Error(); err != nil {
			return errors.Wrap(err, "mqtt connect failed")
		}
		return errors.New("mqtt connect timed out")
	}

	if token := c.client.Subscribe(c.topic("cmd"), 1, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleCommand(msg.Payload())
	}); !token.WaitTimeout(connectTimeout) || token.Error() != nil {
		c.client.Disconnect(250)
		c.state.TransitionTo(lifecycle.Stopped)
		if err := token.Error(); err != nil {
			return errors.Wrap(err, "mqtt subscribe failed")
		}
		return errors.New("mqtt subscribe timed out")
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.workers.Add(1)
	goutils.ManagedGo(func() { c.publishLoop(cancelCtx) }, c.workers.Done)

	c.state.TransitionTo(lifecycle.Started)
	c.logger.Infow("mqtt console started", "broker", broker, "prefix", c.topic(""))
	return nil
}

// Stop disconnects from the broker.
func (c *Console) Stop() error {
	if !c.state.CompareAndTransition(lifecycle.Started, lifecycle.Stopping) {
		return nil
	}
	c.cancel()
	c.workers.Wait()
	c.client.Disconnect(250)
	c.state.TransitionTo(lifecycle.Stopped)
	c.logger.Info("mqtt console stopped")
	return nil
}

// handleCommand applies one inbound command message.
func (c *Console) handleCommand(payload []byte) {
	var cmd CmdPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		c.logger.Debugw("bad mqtt command", "error", err)
		return
	}

	if cmd.RemoteControl != nil {
		if *cmd.RemoteControl {
			c.ap.EnableRemoteControl()
		} else {
			c.ap.DisableRemoteControl()
		}
	}
	if cmd.Autodrive != nil {
		if *cmd.Autodrive {
			c.ap.StartAutodrive()
		} else {
			c.ap.StopAutodrive()
		}
	}
	if cmd.Recording != nil {
		if *cmd.Recording {
			c.ap.StartRecording()
		} else {
			c.ap.StopRecording()
		}
	}
	if cmd.Drive != nil {
		c.ap.Drive(cmd.Drive.Steering, cmd.Drive.Throttle)
	}
}

// currentState builds one outbound telemetry record.
func (c *Console) currentState() StatePayload {
	ready := "unknown"
	frameRate := 0.0
	if ctrl := c.ap.Control(); ctrl != nil {
		ready = ctrl.ReadyToGo().String()
		frameRate = ctrl.FrameRate(0)
	}
	return StatePayload{
		Seq:           c.seq.Inc(),
		TS:            time.Now().UTC().Format(time.RFC3339Nano),
		Autodrive:     c.ap.AutodriveStarted(),
		RemoteControl: c.ap.RemoteControlEnabled(),
		Recording:     c.ap.IsRecording(),
		ReadyToGo:     ready,
		FrameRate:     frameRate,
	}
}

func (c *Console) publishLoop(ctx context.Context) {
	interval := time.Duration(
		c.cfg.Section(config.SectionMQTT).Float64("publish_interval", DefaultPublishInterval.Seconds()) *
			float64(time.Second))

	for {
		if !goutils.SelectContextOrWait(ctx, interval) {
			return
		}
		payload, err := json.Marshal(c.currentState())
		if err != nil {
			continue
		}
		token := c.client.Publish(c.topic("state"), 0, false, payload)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			c.logger.Debugw("mqtt publish failed", "error", token.Error())
		}
	}
}
