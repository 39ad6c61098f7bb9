// Package main is the trendcar executable: the on-board daemon, the
// operator console client, the wheel self-test, and the go-detect
// service the daemon spawns as its classifier host.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/trendcar/trendcar/autopilot"
	"github.com/trendcar/trendcar/autopilot/preprocessor"
	"github.com/trendcar/trendcar/config"
	"github.com/trendcar/trendcar/console/mqttconsole"
	"github.com/trendcar/trendcar/console/textconsole"
	"github.com/trendcar/trendcar/console/webconsole"
	"github.com/trendcar/trendcar/control"
	"github.com/trendcar/trendcar/model"
	"github.com/trendcar/trendcar/rlog"
)

const defaultConfigPath = "/etc/trendcar/config.json"

func main() {
	goutils.ContextualMain(mainWithArgs, rlog.NewDevelopmentLogger("trendcar"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	app := &cli.App{
		Name:  "trendcar",
		Usage: "on-board control runtime for the trendcar",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: defaultConfigPath,
				Usage: "path to the runtime config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "daemon",
				Usage: "run the drive loop, consoles, and autopilot",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "model", Usage: "force a model instead of auto-detecting"},
					&cli.BoolFlag{Name: "simulator", Usage: "shorthand for --model simulator"},
					&cli.BoolFlag{Name: "webconsole", Usage: "serve the web console"},
				},
				Action: func(c *cli.Context) error {
					return runDaemon(ctx, c, logger)
				},
			},
			{
				Name:  "console",
				Usage: "talk to a running daemon's text console",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cmd", Usage: "send one command and exit"},
				},
				Action: func(c *cli.Context) error {
					return runConsole(c, logger)
				},
			},
			{
				Name:   preprocessor.ServiceSubcommand,
				Usage:  "host the go-sign classifier for a daemon (spawned, not run by hand)",
				Hidden: true,
				Action: func(c *cli.Context) error {
					return preprocessor.Serve(os.Stdin, os.Stdout, preprocessor.NewRedMaskDetector(), logger)
				},
			},
			{
				Name:      "test-wheel",
				Usage:     "drive one wheel to verify wiring: <forward|backward|switch>,<wheel|all>,<seconds>",
				ArgsUsage: "<method,wheel,seconds>",
				Action: func(c *cli.Context) error {
					return runWheelTest(ctx, c, logger)
				},
			},
		},
	}
	return app.RunContext(ctx, args)
}

func loadConfig(c *cli.Context, logger golog.Logger) *config.Config {
	path := c.String("config")
	cfg, err := config.Read(path)
	if err != nil {
		logger.Warnw("running with defaults, config not loaded", "path", path, "error", err)
		return config.New()
	}
	return cfg
}

func runDaemon(ctx context.Context, c *cli.Context, logger golog.Logger) error {
	cfg := loadConfig(c, logger)

	if watcher, err := config.NewWatcher(ctx, c.String("config"), logger); err == nil {
		defer goutils.UncheckedErrorFunc(watcher.Close)
		goutils.PanicCapturingGo(func() {
			for next := range watcher.Config {
				logger.Info("configuration reloaded")
				cfg.Replace(next)
			}
		})
	} else {
		logger.Debugw("config watching disabled", "error", err)
	}

	modelName := c.String("model")
	if c.Bool("simulator") {
		modelName = model.SimulatorModelName
	}

	var ctrl *control.Control
	var err error
	if modelName != "" {
		ctrl, err = control.Launch(modelName, cfg, logger, control.BeginOptions{
			IgnorePlatformCheck: c.Bool("simulator"),
		})
		if err != nil {
			return err
		}
	} else {
		ctrl = control.AutoDetect(cfg, logger)
		if !ctrl.IsReady() {
			return errors.New("no car controls could be initiated")
		}
	}
	defer func() {
		goutils.UncheckedError(ctrl.End(false))
	}()

	ap := autopilot.New(cfg, logger)
	if err := ap.Start(ctrl); err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(ap.Stop())
	}()

	text := textconsole.New(ap, cfg, logger)
	if err := text.Start(""); err != nil {
		logger.Errorw("text console unavailable", "error", err)
	} else {
		defer goutils.UncheckedErrorFunc(text.Stop)
	}

	if c.Bool("webconsole") || cfg.Section(config.SectionConsole).Bool("webconsole", false) {
		web := webconsole.New(ap, cfg, logger)
		if err := web.Start(""); err != nil {
			logger.Errorw("web console unavailable", "error", err)
		} else {
			defer goutils.UncheckedErrorFunc(web.Stop)
		}
	}

	mq := mqttconsole.New(ap, cfg, logger)
	if mq.Configured() {
		if err := mq.Start(); err != nil {
			logger.Errorw("mqtt console unavailable", "error", err)
		} else {
			defer goutils.UncheckedErrorFunc(mq.Stop)
		}
	}

	<-ctx.Done()
	return nil
}

func runConsole(c *cli.Context, logger golog.Logger) error {
	cfg := loadConfig(c, logger)
	socket := cfg.Section(config.SectionConsole).String("socket_path", textconsole.DefaultSocketPath)

	conn, err := net.Dial("unix", socket)
	if err != nil {
		return errors.Wrapf(err, "cannot reach daemon console at %q", socket)
	}
	defer goutils.UncheckedErrorFunc(conn.Close)

	replies := bufio.NewScanner(conn)
	sendLine := func(line string) error {
		if _, err := fmt.Fprintln(conn, line); err != nil {
			return err
		}
		if replies.Scan() {
			fmt.Println(replies.Text())
		}
		return nil
	}

	if cmd := c.String("cmd"); cmd != "" {
		return sendLine(cmd)
	}

	stdin := bufio.NewScanner(os.Stdin)
	for stdin.Scan() {
		line := strings.TrimSpace(stdin.Text())
		if line == "" {
			continue
		}
		if err := sendLine(line); err != nil {
			return err
		}
		if line == "quit" || line == "exit" {
			break
		}
	}
	return nil
}

// runWheelTest exercises a single wheel (or all four) so a mechanic can
// verify the channel wiring without the full runtime.
func runWheelTest(ctx context.Context, c *cli.Context, logger golog.Logger) error {
	method, wheel, seconds, err := parseWheelTestSpec(c.Args().First())
	if err != nil {
		return err
	}

	cfg := loadConfig(c, logger)
	m := model.NewModel(model.TrendCarModelName, cfg, logger)
	if err := m.Begin(model.BeginOptions{}); err != nil {
		return errors.Wrap(err, "cannot init the car model")
	}
	defer goutils.UncheckedErrorFunc(m.End)

	pwm := 1.0
	if method == "backward" {
		pwm = -1.0
	}

	deadline := time.Now().Add(seconds)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			break
		}
		applyWheelPWM(m, wheel, pwm)
		if method == "switch" {
			pwm = -pwm
			if !goutils.SelectContextOrWait(ctx, time.Second) {
				break
			}
			continue
		}
		if !goutils.SelectContextOrWait(ctx, 100*time.Millisecond) {
			break
		}
	}
	applyWheelPWM(m, model.AllWheels, 0)
	return nil
}

func applyWheelPWM(m model.Model, wheel model.Wheel, pwm float64) {
	if wheel == model.AllWheels {
		m.DriveByPWMs(pwm, pwm, pwm, pwm, 0)
		return
	}
	m.SetMotor(wheel, pwm)
}

func parseWheelTestSpec(spec string) (method string, wheel model.Wheel, duration time.Duration, err error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 3 {
		return "", 0, 0, errors.Errorf("invalid wheel test spec %q", spec)
	}

	method = strings.ToLower(strings.TrimSpace(parts[0]))
	switch method {
	case "forward", "backward", "switch":
	default:
		return "", 0, 0, errors.Errorf("unknown method %q", method)
	}

	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "left-front", "front-left":
		wheel = model.FrontLeft
	case "left-rear", "rear-left":
		wheel = model.RearLeft
	case "right-front", "front-right":
		wheel = model.FrontRight
	case "right-rear", "rear-right":
		wheel = model.RearRight
	case "all":
		wheel = model.AllWheels
	default:
		return "", 0, 0, errors.Errorf("unknown wheel %q", parts[1])
	}

	secs, convErr := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if convErr != nil || secs <= 0 {
		return "", 0, 0, errors.Errorf("invalid duration %q", parts[2])
	}
	return method, wheel, time.Duration(secs * float64(time.Second)), nil
}
