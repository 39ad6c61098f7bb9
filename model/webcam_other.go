//go:build !linux

package model

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/trendcar/trendcar/config"
)

func openFrameSources(cfg *config.Config, logger golog.Logger) ([]FrameSource, error) {
	return nil, errors.New("camera capture requires linux")
}
