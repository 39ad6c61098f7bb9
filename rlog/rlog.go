// Package rlog defines the process-wide logger.
package rlog

import (
	"github.com/edaniels/golog"
	"go.uber.org/zap"
)

// Logger is the global logger referenced by code without its own logger.
var Logger = golog.Global().Named("trendcar")

// NewDevelopmentLogger returns a logger suitable for interactive runs.
func NewDevelopmentLogger(name string) golog.Logger {
	return golog.NewDevelopmentLogger(name)
}

// NewProductionLogger returns a logger suitable for daemon runs.
func NewProductionLogger(name string) golog.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return golog.NewLogger(name)
	}
	return logger.Sugar().Named(name)
}
