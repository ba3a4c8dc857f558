// Package logging configures the go-log subsystems used across the module.
package logging

import (
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap/zapcore"
)

// Subsystems lists the loggers registered by this module.
var Subsystems = []string{
	"auction/core",
	"auction/escrow",
	"auction/store",
	"auction/feed",
	"auction/feed/redis",
	"auctiond",
}

// SetLogLevels sets levels for the given systems. The "*" key applies to
// every registered subsystem.
func SetLogLevels(systems map[string]logging.LogLevel) error {
	for sys, level := range systems {
		l := zapcore.Level(level)
		if sys == "*" {
			for _, s := range logging.GetSubsystems() {
				if err := logging.SetLogLevel(s, l.CapitalString()); err != nil {
					return err
				}
			}
			continue
		}
		if err := logging.SetLogLevel(sys, l.CapitalString()); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureLogging sets the output format and the level of this module's
// subsystems.
func ConfigureLogging(debug, json bool) error {
	format := logging.ColorizedOutput
	if json {
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  logging.LevelError,
		Stderr: true,
	})

	level := logging.LevelInfo
	if debug {
		level = logging.LevelDebug
	}
	levels := make(map[string]logging.LogLevel, len(Subsystems))
	for _, s := range Subsystems {
		levels[s] = level
	}
	return SetLogLevels(levels)
}
