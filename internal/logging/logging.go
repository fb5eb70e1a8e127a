// Package logging wraps the shared daemon logger so every component logs
// through the same sink with a per-component prefix.
package logging

import (
	"io"
	"os"
	"strings"

	clog "github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// L is the root logger. Components should derive from it via For.
var L = clog.NewWithOptions(os.Stderr, clog.Options{
	ReportTimestamp: true,
})

// Options controls where and how verbosely the daemon logs.
type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Setup reconfigures the root logger. When File is set, output goes through
// a size-rotated log file instead of stderr.
func Setup(opts Options) {
	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
	}

	L = clog.NewWithOptions(w, clog.Options{
		ReportTimestamp: true,
		Level:           parseLevel(opts.Level),
	})
}

// For returns a sub-logger tagged with the given component name.
func For(component string) *clog.Logger {
	return L.WithPrefix(component)
}

func parseLevel(s string) clog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return clog.DebugLevel
	case "warn", "warning":
		return clog.WarnLevel
	case "error":
		return clog.ErrorLevel
	default:
		return clog.InfoLevel
	}
}
