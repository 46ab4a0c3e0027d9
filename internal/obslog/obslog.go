// Package obslog initializes the process-wide zerolog logger, adapted from
// the teacher's internal/observability package: JSON lines to stdout, or
// appended to a log file when one is configured. There is no pretty console
// writer; output is JSON in every environment.
package obslog

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. If logPath is non-empty, logs
// are appended to that file instead of stdout so CLI output (list/show/
// stats) isn't interleaved with structured log lines.
func Init(logPath, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			log.Logger = log.Output(f).With().Timestamp().Logger()
			applyLevel(level)
			stdlog.SetFlags(0)
			stdlog.SetOutput(log.Logger)
			return
		} else {
			fmt.Fprintf(os.Stderr, "obslog: failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()
	applyLevel(level)
	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}

func applyLevel(level string) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)
}

// For returns a component-scoped child logger, e.g. obslog.For("batch").
func For(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
