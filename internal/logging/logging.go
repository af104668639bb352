// Package logging provides the structured logger shared by every
// CloudPaste gateway component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger the way Perkeep's webserver.Server carries a
// nil-able *log.Logger field: components hold one, never the global logger,
// and attach their own fields at construction time.
type Logger struct {
	zerolog.Logger
}

// New builds the process-wide base logger. verbose mirrors the CAMLI_HTTP_DEBUG
// style debug toggle: it lowers the minimum level to debug.
func New(verbose bool) Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return Logger{zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// NewWriter builds a logger writing newline-delimited JSON to w, for
// production deployments where logs are shipped rather than read on a tty.
func NewWriter(w io.Writer, verbose bool) Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return Logger{zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Component returns a child logger tagged with a component name, the way
// every driver/service constructor in this gateway scopes its own logs.
func (l Logger) Component(name string) Logger {
	return Logger{l.With().Str("component", name).Logger()}
}

// WithMount further scopes a component logger to a specific mount, used by
// the VFS, mount router and FS index.
func (l Logger) WithMount(mountID string) Logger {
	return Logger{l.With().Str("mount_id", mountID).Logger()}
}

// WithJob scopes a logger to a job id, used by the job runtime and scheduler.
func (l Logger) WithJob(jobID string) Logger {
	return Logger{l.With().Str("job_id", jobID).Logger()}
}
