package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// logger starts out discarding everything so that code which logs
// before Init — the store's corruption-quarantine warning can fire from
// a bare test binary — writes nowhere instead of panicking.
var logger = zerolog.New(io.Discard)

// Config selects the verbosity and output format for this process.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error").
	// Unrecognized or empty values fall back to info: a mistyped
	// --log-level must never stop the daemon from starting.
	Level string

	// JSON emits machine-parseable lines. The default is zerolog's
	// console format, which is what an operator tailing the supervisor
	// interactively wants.
	JSON bool

	// Output defaults to stderr. Stdout is left untouched on purpose:
	// the wrapper passes the workload's stdout through verbatim, and
	// the CLI subcommands print their results there.
	Output io.Writer
}

// Init replaces the process-wide logger. Call it once at startup,
// before any goroutine that logs is running.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = out
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger = zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the subsystem name
// ("supervisor", "store", ...), so one process's interleaved output
// stays attributable.
func WithComponent(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithRunID returns a child logger tagged with the run the caller is
// working on behalf of; the wrapper uses this for everything it emits.
func WithRunID(runID string) zerolog.Logger {
	return logger.With().Str("run_id", runID).Logger()
}
