// Package log provides AgentDB's structured logging: one process-wide
// zerolog logger plus scoped child constructors for the entities the
// runtime reasons about (roots, partitions, clients, agents). Until
// Init is called the logger is the zero value, which discards
// everything; library code can log unconditionally and embedders who
// never call Init stay silent.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Replaced wholesale by Init.
var Logger zerolog.Logger

// Config controls the process-wide logger.
type Config struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error");
	// unrecognized values fall back to info.
	Level string

	// Console switches from JSON lines (the default) to human-readable
	// console output.
	Console bool

	// Output defaults to stderr.
	Output io.Writer
}

// Init replaces the process-wide logger.
func Init(cfg Config) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// WithRoot scopes the logger to one root.
func WithRoot(root string) zerolog.Logger {
	return Logger.With().Str("root", root).Logger()
}

// WithPartition scopes the logger to one partition index within a root.
func WithPartition(root string, partition uint32) zerolog.Logger {
	return Logger.With().Str("root", root).Uint32("partition", partition).Logger()
}

// WithClient scopes the logger to one client identity.
func WithClient(clientID string) zerolog.Logger {
	return Logger.With().Str("client_id", clientID).Logger()
}

// WithAgent scopes the logger to one agent.
func WithAgent(agentID string) zerolog.Logger {
	return Logger.With().Str("agent_id", agentID).Logger()
}
