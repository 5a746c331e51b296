// Package logging provides structured logging using slog.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"

	// Categories enables the named diagnostic categories. Disabled
	// categories are discarded regardless of Level.
	Categories []string
}

// Diagnostic categories.
const (
	CategoryBatch          = "batch"
	CategoryBlobWriter     = "blobwriter"
	CategoryBlobWriterData = "blobwriter_data"
	CategoryMessage        = "message"
	CategoryBlock          = "block"
	CategoryRollover       = "rollover"
	CategoryState          = "state"
)

// AllCategories lists every diagnostic category.
var AllCategories = []string{
	CategoryBatch,
	CategoryBlobWriter,
	CategoryBlobWriterData,
	CategoryMessage,
	CategoryBlock,
	CategoryRollover,
	CategoryState,
}

// Setup initializes the global slog logger based on configuration and
// returns the category gate.
func Setup(cfg Config) *Gate {
	return SetupWriter(os.Stdout, cfg)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, cfg Config) *Gate {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
	return NewGate(cfg.Categories...)
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidateCategories reports the first unknown category name.
func ValidateCategories(names []string) error {
	for _, n := range names {
		if n == "all" {
			continue
		}
		known := false
		for _, c := range AllCategories {
			if strings.EqualFold(n, c) {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown log category %q", n)
		}
	}
	return nil
}

// Gate decides which diagnostic categories are emitted. The zero value and
// a nil *Gate enable nothing.
type Gate struct {
	enabled map[string]bool
}

// NewGate enables the named categories. "all" enables every category.
func NewGate(categories ...string) *Gate {
	g := &Gate{enabled: make(map[string]bool)}
	for _, c := range categories {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "all" {
			for _, a := range AllCategories {
				g.enabled[a] = true
			}
			continue
		}
		if c != "" {
			g.enabled[c] = true
		}
	}
	return g
}

// Enabled reports whether category is on.
func (g *Gate) Enabled(category string) bool {
	if g == nil {
		return false
	}
	return g.enabled[category]
}

// Logger returns base tagged with category when it is enabled, and a
// discarding logger otherwise.
func (g *Gate) Logger(base *slog.Logger, category string) *slog.Logger {
	if !g.Enabled(category) {
		return Discard()
	}
	if base == nil {
		base = slog.Default()
	}
	return base.With("category", category)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// PartitionLogger creates a logger with partition context fields.
func PartitionLogger(runID string, partition int) *slog.Logger {
	return slog.With(
		"run_id", runID,
		"partition", partition,
	)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
