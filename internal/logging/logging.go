// Package logging configures structured logging for the engine and CLI.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config controls how Setup builds the default logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file. Empty means no file logging.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation.
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep.
	MaxFiles int
	// WriteToStderr also writes to stderr when true.
	WriteToStderr bool
}

// DefaultConfig returns the default logging configuration rooted under
// the given workspace's memory directory.
func DefaultConfig(workspaceMemoryDir string) Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(workspaceMemoryDir),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// Setup initializes file-based structured logging and returns a cleanup
// function that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer = writer
	if cfg.WriteToStderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler)

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}

	return logger, cleanup, nil
}

// SetupDefault wires Setup's logger as the process-wide default.
func SetupDefault(workspaceMemoryDir string) (func(), error) {
	logger, cleanup, err := Setup(DefaultConfig(workspaceMemoryDir))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

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
