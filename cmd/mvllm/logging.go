package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// logsDir holds the always-on JSON log file; console output is opt-in.
const logsDir = "logs"

// setupLogging builds the process logger: JSON lines to logs/mvllm.log,
// plus a human-readable console writer when enabled.
func setupLogging(level string, console bool) (zerolog.Logger, error) {
	lvl := parseLevel(level)

	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return zerolog.Nop(), fmt.Errorf("create logs dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logsDir, "mvllm.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("open log file: %w", err)
	}

	var w io.Writer = f
	if console {
		w = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	logger := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return logger, nil
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO", "":
		return zerolog.InfoLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
