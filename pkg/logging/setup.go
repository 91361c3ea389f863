package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

const dirPerm = 0o700 // Only owner can access log directory

var secretKeys = []string{"token", "secret", "password", "authorization"}

// redact masks attribute values whose key names a credential.
func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, "[redacted]")
		}
	}
	return a
}

// Options configures Setup.
type Options struct {
	// Stderr receives human-readable text logs. Defaults to os.Stderr.
	Stderr io.Writer
	// Dir holds databar.log. File logging is disabled when empty.
	Dir   string
	Debug bool
}

// Setup builds a logger writing text to stderr and JSON to a rotating file.
// The returned closer releases the log file and is never nil.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level, AddSource: opts.Debug, ReplaceAttr: redact}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	text := slog.NewTextHandler(stderr, hopts)

	if opts.Dir == "" {
		return slog.New(text), io.NopCloser(nil), nil
	}
	if err := os.MkdirAll(opts.Dir, dirPerm); err != nil {
		// Continue without file logging
		return slog.New(text), io.NopCloser(nil), fmt.Errorf("create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "databar.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
	}
	logger := slog.New(NewMultiHandler(text, slog.NewJSONHandler(file, hopts)))
	return logger, file, nil
}
