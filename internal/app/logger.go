package app

import (
	"log/slog"
	"os"
)

// NewLogger returns the process logger. JSON is the production format;
// anything else falls back to text, which is easier to scan locally.
// Every record carries the service name so gate terminals and the worker
// can share one log pipeline.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "veriaccess"))
}
