package main

import (
	"io"
	"log/slog"
)

// newLogger builds the process logger from cfg, writing to w. The
// returned func flushes the log shipper, if one is configured.
func newLogger(cfg LogConfig, w io.Writer) (*slog.Logger, func()) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	if cfg.WebhookURL == "" {
		return slog.New(handler), func() {}
	}

	shipLevel, err := parseLevel(cfg.WebhookLevel)
	if err != nil {
		shipLevel = slog.LevelWarn
	}
	shipper := newLogShipper(handler, cfg.WebhookURL, cfg.WebhookToken, shipLevel, nil)
	return slog.New(shipper), shipper.Close
}
