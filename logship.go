package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

const logShipTimeout = 5 * time.Second

// logShipper wraps another slog.Handler and also POSTs records at or
// above minLevel to a collector URL.
//
// The shared state (client, in-flight group) lives in logShipperCore so
// handlers derived through WithAttrs/WithGroup ship through the same
// pipeline and Close waits for all of them.
type logShipper struct {
	underlying slog.Handler
	core       *logShipperCore
	attrs      []slog.Attr // attrs from With, already group-qualified
	groups     []string
}

type logShipperCore struct {
	url      string
	token    string
	minLevel slog.Level
	client   httpDoer
	inflight sync.WaitGroup
}

// newLogShipper returns a handler that writes to underlying and ships to
// url. client may be nil.
func newLogShipper(underlying slog.Handler, url, token string, minLevel slog.Level, client httpDoer) *logShipper {
	if client == nil {
		client = &http.Client{Timeout: logShipTimeout}
	}
	return &logShipper{
		underlying: underlying,
		core: &logShipperCore{
			url:      url,
			token:    token,
			minLevel: minLevel,
			client:   client,
		},
	}
}

func (l *logShipper) Enabled(ctx context.Context, level slog.Level) bool {
	return l.underlying.Enabled(ctx, level)
}

// Handle writes the record locally, then ships it in the background. The
// request context is not used for shipping so logs from cancelled
// requests still arrive.
func (l *logShipper) Handle(ctx context.Context, record slog.Record) error {
	if err := l.underlying.Handle(ctx, record); err != nil {
		return err
	}
	if record.Level < l.core.minLevel {
		return nil
	}

	entry := l.buildEntry(record)
	l.core.inflight.Add(1)
	go func() {
		defer l.core.inflight.Done()
		l.core.ship(entry)
	}()
	return nil
}

func (l *logShipper) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := l.clone()
	next.underlying = l.underlying.WithAttrs(attrs)
	for _, a := range attrs {
		next.attrs = append(next.attrs, qualify(l.groups, a))
	}
	return next
}

func (l *logShipper) WithGroup(name string) slog.Handler {
	if name == "" {
		return l
	}
	next := l.clone()
	next.underlying = l.underlying.WithGroup(name)
	next.groups = append(next.groups, name)
	return next
}

// Close waits for in-flight shipments.
func (l *logShipper) Close() {
	l.core.inflight.Wait()
}

func (l *logShipper) clone() *logShipper {
	return &logShipper{
		underlying: l.underlying,
		core:       l.core,
		attrs:      append([]slog.Attr(nil), l.attrs...),
		groups:     append([]string(nil), l.groups...),
	}
}

// buildEntry flattens the record into a JSON object. Group names become
// dotted key prefixes.
func (l *logShipper) buildEntry(record slog.Record) map[string]any {
	entry := map[string]any{
		"time":  record.Time.UTC().Format(time.RFC3339Nano),
		"level": record.Level.String(),
		"msg":   record.Message,
	}
	for _, a := range l.attrs {
		addAttr(entry, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		addAttr(entry, qualify(l.groups, a))
		return true
	})
	return entry
}

func qualify(groups []string, a slog.Attr) slog.Attr {
	for i := len(groups) - 1; i >= 0; i-- {
		a = slog.Attr{Key: groups[i] + "." + a.Key, Value: a.Value}
	}
	return a
}

func addAttr(entry map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			addAttr(entry, slog.Attr{Key: a.Key + "." + ga.Key, Value: ga.Value})
		}
		return
	}
	if err, ok := v.Any().(error); ok {
		entry[a.Key] = err.Error()
		return
	}
	entry[a.Key] = v.Any()
}

// ship posts one entry. Failures go to stderr; logging them through slog
// would loop back here.
func (c *logShipperCore) ship(entry map[string]any) {
	body, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logship: marshal entry:", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), logShipTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintln(os.Stderr, "logship: build request:", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logship: send:", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		fmt.Fprintln(os.Stderr, "logship: unexpected status:", resp.StatusCode)
	}
}
