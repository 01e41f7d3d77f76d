package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Capture records everything logged while it is installed.
type Capture struct {
	mu        sync.Mutex
	records   []slog.Record
	restored  bool
	prev      *slog.Logger
	prevLevel slog.Level
}

// CaptureForTest swaps the default logger for a recording one at debug
// level. Callers defer Restore.
func CaptureForTest() *Capture {
	c := &Capture{
		prev:      slog.Default(),
		prevLevel: level.Level(),
	}
	slog.SetDefault(slog.New(&captureHandler{capture: c}))
	SetLevel(slog.LevelDebug)
	return c
}

// Restore reinstates the logger and level that were active before capture.
// Nothing is recorded afterwards, even when slog's built-in default keeps
// routing the log package through the capture handler.
func (c *Capture) Restore() {
	c.mu.Lock()
	c.restored = true
	c.mu.Unlock()
	slog.SetDefault(c.prev)
	level.Set(c.prevLevel)
}

// Records returns a copy of the captured records.
func (c *Capture) Records() []slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]slog.Record(nil), c.records...)
}

// Has reports whether a record at lvl contains msg in its message.
func (c *Capture) Has(lvl slog.Level, msg string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if r.Level == lvl && strings.Contains(r.Message, msg) {
			return true
		}
	}
	return false
}

// Count returns how many records were captured at lvl.
func (c *Capture) Count(lvl slog.Level) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.records {
		if r.Level == lvl {
			n++
		}
	}
	return n
}

// Attr returns the first value of key on the first record whose message
// contains msg.
func (c *Capture) Attr(msg, key string) (slog.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.records {
		if !strings.Contains(r.Message, msg) {
			continue
		}
		var (
			v     slog.Value
			found bool
		)
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == key {
				v, found = a.Value, true
				return false
			}
			return true
		})
		if found {
			return v, true
		}
	}
	return slog.Value{}, false
}

type captureHandler struct {
	capture *Capture
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.capture.mu.Lock()
	defer h.capture.mu.Unlock()
	if h.capture.restored {
		return nil
	}
	h.capture.records = append(h.capture.records, r.Clone())
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }
