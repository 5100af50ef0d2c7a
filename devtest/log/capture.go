// Package log captures slog records so tests can assert on server logs.
package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one captured record.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

func (e Entry) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", e.Time.Format("15:04:05.000"), e.Level, e.Message)
	for k, v := range e.Attrs {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	return sb.String()
}

// Capture collects records from any number of loggers.
type Capture struct {
	mu      sync.Mutex
	entries []Entry
	notify  chan struct{}
}

// NewCapture returns an empty Capture.
func NewCapture() *Capture {
	return &Capture{notify: make(chan struct{})}
}

// Logger returns a logger at debug level writing into c.
func (c *Capture) Logger() *slog.Logger {
	return slog.New(&Handler{capture: c})
}

// Add appends e and wakes any WaitFor callers.
func (c *Capture) Add(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.mu.Lock()
	c.entries = append(c.entries, e)
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// Find returns the first entry whose message contains text.
func (c *Capture) Find(text string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if strings.Contains(e.Message, text) {
			return e, true
		}
	}
	return Entry{}, false
}

// Assert fails unless some entry contains text.
func (c *Capture) Assert(text string) error {
	if _, ok := c.Find(text); ok {
		return nil
	}
	return fmt.Errorf("no log entry containing %q in %d entries", text, c.Count())
}

// AssertLevel fails unless some entry at level contains text.
func (c *Capture) AssertLevel(level slog.Level, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Level == level && strings.Contains(e.Message, text) {
			return nil
		}
	}
	return fmt.Errorf("no %s log entry containing %q", level, text)
}

// WaitFor blocks until an entry containing text arrives or ctx ends.
func (c *Capture) WaitFor(ctx context.Context, text string) (Entry, error) {
	for {
		c.mu.Lock()
		ch := c.notify
		c.mu.Unlock()
		if e, ok := c.Find(text); ok {
			return e, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return Entry{}, fmt.Errorf("waiting for log %q: %w", text, ctx.Err())
		}
	}
}

// Count is the number of captured entries.
func (c *Capture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// String renders all entries, one per line, for failure messages.
func (c *Capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	for _, e := range c.entries {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
