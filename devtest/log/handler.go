package log

import (
	"context"
	"log/slog"
)

// Handler is an slog.Handler feeding a Capture. Groups are flattened into
// dotted attribute keys.
type Handler struct {
	capture *Capture
	attrs   []slog.Attr
	prefix  string
}

// NewHandler returns a Handler writing into c.
func NewHandler(c *Capture) *Handler {
	return &Handler{capture: c}
}

func (h *Handler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   map[string]any{},
	}
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		e.Attrs[h.prefix+a.Key] = a.Value.Any()
		return true
	})
	h.capture.Add(e)
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &Handler{capture: h.capture, prefix: h.prefix}
	n.attrs = append(n.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = h.prefix + a.Key
		n.attrs = append(n.attrs, a)
	}
	return n
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{capture: h.capture, attrs: h.attrs, prefix: h.prefix + name + "."}
}

var _ slog.Handler = (*Handler)(nil)
