package server

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// openAudit opens the audit log for appending, one JSON record per line.
// Records go through their own logger so they are kept even when the
// console log is quiet.
func openAudit(path string) (*slog.Logger, io.Closer, error) {
	if path == "" {
		return nil, nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, nil)), f, nil
}

// audit writes one audit record for sess.
func (s *Server) audit(sess *Session, msg string, args ...any) {
	if s.auditLog == nil {
		return
	}
	info, _ := s.registry.Get(sess.addr)
	attrs := []any{
		"peer", sess.addr,
		"user", info.Username,
		"hostname", info.Hostname,
		"location", info.Location,
	}
	s.auditLog.Info(msg, append(attrs, args...)...)
}
