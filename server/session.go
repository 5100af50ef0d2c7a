package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"time"

	"github.com/jpillora/devctl/proto"
	"github.com/jpillora/devctl/registry"
)

// ErrSessionExit is returned by a RequestHandler to end the session cleanly.
var ErrSessionExit = errors.New("session exit")

// State is the lifecycle stage of a session.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session is one client connection and its position in the lifecycle.
type Session struct {
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
	conn   net.Conn
	framer proto.Framer
	ip     string
	addr   string
	state  State
}

func newSession(ctx context.Context, s *Server, conn net.Conn, ip, addr string) *Session {
	ctx, cancel := context.WithCancel(ctx)
	// NewFramer only fails on unknown framings, which NewServer rejects
	framer, _ := proto.NewFramer(s.config.Framing, conn, s.config.MaxFrame)
	if raw, ok := framer.(*proto.RawFramer); ok {
		// a reply that fills the peer's read buffer would look truncated
		raw.SetWriteLimit(proto.RawResponseSize - 1)
	}
	return &Session{
		server: s,
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		framer: framer,
		ip:     ip,
		addr:   addr,
	}
}

// Addr is the peer address, the session's registry key.
func (sess *Session) Addr() string {
	return sess.addr
}

// State reports where the session is in its lifecycle.
func (sess *Session) State() State {
	return sess.state
}

// Context is cancelled when the session ends or the server shuts down.
func (sess *Session) Context() context.Context {
	return sess.ctx
}

// Info returns the session's registry record.
func (sess *Session) Info() registry.Session {
	info, _ := sess.server.registry.Get(sess.addr)
	return info
}

// Send writes v as one JSON frame.
func (sess *Session) Send(v any) error {
	return proto.Send(sess.framer, v)
}

// SendText writes text as a frame without JSON encoding.
func (sess *Session) SendText(text string) error {
	return sess.framer.WriteFrame([]byte(text))
}

// Debugf logs a debug message for this session.
func (sess *Session) Debugf(f string, args ...interface{}) {
	sess.server.debugf("[%s] "+f, append([]interface{}{sess.addr}, args...)...)
}

// Errorf logs an error message for this session.
func (sess *Session) Errorf(f string, args ...interface{}) {
	sess.server.errorf("[%s] "+f, append([]interface{}{sess.addr}, args...)...)
}

// Config returns the server configuration.
func (sess *Session) Config() Config {
	return sess.server.config
}

func (sess *Session) setState(st State) {
	sess.Debugf("%s -> %s", sess.state, st)
	sess.state = st
}

// serve drives the session through its states. Cleanup runs on every path,
// including a panicking handler.
func (sess *Session) serve() {
	s := sess.server
	defer sess.cleanup()
	defer func() {
		if r := recover(); r != nil {
			sess.Errorf("Session panic: %v\n%s", r, debug.Stack())
		}
	}()
	s.debugf("New connection from %s", sess.addr)
	if s.auth != nil {
		// greet before the peer lookup: clients treat a silent server as
		// one without authentication
		if err := sess.Send(proto.NewAuthRequired()); err != nil {
			sess.Debugf("Failed to send auth request: %s", err)
			return
		}
	}
	sess.connecting()
	if s.auth != nil {
		sess.setState(StateAuthenticating)
		if !sess.authenticate() {
			return
		}
	}
	sess.setState(StateActive)
	if err := sess.loop(); err != nil {
		sess.Errorf("Session ended: %s", err)
	}
}

func (sess *Session) connecting() {
	s := sess.server
	info := s.resolver.Resolve(sess.ctx, sess.ip)
	s.registry.Update(sess.addr, func(r *registry.Session) {
		r.Hostname = info.Hostname
		r.Location = info.Location.String()
		r.MapsURL = info.Location.MapsURL
	})
	s.infof("Connection from %s (%s, %s)", sess.addr, info.Hostname, info.Location)
	s.audit(sess, "connected", "maps_url", info.Location.MapsURL)
}

// authenticate reads the reply to auth_required. Every failure, whether a
// malformed message or rejected credentials, is answered with auth_failure.
func (sess *Session) authenticate() bool {
	s := sess.server
	sess.setDeadline()
	frame, err := sess.framer.ReadFrame()
	if err != nil {
		sess.Debugf("No credentials: %s", err)
		return false
	}
	creds, err := proto.ParseCredentials(frame)
	if err == nil && !s.auth.Authenticate(creds.Username, creds.Password) {
		err = fmt.Errorf("credentials rejected for user '%s'", creds.Username)
	}
	if err != nil {
		s.registry.Update(sess.addr, func(r *registry.Session) {
			r.Username = registry.AuthFailed
		})
		s.infof("Authentication failed from %s (%s)", sess.addr, err)
		s.audit(sess, "authentication failed")
		if err := sess.Send(proto.NewAuthResult(false)); err != nil {
			sess.Debugf("Failed to send auth failure: %s", err)
		}
		return false
	}
	s.registry.Update(sess.addr, func(r *registry.Session) {
		r.Username = creds.Username
		r.LastActivity = registry.Timestamp(s.now())
	})
	s.infof("User '%s' authenticated from %s", creds.Username, sess.addr)
	s.audit(sess, "authenticated")
	if err := sess.Send(proto.NewAuthResult(true)); err != nil {
		sess.Debugf("Failed to send auth success: %s", err)
		return false
	}
	return true
}

// loop serves requests one at a time until the peer leaves or asks to exit.
func (sess *Session) loop() error {
	s := sess.server
	for {
		sess.setDeadline()
		frame, err := sess.framer.ReadFrame()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				sess.Debugf("Closed by peer")
				return nil
			case errors.Is(err, os.ErrDeadlineExceeded):
				sess.Debugf("Idle timeout")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.registry.Touch(sess.addr, s.now())
		switch in := proto.Parse(frame).(type) {
		case proto.Structured:
			err = sess.dispatch(in)
		case proto.Legacy:
			err = sess.legacy(in.Text)
		}
		if errors.Is(err, ErrSessionExit) {
			sess.Debugf("Exit requested")
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (sess *Session) dispatch(req proto.Structured) error {
	h, ok := sess.server.handlers[req.Type]
	if !ok {
		sess.Debugf("Ignoring unknown request type %q", req.Type)
		return nil
	}
	return h(sess, req)
}

// legacy serves a plain text command from a client that predates
// structured messages. The reply is the raw output.
func (sess *Session) legacy(command string) error {
	sess.server.audit(sess, "command", "command", command, "legacy", true)
	if proto.IsExit(command) {
		return ErrSessionExit
	}
	out, err := sess.server.executor.Run(sess.ctx, command)
	if err != nil {
		sess.Debugf("Command failed: %s", err)
		out = err.Error()
	}
	err = sess.SendText(out)
	if errors.Is(err, proto.ErrFrameTooLarge) {
		return sess.SendText(fmt.Sprintf("output too large: %d bytes", len(out)))
	}
	return err
}

func (sess *Session) setDeadline() {
	if t := sess.server.config.IdleTimeout; t > 0 {
		sess.conn.SetReadDeadline(time.Now().Add(time.Duration(t) * time.Second))
	}
}

func (sess *Session) cleanup() {
	s := sess.server
	sess.setState(StateClosed)
	sess.cancel()
	s.audit(sess, "disconnected")
	s.registry.Remove(sess.addr)
	sess.conn.Close()
	s.debugf("Session %s closed", sess.addr)
}
