package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/devctl/proto"
	"github.com/jpillora/devctl/registry"
	"github.com/jpillora/devctl/resolve"
	"github.com/jpillora/devctl/xnet"
	"github.com/jpillora/jplog"
)

// Server accepts control sessions and runs their commands
type Server struct {
	config   Config
	registry *registry.Registry
	resolver Resolver
	auth     Authenticator
	executor *Executor
	sampler  Sampler
	handlers map[proto.Type]RequestHandler
	auditLog *slog.Logger
	closers  []io.Closer

	ready     chan struct{}
	readyOnce sync.Once
	mu        sync.Mutex
	addr      net.Addr
	ctx       context.Context
	wg        sync.WaitGroup
}

// NewServer creates a new Server
func NewServer(c Config) (*Server, error) {
	if l := c.Logger; l == nil && !c.LogQuiet {
		h := jplog.Handler(os.Stdout)
		if c.LogVerbose {
			h = h.Verbose()
		}
		l = slog.New(h)
		c.Logger = l
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if !proto.ValidFraming(c.Framing) {
		return nil, fmt.Errorf("unknown framing %q", c.Framing)
	}
	if c.MaxClients < 0 {
		return nil, fmt.Errorf("invalid max clients %d", c.MaxClients)
	}
	s := &Server{
		config:   c,
		registry: registry.New(),
		ready:    make(chan struct{}),
		ctx:      context.Background(),
	}
	shell, err := lookupShell(c.Shell)
	if err != nil {
		return nil, err
	}
	s.config.Shell = shell
	s.debugf("Command shell %s", shell)
	s.executor = &Executor{Shell: shell, WorkDir: c.WorkDir, PTY: c.PTY}
	if s.auth, err = s.computeAuth(); err != nil {
		return nil, err
	}
	s.sampler = c.Sampler
	if s.sampler == nil {
		s.sampler = CPUSampler{}
	}
	s.resolver = c.Resolver
	if s.resolver == nil {
		r, err := resolve.New(c.Geo, c.Logger)
		if err != nil {
			return nil, err
		}
		s.resolver = r
		s.closers = append(s.closers, r)
	}
	audit, f, err := openAudit(c.AuditLog)
	if err != nil {
		s.Close()
		return nil, err
	}
	if f != nil {
		s.auditLog = audit
		s.closers = append(s.closers, f)
		s.infof("Audit log %s", c.AuditLog)
	}
	// register built-in request handlers
	s.handlers = map[proto.Type]RequestHandler{
		proto.TypePing:              handlePing,
		proto.TypeSystemInfo:        handleSystemInfo,
		proto.TypeActiveConnections: handleActiveConnections,
		proto.TypeCommand:           handleCommand,
	}
	// merge custom handlers from config (fail on clash with built-in)
	for t, h := range c.Handlers {
		if _, exists := s.handlers[t]; exists {
			s.Close()
			return nil, fmt.Errorf("request handler %q already registered", t)
		}
		s.handlers[t] = h
	}
	return s, nil
}

// Start listening on port
func (s *Server) Start() error {
	return s.StartContext(context.Background())
}

// StartContext listening on port with context
func (s *Server) StartContext(ctx context.Context) error {
	p := s.config.Port
	if p == 0 {
		p = DefaultPort
	}
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(p))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		s.Close()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.StartWithContext(ctx, l)
}

// StartWith starts the server with the provided listener.
// Ignores the Host and Port in the config.
func (s *Server) StartWith(l net.Listener) error {
	return s.StartWithContext(context.Background(), l)
}

// StartWithContext starts the server with the provided listener and context.
// The server will close when the context is cancelled: the listener is
// closed, every live session is disconnected and awaited.
// Ignores the Host and Port in the config.
func (s *Server) StartWithContext(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		l.Close()
		// sessions are already disconnected; their cleanup still needs the
		// resolver and audit log
		s.wg.Wait()
		s.Close()
	}()
	s.mu.Lock()
	s.ctx = ctx
	s.addr = l.Addr()
	s.mu.Unlock()
	s.infof("Listening on %s...", l.Addr())
	s.readyOnce.Do(func() { close(s.ready) })
	// Close listener and sessions when context is cancelled
	go func() {
		<-ctx.Done()
		s.infof("Closing server")
		l.Close()
		if n := s.registry.CloseAll(); n > 0 {
			s.debugf("Disconnected %d sessions", n)
		}
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil // Expected error when stopping
			}
			s.errorf("Failed to accept incoming connection (%s)", err)
			continue
		}
		sess, err := s.admit(ctx, conn)
		if err != nil {
			s.infof("Refused connection from %s (%s)", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}
		if ctx.Err() != nil {
			// shutdown raced with this accept
			conn.Close()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()
		}()
	}
}

// HandleConn serves a single connection obtained elsewhere, returning when
// the session ends. The connection counts against MaxClients.
func (s *Server) HandleConn(conn net.Conn) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	sess, err := s.admit(ctx, conn)
	if err != nil {
		s.infof("Refused connection from %s (%s)", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	sess.serve()
}

// admit reserves a registry slot for conn before any byte is exchanged.
func (s *Server) admit(ctx context.Context, conn net.Conn) (*Session, error) {
	ip, port := xnet.SplitAddr(conn.RemoteAddr())
	info := registry.NewSession(ip, port, s.now())
	addr := info.Addr()
	if err := s.registry.Reserve(addr, info, conn, s.config.MaxClients); err != nil {
		return nil, err
	}
	return newSession(ctx, s, conn, ip, addr), nil
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr is the listening address, nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Registry exposes the live session table.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Wait blocks until every session handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close releases the resolver and audit log. StartWithContext calls it
// before returning; callers that only use HandleConn call it themselves.
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Server) now() time.Time {
	return s.config.Now()
}

func (s *Server) debugf(f string, args ...interface{}) {
	if !s.config.LogQuiet {
		// debug logs only emit if enabled on the slogger (verbose is enabled)
		s.config.Logger.Debug(fmt.Sprintf(f, args...))
	}
}

func (s *Server) infof(f string, args ...interface{}) {
	if !s.config.LogQuiet {
		s.config.Logger.Info(fmt.Sprintf(f, args...))
	}
}

func (s *Server) errorf(f string, args ...interface{}) {
	if !s.config.LogQuiet {
		s.config.Logger.Error(fmt.Sprintf(f, args...))
	}
}
