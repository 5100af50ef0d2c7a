// Package devtest starts devctl servers on random ports and speaks the wire
// protocol directly, for tests.
package devtest

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jpillora/devctl/devtest/log"
	"github.com/jpillora/devctl/resolve"
	"github.com/jpillora/devctl/server"
	"github.com/jpillora/devctl/xnet"
)

// ServerOption configures a test server.
type ServerOption func(*server.Config)

// WithAuth sets the auth policy ("any", "user:pass" or a credentials file).
func WithAuth(policy string) ServerOption {
	return func(c *server.Config) {
		c.Auth = policy
		c.NoAuth = false
	}
}

// WithNoAuth disables the handshake.
func WithNoAuth() ServerOption {
	return func(c *server.Config) {
		c.NoAuth = true
	}
}

// WithMaxClients sets the session limit; 0 is unlimited.
func WithMaxClients(n int) ServerOption {
	return func(c *server.Config) {
		c.MaxClients = n
	}
}

// WithFraming selects the wire framing.
func WithFraming(name string) ServerOption {
	return func(c *server.Config) {
		c.Framing = name
	}
}

// WithLogs routes server logs into capture.
func WithLogs(capture *log.Capture) ServerOption {
	return func(c *server.Config) {
		c.Logger = capture.Logger()
		c.LogQuiet = false
	}
}

// WithConfig applies arbitrary changes to the server config.
func WithConfig(fn func(c *server.Config)) ServerOption {
	return func(c *server.Config) {
		fn(c)
	}
}

// StaticResolver resolves every peer to the same record.
type StaticResolver resolve.Info

func (r StaticResolver) Resolve(context.Context, string) resolve.Info {
	return resolve.Info(r)
}

// FixedSampler reports a constant CPU usage; a negative value fails.
type FixedSampler float64

func (f FixedSampler) CPUPercent(context.Context) (float64, error) {
	if f < 0 {
		return 0, errors.New("sampler unavailable")
	}
	return float64(f), nil
}

// Server is a running devctl server bound to a loopback port.
type Server struct {
	*server.Server
	Addr string
	Port int

	cancel context.CancelFunc
	done   chan error
}

// DefaultConfig is the base configuration of test servers: permissive auth,
// quiet logs, a fixed resolver and sampler, and sh as the shell.
func DefaultConfig() server.Config {
	return server.Config{
		Host:       "127.0.0.1",
		MaxClients: server.DefaultMaxClients,
		Auth:       server.AuthAny,
		Shell:      "sh",
		LogQuiet:   true,
		Resolver: StaticResolver{
			Hostname: "localhost",
			Location: resolve.LocalNetwork,
		},
		Sampler: FixedSampler(12.34),
	}
}

// StartServer starts a server and stops it when the test ends.
func StartServer(tb testing.TB, opts ...ServerOption) *Server {
	tb.Helper()
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	l, addr, err := xnet.GetRandomListener()
	if err != nil {
		tb.Fatalf("listen: %s", err)
	}
	srv, err := server.NewServer(c)
	if err != nil {
		l.Close()
		tb.Fatalf("new server: %s", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Server: srv,
		Addr:   addr,
		Port:   l.Addr().(*net.TCPAddr).Port,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		s.done <- srv.StartWithContext(ctx, l)
	}()
	select {
	case <-srv.Ready():
	case err := <-s.done:
		tb.Fatalf("server exited early: %v", err)
	}
	tb.Cleanup(func() {
		if err := s.Stop(); err != nil {
			tb.Errorf("stop server: %s", err)
		}
	})
	return s
}

// Stop cancels the server and waits for it to shut down.
func (s *Server) Stop() error {
	s.cancel()
	select {
	case err, ok := <-s.done:
		if ok {
			close(s.done)
		}
		return err
	case <-time.After(10 * time.Second):
		return errors.New("server did not stop")
	}
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
