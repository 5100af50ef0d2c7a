// Package client connects to a devctl server and issues requests on one
// session at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/devctl/proto"
	"github.com/jpillora/devctl/registry"
)

var (
	// ErrAuthFailed is returned by Connect when the server rejects the
	// credentials.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrTransport wraps failures of the connection itself. The client is
	// disconnected when one is returned.
	ErrTransport = errors.New("connection error")
)

// DefaultGreetingTimeout is how long Connect waits for the server to ask
// for credentials before assuming authentication is disabled.
const DefaultGreetingTimeout = time.Second

// CommandError is a command the server could not run.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// PromptFunc asks the operator for a value; secret values are not echoed.
type PromptFunc func(label string, secret bool) (string, error)

// Config is the configuration for the client
type Config struct {
	Host            string
	Port            int
	Username        string
	Password        string
	Framing         string
	MaxFrame        int
	GreetingTimeout time.Duration
	// Prompt supplies missing credentials. Without it, empty values are sent.
	Prompt PromptFunc
	// Dial replaces the TCP dialer, for in-memory transports.
	Dial   func(ctx context.Context) (net.Conn, error)
	Logger *slog.Logger
}

// Client is a connection to one server.
type Client struct {
	config Config

	mu        sync.Mutex
	conn      net.Conn
	framer    proto.Framer
	connected bool
}

// New returns an unconnected client.
func New(c Config) (*Client, error) {
	if !proto.ValidFraming(c.Framing) {
		return nil, fmt.Errorf("unknown framing %q", c.Framing)
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.GreetingTimeout <= 0 {
		c.GreetingTimeout = DefaultGreetingTimeout
	}
	return &Client{config: c}, nil
}

// Addr is the server address the client dials.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// Connect dials the server and authenticates if it asks to.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %s", ErrTransport, c.Addr(), err)
	}
	size := c.config.MaxFrame
	if c.config.Framing == proto.FramingRaw && size <= 0 {
		size = proto.RawResponseSize
	}
	// NewFramer only fails on unknown framings, which New rejects
	c.framer, _ = proto.NewFramer(c.config.Framing, conn, size)
	if raw, ok := c.framer.(*proto.RawFramer); ok {
		raw.SetWriteLimit(proto.RawControlSize - 1)
	}
	c.conn = conn
	if err := c.handshake(ctx); err != nil {
		conn.Close()
		c.conn, c.framer = nil, nil
		return err
	}
	c.connected = true
	c.debugf("Connected to %s", c.Addr())
	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.config.Dial != nil {
		return c.config.Dial(ctx)
	}
	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", c.Addr())
}

// handshake waits for the greeting. Silence for GreetingTimeout means the
// server skips authentication.
func (c *Client) handshake(ctx context.Context) error {
	c.conn.SetReadDeadline(time.Now().Add(c.config.GreetingTimeout))
	frame, err := c.framer.ReadFrame()
	if isTimeout(err) {
		c.conn.SetReadDeadline(time.Time{})
		c.debugf("No greeting, authentication disabled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: waiting for greeting: %s", ErrTransport, err)
	}
	in, ok := proto.Parse(frame).(proto.Structured)
	if !ok || in.Type != proto.TypeAuthRequired {
		return fmt.Errorf("%w: unexpected greeting %q", ErrTransport, frame)
	}
	creds, err := c.credentials()
	if err != nil {
		return err
	}
	c.deadline(ctx)
	if err := proto.Send(c.framer, creds); err != nil {
		return fmt.Errorf("%w: send credentials: %s", ErrTransport, err)
	}
	frame, err = c.framer.ReadFrame()
	if err != nil {
		return fmt.Errorf("%w: waiting for auth result: %s", ErrTransport, err)
	}
	if in, ok := proto.Parse(frame).(proto.Structured); !ok || in.Type != proto.TypeAuthSuccess {
		return ErrAuthFailed
	}
	return nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) credentials() (proto.Credentials, error) {
	creds := proto.Credentials{Username: c.config.Username, Password: c.config.Password}
	if c.config.Prompt == nil {
		return creds, nil
	}
	var err error
	if creds.Username == "" {
		if creds.Username, err = c.config.Prompt("Username: ", false); err != nil {
			return creds, fmt.Errorf("read username: %w", err)
		}
	}
	if creds.Password == "" {
		if creds.Password, err = c.config.Prompt("Password: ", true); err != nil {
			return creds, fmt.Errorf("read password: %w", err)
		}
	}
	return creds, nil
}

// deadline applies ctx's deadline to the connection, clearing any earlier one.
func (c *Client) deadline(ctx context.Context) {
	d, _ := ctx.Deadline()
	c.conn.SetDeadline(d)
}

// Connected reports whether the client holds a live session.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// roundTrip sends req and returns the next frame. Any failure drops the
// connection.
func (c *Client) roundTrip(ctx context.Context, req any) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("%w: not connected", ErrTransport)
	}
	c.deadline(ctx)
	if err := proto.Send(c.framer, req); err != nil {
		if errors.Is(err, proto.ErrFrameTooLarge) {
			return nil, err
		}
		c.dropLocked()
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	frame, err := c.framer.ReadFrame()
	if err != nil {
		c.dropLocked()
		return nil, fmt.Errorf("%w: %s", ErrTransport, err)
	}
	return frame, nil
}

func (c *Client) dropLocked() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.framer = nil, nil
	c.connected = false
}

// request sends a request of type t and decodes a reply of type want into v.
func (c *Client) request(ctx context.Context, t, want proto.Type, v any) error {
	frame, err := c.roundTrip(ctx, proto.Request{Type: t})
	if err != nil {
		return err
	}
	in, ok := proto.Parse(frame).(proto.Structured)
	if !ok || in.Type != want {
		return fmt.Errorf("%w: expected %s, got %q", proto.ErrMalformed, want, frame)
	}
	return in.Decode(v)
}

// Ping measures the round trip to the server and returns its pong.
func (c *Client) Ping(ctx context.Context) (time.Duration, proto.Pong, error) {
	pong := proto.Pong{}
	start := time.Now()
	if err := c.request(ctx, proto.TypePing, proto.TypePong, &pong); err != nil {
		return 0, pong, err
	}
	return time.Since(start), pong, nil
}

// SystemInfo describes the server host.
func (c *Client) SystemInfo(ctx context.Context) (proto.SystemInfo, error) {
	info := proto.SystemInfo{}
	err := c.request(ctx, proto.TypeSystemInfo, proto.TypeSystemInfoResponse, &info)
	return info, err
}

// Connections lists the server's live sessions keyed by peer address.
func (c *Client) Connections(ctx context.Context) (map[string]registry.Session, error) {
	resp := proto.ActiveConnectionsResponse[registry.Session]{}
	err := c.request(ctx, proto.TypeActiveConnections, proto.TypeActiveConnectionsResponse, &resp)
	return resp.Connections, err
}

// Command runs command on the server. A reply that is not JSON is returned
// as is.
func (c *Client) Command(ctx context.Context, command string) (string, error) {
	frame, err := c.roundTrip(ctx, proto.NewCommand(command))
	if err != nil {
		return "", err
	}
	in, ok := proto.Parse(frame).(proto.Structured)
	if !ok {
		return string(frame), nil
	}
	if in.Type != proto.TypeCommandResponse {
		return string(in.Raw), nil
	}
	resp := proto.CommandResponse{}
	if err := in.Decode(&resp); err != nil {
		return "", err
	}
	if resp.Status == proto.StatusError {
		return "", &CommandError{Message: resp.Error}
	}
	return resp.Output, nil
}

// Reconnect drops the current connection, if any, and connects again.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.dropLocked()
	c.mu.Unlock()
	return c.Connect(ctx)
}

// Close asks the server to end the session and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := proto.Send(c.framer, proto.NewCommand("exit")); err != nil {
		c.debugf("Failed to send exit: %s", err)
	}
	err := c.conn.Close()
	c.conn, c.framer = nil, nil
	c.connected = false
	return err
}

func (c *Client) debugf(f string, args ...interface{}) {
	if c.config.Logger != nil {
		c.config.Logger.Debug(fmt.Sprintf(f, args...))
	}
}
