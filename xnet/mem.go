package xnet

import (
	"context"
	"net"

	"google.golang.org/grpc/test/bufconn"
)

// ListenerDialer is a net.Listener that can also dial itself.
type ListenerDialer interface {
	net.Listener
	Dial(ctx context.Context) (net.Conn, error)
}

type mem struct {
	*bufconn.Listener
}

// NewMem creates an in-memory ListenerDialer backed by bufconn.
// Every connection has a buffer of size bytes in each direction.
// Note that all bufconn connections report the same address.
func NewMem(size int) ListenerDialer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &mem{Listener: bufconn.Listen(size)}
}

// Dial connects to the in-memory listener.
func (m *mem) Dial(ctx context.Context) (net.Conn, error) {
	return m.Listener.DialContext(ctx)
}
