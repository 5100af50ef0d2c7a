package devtest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jpillora/devctl/proto"
)

// RecvTimeout bounds every Peer read.
const RecvTimeout = 5 * time.Second

// Peer speaks the wire protocol without any client logic, so tests can send
// exactly the frames they want.
type Peer struct {
	Conn   net.Conn
	Framer proto.Framer
}

// Dial connects to addr using the given framing.
func Dial(addr, framing string) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr, RecvTimeout)
	if err != nil {
		return nil, err
	}
	size := 0
	if framing == proto.FramingRaw {
		size = proto.RawResponseSize
	}
	f, err := proto.NewFramer(framing, conn, size)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Peer{Conn: conn, Framer: f}, nil
}

// Send writes v as a JSON frame.
func (p *Peer) Send(v any) error {
	return proto.Send(p.Framer, v)
}

// SendText writes text as a frame without encoding.
func (p *Peer) SendText(text string) error {
	return p.Framer.WriteFrame([]byte(text))
}

// RecvRaw reads one frame.
func (p *Peer) RecvRaw() ([]byte, error) {
	p.Conn.SetReadDeadline(time.Now().Add(RecvTimeout))
	return p.Framer.ReadFrame()
}

// Recv reads one frame and decodes it into a generic object.
func (p *Peer) Recv() (map[string]any, error) {
	b, err := p.RecvRaw()
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %q: %w", b, err)
	}
	return m, nil
}

// RecvType reads one frame and fails unless its type is want.
func (p *Peer) RecvType(want proto.Type) (map[string]any, error) {
	m, err := p.Recv()
	if err != nil {
		return nil, err
	}
	if got := m["type"]; got != string(want) {
		return m, fmt.Errorf("expected %s, got %v", want, got)
	}
	return m, nil
}

// Login completes the handshake with the given credentials.
func (p *Peer) Login(user, pass string) error {
	if _, err := p.RecvType(proto.TypeAuthRequired); err != nil {
		return err
	}
	if err := p.Send(proto.Credentials{Username: user, Password: pass}); err != nil {
		return err
	}
	_, err := p.RecvType(proto.TypeAuthSuccess)
	return err
}

// WaitClosed reports whether the server closes the connection within timeout.
func (p *Peer) WaitClosed(timeout time.Duration) bool {
	p.Conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 64)
	for {
		_, err := p.Conn.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return false
		}
		return errors.Is(err, io.EOF) || !errors.Is(err, net.ErrClosed)
	}
}

// Close closes the connection.
func (p *Peer) Close() error {
	return p.Conn.Close()
}
