// Package xnet holds small networking helpers shared by the server, the
// client and their tests.
package xnet

import (
	"net"
	"strconv"
)

// GetRandomListener listens on a random loopback port and returns the
// listener with its address.
func GetRandomListener() (net.Listener, string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, "", err
	}
	return l, l.Addr().String(), nil
}

// SplitAddr splits a host:port address. Addresses without a numeric port
// (in-memory conns, unix sockets) return the whole string as host and port 0.
func SplitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), tcp.Port
	}
	s := addr.String()
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return s, 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return s, 0
	}
	return host, p
}
