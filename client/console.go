package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/devctl/registry"
)

const consoleHelp = `Commands:
  ping             measure latency to the server
  sysinfo          show server system information
  connections      list active sessions
  map <n|ip[:port]> open the location of a listed session
  help             show this help
  exit             end the session
Anything else runs as a shell command on the server.
`

// Console is the interactive operator loop.
type Console struct {
	Client *Client
	In     io.Reader
	Out    io.Writer
	// Open shows map links; defaults to OpenBrowser.
	Open   Opener
	Prompt string

	listed []Listed
}

// Listed is a numbered entry from the last connections listing.
type Listed struct {
	Addr string
	registry.Session
}

// Run reads lines from In until exit, EOF or an unrecoverable connection
// failure. The client must already be connected.
func (c *Console) Run(ctx context.Context) error {
	in := bufio.NewReader(c.In)
	prompt := c.Prompt
	if prompt == "" {
		prompt = "devctl> "
	}
	for {
		fmt.Fprint(c.Out, prompt)
		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				fmt.Fprintln(c.Out)
				return c.Client.Close()
			}
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		done, err := c.Exec(ctx, line)
		if done {
			return c.Client.Close()
		}
		if err == nil {
			continue
		}
		fmt.Fprintf(c.Out, "Error: %s\n", err)
		if !errors.Is(err, ErrTransport) {
			continue
		}
		fmt.Fprintln(c.Out, "Reconnecting...")
		if err := c.Client.Reconnect(ctx); err != nil {
			fmt.Fprintf(c.Out, "Reconnect failed: %s\n", err)
			return err
		}
		fmt.Fprintln(c.Out, "Reconnected")
	}
}

// Exec runs one console line. done reports that the operator asked to exit.
func (c *Console) Exec(ctx context.Context, line string) (done bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch strings.ToLower(name) {
	case "exit":
		if arg == "" {
			return true, nil
		}
	case "help":
		fmt.Fprint(c.Out, consoleHelp)
		return false, nil
	case "ping":
		return false, c.ping(ctx)
	case "sysinfo":
		return false, c.sysinfo(ctx)
	case "connections":
		return false, c.connections(ctx)
	case "map":
		return false, c.openMap(arg)
	}
	out, err := c.Client.Command(ctx, line)
	if err != nil {
		return false, err
	}
	if out != "" {
		fmt.Fprintln(c.Out, out)
	}
	return false, nil
}

func (c *Console) ping(ctx context.Context) error {
	rtt, pong, err := c.Client.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "pong from %s in %s (server time %s)\n",
		c.Client.Addr(), rtt.Round(10*time.Microsecond), pong.Time().Format("15:04:05.000"))
	return nil
}

func (c *Console) sysinfo(ctx context.Context) error {
	info, err := c.Client.SystemInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Hostname:  %s\n", info.Hostname)
	fmt.Fprintf(c.Out, "Platform:  %s\n", info.Platform)
	fmt.Fprintf(c.Out, "Go:        %s\n", info.GoVersion)
	fmt.Fprintf(c.Out, "Time:      %s\n", info.Time)
	fmt.Fprintf(c.Out, "CPU usage: %s\n", info.CPUUsage)
	return nil
}

func (c *Console) connections(ctx context.Context) error {
	conns, err := c.Client.Connections(ctx)
	if err != nil {
		return err
	}
	c.listed = Number(conns)
	if len(c.listed) == 0 {
		fmt.Fprintln(c.Out, "No active connections")
		return nil
	}
	fmt.Fprintf(c.Out, "Active connections (%d):\n", len(c.listed))
	for i, l := range c.listed {
		fmt.Fprintf(c.Out, "  [%d] %s user=%s host=%s location=%q connected=%s last=%s\n",
			i+1, l.Addr, l.Username, l.Hostname, l.Location, l.ConnectedAt, l.LastActivity)
	}
	return nil
}

func (c *Console) openMap(selector string) error {
	if selector == "" {
		fmt.Fprintln(c.Out, "Usage: map <number|ip[:port]>")
		return nil
	}
	if c.listed == nil {
		fmt.Fprintln(c.Out, "Run 'connections' first to list sessions")
		return nil
	}
	l, ok := Select(c.listed, selector)
	if !ok {
		fmt.Fprintf(c.Out, "%s not found\n", selector)
		return nil
	}
	fmt.Fprintf(c.Out, "%s (%s): %s\n", l.Addr, l.Location, l.MapsURL)
	open := c.Open
	if open == nil {
		open = OpenBrowser
	}
	if err := open(l.MapsURL); err != nil {
		fmt.Fprintf(c.Out, "Failed to open browser: %s\n", err)
	}
	return nil
}

// Number orders sessions by connection time, then address, so numbering is
// stable across listings.
func Number(conns map[string]registry.Session) []Listed {
	listed := make([]Listed, 0, len(conns))
	for addr, s := range conns {
		listed = append(listed, Listed{Addr: addr, Session: s})
	}
	sort.Slice(listed, func(i, j int) bool {
		a, b := listed[i], listed[j]
		if ta, tb := a.ConnectedAt.Time(), b.ConnectedAt.Time(); !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.Addr < b.Addr
	})
	return listed
}

// Select finds a listed session by 1-based index, by ip:port, or by ip.
func Select(listed []Listed, selector string) (Listed, bool) {
	if n, err := strconv.Atoi(selector); err == nil {
		if n >= 1 && n <= len(listed) {
			return listed[n-1], true
		}
		return Listed{}, false
	}
	for _, l := range listed {
		if l.Addr == selector {
			return l, true
		}
	}
	if net.ParseIP(selector) == nil {
		return Listed{}, false
	}
	for _, l := range listed {
		if l.IP == selector {
			return l, true
		}
	}
	return Listed{}, false
}
