package server_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jpillora/devctl/devtest"
	"github.com/jpillora/devctl/devtest/log"
	"github.com/jpillora/devctl/proto"
	"github.com/jpillora/devctl/server"
	"github.com/jpillora/devctl/xnet"
	"golang.org/x/crypto/bcrypt"
)

func dial(t *testing.T, s *devtest.Server, framing string) *devtest.Peer {
	t.Helper()
	p, err := devtest.Dial(s.Addr, framing)
	if err != nil {
		t.Fatalf("dial: %s", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func login(t *testing.T, s *devtest.Server) *devtest.Peer {
	t.Helper()
	p := dial(t, s, "")
	if err := p.Login("alice", "secret"); err != nil {
		t.Fatalf("login: %s", err)
	}
	return p
}

func command(t *testing.T, p *devtest.Peer, cmd string) map[string]any {
	t.Helper()
	if err := p.Send(proto.NewCommand(cmd)); err != nil {
		t.Fatal(err)
	}
	m, err := p.RecvType(proto.TypeCommandResponse)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeCredentials(t *testing.T, path string, users map[string]string) {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("users:\n")
	for u, pass := range users {
		h, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.MinCost)
		if err != nil {
			t.Fatal(err)
		}
		sb.WriteString("  " + u + ": \"" + string(h) + "\"\n")
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	credsFile := filepath.Join(t.TempDir(), "users.yaml")
	writeCredentials(t, credsFile, map[string]string{"admin": "hunter2"})

	type testCase struct {
		name    string
		policy  string
		user    string
		pass    string
		message string // sent raw instead of credentials when set
		ok      bool
	}
	for _, tc := range []testCase{
		{name: "any accepts anything", policy: server.AuthAny, user: "x", pass: "y", ok: true},
		{name: "any accepts empty", policy: server.AuthAny, ok: true},
		{name: "malformed", policy: server.AuthAny, message: "not json", ok: false},
		{name: "json array", policy: server.AuthAny, message: `["alice"]`, ok: false},
		{name: "user pass match", policy: "alice:secret", user: "alice", pass: "secret", ok: true},
		{name: "user pass wrong", policy: "alice:secret", user: "alice", pass: "nope", ok: false},
		{name: "file match", policy: credsFile, user: "admin", pass: "hunter2", ok: true},
		{name: "file wrong password", policy: credsFile, user: "admin", pass: "hunter3", ok: false},
		{name: "file unknown user", policy: credsFile, user: "root", pass: "hunter2", ok: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := devtest.StartServer(t, devtest.WithAuth(tc.policy))
			p := dial(t, s, "")
			m, err := p.RecvType(proto.TypeAuthRequired)
			if err != nil {
				t.Fatal(err)
			}
			if m["message"] != "Please authenticate" {
				t.Errorf("unexpected greeting %v", m)
			}
			if tc.message != "" {
				err = p.SendText(tc.message)
			} else {
				err = p.Send(proto.Credentials{Username: tc.user, Password: tc.pass})
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tc.ok {
				if _, err := p.RecvType(proto.TypeAuthFailure); err != nil {
					t.Fatal(err)
				}
				if !p.WaitClosed(2 * time.Second) {
					t.Fatal("connection left open after auth failure")
				}
				if !devtest.Eventually(2*time.Second, func() bool { return s.Registry().Len() == 0 }) {
					t.Fatal("registry entry not removed")
				}
				return
			}
			if _, err := p.RecvType(proto.TypeAuthSuccess); err != nil {
				t.Fatal(err)
			}
			info, ok := s.Registry().Get(p.Conn.LocalAddr().String())
			if !ok {
				t.Fatal("session not registered")
			}
			if info.Username != tc.user {
				t.Errorf("username %q, want %q", info.Username, tc.user)
			}
		})
	}
}

func TestAuthFileReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "users.yaml")
	writeCredentials(t, path, map[string]string{"admin": "one"})
	s := devtest.StartServer(t, devtest.WithAuth(path))

	writeCredentials(t, path, map[string]string{"admin": "two"})
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	p := dial(t, s, "")
	if err := p.Login("admin", "two"); err != nil {
		t.Fatalf("reloaded password rejected: %s", err)
	}
}

func TestNewServerErrors(t *testing.T) {
	t.Parallel()
	for name, mod := range map[string]func(c *server.Config){
		"unknown framing": func(c *server.Config) { c.Framing = "xml" },
		"missing auth":    func(c *server.Config) { c.Auth = "" },
		"missing file":    func(c *server.Config) { c.Auth = filepath.Join(t.TempDir(), "nope.yaml") },
		"missing shell":   func(c *server.Config) { c.Shell = "definitely-not-a-shell" },
		"handler clash": func(c *server.Config) {
			c.Handlers = map[proto.Type]server.RequestHandler{proto.TypePing: nil}
		},
		"bad credentials file": func(c *server.Config) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			os.WriteFile(path, []byte("users:\n  admin: plaintext\n"), 0o600)
			c.Auth = path
		},
	} {
		c := devtest.DefaultConfig()
		mod(&c)
		if _, err := server.NewServer(c); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestNoAuth(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t, devtest.WithNoAuth())
	p := dial(t, s, "")
	if err := p.Send(proto.Request{Type: proto.TypePing}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.RecvType(proto.TypePong); err != nil {
		t.Fatal(err)
	}
	info, _ := s.Registry().Get(p.Conn.LocalAddr().String())
	if info.Username != "unauthenticated" {
		t.Errorf("username %q", info.Username)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t)
	p := login(t, s)
	t0 := time.Now().Truncate(time.Microsecond)
	if err := p.Send(proto.Request{Type: proto.TypePing}); err != nil {
		t.Fatal(err)
	}
	b, err := p.RecvRaw()
	if err != nil {
		t.Fatal(err)
	}
	t1 := time.Now().Add(time.Microsecond)
	pong := proto.Pong{}
	if err := json.Unmarshal(b, &pong); err != nil {
		t.Fatal(err)
	}
	if ts := pong.Time(); ts.Before(t0) || ts.After(t1) {
		t.Errorf("pong %s outside [%s, %s]", ts, t0, t1)
	}
}

func TestSystemInfo(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		sampler devtest.FixedSampler
		cpu     string
	}{
		{12.34, "12.3%"},
		{-1, "N/A"},
	} {
		s := devtest.StartServer(t, devtest.WithConfig(func(c *server.Config) {
			c.Sampler = tc.sampler
		}))
		p := login(t, s)
		if err := p.Send(proto.Request{Type: proto.TypeSystemInfo}); err != nil {
			t.Fatal(err)
		}
		m, err := p.RecvType(proto.TypeSystemInfoResponse)
		if err != nil {
			t.Fatal(err)
		}
		for _, k := range []string{"hostname", "platform", "go_version", "time"} {
			if v, _ := m[k].(string); v == "" {
				t.Errorf("missing %s in %v", k, m)
			}
		}
		if _, err := time.ParseInLocation(proto.TimeLayout, m["time"].(string), time.Local); err != nil {
			t.Errorf("time: %s", err)
		}
		if m["cpu_usage"] != tc.cpu {
			t.Errorf("cpu_usage %v, want %s", m["cpu_usage"], tc.cpu)
		}
	}
}

func TestCommand(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t)
	p := login(t, s)
	type testCase struct {
		cmd    string
		output string
	}
	for _, tc := range []testCase{
		{"echo hi", "hi"},
		{"printf 'a\\n\\n'", "a\n"},
		{"echo oops >&2; exit 3", "oops"},
		{"true", ""},
	} {
		m := command(t, p, tc.cmd)
		if m["status"] != "success" {
			t.Errorf("%q: status %v", tc.cmd, m["status"])
		}
		if m["output"] != tc.output {
			t.Errorf("%q: output %q, want %q", tc.cmd, m["output"], tc.output)
		}
		if _, ok := m["error"]; ok {
			t.Errorf("%q: unexpected error field", tc.cmd)
		}
	}
}

func TestCommandOutputTooLarge(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t, devtest.WithConfig(func(c *server.Config) {
		c.MaxFrame = 256
	}))
	p := login(t, s)
	m := command(t, p, "head -c 1000 /dev/zero | tr '\\0' x")
	if m["status"] != "error" {
		t.Fatalf("status %v", m["status"])
	}
	if e, _ := m["error"].(string); !strings.Contains(e, "too large") {
		t.Errorf("error %q", e)
	}
	// session still usable
	if m := command(t, p, "echo ok"); m["output"] != "ok" {
		t.Errorf("after oversized output: %v", m)
	}
}

func TestExit(t *testing.T) {
	t.Parallel()
	for _, exit := range []string{"exit", "EXIT", "  Exit  "} {
		s := devtest.StartServer(t)
		p := login(t, s)
		if err := p.Send(proto.NewCommand(exit)); err != nil {
			t.Fatal(err)
		}
		if !p.WaitClosed(2 * time.Second) {
			t.Fatalf("%q did not close the session", exit)
		}
		if !devtest.Eventually(2*time.Second, func() bool { return s.Registry().Len() == 0 }) {
			t.Fatalf("%q left a registry entry", exit)
		}
	}
}

func TestActiveConnections(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t)
	a := login(t, s)
	b := login(t, s)
	if err := a.Send(proto.Request{Type: proto.TypeActiveConnections}); err != nil {
		t.Fatal(err)
	}
	m, err := a.RecvType(proto.TypeActiveConnectionsResponse)
	if err != nil {
		t.Fatal(err)
	}
	conns, _ := m["connections"].(map[string]any)
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections, got %v", conns)
	}
	for _, p := range []*devtest.Peer{a, b} {
		addr := p.Conn.LocalAddr().String()
		entry, ok := conns[addr].(map[string]any)
		if !ok {
			t.Fatalf("missing %s in %v", addr, conns)
		}
		if entry["username"] != "alice" || entry["hostname"] != "localhost" || entry["location"] != "Local Network, Local Network, Local Network" {
			t.Errorf("entry %v", entry)
		}
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()
	capture := log.NewCapture()
	s := devtest.StartServer(t, devtest.WithMaxClients(2), devtest.WithLogs(capture))
	a := login(t, s)
	login(t, s)
	refused := dial(t, s, "")
	if _, err := refused.RecvRaw(); err == nil {
		t.Fatal("third connection received a greeting")
	}
	if err := capture.Assert("Refused connection"); err != nil {
		t.Error(err)
	}
	a.Close()
	if !devtest.Eventually(2*time.Second, func() bool { return s.Registry().Len() == 1 }) {
		t.Fatal("closed session still registered")
	}
	login(t, s)
}

func TestLegacy(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t)
	p := login(t, s)
	if err := p.SendText("echo legacy\r\n"); err != nil {
		t.Fatal(err)
	}
	b, err := p.RecvRaw()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "legacy" {
		t.Errorf("legacy reply %q", b)
	}
	if err := p.SendText("exit\n"); err != nil {
		t.Fatal(err)
	}
	if !p.WaitClosed(2 * time.Second) {
		t.Fatal("legacy exit did not close the session")
	}
}

func TestUnknownTypeIgnored(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t)
	p := login(t, s)
	p.Send(map[string]string{"type": "bogus"})
	// objects with a non-string type are structured, never run as text
	p.SendText(`{"type":5,"command":"echo ran"}`)
	p.SendText(`{"type":{"name":"cmd"}}`)
	p.Send(proto.Request{Type: proto.TypePing})
	if _, err := p.RecvType(proto.TypePong); err != nil {
		t.Fatal(err)
	}
}

func TestRawFraming(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t, devtest.WithFraming(proto.FramingRaw))
	p := dial(t, s, proto.FramingRaw)
	if err := p.Login("bob", "pw"); err != nil {
		t.Fatal(err)
	}
	if m := command(t, p, "echo raw"); m["output"] != "raw" {
		t.Errorf("output %v", m)
	}
}

func TestRawFramingLargeOutput(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t, devtest.WithFraming(proto.FramingRaw))
	p := dial(t, s, proto.FramingRaw)
	if err := p.Login("bob", "pw"); err != nil {
		t.Fatal(err)
	}
	m := command(t, p, "seq 1 2000")
	if e, _ := m["error"].(string); m["status"] != "error" || !strings.Contains(e, "output too large") {
		t.Fatalf("structured reply %v", m)
	}
	if err := p.SendText("seq 1 2000"); err != nil {
		t.Fatal(err)
	}
	b, err := p.RecvRaw()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(b), "output too large: ") {
		t.Fatalf("legacy reply %q", b)
	}
	if m := command(t, p, "echo ok"); m["output"] != "ok" {
		t.Errorf("after large output: %v", m)
	}
}

func TestLastActivity(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	clock := make(chan time.Time, 1)
	clock <- now
	s := devtest.StartServer(t, devtest.WithConfig(func(c *server.Config) {
		c.Now = func() time.Time {
			v := <-clock
			clock <- v
			return v
		}
	}))
	p := login(t, s)
	addr := p.Conn.LocalAddr().String()
	later := now.Add(time.Hour)
	<-clock
	clock <- later
	p.Send(proto.Request{Type: proto.TypePing})
	if _, err := p.RecvType(proto.TypePong); err != nil {
		t.Fatal(err)
	}
	info, _ := s.Registry().Get(addr)
	if !info.LastActivity.Time().Equal(later) {
		t.Errorf("last activity %s, want %s", info.LastActivity, later)
	}
	if !info.ConnectedAt.Time().Equal(now) {
		t.Errorf("connected at %s, want %s", info.ConnectedAt, now)
	}
}

func TestIdleTimeout(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t, devtest.WithConfig(func(c *server.Config) {
		c.IdleTimeout = 1
	}))
	p := login(t, s)
	if !p.WaitClosed(3 * time.Second) {
		t.Fatal("idle session not closed")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t)
	p := login(t, s)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if !p.WaitClosed(2 * time.Second) {
		t.Fatal("session survived shutdown")
	}
	if n := s.Registry().Len(); n != 0 {
		t.Errorf("%d sessions registered after shutdown", n)
	}
}

func TestCustomHandlerAndPanic(t *testing.T) {
	t.Parallel()
	capture := log.NewCapture()
	s := devtest.StartServer(t, devtest.WithLogs(capture), devtest.WithConfig(func(c *server.Config) {
		c.Handlers = map[proto.Type]server.RequestHandler{
			"whoami": func(sess *server.Session, req proto.Structured) error {
				return sess.Send(map[string]string{
					"type":  "whoami",
					"user":  sess.Info().Username,
					"state": sess.State().String(),
					"live":  strconv.FormatBool(sess.Context().Err() == nil),
					"max":   strconv.Itoa(sess.Config().MaxClients),
				})
			},
			"boom": func(sess *server.Session, req proto.Structured) error {
				panic("boom")
			},
			"quit": func(sess *server.Session, req proto.Structured) error {
				return server.ErrSessionExit
			},
		}
	}))
	p := login(t, s)
	p.Send(proto.Request{Type: "whoami"})
	m, err := p.RecvType("whoami")
	if err != nil {
		t.Fatal(err)
	}
	if m["user"] != "alice" || m["state"] != "active" || m["live"] != "true" || m["max"] != "5" {
		t.Errorf("whoami %v", m)
	}
	p.Send(proto.Request{Type: "boom"})
	if !p.WaitClosed(2 * time.Second) {
		t.Fatal("panicking session not closed")
	}
	if err := capture.Assert("Session panic"); err != nil {
		t.Error(err)
	}
	q := login(t, s)
	q.Send(proto.Request{Type: "quit"})
	if !q.WaitClosed(2 * time.Second) {
		t.Fatal("quit did not close the session")
	}
	if !devtest.Eventually(2*time.Second, func() bool { return s.Registry().Len() == 0 }) {
		t.Fatal("sessions still registered")
	}
}

func TestHandleConn(t *testing.T) {
	t.Parallel()
	srv, err := server.NewServer(devtest.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	mem := xnet.NewMem(0)
	defer mem.Close()
	served := make(chan struct{})
	go func() {
		defer close(served)
		conn, err := mem.Accept()
		if err != nil {
			return
		}
		srv.HandleConn(conn)
	}()
	conn, err := mem.Dial(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	p := &devtest.Peer{Conn: conn, Framer: proto.NewLengthFramer(conn, 0)}
	defer p.Close()
	if err := p.Login("alice", "secret"); err != nil {
		t.Fatal(err)
	}
	if m := command(t, p, "echo mem"); m["output"] != "mem" {
		t.Errorf("output %v", m)
	}
	if srv.Registry().Len() != 1 {
		t.Errorf("registry has %d sessions", srv.Registry().Len())
	}
	p.Send(proto.NewCommand("exit"))
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConn did not return after exit")
	}
	srv.Wait()
	if srv.Registry().Len() != 0 {
		t.Errorf("session left behind: %v", srv.Registry().Snapshot())
	}
}

func TestAuditLog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.log")
	s := devtest.StartServer(t, devtest.WithConfig(func(c *server.Config) {
		c.AuditLog = path
	}))
	p := login(t, s)
	command(t, p, "echo audited")
	p.Send(proto.NewCommand("exit"))
	p.WaitClosed(2 * time.Second)
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var msgs []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		rec := map[string]any{}
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("audit line %q: %s", sc.Text(), err)
		}
		msgs = append(msgs, rec["msg"].(string))
		if rec["peer"] != p.Conn.LocalAddr().String() {
			t.Errorf("peer %v", rec["peer"])
		}
	}
	want := []string{"connected", "authenticated", "command", "command", "disconnected"}
	if strings.Join(msgs, ",") != strings.Join(want, ",") {
		t.Errorf("audit records %v, want %v", msgs, want)
	}
}

func TestStartContextBindError(t *testing.T) {
	t.Parallel()
	s := devtest.StartServer(t)
	c := devtest.DefaultConfig()
	c.Port = s.Port
	srv, err := server.NewServer(c)
	if err != nil {
		t.Fatal(err)
	}
	err = srv.StartContext(t.Context())
	if err == nil {
		t.Fatal("expected bind error on a used port")
	}
}

func TestScenarios(t *testing.T) {
	t.Parallel()
	scenarios, err := devtest.LoadScenarios(os.DirFS("testdata/scenarios"), "*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(scenarios) == 0 {
		t.Fatal("no scenarios found")
	}
	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			t.Parallel()
			sc.Run(t)
		})
	}
}
