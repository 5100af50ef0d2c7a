package devtest

import (
	"bytes"
	"fmt"
	"io/fs"
	"sort"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted conversation between named peers and one server.
//
//	name: exit removes the session
//	server: {auth: any}
//	steps:
//	  - {peer: a, login: [alice, pw]}
//	  - {peer: a, send: {type: cmd, command: exit}, expect_closed: true}
//	  - {sessions: 0}
type Scenario struct {
	Name   string         `yaml:"name"`
	Server ScenarioServer `yaml:"server"`
	Steps  []Step         `yaml:"steps"`
}

// ScenarioServer overrides DefaultConfig.
type ScenarioServer struct {
	Auth       string `yaml:"auth"`
	NoAuth     bool   `yaml:"no_auth"`
	MaxClients *int   `yaml:"max_clients"`
	Framing    string `yaml:"framing"`
}

// Step acts as one peer, then checks what it receives. Peers are dialled on
// first use. Fields are applied in declaration order.
type Step struct {
	Peer         string         `yaml:"peer"`
	Login        []string       `yaml:"login"`
	Send         map[string]any `yaml:"send"`
	SendText     string         `yaml:"send_text"`
	Expect       map[string]any `yaml:"expect"`
	ExpectText   *string        `yaml:"expect_text"`
	ExpectClosed bool           `yaml:"expect_closed"`
	Close        bool           `yaml:"close"`
	Sessions     *int           `yaml:"sessions"`
}

// ParseScenario decodes one YAML scenario, rejecting unknown fields.
func ParseScenario(b []byte) (*Scenario, error) {
	sc := &Scenario{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("parse scenario: missing name")
	}
	return sc, nil
}

// LoadScenarios parses every file in fsys matching pattern, sorted by path.
func LoadScenarios(fsys fs.FS, pattern string) ([]*Scenario, error) {
	paths, err := fs.Glob(fsys, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []*Scenario
	for _, p := range paths {
		b, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, err
		}
		sc, err := ParseScenario(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// Run starts a server for the scenario and plays its steps.
func (sc *Scenario) Run(t *testing.T) {
	t.Helper()
	opts := []ServerOption{WithFraming(sc.Server.Framing)}
	if sc.Server.Auth != "" {
		opts = append(opts, WithAuth(sc.Server.Auth))
	}
	if sc.Server.NoAuth {
		opts = append(opts, WithNoAuth())
	}
	if n := sc.Server.MaxClients; n != nil {
		opts = append(opts, WithMaxClients(*n))
	}
	s := StartServer(t, opts...)
	peers := map[string]*Peer{}
	for i, step := range sc.Steps {
		if err := s.play(step, sc.Server.Framing, peers); err != nil {
			t.Fatalf("%s: step %d: %s", sc.Name, i+1, err)
		}
	}
	for _, p := range peers {
		p.Close()
	}
}

func (s *Server) play(step Step, framing string, peers map[string]*Peer) error {
	var p *Peer
	if step.Peer != "" {
		p = peers[step.Peer]
		if p == nil {
			var err error
			if p, err = Dial(s.Addr, framing); err != nil {
				return err
			}
			peers[step.Peer] = p
		}
	} else if step.Login != nil || step.Send != nil || step.SendText != "" ||
		step.Expect != nil || step.ExpectText != nil || step.ExpectClosed || step.Close {
		return fmt.Errorf("step needs a peer")
	}
	if len(step.Login) == 2 {
		if err := p.Login(step.Login[0], step.Login[1]); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	if step.Send != nil {
		if err := p.Send(step.Send); err != nil {
			return err
		}
	}
	if step.SendText != "" {
		if err := p.SendText(step.SendText); err != nil {
			return err
		}
	}
	if step.Expect != nil {
		got, err := p.Recv()
		if err != nil {
			return err
		}
		if err := match("", step.Expect, got); err != nil {
			return err
		}
	}
	if step.ExpectText != nil {
		b, err := p.RecvRaw()
		if err != nil {
			return err
		}
		if string(b) != *step.ExpectText {
			return fmt.Errorf("expected text %q, got %q", *step.ExpectText, b)
		}
	}
	if step.ExpectClosed && !p.WaitClosed(2*time.Second) {
		return fmt.Errorf("peer %s still connected", step.Peer)
	}
	if step.Close {
		p.Close()
	}
	if n := step.Sessions; n != nil {
		if !Eventually(2*time.Second, func() bool { return s.Registry().Len() == *n }) {
			return fmt.Errorf("expected %d sessions, have %d", *n, s.Registry().Len())
		}
	}
	return nil
}

// match checks that every key in want is present in got with an equal
// value. Nested objects match recursively; "*" matches any present value;
// an integer matched against an object compares its size.
func match(path string, want, got map[string]any) error {
	for k, w := range want {
		g, ok := got[k]
		if !ok {
			return fmt.Errorf("missing %s%s in %v", path, k, got)
		}
		switch w := w.(type) {
		case map[string]any:
			gm, ok := g.(map[string]any)
			if !ok {
				return fmt.Errorf("%s%s: expected object, got %v", path, k, g)
			}
			if err := match(path+k+".", w, gm); err != nil {
				return err
			}
			continue
		case int:
			if gm, ok := g.(map[string]any); ok {
				if len(gm) != w {
					return fmt.Errorf("%s%s: expected %d entries, got %d", path, k, w, len(gm))
				}
				continue
			}
		case string:
			if w == "*" {
				continue
			}
		}
		if fmt.Sprint(w) != fmt.Sprint(g) {
			return fmt.Errorf("%s%s: expected %v, got %v", path, k, w, g)
		}
	}
	return nil
}
