package server

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// AuthAny accepts every parseable credential message.
const AuthAny = "any"

// Authenticator decides whether a credential pair may open a session.
type Authenticator interface {
	Authenticate(username, password string) bool
}

type anyAuth struct{}

func (anyAuth) Authenticate(string, string) bool { return true }

type userPass struct {
	user, pass string
}

func (u userPass) Authenticate(username, password string) bool {
	uok := subtle.ConstantTimeCompare([]byte(username), []byte(u.user))
	pok := subtle.ConstantTimeCompare([]byte(password), []byte(u.pass))
	return uok&pok == 1
}

// credentialsFile is the YAML layout of a credentials file:
//
//	users:
//	  admin: $2a$10$...
type credentialsFile struct {
	Users map[string]string `yaml:"users"`
}

// fileAuth verifies bcrypt hashes read from a YAML file and re-reads the
// file whenever its modification time changes.
type fileAuth struct {
	path string
	mu   sync.Mutex
	last time.Time
	hash map[string][]byte
}

func newFileAuth(path string) (*fileAuth, error) {
	f := &fileAuth{path: path}
	users, last, err := loadCredentials(path, time.Time{})
	if err != nil {
		return nil, err
	}
	f.hash, f.last = users, last
	return f, nil
}

func (f *fileAuth) Authenticate(username, password string) bool {
	f.mu.Lock()
	if users, t, err := loadCredentials(f.path, f.last); err == nil {
		f.hash, f.last = users, t
	}
	h, ok := f.hash[username]
	f.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(h, []byte(password)) == nil
}

func (f *fileAuth) users() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.hash)
}

var errNotUpdated = fmt.Errorf("not updated")

func loadCredentials(path string, last time.Time) (map[string][]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, last, fmt.Errorf("missing credentials file: %w", err)
	}
	t := info.ModTime()
	if !t.After(last) {
		return nil, last, errNotUpdated
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, last, fmt.Errorf("read credentials file: %w", err)
	}
	cf := credentialsFile{}
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, last, fmt.Errorf("parse credentials file: %w", err)
	}
	users := map[string][]byte{}
	for name, h := range cf.Users {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, last, fmt.Errorf("user %q: invalid bcrypt hash: %w", name, err)
		}
		users[name] = []byte(h)
	}
	return users, t, nil
}

// computeAuth turns the configured policy into an Authenticator. A nil
// Authenticator means the handshake is skipped.
func (s *Server) computeAuth() (Authenticator, error) {
	c := s.config
	if c.NoAuth || c.Auth == "none" {
		s.infof("Authentication disabled")
		return nil, nil
	}
	switch {
	case c.Auth == "":
		return nil, fmt.Errorf("missing auth policy (use --auth or --no-auth)")
	case c.Auth == AuthAny:
		s.infof("Authentication enabled (any credentials accepted)")
		return anyAuth{}, nil
	case fileExists(c.Auth):
		f, err := newFileAuth(c.Auth)
		if err != nil {
			return nil, err
		}
		s.infof("Authentication enabled (%d users from %s)", f.users(), c.Auth)
		return f, nil
	case strings.Contains(c.Auth, ":"):
		pair := strings.SplitN(c.Auth, ":", 2)
		s.infof("Authentication enabled (user '%s')", pair[0])
		return userPass{user: pair[0], pass: pair[1]}, nil
	}
	return nil, fmt.Errorf("missing credentials file: %s", c.Auth)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
