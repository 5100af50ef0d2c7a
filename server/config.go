package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/jpillora/devctl/proto"
	"github.com/jpillora/devctl/resolve"
)

// DefaultPort is the port devctl listens on when none is given.
const DefaultPort = 4444

// DefaultMaxClients is the default session limit.
const DefaultMaxClients = 5

// Config is the configuration for the server
type Config struct {
	Host        string `opts:"help=listening interface (defaults to all)"`
	Port        int    `opts:"short=p,help=listening port"`
	MaxClients  int    `opts:"name=max-clients,short=m,help=maximum concurrent sessions (0 for unlimited)"`
	NoAuth      bool   `opts:"name=no-auth,help=skip the authentication handshake :WARNING: anyone can run commands"`
	Auth        string `opts:"help=auth policy: 'any' accepts all credentials; 'user:pass' allows a single user; otherwise a path to a YAML file of bcrypt hashes"`
	Shell       string `opts:"help=the shell used to run commands, env=SHELL,default=bash/powershell"`
	WorkDir     string `opts:"name=workdir,help=working directory for commands,default=current directory"`
	PTY         bool   `opts:"name=pty,help=run commands on a pseudo terminal"`
	Framing     string `opts:"help=message framing: 'length' (4 byte prefix) or 'raw' (one message per read)"`
	MaxFrame    int    `opts:"name=max-frame,help=maximum frame size in bytes (0 for default)"`
	IdleTimeout int    `opts:"name=idle-timeout,help=close sessions idle for this many seconds (0 to disable)"`
	Geo         string `opts:"help=peer geolocation: 'ipinfo' or a path to a MaxMind .mmdb file (disabled when empty)"`
	AuditLog    string `opts:"name=audit-log,help=append connection audit records to this file"`
	LogVerbose  bool   `opts:"name=verbose,short=v,help=verbose logs"`
	LogQuiet    bool   `opts:"name=quiet,short=q,help=no logs"`
	// programmatic options
	Logger   *slog.Logger                  `opts:"-"`
	Resolver Resolver                      `opts:"-"`
	Sampler  Sampler                       `opts:"-"`
	Now      func() time.Time              `opts:"-"`
	Handlers map[proto.Type]RequestHandler `opts:"-"`
}

// Resolver looks up hostname and location of a peer.
// *resolve.Resolver is the default.
type Resolver interface {
	Resolve(ctx context.Context, ip string) resolve.Info
}

// RequestHandler handles one structured request in an active session.
// Return ErrSessionExit to end the session; any other error is logged and
// also ends it.
type RequestHandler func(sess *Session, req proto.Structured) error
