//go:generate sh -c "cd ../.. && go tool md-tmpl -w README.md"

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jpillora/devctl/client"
	"github.com/jpillora/devctl/server"
	"github.com/jpillora/jplog"
	"github.com/jpillora/opts"
)

var version string = "0.0.0-src" //set via ldflags

type config struct {
	Server serverCmd `opts:"mode=cmd,help=Run the control server"`
	Client clientCmd `opts:"mode=cmd,help=Connect to a control server"`
}

type serverCmd server.Config

func (s *serverCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv, err := server.NewServer(server.Config(*s))
	if err != nil {
		return err
	}
	return srv.StartContext(ctx)
}

type clientCmd struct {
	Host     string `opts:"help=server host"`
	Port     int    `opts:"short=p,help=server port"`
	Username string `opts:"short=u,help=username (prompted when the server asks and none is given)"`
	Password string `opts:"env=DEVCTL_PASSWORD,help=password (prompted when the server asks and none is given)"`
	Cmd      string `opts:"short=c,help=run a single command and exit"`
	Framing  string `opts:"help=message framing: 'length' or 'raw' (must match the server)"`
	Verbose  bool   `opts:"short=v,help=verbose logs"`
}

// Run leaves signals at their defaults so Ctrl-C ends the console even
// while it waits for input.
func (c *clientCmd) Run() error {
	ctx := context.Background()
	in := bufio.NewReader(os.Stdin)
	cfg := client.Config{
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Framing:  c.Framing,
		Prompt:   client.TerminalPrompt(os.Stdin, in, os.Stdout),
	}
	if c.Verbose {
		cfg.Logger = slog.New(jplog.Handler(os.Stdout).Verbose())
	}
	if c.Cmd != "" {
		return client.RunCommand(ctx, cfg, c.Cmd, os.Stdout)
	}
	cl, err := client.New(cfg)
	if err != nil {
		return err
	}
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	fmt.Printf("Connected to %s. Type 'help' for commands.\n", cl.Addr())
	con := &client.Console{
		Client: cl,
		In:     in,
		Out:    os.Stdout,
		Open:   client.OpenBrowser,
	}
	return con.Run(ctx)
}

func main() {
	c := config{
		Server: serverCmd{
			Port:       server.DefaultPort,
			MaxClients: server.DefaultMaxClients,
		},
		Client: clientCmd{
			Host: "localhost",
			Port: server.DefaultPort,
		},
	}
	opts.New(&c).
		Name("devctl").
		Version(version).
		Repo("github.com/jpillora/devctl").
		Parse().
		RunFatal()
}
