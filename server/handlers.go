package server

import (
	"errors"
	"fmt"

	"github.com/jpillora/devctl/proto"
	"github.com/jpillora/devctl/registry"
)

// handlePing replies with the server clock.
func handlePing(sess *Session, req proto.Structured) error {
	return sess.Send(proto.NewPong(sess.server.now()))
}

func handleSystemInfo(sess *Session, req proto.Structured) error {
	return sess.Send(sess.server.systemInfo(sess.ctx))
}

// handleActiveConnections replies with every live session, the requester
// included.
func handleActiveConnections(sess *Session, req proto.Structured) error {
	return sess.Send(proto.ActiveConnectionsResponse[registry.Session]{
		Type:        proto.TypeActiveConnectionsResponse,
		Connections: sess.server.registry.Snapshot(),
	})
}

// handleCommand runs a shell command, or ends the session on "exit".
func handleCommand(sess *Session, req proto.Structured) error {
	c := proto.Command{}
	if err := req.Decode(&c); err != nil {
		sess.Debugf("Bad command request: %s", err)
		return sess.Send(proto.CommandFailure(err))
	}
	sess.server.audit(sess, "command", "command", c.Command)
	if proto.IsExit(c.Command) {
		return ErrSessionExit
	}
	sess.Debugf("Running command: %s", c.Command)
	out, err := sess.server.executor.Run(sess.ctx, c.Command)
	if err != nil {
		sess.Debugf("Command failed: %s", err)
		return sess.Send(proto.CommandFailure(err))
	}
	err = sess.Send(proto.CommandSuccess(out))
	if errors.Is(err, proto.ErrFrameTooLarge) {
		return sess.Send(proto.CommandFailure(fmt.Errorf("output too large: %d bytes", len(out))))
	}
	return err
}
