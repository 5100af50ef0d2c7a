package client

import (
	"context"
	"fmt"
	"io"
)

// RunCommand connects, runs a single command, prints its output and
// disconnects.
func RunCommand(ctx context.Context, c Config, command string, out io.Writer) error {
	cl, err := New(c)
	if err != nil {
		return err
	}
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Close()
	output, err := cl.Command(ctx, command)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, output)
	return nil
}
