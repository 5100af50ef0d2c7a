//go:build !windows

package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// setSysProcAttr puts the command in its own process group so cancelling the
// session kills everything it spawned.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// runPTY runs cmd on a pseudo terminal. pty.Start makes the child a session
// leader, so the process group is not set here. The
// command context still kills the child on cancellation.
func runPTY(cmd *exec.Cmd) (string, error) {
	f, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("launch %s on pty: %w", filepath.Base(cmd.Path), err)
	}
	defer f.Close()
	var buf bytes.Buffer
	// linux reports EIO once the child side is closed
	if _, err := io.Copy(&buf, f); err != nil && !errors.Is(err, syscall.EIO) {
		cmd.Process.Kill()
	}
	cmd.Wait()
	return strings.ReplaceAll(buf.String(), "\r\n", "\n"), nil
}
