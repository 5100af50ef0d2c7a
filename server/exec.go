package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// waitDelay bounds how long output is drained after the command exits or
// is cancelled, since background children may hold the pipe open.
const waitDelay = 2 * time.Second

// Executor runs commands through a shell and captures their output.
type Executor struct {
	Shell   string
	WorkDir string
	PTY     bool
}

// lookupShell resolves shell to an absolute path, falling back to the
// platform default when empty.
func lookupShell(shell string) (string, error) {
	candidates := []string{shell}
	if shell == "" {
		if runtime.GOOS == "windows" {
			candidates = []string{"powershell", "cmd"}
		} else {
			candidates = []string{"bash", "sh"}
		}
	}
	for _, c := range candidates {
		if p, err := exec.LookPath(c); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("failed to find shell: %s", strings.Join(candidates, "/"))
}

// shellFlag is the flag that makes shell run a single command string.
func shellFlag(shell string) string {
	name := strings.ToLower(strings.TrimSuffix(filepath.Base(shell), filepath.Ext(shell)))
	switch name {
	case "cmd":
		return "/C"
	case "powershell", "pwsh":
		return "-Command"
	}
	return "-c"
}

// Run executes command and returns its combined stdout and stderr with one
// trailing newline removed. A command that runs but exits non-zero is not an
// error; only a failure to launch is.
func (e *Executor) Run(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, e.Shell, shellFlag(e.Shell), command)
	if e.WorkDir != "" {
		cmd.Dir = e.WorkDir
	}
	var out string
	var err error
	if e.PTY {
		out, err = runPTY(cmd)
	} else {
		out, err = runPiped(cmd)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(out, "\n"), nil
}

func runPiped(cmd *exec.Cmd) (string, error) {
	setSysProcAttr(cmd)
	cmd.WaitDelay = waitDelay
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			return "", fmt.Errorf("launch %s: %w", filepath.Base(cmd.Path), err)
		}
	}
	return buf.String(), nil
}
