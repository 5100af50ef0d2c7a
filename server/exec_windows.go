//go:build windows

package server

import (
	"errors"
	"os/exec"
)

func setSysProcAttr(cmd *exec.Cmd) {}

func runPTY(cmd *exec.Cmd) (string, error) {
	return "", errors.New("pty mode is not supported on windows")
}
