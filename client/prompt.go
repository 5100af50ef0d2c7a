package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// TerminalPrompt reads values line by line from in. Secrets are read
// without echo when tty is a terminal. Share in with the Console so neither
// buffers input meant for the other.
func TerminalPrompt(tty *os.File, in *bufio.Reader, out io.Writer) PromptFunc {
	return func(label string, secret bool) (string, error) {
		fmt.Fprint(out, label)
		if secret && term.IsTerminal(int(tty.Fd())) {
			b, err := term.ReadPassword(int(tty.Fd()))
			fmt.Fprintln(out)
			return string(b), err
		}
		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
}
