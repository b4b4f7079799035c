// Package runner abstracts command execution behind one capability so
// call sites need not branch on whether a live session is available: the
// local variant runs through the host shell, the session variant through
// an interactive shell session.
package runner

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/spin-stack/virtbox/session"
)

// Runner executes one shell command and returns its exit status and
// combined output. A non-nil error means the command could not be run or
// its status determined, not that it exited nonzero.
type Runner interface {
	Run(ctx context.Context, cmd string) (int, string, error)
}

// Local runs commands through the host shell.
type Local struct {
	// Shell is the shell binary, /bin/sh when empty.
	Shell string
}

// Run implements Runner.
func (l *Local) Run(ctx context.Context, cmd string) (int, string, error) {
	shell := l.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	c := exec.CommandContext(ctx, shell, "-c", cmd)
	out, err := c.CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return ee.ExitCode(), string(out), nil
		}
		return -1, string(out), err
	}
	return 0, string(out), nil
}

// Session runs commands through an interactive shell session.
type Session struct {
	Shell *session.ShellSession

	// Timeout bounds each round trip; the session's configured prompt
	// wait applies when zero.
	Timeout time.Duration
}

// Run implements Runner.
func (s *Session) Run(ctx context.Context, cmd string) (int, string, error) {
	var opts []session.CmdOpt
	if s.Timeout > 0 {
		opts = append(opts, session.WithTimeout(s.Timeout))
	}
	return s.Shell.CmdStatusOutput(ctx, cmd, opts...)
}
