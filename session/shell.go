package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultPrompt matches the ready-for-input line of common shells.
const DefaultPrompt = `[\#\$]\s*$`

// DefaultStatusTestCommand is the probe used to retrieve the exit status
// of the last command.
const DefaultStatusTestCommand = "echo $?"

var exitStatusRE = regexp.MustCompile(`^-?\d+$`)

// ShellSession extends Expect with shell command round trips: prompt
// matching, command echo stripping and exit status retrieval via a
// sentinel command.
type ShellSession struct {
	*Expect

	smu       sync.Mutex
	prompt    *regexp.Regexp
	statusCmd string
}

// NewShell spawns a shell session for command.
func NewShell(ctx context.Context, command string, opts ...Option) (*ShellSession, error) {
	e, err := NewExpect(ctx, command, opts...)
	if err != nil {
		return nil, err
	}
	return wrapShell(e), nil
}

// AttachShell attaches to an existing session by id.
func AttachShell(ctx context.Context, id string, opts ...Option) (*ShellSession, error) {
	e, err := AttachExpect(ctx, id, opts...)
	if err != nil {
		return nil, err
	}
	return wrapShell(e), nil
}

func wrapShell(e *Expect) *ShellSession {
	return &ShellSession{
		Expect:    e,
		prompt:    regexp.MustCompile(DefaultPrompt),
		statusCmd: DefaultStatusTestCommand,
	}
}

// SetPrompt replaces the prompt pattern.
func (s *ShellSession) SetPrompt(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("bad prompt pattern %q: %w", pattern, err)
	}
	s.smu.Lock()
	defer s.smu.Unlock()
	s.prompt = re
	return nil
}

// Prompt returns the current prompt pattern.
func (s *ShellSession) Prompt() string {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.prompt.String()
}

// SetStatusTestCommand replaces the exit status probe command.
func (s *ShellSession) SetStatusTestCommand(cmd string) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.statusCmd = cmd
}

func (s *ShellSession) statusTestCommand() string {
	s.smu.Lock()
	defer s.smu.Unlock()
	return s.statusCmd
}

// CmdOpt configures one command round trip.
type CmdOpt func(*cmdOptions)

type cmdOptions struct {
	timeout         time.Duration
	okStatus        []int
	ignoreAllErrors bool
}

// WithTimeout bounds the wait for the command's prompt.
func WithTimeout(d time.Duration) CmdOpt {
	return func(o *cmdOptions) { o.timeout = d }
}

// WithOKStatus sets the exit statuses Cmd accepts. Default is just 0.
func WithOKStatus(statuses ...int) CmdOpt {
	return func(o *cmdOptions) { o.okStatus = statuses }
}

// WithIgnoreAllErrors makes Cmd return whatever output was captured and
// suppress every failure, including status retrieval ones.
func WithIgnoreAllErrors() CmdOpt {
	return func(o *cmdOptions) { o.ignoreAllErrors = true }
}

func (s *ShellSession) cmdOptions(opts []CmdOpt) *cmdOptions {
	o := &cmdOptions{
		timeout:  s.cfg.Timeouts.GetPromptWait(),
		okStatus: []int{0},
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

// ReadUpToPrompt reads until the last non-empty output line matches the
// prompt pattern and returns everything read.
func (s *ShellSession) ReadUpToPrompt(ctx context.Context, timeout time.Duration) (string, error) {
	_, out, err := s.ReadUntilLastLineMatches(ctx, []string{s.Prompt()}, timeout)
	return out, err
}

// CmdOutput sends cmd and returns its output with the echoed command line
// and the trailing prompt stripped.
func (s *ShellSession) CmdOutput(ctx context.Context, cmd string, opts ...CmdOpt) (string, error) {
	o := s.cmdOptions(opts)

	// Drain stray pending output so the next read is attributable to
	// this command.
	_, _ = s.ReadNonblocking(ctx, 0, 0)

	s.Sendline(ctx, cmd)
	out, err := s.ReadUpToPrompt(ctx, o.timeout)
	if err != nil {
		return "", tagCmdError(err, cmd)
	}
	return cleanCmdOutput(out, cmd), nil
}

// CmdOutputSafe behaves like CmdOutput but re-sends a bare newline on
// every internal read timeout, accumulating partial reads. This is a
// heuristic for consoles polluted by asynchronous kernel messages that
// defeat plain prompt matching; the extra newlines may show up in the
// remote shell history.
func (s *ShellSession) CmdOutputSafe(ctx context.Context, cmd string, opts ...CmdOpt) (string, error) {
	o := s.cmdOptions(opts)

	_, _ = s.ReadNonblocking(ctx, 0, 0)
	s.Sendline(ctx, cmd)

	s.smu.Lock()
	prompt := s.prompt
	s.smu.Unlock()
	deadline := time.Now().Add(o.timeout)
	var out strings.Builder
	for {
		data, err := s.ReadNonblocking(ctx, 0, time.Second)
		if err == errPipeClosed {
			status, serr := s.Status(ctx)
			if serr != nil {
				return "", tagCmdError(&ExpectError{Output: out.String(), Err: serr}, cmd)
			}
			return "", tagCmdError(&TerminatedError{Status: status, Output: out.String()}, cmd)
		}
		if err != nil {
			return "", tagCmdError(&ExpectError{Output: out.String(), Err: err}, cmd)
		}
		out.WriteString(data)

		if line := lastNonEmptyLine(out.String()); line != "" && prompt.MatchString(line) {
			return cleanCmdOutput(out.String(), cmd), nil
		}
		if time.Now().After(deadline) {
			return "", tagCmdError(&TimeoutError{Patterns: []string{prompt.String()}, Output: out.String()}, cmd)
		}
		if data == "" {
			// Nudge the shell to redraw the prompt.
			s.Sendline(ctx, "")
		}
	}
}

// CmdStatusOutput sends cmd, then the status probe, and returns the
// command's exit status and cleaned output. When the probe's output
// contains no status line the returned error is a *StatusError that still
// carries the command's output.
func (s *ShellSession) CmdStatusOutput(ctx context.Context, cmd string, opts ...CmdOpt) (int, string, error) {
	out, err := s.CmdOutput(ctx, cmd, opts...)
	if err != nil {
		return -1, "", err
	}

	sout, err := s.CmdOutput(ctx, s.statusTestCommand(), WithTimeout(s.cfg.Timeouts.GetStatusProbe()))
	if err != nil {
		return -1, out, err
	}
	status, ok := parseExitStatus(sout)
	if !ok {
		return -1, out, &StatusError{Cmd: cmd, Output: out}
	}
	return status, out, nil
}

// CmdStatus sends cmd and returns only its exit status.
func (s *ShellSession) CmdStatus(ctx context.Context, cmd string, opts ...CmdOpt) (int, error) {
	status, _, err := s.CmdStatusOutput(ctx, cmd, opts...)
	return status, err
}

// Cmd sends cmd and returns its output, treating the command as failed
// unless its exit status is in the accepted set (default {0}). Failures
// are *CmdError carrying the command, status and output.
func (s *ShellSession) Cmd(ctx context.Context, cmd string, opts ...CmdOpt) (string, error) {
	o := s.cmdOptions(opts)
	status, out, err := s.CmdStatusOutput(ctx, cmd, opts...)
	if o.ignoreAllErrors {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	if !slices.Contains(o.okStatus, status) {
		return out, &CmdError{Cmd: cmd, Status: status, Output: out}
	}
	return out, nil
}

// tagCmdError attaches the command to typed read errors so callers can
// tell which round trip failed.
func tagCmdError(err error, cmd string) error {
	var te *TimeoutError
	if errors.As(err, &te) {
		te.Cmd = cmd
		return err
	}
	var pe *TerminatedError
	if errors.As(err, &pe) {
		pe.Cmd = cmd
		return err
	}
	return err
}

// cleanCmdOutput strips one leading echoed command line and the trailing
// prompt line from a captured round trip.
func cleanCmdOutput(out, cmd string) string {
	return stripTrailingPrompt(stripCommandEcho(out, cmd))
}

// stripCommandEcho removes the first line when it is exactly the echoed
// command (modulo the pty's carriage returns).
func stripCommandEcho(out, cmd string) string {
	first, rest, found := strings.Cut(out, "\n")
	if !found {
		return out
	}
	if strings.TrimRight(first, "\r") == strings.TrimRight(cmd, "\r") {
		return rest
	}
	return out
}

// stripTrailingPrompt removes trailing blank lines and the last non-empty
// line (the prompt) from out.
func stripTrailingPrompt(out string) string {
	lines := strings.Split(out, "\n")
	i := len(lines) - 1
	for i >= 0 && strings.TrimRight(lines[i], " \t\r") == "" {
		i--
	}
	// lines[i] is the prompt; everything before it is command output.
	if i < 0 {
		return ""
	}
	return strings.Join(lines[:i], "\n")
}

// parseExitStatus scans text for the first line consisting solely of
// digits (optionally negative) and parses it.
func parseExitStatus(text string) (int, bool) {
	for _, line := range splitLines(text) {
		line = strings.TrimSpace(line)
		if exitStatusRE.MatchString(line) {
			status, err := strconv.Atoi(line)
			if err != nil {
				return 0, false
			}
			return status, true
		}
	}
	return 0, false
}
