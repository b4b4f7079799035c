package session

import (
	"errors"
	"fmt"
)

// errPipeClosed reports EOF on a reader pipe, meaning the server has torn
// down the session because the child exited.
var errPipeClosed = errors.New("session pipe closed")

// TimeoutError reports that an expected pattern or prompt did not appear
// within the deadline. It carries the patterns sought and all output
// captured so far.
type TimeoutError struct {
	Patterns []string
	Cmd      string
	Output   string
}

func (e *TimeoutError) Error() string {
	if e.Cmd != "" {
		return fmt.Sprintf("timed out waiting for output of command %q", e.Cmd)
	}
	return fmt.Sprintf("timed out waiting for patterns %v", e.Patterns)
}

// TerminatedError reports that the child process exited while a blocking
// read was in progress. It carries the exit status and the output captured
// so far.
type TerminatedError struct {
	Status int
	Cmd    string
	Output string
}

func (e *TerminatedError) Error() string {
	if e.Cmd != "" {
		return fmt.Sprintf("process terminated with status %d while running command %q", e.Status, e.Cmd)
	}
	return fmt.Sprintf("process terminated with status %d during read", e.Status)
}

// StatusError reports that a command completed but its exit status could
// not be parsed from the status probe's output. Output carries the
// command's own output so it is not lost to the caller.
type StatusError struct {
	Cmd    string
	Output string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("could not retrieve exit status of command %q", e.Cmd)
}

// CmdError reports that a command completed with an exit status outside
// the caller's accepted set.
type CmdError struct {
	Cmd    string
	Status int
	Output string
}

func (e *CmdError) Error() string {
	return fmt.Sprintf("command %q failed with status %d", e.Cmd, e.Status)
}

// ExpectError reports any other I/O or protocol inconsistency during an
// expect-style read.
type ExpectError struct {
	Patterns []string
	Output   string
	Err      error
}

func (e *ExpectError) Error() string {
	return fmt.Sprintf("expect read failed: %v", e.Err)
}

func (e *ExpectError) Unwrap() error { return e.Err }
