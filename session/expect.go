package session

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spin-stack/virtbox/internal/iobuf"
)

// Expect extends Tail with synchronous, timeout-bounded reads against the
// expect reader, matched against caller-supplied regular expression
// patterns.
type Expect struct {
	*Tail
}

// NewExpect spawns a session with tail and expect readers.
func NewExpect(ctx context.Context, command string, opts ...Option) (*Expect, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	o.ensureReaders(TailReader, ExpectReader)
	s, err := newSession(ctx, command, generateID(), o, false)
	if err != nil {
		return nil, err
	}
	return &Expect{Tail: wrapTail(s, o)}, nil
}

// AttachExpect attaches to an existing session by id.
func AttachExpect(ctx context.Context, id string, opts ...Option) (*Expect, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	o.ensureReaders(TailReader, ExpectReader)
	s, err := newSession(ctx, "", id, o, true)
	if err != nil {
		return nil, err
	}
	return &Expect{Tail: wrapTail(s, o)}, nil
}

// ReadNonblocking reads whatever the expect pipe has to offer. It polls
// with granularity internal (the configured default when zero) and returns
// as soon as some data has arrived and a subsequent poll window stays
// quiet, or the empty string when timeout passes with no data at all. A
// zero timeout still drains everything already pending on the pipe before
// returning; callers use that to discard stray output between commands.
// EOF on the pipe surfaces as errPipeClosed to the read_until layer once
// any buffered data has been returned.
func (e *Expect) ReadNonblocking(ctx context.Context, internal, timeout time.Duration) (string, error) {
	if internal <= 0 {
		internal = e.cfg.Timeouts.GetInternalPoll()
	}
	r, err := e.reader(ExpectReader)
	if err != nil {
		return "", err
	}

	buf := iobuf.Get()
	defer iobuf.Put(buf)

	deadline := time.Now().Add(timeout)
	var out strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		step := internal
		final := false
		if rem := time.Until(deadline); rem <= 0 {
			// Past the deadline (or a zero timeout): drain passes only,
			// returning on the first empty read.
			step = time.Millisecond
			final = true
		} else if rem < step {
			step = rem
		}

		_ = r.SetReadDeadline(time.Now().Add(step))
		n, err := r.Read(*buf)
		if n > 0 {
			out.WriteString(decodeText((*buf)[:n]))
			continue
		}
		if err == nil {
			continue
		}
		if os.IsTimeout(err) {
			if final || out.Len() > 0 {
				// Pipe momentarily empty, or data followed by a quiet
				// period.
				return out.String(), nil
			}
			continue
		}
		// EOF or closed descriptor.
		if out.Len() > 0 {
			return out.String(), nil
		}
		return "", errPipeClosed
	}
}

// MatchPatterns returns the index of the first pattern matching text, or
// -1 when none match.
func MatchPatterns(text string, patterns []*regexp.Regexp) int {
	for i, re := range patterns {
		if re.MatchString(text) {
			return i
		}
	}
	return -1
}

// MatchPatternsMultiline matches every line against the patterns, trying
// patterns from last to first: a later pattern matching any line wins over
// an earlier one. Returns -1 when no pattern matches any line.
func MatchPatternsMultiline(lines []string, patterns []*regexp.Regexp) int {
	for i := len(patterns) - 1; i >= 0; i-- {
		for _, line := range lines {
			if patterns[i].MatchString(line) {
				return i
			}
		}
	}
	return -1
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad expect pattern %q: %w", p, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// Filter reduces accumulated output to the candidate strings a pattern may
// match against. It is the extension point for new expect-style behaviors.
type Filter func(output string) []string

// matchFunc reduces accumulated output and returns the index of the
// matched pattern, or -1.
type matchFunc func(output string, patterns []*regexp.Regexp) int

func (e *Expect) readUntilMatch(ctx context.Context, patterns []string, match matchFunc, timeout time.Duration) (int, string, error) {
	res, err := compilePatterns(patterns)
	if err != nil {
		return -1, "", err
	}

	internal := e.cfg.Timeouts.GetInternalPoll()
	deadline := time.Now().Add(timeout)
	var out strings.Builder
	for {
		rem := time.Until(deadline)
		if rem <= 0 {
			return -1, out.String(), &TimeoutError{Patterns: patterns, Output: out.String()}
		}
		step := internal
		if rem < step {
			step = rem
		}

		data, err := e.ReadNonblocking(ctx, internal, step)
		out.WriteString(data)
		if err == errPipeClosed {
			status, serr := e.Status(ctx)
			if serr != nil {
				return -1, out.String(), &ExpectError{Patterns: patterns, Output: out.String(), Err: serr}
			}
			return -1, out.String(), &TerminatedError{Status: status, Output: out.String()}
		}
		if err != nil {
			return -1, out.String(), &ExpectError{Patterns: patterns, Output: out.String(), Err: err}
		}

		if idx := match(out.String(), res); idx >= 0 {
			return idx, out.String(), nil
		}
	}
}

// ReadUntilOutputMatches blocks until one pattern matches a candidate
// produced by filter from the accumulated output. It returns the index of
// the first matching pattern and the full output captured. On failure the
// error is a *TimeoutError, *TerminatedError or *ExpectError carrying the
// output so far.
func (e *Expect) ReadUntilOutputMatches(ctx context.Context, patterns []string, filter Filter, timeout time.Duration) (int, string, error) {
	return e.readUntilMatch(ctx, patterns, func(out string, res []*regexp.Regexp) int {
		for _, candidate := range filter(out) {
			if idx := MatchPatterns(candidate, res); idx >= 0 {
				return idx
			}
		}
		return -1
	}, timeout)
}

// ReadUntilLastWordMatches blocks until the last whitespace-separated word
// of the output matches one of the patterns.
func (e *Expect) ReadUntilLastWordMatches(ctx context.Context, patterns []string, timeout time.Duration) (int, string, error) {
	return e.readUntilMatch(ctx, patterns, func(out string, res []*regexp.Regexp) int {
		fields := strings.Fields(out)
		if len(fields) == 0 {
			return -1
		}
		return MatchPatterns(fields[len(fields)-1], res)
	}, timeout)
}

// ReadUntilLastLineMatches blocks until the last non-empty line of the
// output matches one of the patterns. This is the primitive prompt
// matching builds on.
func (e *Expect) ReadUntilLastLineMatches(ctx context.Context, patterns []string, timeout time.Duration) (int, string, error) {
	return e.readUntilMatch(ctx, patterns, func(out string, res []*regexp.Regexp) int {
		line := lastNonEmptyLine(out)
		if line == "" {
			return -1
		}
		return MatchPatterns(line, res)
	}, timeout)
}

// ReadUntilAnyLineMatches blocks until any line of the output matches one
// of the patterns, with priority running from the last pattern to the
// first.
func (e *Expect) ReadUntilAnyLineMatches(ctx context.Context, patterns []string, timeout time.Duration) (int, string, error) {
	return e.readUntilMatch(ctx, patterns, func(out string, res []*regexp.Regexp) int {
		return MatchPatternsMultiline(splitLines(out), res)
	}, timeout)
}
