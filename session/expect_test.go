package session

import (
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestExpect(t *testing.T) (*Expect, map[string]*os.File) {
	t.Helper()
	s, w := newFifoSession(t, TailReader, ExpectReader)
	return &Expect{Tail: &Tail{Session: s, group: NewGroup()}}, w
}

func TestReadNonblockingZeroTimeoutNoData(t *testing.T) {
	e, _ := newTestExpect(t)
	got, err := e.ReadNonblocking(t.Context(), 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadNonblockingZeroTimeoutDrainsPending(t *testing.T) {
	e, w := newTestExpect(t)
	_, err := w[ExpectReader].WriteString("pending")
	require.NoError(t, err)

	got, err := e.ReadNonblocking(t.Context(), 0, 0)
	require.NoError(t, err)
	require.Equal(t, "pending", got)

	// A second zero-timeout read finds the pipe empty.
	got, err = e.ReadNonblocking(t.Context(), 0, 0)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadNonblockingReturnsData(t *testing.T) {
	e, w := newTestExpect(t)
	_, err := w[ExpectReader].WriteString("hello")
	require.NoError(t, err)

	got, err := e.ReadNonblocking(t.Context(), 20*time.Millisecond, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestReadNonblockingTimeoutNoData(t *testing.T) {
	e, _ := newTestExpect(t)
	start := time.Now()
	got, err := e.ReadNonblocking(t.Context(), 20*time.Millisecond, 200*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, got)
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestReadNonblockingEOF(t *testing.T) {
	e, w := newTestExpect(t)
	require.NoError(t, w[ExpectReader].Close())

	_, err := e.ReadNonblocking(t.Context(), 20*time.Millisecond, time.Second)
	require.ErrorIs(t, err, errPipeClosed)
}

func TestReadNonblockingDataBeforeEOF(t *testing.T) {
	e, w := newTestExpect(t)
	_, err := w[ExpectReader].WriteString("tail end")
	require.NoError(t, err)
	require.NoError(t, w[ExpectReader].Close())

	// Buffered data is delivered first; the EOF surfaces on the next read.
	got, err := e.ReadNonblocking(t.Context(), 20*time.Millisecond, time.Second)
	require.NoError(t, err)
	require.Equal(t, "tail end", got)

	_, err = e.ReadNonblocking(t.Context(), 20*time.Millisecond, time.Second)
	require.ErrorIs(t, err, errPipeClosed)
}

func mustCompile(t *testing.T, patterns ...string) []*regexp.Regexp {
	t.Helper()
	res, err := compilePatterns(patterns)
	require.NoError(t, err)
	return res
}

func TestMatchPatterns(t *testing.T) {
	res := mustCompile(t, "foo", "ba.", "foo|qux")
	tests := []struct {
		text string
		want int
	}{
		{"foo", 0},
		{"bar", 1},
		{"qux", 2},
		{"nothing", -1},
		{"", -1},
	}
	for _, tt := range tests {
		if got := MatchPatterns(tt.text, res); got != tt.want {
			t.Errorf("MatchPatterns(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestMatchPatternsMultiline(t *testing.T) {
	tests := []struct {
		name     string
		lines    []string
		patterns []string
		want     int
	}{
		{"single match", []string{"a", "b", "c"}, []string{"^b$", "^z$"}, 0},
		{"later pattern wins", []string{"a", "b", "c"}, []string{"^b$", "^[abc]$"}, 1},
		{"no match", []string{"a", "b", "c"}, []string{"^x$", "^y$"}, -1},
		{"empty lines", nil, []string{"a"}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MatchPatternsMultiline(tt.lines, mustCompile(t, tt.patterns...))
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCompilePatternsBad(t *testing.T) {
	_, err := compilePatterns([]string{"ok", "(unclosed"})
	require.Error(t, err)
}

func TestReadUntilLastLineMatches(t *testing.T) {
	e, w := newTestExpect(t)
	go func() {
		time.Sleep(50 * time.Millisecond)
		w[ExpectReader].WriteString("booting...\nlogin: ")
	}()

	idx, out, err := e.ReadUntilLastLineMatches(t.Context(), []string{"login:"}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
	require.Contains(t, out, "booting...")
}

func TestReadUntilLastWordMatches(t *testing.T) {
	e, w := newTestExpect(t)
	go func() {
		w[ExpectReader].WriteString("remote\nPassword: ")
	}()

	idx, _, err := e.ReadUntilLastWordMatches(t.Context(), []string{"[Pp]assword:"}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestReadUntilAnyLineMatches(t *testing.T) {
	e, w := newTestExpect(t)
	go func() {
		w[ExpectReader].WriteString("a\nERROR: boom\nb\n")
	}()

	idx, out, err := e.ReadUntilAnyLineMatches(t.Context(), []string{"READY", "ERROR"}, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, idx)
	require.Contains(t, out, "ERROR: boom")
}

func TestReadUntilOutputMatchesFilter(t *testing.T) {
	e, w := newTestExpect(t)
	go func() {
		w[ExpectReader].WriteString("x=1\ny=2\n")
	}()

	reversed := func(out string) []string {
		lines := splitLines(out)
		for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
			lines[i], lines[j] = lines[j], lines[i]
		}
		return lines
	}
	idx, _, err := e.ReadUntilOutputMatches(t.Context(), []string{`y=\d`}, reversed, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 0, idx)
}

func TestReadUntilTimeout(t *testing.T) {
	e, _ := newTestExpect(t)
	_, out, err := e.ReadUntilLastLineMatches(t.Context(), []string{"never"}, 300*time.Millisecond)
	require.Empty(t, out)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.Equal(t, []string{"never"}, te.Patterns)
}

func TestReadUntilTerminated(t *testing.T) {
	e, w := newTestExpect(t)
	_, err := w[ExpectReader].WriteString("bye\n")
	require.NoError(t, err)
	writeStatus(t, e.Session, "3")
	require.NoError(t, w[ExpectReader].Close())

	_, _, rerr := e.ReadUntilLastLineMatches(t.Context(), []string{"never"}, 5*time.Second)
	var pe *TerminatedError
	require.True(t, errors.As(rerr, &pe))
	require.Equal(t, 3, pe.Status)
	require.Contains(t, pe.Output, "bye")
}
