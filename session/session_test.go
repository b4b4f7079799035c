package session

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/virtbox/internal/config"
)

func TestControlCharacter(t *testing.T) {
	tests := []struct {
		in   string
		want byte
	}{
		{"a", 1},
		{"c", 3},
		{"z", 26},
		{"C", 3},
		{"@", 0},
		{"[", 27},
		{"\\", 28},
		{"]", 29},
		{"^", 30},
		{"_", 31},
		{"?", 127},
	}
	for _, tt := range tests {
		got, err := controlCharacter(tt.in)
		if err != nil {
			t.Errorf("controlCharacter(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("controlCharacter(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestControlCharacterUnmapped(t *testing.T) {
	for _, in := range []string{"1", "!", "", "ab"} {
		if _, err := controlCharacter(in); !errors.Is(err, errdefs.ErrNotFound) {
			t.Errorf("controlCharacter(%q) error = %v, want ErrNotFound", in, err)
		}
	}
}

func TestGenerateIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		id := generateID()
		if id == "" {
			t.Fatal("generateID returned empty id")
		}
		if seen[id] {
			t.Fatalf("generateID returned duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestErrorTypes(t *testing.T) {
	var te *TimeoutError
	err := error(&TimeoutError{Patterns: []string{"p"}, Output: "o"})
	require.True(t, errors.As(err, &te))
	require.Equal(t, []string{"p"}, te.Patterns)
	require.Equal(t, "o", te.Output)

	var pe *TerminatedError
	err = error(&TerminatedError{Status: 9, Output: "x"})
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 9, pe.Status)

	var ce *CmdError
	err = error(&CmdError{Cmd: "false", Status: 1})
	require.True(t, errors.As(err, &ce))
	require.Contains(t, ce.Error(), "false")
}

// newFifoSession builds a Session over real named pipes in a temp dir,
// with no helper server behind them. The returned writers hold the write
// ends; closing a writer delivers EOF on the matching reader.
func newFifoSession(t *testing.T, names ...string) (*Session, map[string]*os.File) {
	t.Helper()
	dir := t.TempDir()
	s := &Session{
		id:      "test",
		dir:     dir,
		cfg:     config.DefaultConfig(),
		linesep: "\n",
		readers: make(map[string]*os.File),
	}
	writers := make(map[string]*os.File)
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, unix.Mkfifo(path, 0o600))
		w, err := os.OpenFile(path, os.O_RDWR|syscall.O_NONBLOCK, 0)
		require.NoError(t, err)
		r, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
		require.NoError(t, err)
		s.readers[name] = r
		writers[name] = w
		t.Cleanup(func() {
			w.Close()
			r.Close()
		})
	}
	return s, writers
}

// writeStatus finalizes the fake session: status file present and no held
// server lock, as after a real server exit.
func writeStatus(t *testing.T, s *Session, status string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, statusFile), []byte(status), 0o600))
}

func TestNewTearsDownOnFailedReaderOpen(t *testing.T) {
	t.Setenv("VIRTBOX_DEBUG", "")
	stateDir := t.TempDir()

	// A server that completes the handshake but never creates the reader
	// pipes, so opening them fails right after a successful spawn.
	bin := filepath.Join(t.TempDir(), "stub-server")
	script := "#!/bin/sh\n" +
		"read id\nread echoflag\nread readers\nread command\n" +
		"echo \"Server $id ready\"\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	cfg := config.DefaultConfig()
	cfg.Paths.StateDir = stateDir
	cfg.Server.Binary = bin

	_, err := NewTail(t.Context(), "/bin/true", WithConfig(cfg))
	require.Error(t, err)

	// No session directory and no registry record may survive the failure.
	entries, err := os.ReadDir(stateDir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, e.IsDir(), "leaked session dir %s", e.Name())
	}

	reg, err := openRegistry(filepath.Join(stateDir, "sessions.db"))
	require.NoError(t, err)
	defer reg.Close()
	recs, err := reg.list()
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestIsDefunctNoPidFile(t *testing.T) {
	s, _ := newFifoSession(t, TailReader)
	require.False(t, s.IsDefunct())
	require.False(t, s.IsAlive())
}

func TestSendSwallowsMissingPipe(t *testing.T) {
	s, _ := newFifoSession(t)
	// No input pipe exists; Send must not panic or error out.
	s.Send(t.Context(), "hello")
	s.Sendline(t.Context(), "hello")
}

func TestSendCtrlUnmappedFails(t *testing.T) {
	s, _ := newFifoSession(t)
	require.Error(t, s.SendCtrl(t.Context(), "5"))
}
