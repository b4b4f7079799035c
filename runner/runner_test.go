package runner

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalRun(t *testing.T) {
	l := &Local{}

	status, out, err := l.Run(t.Context(), "echo hi")
	require.NoError(t, err)
	require.Equal(t, 0, status)
	require.Equal(t, "hi\n", out)

	status, _, err = l.Run(t.Context(), "exit 7")
	require.NoError(t, err)
	require.Equal(t, 7, status)
}

func TestLocalRunCombinedOutput(t *testing.T) {
	l := &Local{}
	status, out, err := l.Run(t.Context(), "echo err 1>&2; exit 3")
	require.NoError(t, err)
	require.Equal(t, 3, status)
	require.Equal(t, "err\n", out)
}

func TestLocalRunBadShell(t *testing.T) {
	l := &Local{Shell: "/nonexistent/shell"}
	status, _, err := l.Run(t.Context(), "true")
	require.Error(t, err)
	require.Equal(t, -1, status)
}
