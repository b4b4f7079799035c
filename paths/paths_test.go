package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetStateDir(t *testing.T) {
	t.Setenv(StateDirEnvVar, "")
	want := filepath.Join(os.TempDir(), "virtbox")
	if got := GetStateDir(); got != want {
		t.Errorf("GetStateDir() = %q, want %q", got, want)
	}

	t.Setenv(StateDirEnvVar, "/var/lib/virtbox")
	if got := GetStateDir(); got != "/var/lib/virtbox" {
		t.Errorf("GetStateDir() with override = %q", got)
	}
}

func TestGetLogDir(t *testing.T) {
	t.Setenv(StateDirEnvVar, "/state")
	t.Setenv(LogDirEnvVar, "")
	if got := GetLogDir(); got != "/state/logs" {
		t.Errorf("GetLogDir() = %q, want /state/logs", got)
	}

	t.Setenv(LogDirEnvVar, "/logs")
	if got := GetLogDir(); got != "/logs" {
		t.Errorf("GetLogDir() with override = %q", got)
	}
}

func TestDebugKeepFiles(t *testing.T) {
	t.Setenv(DebugEnvVar, "")
	if DebugKeepFiles() {
		t.Error("DebugKeepFiles() true with empty env")
	}
	t.Setenv(DebugEnvVar, "1")
	if !DebugKeepFiles() {
		t.Error("DebugKeepFiles() false with env set")
	}
}
