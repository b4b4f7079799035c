// Package paths provides standard filesystem paths used by virtbox.
package paths

import (
	"os"
	"path/filepath"
)

const (
	// StateDirEnvVar overrides the base state directory.
	StateDirEnvVar = "VIRTBOX_STATE_DIR"

	// LogDirEnvVar overrides the log directory.
	LogDirEnvVar = "VIRTBOX_LOG_DIR"

	// DebugEnvVar, when set to a non-empty value, preserves per-session
	// state directories on close for post-mortem inspection.
	DebugEnvVar = "VIRTBOX_DEBUG"
)

// GetStateDir returns the virtbox state directory, checking environment
// variables first. Session directories and the session registry live here.
// The default is under the system temp directory so unprivileged test runs
// work out of the box.
func GetStateDir() string {
	if dir := os.Getenv(StateDirEnvVar); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "virtbox")
}

// GetLogDir returns the virtbox log directory, checking environment variables first.
func GetLogDir() string {
	if dir := os.Getenv(LogDirEnvVar); dir != "" {
		return dir
	}
	return filepath.Join(GetStateDir(), "logs")
}

// DebugKeepFiles reports whether session directories should be preserved
// on close.
func DebugKeepFiles() bool {
	return os.Getenv(DebugEnvVar) != ""
}
