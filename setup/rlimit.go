package setup

import (
	"context"
	"fmt"
	"strconv"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// MaxOpenFiles raises the open file descriptor limit for the test process
// and restores the previous limit on cleanup. Tests that spawn many
// sessions or disk-backed guests routinely exhaust the default soft
// limit.
type MaxOpenFiles struct {
	Limit uint64

	prev    unix.Rlimit
	applied bool
}

// NewMaxOpenFiles is a Factory reading the limit from the "nofile_limit"
// parameter; a missing or unparsable value leaves a zero limit, which
// Setup treats as "raise soft to hard".
func NewMaxOpenFiles(_ any, params Params, _ Env) Setuper {
	limit, _ := strconv.ParseUint(params.Get("nofile_limit", "0"), 10, 64)
	return &MaxOpenFiles{Limit: limit}
}

// Setup raises RLIMIT_NOFILE.
func (m *MaxOpenFiles) Setup(ctx context.Context) error {
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &m.prev); err != nil {
		return fmt.Errorf("failed to read RLIMIT_NOFILE: %w", err)
	}

	next := m.prev
	if m.Limit == 0 {
		next.Cur = next.Max
	} else {
		next.Cur = m.Limit
		if next.Max < m.Limit {
			next.Max = m.Limit
		}
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &next); err != nil {
		return fmt.Errorf("failed to raise RLIMIT_NOFILE to %d: %w", next.Cur, err)
	}
	m.applied = true
	log.G(ctx).WithFields(log.Fields{"cur": next.Cur, "max": next.Max}).Debug("setup: raised open file limit")
	return nil
}

// Cleanup restores the previous limit. A no-op when Setup never applied
// the change.
func (m *MaxOpenFiles) Cleanup(ctx context.Context) error {
	if !m.applied {
		return nil
	}
	m.applied = false
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &m.prev); err != nil {
		return fmt.Errorf("failed to restore RLIMIT_NOFILE: %w", err)
	}
	log.G(ctx).WithField("cur", m.prev.Cur).Debug("setup: restored open file limit")
	return nil
}
