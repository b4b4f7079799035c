package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/virtbox/internal/iobuf"
)

// OutputFunc receives one completed output line, prefix included.
type OutputFunc func(line string)

// TerminationFunc receives the child's exit status once, after EOF on the
// tail pipe.
type TerminationFunc func(status int)

// Tail extends Session with a background worker that continuously drains
// the tail reader, splits the stream into lines and hands each line to an
// output callback, reporting child termination to a second callback. At
// most one worker runs per Tail; it clears its own slot on exit and is
// restarted only when a callback is (re)set.
type Tail struct {
	*Session
	group *Group

	tmu      sync.Mutex
	outputFn OutputFunc
	prefix   string
	termFn   TerminationFunc
	logFile  *os.File
	stop     chan struct{}
	done     chan struct{}
}

// NewTail spawns a session with a tail reader.
func NewTail(ctx context.Context, command string, opts ...Option) (*Tail, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	o.ensureReaders(TailReader)
	s, err := newSession(ctx, command, generateID(), o, false)
	if err != nil {
		return nil, err
	}
	return wrapTail(s, o), nil
}

// AttachTail attaches to an existing session by id.
func AttachTail(ctx context.Context, id string, opts ...Option) (*Tail, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	o.ensureReaders(TailReader)
	s, err := newSession(ctx, "", id, o, true)
	if err != nil {
		return nil, err
	}
	return wrapTail(s, o), nil
}

func wrapTail(s *Session, o *options) *Tail {
	t := &Tail{Session: s, group: o.group}
	s.addCloseHook(t.stopWorker)
	return t
}

// SetOutputFunc installs the line callback and starts the background
// worker if it is not already running.
func (t *Tail) SetOutputFunc(ctx context.Context, fn OutputFunc) {
	t.tmu.Lock()
	t.outputFn = fn
	t.tmu.Unlock()
	t.startWorker(ctx)
}

// SetOutputPrefix sets the prefix prepended to every relayed line.
func (t *Tail) SetOutputPrefix(prefix string) {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	t.prefix = prefix
}

// SetTerminationFunc installs the termination callback and starts the
// background worker if it is not already running.
func (t *Tail) SetTerminationFunc(ctx context.Context, fn TerminationFunc) {
	t.tmu.Lock()
	t.termFn = fn
	t.tmu.Unlock()
	t.startWorker(ctx)
}

// SetLogFile mirrors every relayed line to the given file, opened append.
func (t *Tail) SetLogFile(path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open tail log file: %w", err)
	}
	t.tmu.Lock()
	old := t.logFile
	t.logFile = f
	t.tmu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

// startWorker launches the relay goroutine if a callback needs it and no
// worker is currently tracked.
func (t *Tail) startWorker(ctx context.Context) {
	t.tmu.Lock()
	defer t.tmu.Unlock()
	if t.done != nil || (t.outputFn == nil && t.termFn == nil) {
		return
	}
	if t.group.cancelled() {
		return
	}
	r, err := t.reader(TailReader)
	if err != nil {
		log.G(ctx).WithError(err).WithField("session", t.ID()).Warn("tail: no reader, worker not started")
		return
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.group.track(t.done)
	go t.worker(ctx, r, t.stop, t.done)
}

// stopWorker signals the current worker, if any, and waits for it bounded
// by ctx. Registered as a session close hook so Close joins the relay
// before releasing the reader descriptors.
func (t *Tail) stopWorker(ctx context.Context) error {
	t.tmu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.tmu.Unlock()
	if done == nil {
		return nil
	}
	close(stop)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tail) worker(ctx context.Context, r *os.File, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		t.tmu.Lock()
		if t.done == done {
			t.stop, t.done = nil, nil
		}
		t.tmu.Unlock()
	}()

	buf := iobuf.Get()
	defer iobuf.Put(buf)
	poll := t.cfg.Timeouts.GetTailPoll()

	var lb lineBuffer
	for {
		select {
		case <-stop:
			return
		case <-t.group.token():
			return
		default:
		}

		_ = r.SetReadDeadline(time.Now().Add(poll))
		n, err := r.Read(*buf)
		if n > 0 {
			for _, line := range lb.feed(decodeText((*buf)[:n])) {
				t.emit(line)
			}
		}
		if err == nil {
			continue
		}
		if os.IsTimeout(err) {
			// Flush irregular producers that pause mid-line.
			if line, ok := lb.takePartial(); ok {
				t.emit(line)
			}
			continue
		}
		// EOF: the server closed the pipe because the child exited.
		break
	}

	if line, ok := lb.takePartial(); ok {
		t.emit(line)
	}

	status, err := t.Status(ctx)
	if err != nil {
		log.G(ctx).WithError(err).WithField("session", t.ID()).Debug("tail: exit status unavailable")
		status = -1
	}
	t.emit(fmt.Sprintf("(Process terminated with status %d)", status))

	t.tmu.Lock()
	fn := t.termFn
	t.tmu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (t *Tail) emit(line string) {
	t.tmu.Lock()
	fn, prefix, lf := t.outputFn, t.prefix, t.logFile
	t.tmu.Unlock()

	line = strings.TrimRight(line, " \t\r\n")
	if lf != nil {
		fmt.Fprintln(lf, line)
	}
	if fn != nil {
		fn(prefix + line)
	}
}
