// Package session implements interactive process sessions for driving
// virtualization test workloads: a detached helper server owns the child
// process on a pseudo-terminal and relays its I/O over named pipes in a
// per-session state directory, while clients in any process attach by
// session id to send input, tail output in the background, and perform
// blocking expect-style reads.
package session

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/virtbox/internal/config"
	"github.com/spin-stack/virtbox/paths"
)

// Reader names relayed by the session server. Tail carries continuous
// output for the background relay; Expect carries the same byte stream for
// on-demand pattern-matched reads.
const (
	TailReader   = "tail"
	ExpectReader = "expect"
)

// Per-session directory entries.
const (
	inPipeName     = "inpipe"
	ctrlPipeName   = "ctrlpipe"
	shellPIDFile   = "shell-pid"
	statusFile     = "status"
	outputFile     = "output"
	serverLockFile = "server-running"
	clientLockFile = "client-starting"
)

const defaultLinesep = "\n"

// Session owns the client side of one spawned child process: the reader
// pipe descriptors and, transitively, the on-disk session directory. A
// second client may attach to the same session by id after the original
// owner has released its descriptors; attachment is by id, never by
// shared handle.
type Session struct {
	id      string
	dir     string
	cfg     *config.Config
	linesep string

	mu      sync.Mutex
	readers map[string]*os.File
	hooks   []func(context.Context) error
	closed  bool
}

type options struct {
	readers []string
	echo    bool
	linesep string
	group   *Group
	cfg     *config.Config
}

// Option configures session construction.
type Option func(*options)

// WithReaders sets the reader pipes the server should relay. Tail and
// expect readers are added automatically by the constructors that need
// them.
func WithReaders(names ...string) Option {
	return func(o *options) { o.readers = append(o.readers, names...) }
}

// WithEcho enables terminal echo on the child's pty.
func WithEcho(echo bool) Option {
	return func(o *options) { o.echo = echo }
}

// WithLinesep overrides the line separator appended by Sendline.
func WithLinesep(sep string) Option {
	return func(o *options) { o.linesep = sep }
}

// WithGroup assigns the worker group used for background relays.
func WithGroup(g *Group) Option {
	return func(o *options) { o.group = g }
}

// WithConfig overrides the global configuration, mainly for tests.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{linesep: defaultLinesep, group: defaultGroup}
	for _, fn := range opts {
		fn(o)
	}
	if o.cfg == nil {
		cfg, err := config.Get()
		if err != nil {
			return nil, err
		}
		o.cfg = cfg
	}
	return o, nil
}

func (o *options) ensureReaders(names ...string) {
	for _, name := range names {
		found := false
		for _, have := range o.readers {
			if have == name {
				found = true
				break
			}
		}
		if !found {
			o.readers = append(o.readers, name)
		}
	}
}

// New spawns a helper server for command and returns a session bound to
// it. Exactly one server exists per session id.
func New(ctx context.Context, command string, opts ...Option) (*Session, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return newSession(ctx, command, generateID(), o, false)
}

// Attach binds to an existing session by id without spawning a second
// server. The id must be present in the session registry; callers get
// errdefs.ErrNotFound otherwise.
func Attach(ctx context.Context, id string, opts ...Option) (*Session, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	return newSession(ctx, "", id, o, true)
}

func newSession(ctx context.Context, command, id string, o *options, attach bool) (*Session, error) {
	s := &Session{
		id:      id,
		dir:     filepath.Join(o.cfg.Paths.StateDir, id),
		cfg:     o.cfg,
		linesep: o.linesep,
		readers: make(map[string]*os.File),
	}

	if attach {
		reg, err := openRegistry(registryPath(o.cfg))
		if err != nil {
			return nil, err
		}
		rec, err := reg.get(id)
		reg.Close()
		if err != nil {
			return nil, err
		}
		if len(o.readers) == 0 {
			o.readers = rec.Readers
		}
		if _, err := os.Stat(s.dir); err != nil {
			return nil, fmt.Errorf("session directory %s: %w", s.dir, errdefs.ErrNotFound)
		}
	} else {
		if err := s.spawnServer(ctx, command, o); err != nil {
			return nil, err
		}
	}

	if err := s.openReaders(o.readers); err != nil {
		if attach {
			s.releaseReaders()
			return nil, err
		}
		// A half-attached spawn must not leak the server, its session
		// directory or the registry record.
		if cerr := s.Close(ctx); cerr != nil {
			log.G(ctx).WithError(cerr).WithField("session", s.id).Warn("session: teardown after failed attach")
		}
		return nil, err
	}
	return s, nil
}

// spawnServer launches the detached helper, feeds it the four handshake
// lines and waits for its ready line. The client-starting lock is held for
// the whole startup so the server cannot tear down a short-lived child's
// session before we have opened our reader pipes.
func (s *Session) spawnServer(ctx context.Context, command string, o *options) error {
	bin, err := exec.LookPath(s.cfg.Server.Binary)
	if err != nil {
		return fmt.Errorf("session server binary not found: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	clientLock, err := os.OpenFile(filepath.Join(s.dir, clientLockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create client lock: %w", err)
	}
	defer clientLock.Close()
	if err := unix.Flock(int(clientLock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock client lock: %w", err)
	}
	defer unix.Flock(int(clientLock.Fd()), unix.LOCK_UN)

	cmd := exec.Command(bin)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start session server: %w", err)
	}
	// Reap the detached server when it eventually exits.
	go func() { _ = cmd.Wait() }()

	echoFlag := "0"
	if o.echo {
		echoFlag = "1"
	}
	_, err = fmt.Fprintf(stdin, "%s\n%s\n%s\n%s\n", s.id, echoFlag, strings.Join(o.readers, ","), command)
	stdin.Close()
	if err != nil {
		return fmt.Errorf("failed to hand off session parameters: %w", err)
	}

	ready := fmt.Sprintf("Server %s ready", s.id)
	readyCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if strings.Contains(scanner.Text(), ready) {
				readyCh <- nil
				return
			}
		}
		readyCh <- fmt.Errorf("session server exited before signaling readiness")
	}()

	select {
	case err := <-readyCh:
		if err != nil {
			return err
		}
	case <-time.After(s.cfg.Timeouts.GetServerReady()):
		_ = cmd.Process.Kill()
		return &TimeoutError{Patterns: []string{ready}}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}

	reg, err := openRegistry(registryPath(s.cfg))
	if err != nil {
		return err
	}
	defer reg.Close()
	return reg.put(&Record{
		ID:        s.id,
		Command:   command,
		ServerPID: cmd.Process.Pid,
		Dir:       s.dir,
		Readers:   o.readers,
		CreatedAt: time.Now(),
	})
}

func (s *Session) openReaders(names []string) error {
	for _, name := range names {
		f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_RDONLY|syscall.O_NONBLOCK, 0)
		if err != nil {
			return fmt.Errorf("failed to open %q reader: %w", name, err)
		}
		s.readers[name] = f
	}
	return nil
}

func (s *Session) releaseReaders() {
	for name, f := range s.readers {
		f.Close()
		delete(s.readers, name)
	}
}

// reader returns the named reader pipe.
func (s *Session) reader(name string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.readers[name]
	if !ok {
		return nil, fmt.Errorf("session has no %q reader: %w", name, errdefs.ErrNotFound)
	}
	return f, nil
}

// ID returns the opaque session id.
func (s *Session) ID() string { return s.id }

// Dir returns the per-session state directory.
func (s *Session) Dir() string { return s.dir }

// addCloseHook registers fn to run during Close, before the reader
// descriptors are released. Hooks run in reverse registration order.
func (s *Session) addCloseHook(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Send writes text to the child's input pipe. Failures are swallowed:
// sending to a possibly-already-dead child is best-effort signaling, and
// the caller finds out through reads, not writes.
func (s *Session) Send(ctx context.Context, text string) {
	f, err := os.OpenFile(filepath.Join(s.dir, inPipeName), os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		log.G(ctx).WithError(err).WithField("session", s.id).Debug("session: input pipe unavailable")
		return
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		log.G(ctx).WithError(err).WithField("session", s.id).Debug("session: input write failed")
	}
}

// Sendline writes text followed by the configured line separator.
func (s *Session) Sendline(ctx context.Context, text string) {
	s.Send(ctx, text+s.linesep)
}

// controlPunct maps the punctuation control characters that do not follow
// the ctrl+letter arithmetic.
var controlPunct = map[byte]byte{
	'@':  0,
	'[':  27,
	'\\': 28,
	']':  29,
	'^':  30,
	'_':  31,
	'?':  127,
}

func controlCharacter(char string) (byte, error) {
	if len(char) == 1 {
		c := char[0]
		switch {
		case c >= 'a' && c <= 'z':
			return c - 'a' + 1, nil
		case c >= 'A' && c <= 'Z':
			return c - 'A' + 1, nil
		}
		if b, ok := controlPunct[c]; ok {
			return b, nil
		}
	}
	return 0, fmt.Errorf("no control character mapping for %q: %w", char, errdefs.ErrNotFound)
}

// SendCtrl sends the control character for the given letter (ctrl+a..z
// plus a fixed punctuation set) to the child's input. Unmapped characters
// are a lookup error; pipe failures are swallowed like Send.
func (s *Session) SendCtrl(ctx context.Context, char string) error {
	b, err := controlCharacter(char)
	if err != nil {
		return err
	}
	s.Send(ctx, string(rune(b)))
	return nil
}

// Winsize asks the server to resize the child's pty.
func (s *Session) Winsize(ctx context.Context, rows, cols uint16) {
	f, err := os.OpenFile(filepath.Join(s.dir, ctrlPipeName), os.O_WRONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		log.G(ctx).WithError(err).WithField("session", s.id).Debug("session: control pipe unavailable")
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "winsize %d %d\n", rows, cols)
}

// Output returns the full stdout+stderr text captured by the server since
// session start.
func (s *Session) Output() (string, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, outputFile))
	if err != nil {
		return "", fmt.Errorf("session output unreadable: %w", err)
	}
	return decodeText(b), nil
}

// StrippedOutput returns the captured output with terminal escape
// sequences removed.
func (s *Session) StrippedOutput() (string, error) {
	out, err := s.Output()
	if err != nil {
		return "", err
	}
	return stripConsoleCodes(out), nil
}

// Pid returns the child process pid recorded by the server.
func (s *Session) Pid() (int, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, shellPIDFile))
	if err != nil {
		return 0, fmt.Errorf("session pid unavailable: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("session pid unparsable: %w", err)
	}
	return pid, nil
}

// Status blocks until the server releases its running lock, then returns
// the child's exit status. The server holds the lock for its whole
// lifetime, so a released lock means the status file is final. Callers
// bound the wait through ctx.
func (s *Session) Status(ctx context.Context) (int, error) {
	if err := s.waitServerExit(ctx); err != nil {
		return 0, err
	}
	b, err := os.ReadFile(filepath.Join(s.dir, statusFile))
	if err != nil {
		return 0, fmt.Errorf("session status unavailable: %w", err)
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("session status unparsable: %w", err)
	}
	return status, nil
}

func (s *Session) waitServerExit(ctx context.Context) error {
	lock, err := os.OpenFile(filepath.Join(s.dir, serverLockFile), os.O_RDONLY, 0)
	if err != nil {
		// No lock file means the server never started or the directory
		// is already partially torn down; the status file decides.
		return nil
	}
	defer lock.Close()

	for {
		err := unix.Flock(int(lock.Fd()), unix.LOCK_SH|unix.LOCK_NB)
		if err == nil {
			unix.Flock(int(lock.Fd()), unix.LOCK_UN)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// IsAlive reports whether the server still holds its running lock and the
// child is not a zombie.
func (s *Session) IsAlive() bool {
	lock, err := os.OpenFile(filepath.Join(s.dir, serverLockFile), os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_SH|unix.LOCK_NB); err == nil {
		unix.Flock(int(lock.Fd()), unix.LOCK_UN)
		return false
	}
	return !s.IsDefunct()
}

// IsDefunct reports whether the child process is a zombie.
func (s *Session) IsDefunct() bool {
	pid, err := s.Pid()
	if err != nil {
		return false
	}
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Field 3 of /proc/pid/stat is the state; the comm field before it may
	// contain spaces, so scan from the closing paren.
	stat := string(b)
	i := strings.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] == 'Z'
}

// Kill sends sig to the child process.
func (s *Session) Kill(ctx context.Context, sig syscall.Signal) error {
	pid, err := s.Pid()
	if err != nil {
		return err
	}
	log.G(ctx).WithFields(log.Fields{"session": s.id, "pid": pid, "signal": sig}).Debug("session: killing child")
	return unix.Kill(pid, sig)
}

// Close kills the child if it is still alive, waits for the server to
// exit, runs registered close hooks, releases the reader descriptors and
// removes the session directory. Close is idempotent; the destructive
// actions run at most once. Setting VIRTBOX_DEBUG preserves the session
// directory for post-mortem inspection.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	hooks := s.hooks
	s.mu.Unlock()

	if s.IsAlive() {
		if err := s.Kill(ctx, unix.SIGKILL); err != nil {
			log.G(ctx).WithError(err).WithField("session", s.id).Debug("session: kill on close failed")
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.GetCloseWait())
	if err := s.waitServerExit(waitCtx); err != nil {
		log.G(ctx).WithError(err).WithField("session", s.id).Warn("session: server did not exit in time")
	}
	cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			log.G(ctx).WithError(err).WithField("session", s.id).Warn("session: close hook failed")
		}
	}

	s.mu.Lock()
	s.releaseReaders()
	s.mu.Unlock()

	if reg, err := openRegistry(registryPath(s.cfg)); err == nil {
		if err := reg.delete(s.id); err != nil {
			log.G(ctx).WithError(err).WithField("session", s.id).Debug("session: registry delete failed")
		}
		reg.Close()
	}

	if paths.DebugKeepFiles() {
		log.G(ctx).WithField("dir", s.dir).Info("session: preserving state directory")
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to remove session dir: %w", err)
	}
	return nil
}

func generateID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), hex.EncodeToString(b[:]))
}
