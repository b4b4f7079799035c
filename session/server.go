package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/containerd/console"
	"github.com/containerd/errdefs"
	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/spin-stack/virtbox/internal/config"
	"github.com/spin-stack/virtbox/internal/iobuf"
)

// Serve implements the server side of the session protocol. It reads four
// newline-terminated handshake lines from stdin (session id, echo flag,
// comma-separated reader names, command), creates the session directory
// and its named pipes, runs the command on a pty and relays pty output to
// the output file and every reader pipe until the child exits. It then
// records the exit status, waits for a still-starting client to finish
// attaching, and releases the server-running lock. The parent detaches as
// soon as the "Server <id> ready" line appears on stdout.
func Serve(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}

	br := bufio.NewReader(stdin)
	id, err := readHandshakeLine(br)
	if err != nil {
		return fmt.Errorf("handshake: session id: %w", err)
	}
	echoFlag, err := readHandshakeLine(br)
	if err != nil {
		return fmt.Errorf("handshake: echo flag: %w", err)
	}
	readerCSV, err := readHandshakeLine(br)
	if err != nil {
		return fmt.Errorf("handshake: reader names: %w", err)
	}
	command, err := readHandshakeLine(br)
	if err != nil {
		return fmt.Errorf("handshake: command: %w", err)
	}

	var readers []string
	for _, name := range strings.Split(readerCSV, ",") {
		if name = strings.TrimSpace(name); name != "" {
			readers = append(readers, name)
		}
	}

	dir := filepath.Join(cfg.Paths.StateDir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	ctx = log.WithLogger(ctx, log.G(ctx).WithField("session", id))

	// Exactly one server exists per session id; the running lock is held
	// for our whole lifetime and doubles as the liveness signal clients
	// probe.
	serverLock, err := os.OpenFile(filepath.Join(dir, serverLockFile), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create server lock: %w", err)
	}
	defer serverLock.Close()
	if err := unix.Flock(int(serverLock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("session %q already has a server: %w", id, errdefs.ErrAlreadyExists)
	}
	defer unix.Flock(int(serverLock.Fd()), unix.LOCK_UN)

	for _, name := range append([]string{inPipeName, ctrlPipeName}, readers...) {
		if err := unix.Mkfifo(filepath.Join(dir, name), 0o600); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to create %q pipe: %w", name, err)
		}
	}

	pty, slavePath, err := console.NewPty()
	if err != nil {
		return fmt.Errorf("failed to allocate pty: %w", err)
	}
	defer pty.Close()
	if echoFlag != "1" {
		if err := pty.DisableEcho(); err != nil {
			return fmt.Errorf("failed to disable echo: %w", err)
		}
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open pty slave: %w", err)
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true, Ctty: 0}
	if err := cmd.Start(); err != nil {
		slave.Close()
		return fmt.Errorf("failed to start command: %w", err)
	}
	slave.Close()

	if err := os.WriteFile(filepath.Join(dir, shellPIDFile), []byte(strconv.Itoa(cmd.Process.Pid)), 0o600); err != nil {
		log.G(ctx).WithError(err).Warn("server: failed to record child pid")
	}

	outputF, err := os.OpenFile(filepath.Join(dir, outputFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer outputF.Close()

	// Pipes are opened read-write on our side: opens never block on a
	// missing peer, and the client only observes EOF once we exit.
	sinks := []io.Writer{outputF}
	for _, name := range readers {
		f, err := fifo.OpenFifo(ctx, filepath.Join(dir, name), syscall.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("failed to open %q pipe: %w", name, err)
		}
		defer f.Close()
		sinks = append(sinks, f)
	}
	inPipe, err := fifo.OpenFifo(ctx, filepath.Join(dir, inPipeName), syscall.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open input pipe: %w", err)
	}
	defer inPipe.Close()
	ctrlPipe, err := fifo.OpenFifo(ctx, filepath.Join(dir, ctrlPipeName), syscall.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open control pipe: %w", err)
	}
	defer ctrlPipe.Close()

	fmt.Fprintf(stdout, "Server %s ready\n", id)

	go forwardInput(ctx, pty, inPipe)
	go controlLoop(ctx, pty, ctrlPipe)

	relay(ctx, io.MultiWriter(sinks...), pty)

	status := waitExitStatus(cmd)
	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte(strconv.Itoa(status)), 0o600); err != nil {
		log.G(ctx).WithError(err).Warn("server: failed to record exit status")
	}
	log.G(ctx).WithField("status", status).Debug("server: child exited")

	// A short-lived child may exit before the client finishes opening its
	// reader pipes; block on the client-starting lock so teardown never
	// races attachment.
	if clientLock, err := os.OpenFile(filepath.Join(dir, clientLockFile), os.O_RDONLY, 0); err == nil {
		if err := unix.Flock(int(clientLock.Fd()), unix.LOCK_SH); err == nil {
			unix.Flock(int(clientLock.Fd()), unix.LOCK_UN)
		}
		clientLock.Close()
	}
	return nil
}

func readHandshakeLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// relay copies pty output into the sinks until the child exits. The pty
// master returns EIO once the last slave descriptor is gone; that is the
// normal end of stream, not a failure.
func relay(ctx context.Context, w io.Writer, pty console.Console) {
	buf := iobuf.Get()
	defer iobuf.Put(buf)
	if _, err := io.CopyBuffer(w, pty, *buf); err != nil && !isEIO(err) {
		log.G(ctx).WithError(err).Warn("server: output relay failed")
	}
}

func forwardInput(ctx context.Context, pty console.Console, in io.Reader) {
	buf := iobuf.Get()
	defer iobuf.Put(buf)
	if _, err := io.CopyBuffer(pty, in, *buf); err != nil && !isEIO(err) {
		log.G(ctx).WithError(err).Debug("server: input forward stopped")
	}
}

// controlLoop interprets control pipe lines. The only operation today is
// "winsize <rows> <cols>".
func controlLoop(ctx context.Context, pty console.Console, ctrl io.Reader) {
	scanner := bufio.NewScanner(ctrl)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 || fields[0] != "winsize" {
			log.G(ctx).WithField("line", scanner.Text()).Debug("server: unknown control command")
			continue
		}
		rows, err1 := strconv.ParseUint(fields[1], 10, 16)
		cols, err2 := strconv.ParseUint(fields[2], 10, 16)
		if err1 != nil || err2 != nil {
			log.G(ctx).WithField("line", scanner.Text()).Debug("server: bad winsize arguments")
			continue
		}
		if err := pty.Resize(console.WinSize{Height: uint16(rows), Width: uint16(cols)}); err != nil {
			log.G(ctx).WithError(err).Debug("server: resize failed")
		}
	}
}

func waitExitStatus(cmd *exec.Cmd) int {
	_ = cmd.Wait()
	ps := cmd.ProcessState
	if ps == nil {
		return -1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return ps.ExitCode()
}

func isEIO(err error) bool {
	return errors.Is(err, unix.EIO)
}
