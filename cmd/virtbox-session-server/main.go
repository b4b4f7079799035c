// virtbox-session-server is the detached helper owning one interactive
// session: it reads the four handshake lines on stdin, runs the requested
// command on a pty and relays its I/O over the session's named pipes until
// the command exits. Clients spawn it once per session id and detach after
// the ready line; it is not meant to be run by hand.
package main

import (
	"context"
	"os"

	"github.com/containerd/log"

	"github.com/spin-stack/virtbox/paths"
	"github.com/spin-stack/virtbox/session"
)

func main() {
	if paths.DebugKeepFiles() {
		_ = log.SetLevel("debug")
	}

	ctx := context.Background()
	if err := session.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		log.G(ctx).WithError(err).Error("session server failed")
		os.Exit(1)
	}
}
