package session

import "context"

// RemoteSession is a ShellSession annotated with the connection metadata
// of the remote endpoint it drives (typically an ssh command line). The
// metadata changes no behavior; it lets callers reconstruct or report the
// connection without parsing the command back out.
type RemoteSession struct {
	*ShellSession

	Host     string
	Port     int
	Username string
	Password string
}

// NewRemote spawns a shell session for command, recording the remote
// endpoint it connects to.
func NewRemote(ctx context.Context, command, host string, port int, username, password string, opts ...Option) (*RemoteSession, error) {
	sh, err := NewShell(ctx, command, opts...)
	if err != nil {
		return nil, err
	}
	return &RemoteSession{
		ShellSession: sh,
		Host:         host,
		Port:         port,
		Username:     username,
		Password:     password,
	}, nil
}
