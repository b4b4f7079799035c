package session

import (
	"context"
	"slices"
	"sync"
)

// Group coordinates cooperative shutdown of background tail workers. Every
// worker is handed the group's cancellation token at creation time and
// checks it once per poll cycle; Shutdown closes the token and waits for
// the workers it was given. Sessions that are not assigned an explicit
// group share the process-wide default group, which is what interpreter
// exit hooks use to stop all outstanding relays at once.
type Group struct {
	mu      sync.Mutex
	quit    chan struct{}
	once    sync.Once
	workers []<-chan struct{}
}

// NewGroup returns an empty worker group.
func NewGroup() *Group {
	return &Group{quit: make(chan struct{})}
}

var defaultGroup = NewGroup()

// DefaultGroup returns the process-wide worker group.
func DefaultGroup() *Group { return defaultGroup }

// token returns the cancellation channel workers select on.
func (g *Group) token() <-chan struct{} { return g.quit }

// track registers a worker's done channel so Shutdown can join it.
func (g *Group) track(done <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, done)
}

// cancelled reports whether Shutdown has already been called.
func (g *Group) cancelled() bool {
	select {
	case <-g.quit:
		return true
	default:
		return false
	}
}

// Shutdown signals every tracked worker to stop and waits for each to
// exit, bounded by ctx. Workers observe the signal at their next poll
// cycle; this is cooperative, not preemptive.
func (g *Group) Shutdown(ctx context.Context) error {
	g.once.Do(func() { close(g.quit) })

	g.mu.Lock()
	workers := slices.Clone(g.workers)
	g.mu.Unlock()

	for _, done := range workers {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ShutdownAll stops the tail workers of every session using the default
// group. Intended for ordered teardown of many sessions at process exit.
func ShutdownAll(ctx context.Context) error {
	return defaultGroup.Shutdown(ctx)
}
