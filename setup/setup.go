// Package setup orchestrates reversible test-environment preparation.
// Setupers run in registration order before a test; cleanup runs in strict
// reverse order afterward and never aborts partway, collecting errors
// instead of propagating them. A setuper whose Setup fails is excluded
// from cleanup unless it opts in via CleanupOnFailure.
package setup

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/log"
)

// Setuper is one reversible environment mutation. Setup must return an
// error on failure and may record internal state needed by Cleanup.
// Cleanup reverses the mutation and should be a no-op when the mutation
// was never applied.
type Setuper interface {
	Setup(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// CleanupOnFailure is optionally implemented by setupers that want
// Cleanup to run even when their own Setup failed, e.g. because a partial
// mutation may have been applied before the failure.
type CleanupOnFailure interface {
	CleanupOnSetupFailure() bool
}

// Params is the string-keyed test configuration mapping.
type Params map[string]string

// Get returns the value for key, or def when the key is absent.
func (p Params) Get(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Env is the mutable mapping of live test objects (e.g. running VM
// handles) shared between setupers and the test body.
type Env map[string]any

// Factory builds one setuper from the test context. The test value is
// opaque to the orchestration core; concrete setupers know what failure
// signals it supports.
type Factory func(test any, params Params, env Env) Setuper

// ErrNotInitialized is returned by Register before Initialize was called.
var ErrNotInitialized = errors.New("setup manager not initialized")

// ErrInvalidSetuper is returned when a factory is nil or produces nil.
var ErrInvalidSetuper = errors.New("invalid setuper")

// Manager holds the ordered list of setupers for one test run. Insertion
// order is setup order; cleanup order is the exact reverse. A Manager is
// for single-threaded use.
type Manager struct {
	test        any
	params      Params
	env         Env
	setupers    []Setuper
	initialized bool
}

// Initialize binds the manager to one test run. It must be called before
// Register.
func (m *Manager) Initialize(test any, params Params, env Env) {
	m.test = test
	m.params = params
	m.env = env
	m.setupers = nil
	m.initialized = true
}

// Register instantiates a setuper through its factory and appends it to
// the setup sequence.
func (m *Manager) Register(factory Factory) error {
	if !m.initialized {
		return ErrNotInitialized
	}
	if factory == nil {
		return fmt.Errorf("nil factory: %w", ErrInvalidSetuper)
	}
	s := factory(m.test, m.params, m.env)
	if s == nil {
		return fmt.Errorf("factory returned nil: %w", ErrInvalidSetuper)
	}
	m.setupers = append(m.setupers, s)
	return nil
}

// Setup runs every registered setuper in registration order, aborting on
// the first failure. After a failure the internal list is truncated to
// the setupers that actually ran, so a later Cleanup unwinds exactly
// those; the failing setuper itself is kept only when it opts in via
// CleanupOnFailure.
func (m *Manager) Setup(ctx context.Context) error {
	for i, s := range m.setupers {
		if err := s.Setup(ctx); err != nil {
			keep := i
			if c, ok := s.(CleanupOnFailure); ok && c.CleanupOnSetupFailure() {
				keep = i + 1
			}
			m.setupers = m.setupers[:keep]
			return fmt.Errorf("setup step %d failed: %w", i, err)
		}
	}
	return nil
}

// Cleanup pops and cleans up setupers in strict reverse setup order. Every
// remaining setuper's Cleanup runs even when earlier ones fail; failures
// are logged and returned, never propagated. An empty result means full
// success.
func (m *Manager) Cleanup(ctx context.Context) []error {
	var errs []error
	for len(m.setupers) > 0 {
		last := len(m.setupers) - 1
		s := m.setupers[last]
		m.setupers = m.setupers[:last]
		if err := cleanupOne(ctx, s); err != nil {
			log.G(ctx).WithError(err).Warnf("setup: cleanup of %T failed", s)
			errs = append(errs, fmt.Errorf("cleanup of %T failed: %w", s, err))
		}
	}
	return errs
}

// cleanupOne shields the unwind loop from panicking setupers; a panic in
// one cleanup must not rob the remaining setupers of theirs.
func cleanupOne(ctx context.Context, s Setuper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.Cleanup(ctx)
}
