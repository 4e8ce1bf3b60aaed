// Package router resolves step targets to live environment connections.
//
// Every environment crossing goes through the Router. A step's
// EnvironmentRef is resolved relative to the environment the run was invoked
// for:
//   - self: the invoking environment
//   - a named id: that configured environment
//   - companion:<alias>: the invoking environment's companion, whose named
//     accounts and deployment namespace are distinct from its own
//
// Connections are dialed lazily on first resolution and cached for the life
// of the Router. Concurrent first resolutions of the same environment share
// one dial. Close tears every cached connection down.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/chainstep/internal/chain"
	"github.com/roach88/chainstep/internal/step"
)

// Environment is the routing view of one configured environment.
type Environment struct {
	ID string
	// Companions maps alias to environment id.
	Companions map[string]string
}

// DialFunc opens a connection to the environment with the given id.
type DialFunc func(ctx context.Context, id string) (*chain.Connection, error)

// UnknownEnvironmentError is returned when a reference does not name a
// configured environment or companion alias.
type UnknownEnvironmentError struct {
	Ref  string
	From string
}

func (e *UnknownEnvironmentError) Error() string {
	if e.From != "" {
		return fmt.Sprintf("unknown environment %q (resolved from %q)", e.Ref, e.From)
	}
	return fmt.Sprintf("unknown environment %q", e.Ref)
}

// IsUnknownEnvironment reports whether err is an UnknownEnvironmentError.
func IsUnknownEnvironment(err error) bool {
	var ue *UnknownEnvironmentError
	return errors.As(err, &ue)
}

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("router closed")

// Router resolves EnvironmentRefs and caches connections.
type Router struct {
	envs map[string]Environment
	dial DialFunc

	mu     sync.RWMutex
	conns  map[string]*chain.Connection
	closed bool
	group  singleflight.Group
}

// New creates a Router over the given environments.
func New(envs []Environment, dial DialFunc) *Router {
	m := make(map[string]Environment, len(envs))
	for _, env := range envs {
		m[env.ID] = env
	}
	return &Router{
		envs:  m,
		dial:  dial,
		conns: make(map[string]*chain.Connection),
	}
}

// EnvironmentID resolves ref relative to from without dialing.
func (r *Router) EnvironmentID(from string, ref step.EnvironmentRef) (string, error) {
	origin, ok := r.envs[from]
	if !ok {
		return "", &UnknownEnvironmentError{Ref: from}
	}

	switch ref.Kind {
	case step.EnvSelf:
		return origin.ID, nil
	case step.EnvNamed:
		if _, ok := r.envs[ref.Name]; !ok {
			return "", &UnknownEnvironmentError{Ref: ref.Name, From: from}
		}
		return ref.Name, nil
	case step.EnvCompanion:
		id, ok := origin.Companions[ref.Name]
		if !ok {
			return "", &UnknownEnvironmentError{Ref: ref.String(), From: from}
		}
		if _, ok := r.envs[id]; !ok {
			return "", &UnknownEnvironmentError{Ref: id, From: from}
		}
		return id, nil
	default:
		return "", fmt.Errorf("unsupported environment reference kind %d", ref.Kind)
	}
}

// Validate resolves every step's target up front so a bad reference fails
// the run before anything executes.
func (r *Router) Validate(from string, steps []step.Step) error {
	for _, s := range steps {
		if _, err := r.EnvironmentID(from, s.Target); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
	}
	return nil
}

// Resolve returns the connection for ref, dialing on first use.
func (r *Router) Resolve(ctx context.Context, from string, ref step.EnvironmentRef) (*chain.Connection, error) {
	id, err := r.EnvironmentID(from, ref)
	if err != nil {
		return nil, err
	}
	return r.connect(ctx, id)
}

func (r *Router) connect(ctx context.Context, id string) (*chain.Connection, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ErrClosed
	}
	if conn, ok := r.conns[id]; ok {
		r.mu.RUnlock()
		return conn, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(id, func() (any, error) {
		r.mu.RLock()
		conn, ok := r.conns[id]
		r.mu.RUnlock()
		if ok {
			return conn, nil
		}

		conn, err := r.dial(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dial environment %q: %w", id, err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			_ = conn.Close()
			return nil, ErrClosed
		}
		r.conns[id] = conn
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chain.Connection), nil
}

// Connected returns the ids of environments with a cached connection, sorted.
func (r *Router) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every cached connection. Further Resolve calls fail.
func (r *Router) Close() error {
	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]*chain.Connection)
	r.mu.Unlock()

	var g errgroup.Group
	for id, conn := range conns {
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				return fmt.Errorf("close %q: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}
