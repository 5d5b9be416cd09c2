// Package registry holds the process-wide active session link so unrelated
// parts of the client reach the same live connection.
//
// The registry only holds a pointer. Set never closes the instance it
// replaces and Clear never closes the instance it drops; callers own the
// coordinator's lifetime.
package registry

import (
	"errors"
	"sync"

	"github.com/prtfnx/ttrpg-system-sub008/internal/link"
)

// ErrNotInitialized is returned by Get when no coordinator is registered. It
// is distinct from link.ErrNotConnected, which a registered but offline
// coordinator reports.
var ErrNotInitialized = errors.New("registry: session link not initialized")

type Registry struct {
	mu sync.RWMutex
	c  *link.Coordinator
}

func New() *Registry { return &Registry{} }

// Set replaces the registered coordinator. A nil c clears the slot.
func (r *Registry) Set(c *link.Coordinator) {
	r.mu.Lock()
	r.c = c
	r.mu.Unlock()
}

func (r *Registry) Get() (*link.Coordinator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.c == nil {
		return nil, ErrNotInitialized
	}
	return r.c, nil
}

// MustGet is for call sites where a missing coordinator is a wiring bug.
func (r *Registry) MustGet() *link.Coordinator {
	c, err := r.Get()
	if err != nil {
		panic(err)
	}
	return c
}

func (r *Registry) Has() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.c != nil
}

func (r *Registry) Clear() {
	r.Set(nil)
}

var std = New()

// Default returns the process-wide registry behind the package functions.
func Default() *Registry { return std }

func Set(c *link.Coordinator) { std.Set(c) }
func Get() (*link.Coordinator, error) { return std.Get() }
func MustGet() *link.Coordinator { return std.MustGet() }
func Has() bool { return std.Has() }
func Clear() { std.Clear() }
