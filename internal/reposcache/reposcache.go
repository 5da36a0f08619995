// Package reposcache implements the reference-counted Repository cache
// described in spec.md §4.D: at most one *repository.Repository exists
// per discovered repo root, concurrent discoveries for the same
// not-yet-known root collapse onto a single winner, and a caller that
// drops its reference before discovery resolves prevents the
// Repository from ever being published.
package reposcache

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"github.com/islserver/server/internal/repository"
)

// ErrDisposed is returned by Wait when the Reference was Unref'd before
// discovery resolved — spec.md §8 property 6's "no Repository is added
// to the cache" paired with a promise that still resolves rather than
// hanging forever.
var ErrDisposed = errors.New("reposcache: reference disposed before resolution")

type entry struct {
	repo     *repository.Repository
	refCount int
	disposed bool
}

// Cache maps a discovered repo root to its live Repository.
type Cache struct {
	mu     sync.Mutex
	byRoot map[string]*entry
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{byRoot: make(map[string]*entry)}
}

// Reference is the handle returned by GetOrCreate. Discovery may still
// be in flight when GetOrCreate returns; call Wait to block for the
// resolved Repository, and Unref exactly once when done with it —
// Unref is safe to call before Wait ever completes.
type Reference struct {
	cache *Cache

	mu       sync.Mutex
	ready    chan struct{}
	root     string
	err      error
	resolved bool
	unreffed bool
}

// Wait blocks until discovery resolves (or ctx is cancelled) and
// returns the shared Repository.
func (r *Reference) Wait(ctx context.Context) (*repository.Repository, error) {
	select {
	case <-r.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.cache.repoAt(r.root), nil
}

// Unref releases this reference. If discovery hasn't resolved yet, it
// marks the reference for pre-dispose cancellation instead: the
// in-flight goroutine will see the flag and tear down without ever
// leaving the Repository registered in the cache.
func (r *Reference) Unref() {
	r.mu.Lock()
	if r.unreffed {
		r.mu.Unlock()
		return
	}
	r.unreffed = true
	resolved, root, hadErr := r.resolved, r.root, r.err != nil
	r.mu.Unlock()

	if resolved && !hadErr && root != "" {
		r.cache.unref(root)
	}
}

// GetOrCreate resolves the repo containing cwd, sharing an existing
// Repository when one is already known (invariant 1) or racing
// concurrent first-time discoveries down to a single winner
// (invariant 2). The returned Reference must eventually be Unref'd.
func (c *Cache) GetOrCreate(ctx context.Context, cwd, command string, concurrency int) *Reference {
	if root, ok := c.refExisting(cwd); ok {
		ref := &Reference{cache: c, ready: make(chan struct{}), root: root, resolved: true}
		close(ref.ready)
		return ref
	}

	ref := &Reference{cache: c, ready: make(chan struct{})}
	go c.resolve(ctx, ref, cwd, command, concurrency)
	return ref
}

func (c *Cache) resolve(ctx context.Context, ref *Reference, cwd, command string, concurrency int) {
	probe := repository.New(command, cwd, concurrency)
	info, err := probe.GetRepoInfo(ctx)

	ref.mu.Lock()
	if ref.unreffed {
		ref.err = ErrDisposed
		ref.resolved = true
		ref.mu.Unlock()
		close(ref.ready)
		return
	}
	if err != nil {
		ref.err = err
		ref.resolved = true
		ref.mu.Unlock()
		close(ref.ready)
		return
	}
	ref.mu.Unlock()

	// Double-check: another goroutine may have won discovery for the
	// same root while ours was still running (invariant 2).
	if root, ok := c.refExisting(info.Root); ok {
		c.publish(ref, root)
		return
	}

	probe.Dir = info.Root
	c.mu.Lock()
	if again, ok := c.byRoot[info.Root]; ok && !again.disposed {
		again.refCount++
		c.mu.Unlock()
		c.publish(ref, info.Root)
		return
	}
	c.byRoot[info.Root] = &entry{repo: probe, refCount: 1}
	c.mu.Unlock()

	c.publish(ref, info.Root)
}

// publish commits root onto ref, re-checking for a late Unref so a
// caller that dropped out mid-discovery never ends up holding — or
// leaving registered — a Repository it already abandoned.
func (c *Cache) publish(ref *Reference, root string) {
	ref.mu.Lock()
	if ref.unreffed {
		ref.err = ErrDisposed
		ref.resolved = true
		ref.mu.Unlock()
		c.unref(root)
		close(ref.ready)
		return
	}
	ref.root = root
	ref.resolved = true
	ref.mu.Unlock()
	close(ref.ready)
}

// refExisting performs the longest-prefix match required for submodule
// semantics (invariant 5) and, on a hit, increments the ref count
// atomically with the lookup.
func (c *Cache) refExisting(path string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestRoot string
	var best *entry
	for root, e := range c.byRoot {
		if e.disposed {
			continue
		}
		if root == path || strings.HasPrefix(path, root+string(filepath.Separator)) {
			if len(root) > len(bestRoot) {
				bestRoot = root
				best = e
			}
		}
	}
	if best == nil {
		return "", false
	}
	best.refCount++
	return bestRoot, true
}

func (c *Cache) repoAt(root string) *repository.Repository {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byRoot[root]
	if !ok {
		return nil
	}
	return e.repo
}

// unref decrements root's count, disposing and evicting at zero
// (invariants 3-4: a disposed entry is not reusable — a later
// GetOrCreate rediscovers and creates a fresh Repository).
func (c *Cache) unref(root string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byRoot[root]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		e.disposed = true
		delete(c.byRoot, root)
	}
}

// Len reports the number of live (non-disposed) entries. Exposed for
// tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byRoot)
}
