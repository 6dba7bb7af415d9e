// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package reload keeps a compiled asset in sync with its files on disk.
//
// A Resource is marked stale from the dispatcher goroutine and rebuilt
// lazily by whichever goroutine uses it next, so the notification side
// never blocks and never compiles. A failed rebuild keeps the last good
// version in use.
package reload

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/dep"
	"github.com/devblok/koru/dispatch"
)

// package errors
var (
	ErrNotLoaded = errors.New("resource has never loaded successfully")
	ErrClosed    = errors.New("resource is closed")
)

// Loader builds the compiled state of one asset kind.
type Loader[T any] interface {

	// Load builds the state from path and returns it together with every
	// other file that was read to build it. On failure the files found
	// before the error are returned, so fixing them triggers a retry.
	Load(path string) (T, []string, error)

	// Release frees a state that is no longer in use.
	Release(T)
}

// Migrator is implemented by loaders that carry runtime state from the
// replaced version to its successor, it runs before next becomes visible.
type Migrator[T any] interface {
	Migrate(prev, next T)
}

// Handle is the kind independent view of a Resource.
type Handle interface {
	Kind() string
	Path() string
	Root() string
	Roots() []string
	Rescope()
	State() State
	IsStale() bool
	Dependencies() []string
	OnChange(dispatch.Notification)
	Refresh() (bool, error)
	Close()
}

// RootResolver returns every watch root whose notifications cover path.
type RootResolver func(path string) []string

// Options configures a Resource.
type Options struct {
	Logger           log.FieldLogger
	SidecarExtension string

	// Roots resolves the watch roots of the primary file and of every
	// dependency. When nil only notifications of root are followed.
	Roots RootResolver
}

// New creates an unloaded resource. Root is the watch root of the primary
// file, empty when it is not watched.
func New[T any](kind, path, root string, loader Loader[T], opts Options) *Resource[T] {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithFields(log.Fields{
		"kind":     kind,
		"resource": path,
	})

	resolve := opts.Roots
	if resolve == nil {
		resolve = func(string) []string {
			if root == "" {
				return nil
			}
			return []string{root}
		}
	}

	r := &Resource[T]{
		kind:    kind,
		path:    path,
		root:    root,
		loader:  loader,
		logger:  logger,
		resolve: resolve,
		tracker: dep.New(path,
			dep.WithExtension(opts.SidecarExtension),
			dep.WithLogger(logger),
		),
	}
	r.rescope()
	return r
}

// Resource is a reloadable compiled asset.
type Resource[T any] struct {
	kind    string
	path    string
	root    string
	loader  Loader[T]
	tracker *dep.Tracker
	logger  log.FieldLogger
	resolve RootResolver

	// scope holds the sorted roots covering every tracked file, it is
	// replaced after each load attempt and read by OnChange
	scope atomic.Pointer[[]string]

	stale core.Dirty
	state atomic.Int32

	// mutex serialises load attempts, rw guards value against readers
	mutex   sync.Mutex
	settled State
	lastErr error
	closed  bool

	rw     sync.RWMutex
	value  T
	loaded bool
}

// Kind returns the asset kind name.
func (r *Resource[T]) Kind() string {
	return r.kind
}

// Path returns the primary file.
func (r *Resource[T]) Path() string {
	return r.path
}

// Root returns the watch root of the primary file, empty when unwatched.
func (r *Resource[T]) Root() string {
	return r.root
}

// Roots returns every watch root the resource listens to.
func (r *Resource[T]) Roots() []string {
	return append([]string(nil), *r.scope.Load()...)
}

// Rescope resolves the watch roots again, after roots were added.
func (r *Resource[T]) Rescope() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.closed {
		r.rescope()
	}
}

// rescope publishes the roots covering every tracked file. Notifications
// from a newly covered root may have been dropped before, so the flag is
// set when the files already changed.
func (r *Resource[T]) rescope() {
	seen := make(map[string]bool)
	roots := []string{}
	for _, path := range append([]string{r.path}, r.tracker.Dependencies()...) {
		for _, root := range r.resolve(path) {
			if !seen[root] {
				seen[root] = true
				roots = append(roots, root)
			}
		}
	}
	sort.Strings(roots)

	prev := r.scope.Swap(&roots)
	if prev == nil {
		return
	}
	for _, root := range roots {
		if !covers(*prev, root) {
			if r.tracker.IsStale() {
				r.stale.Mark()
			}
			return
		}
	}
}

func (r *Resource[T]) listensTo(root string) bool {
	return covers(*r.scope.Load(), root)
}

func covers(scope []string, root string) bool {
	for _, candidate := range scope {
		if candidate == root {
			return true
		}
	}
	return false
}

// Tracker returns the dependency tracker of the resource.
func (r *Resource[T]) Tracker() *dep.Tracker {
	return r.tracker
}

// State reports the lifecycle state. It is advisory, a notification may
// land between the read and any decision based on it.
func (r *Resource[T]) State() State {
	return State(r.state.Load())
}

// IsStale reports whether the files changed since the last load attempt.
func (r *Resource[T]) IsStale() bool {
	return r.tracker.IsStale()
}

// Dependencies returns the files recorded by the last successful load and
// those a failed load got to since.
func (r *Resource[T]) Dependencies() []string {
	return r.tracker.Dependencies()
}

// Load performs the initial load. Calling it again forces a rebuild.
func (r *Resource[T]) Load() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.tracker.Load() {
		r.logger.Debug("Restored dependency sidecar")
	}
	_, err := r.attempt()
	return err
}

// OnChange marks the resource stale when n comes from a root covering any
// of its files. It is called on the dispatcher goroutine and does nothing
// beyond atomic loads and stores.
func (r *Resource[T]) OnChange(n dispatch.Notification) {
	if n.Root == "" || !r.listensTo(n.Root) {
		return
	}
	if n.Action == dispatch.Overflow {
		r.tracker.Invalidate()
	}
	r.stale.Mark()
	if !r.state.CompareAndSwap(int32(Loaded), int32(MarkedStale)) {
		r.state.CompareAndSwap(int32(Failed), int32(MarkedStale))
	}
}

// Refresh rebuilds the resource if it was marked and its files really
// changed. It reports whether a new version replaced the old one.
func (r *Resource[T]) Refresh() (bool, error) {
	var (
		replaced bool
		err      error
	)
	r.stale.Apply(&r.mutex, func() {
		if r.closed {
			err = ErrClosed
			return
		}
		if !r.tracker.IsStale() {
			r.state.Store(int32(r.settled))
			return
		}
		replaced, err = r.attempt()
	})
	return replaced, err
}

// Use refreshes the resource and calls fn with the current version.
// The version cannot be replaced while fn runs, so fn must not
// refresh or load this same resource. When the refresh fails fn still
// runs with the previous version and the reload error is returned,
// unless fn fails itself.
func (r *Resource[T]) Use(fn func(T) error) error {
	_, refreshErr := r.Refresh()
	if errors.Is(refreshErr, ErrClosed) {
		return refreshErr
	}

	r.rw.RLock()
	if r.loaded {
		defer r.rw.RUnlock()
		if err := fn(r.value); err != nil {
			return err
		}
		return refreshErr
	}
	r.rw.RUnlock()

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.lastErr != nil {
		return fmt.Errorf("%w: %v", ErrNotLoaded, r.lastErr)
	}
	return ErrNotLoaded
}

// Close releases the current version. Notifications arriving afterwards
// are ignored.
func (r *Resource[T]) Close() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.closed {
		return
	}
	r.closed = true

	r.rw.Lock()
	value, loaded := r.value, r.loaded
	var zero T
	r.value, r.loaded = zero, false
	r.rw.Unlock()

	if loaded {
		r.loader.Release(value)
	}
	r.state.Store(int32(Uninitialized))
}

// attempt runs one load and swaps the result in. Callers hold r.mutex.
func (r *Resource[T]) attempt() (bool, error) {
	r.state.Store(int32(Reloading))
	start := time.Now()
	r.tracker.OnBeforeLoad()
	next, dependencies, err := r.loader.Load(r.path)
	metricReloadSeconds.WithLabelValues(r.kind).Add(time.Since(start).Seconds())

	if err != nil {
		r.tracker.OnLoadFailed(dependencies)
		r.rescope()
		metricReloadAttempts.WithLabelValues(r.kind, "failure").Inc()
		r.lastErr = err
		r.settled = Failed
		r.state.Store(int32(Failed))

		entry := r.logger.WithField("error", err)
		if r.loaded {
			entry.Error("Reload failed, keeping the previous version")
		} else {
			entry.Error("Load failed")
		}
		return false, fmt.Errorf("loading %s %s: %w", r.kind, r.path, err)
	}

	// only writers touch value, and they all hold r.mutex
	prev, hadPrev := r.value, r.loaded
	if migrator, ok := r.loader.(Migrator[T]); ok && hadPrev {
		migrator.Migrate(prev, next)
	}

	r.rw.Lock()
	r.value, r.loaded = next, true
	r.rw.Unlock()

	if hadPrev {
		r.loader.Release(prev)
	}

	r.tracker.OnLoadSucceeded(dependencies)
	r.rescope()
	metricReloadAttempts.WithLabelValues(r.kind, "success").Inc()
	r.lastErr = nil
	r.settled = Loaded
	r.state.Store(int32(Loaded))

	r.logger.WithFields(log.Fields{
		"dependencies": len(dependencies),
		"took":         time.Since(start),
	}).Info("Loaded")
	return hadPrev, nil
}
