// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// DefaultCapacity is the number of pending records a root holds before it overflows.
const DefaultCapacity = 512

// Options configures a Watcher.
type Options struct {
	// Capacity bounds the queue of every root, DefaultCapacity when zero.
	Capacity int

	// Ignore lists glob patterns matched against file base names.
	// Matching files never produce records.
	Ignore []string

	Logger log.FieldLogger
}

// New creates a Watcher without any roots.
func New(opts Options) (*Watcher, error) {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	matchers := make([]glob.Glob, 0, len(opts.Ignore))
	for _, pattern := range opts.Ignore {
		matcher, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
		matchers = append(matchers, matcher)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Watcher{
		capacity: capacity,
		ignore:   matchers,
		logger:   logger,
		roots:    xsync.NewMapOf[string, *rootWatch](),
	}, nil
}

// Watcher monitors any number of roots, each with its own goroutine.
type Watcher struct {
	capacity int
	ignore   []glob.Glob
	logger   log.FieldLogger

	// roots allows lookups without taking mutex
	roots *xsync.MapOf[string, *rootWatch]

	mutex  sync.Mutex
	closed bool
	order  []*rootWatch
	next   int

	wg sync.WaitGroup
}

type rootWatch struct {
	root    Root
	backend *fsnotify.Watcher
	queue   *queue
	done    chan struct{}
}

// AddRoot starts watching path. Only the first call for a directory has
// an effect, later calls return nil without changing the registration.
// A *SetupError is returned when the directory cannot be watched, in which
// case nothing is left running for it.
func (w *Watcher) AddRoot(path string, recursive bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &SetupError{Root: path, Err: err}
	}

	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrClosed
	}
	if _, ok := w.roots.Load(abs); ok {
		return nil
	}

	rw, err := w.setup(Root{Path: abs, Recursive: recursive})
	if err != nil {
		return err
	}

	w.roots.Store(abs, rw)
	w.order = append(w.order, rw)
	metricRoots.Inc()

	w.wg.Add(1)
	go w.run(rw)

	w.logger.WithFields(log.Fields{
		"root":      abs,
		"recursive": recursive,
	}).Info("Watching directory")
	return nil
}

func (w *Watcher) setup(root Root) (*rootWatch, error) {
	info, err := os.Stat(root.Path)
	if err != nil {
		return nil, &SetupError{Root: root.Path, Err: err}
	}
	if !info.IsDir() {
		return nil, &SetupError{Root: root.Path, Err: ErrNotDirectory}
	}

	backend, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &SetupError{Root: root.Path, Err: classify(err)}
	}

	rw := &rootWatch{
		root:    root,
		backend: backend,
		queue:   newQueue(w.capacity),
		done:    make(chan struct{}),
	}

	if root.Recursive {
		err = w.addTree(rw, root.Path, nil)
	} else {
		err = backend.Add(root.Path)
	}
	if err != nil {
		backend.Close()
		return nil, &SetupError{Root: root.Path, Err: classify(err)}
	}
	return rw, nil
}

func classify(err error) error {
	if reachedMaxUserWatches(err) {
		return fmt.Errorf("%w: %s", ErrWatchLimit, err)
	}
	return err
}

// addTree watches dir and every directory below it. found is called for
// every regular file met on the way, so files created together with a new
// directory are not missed.
func (w *Watcher) addTree(rw *rootWatch, dir string, found func(string)) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Vanished while walking, its removal is reported anyway
			return nil
		}

		if !d.IsDir() {
			if found != nil && !w.ignored(path) {
				found(path)
			}
			return nil
		}

		if path != dir && w.ignored(path) {
			return filepath.SkipDir
		}
		return rw.backend.Add(path)
	})
}

func (w *Watcher) ignored(path string) bool {
	name := filepath.Base(path)
	for _, matcher := range w.ignore {
		if matcher.Match(name) {
			return true
		}
	}
	return false
}

func (w *Watcher) run(rw *rootWatch) {
	defer w.wg.Done()

	logger := w.logger.WithField("root", rw.root.Path)
	for {
		select {
		case <-rw.done:
			return
		case event, ok := <-rw.backend.Events:
			if !ok {
				return
			}
			w.handleEvent(rw, event)
		case err, ok := <-rw.backend.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("OS notification buffer overflowed, treating root as changed")
				rw.queue.overflow(rw.root.Path)
				continue
			}
			logger.WithError(err).Error("Watch error")
		}
	}
}

func (w *Watcher) handleEvent(rw *rootWatch, event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}

	if rw.root.Recursive && event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			err := w.addTree(rw, event.Name, func(path string) {
				rw.queue.push(Record{Op: fsnotify.Create, Path: path, Root: rw.root.Path})
			})
			if err != nil {
				w.logger.WithFields(log.Fields{
					"root": rw.root.Path,
					"path": event.Name,
				}).WithError(err).Warn("Failed to watch new directory")
			}
		}
	}

	rw.queue.push(Record{
		Op:   event.Op,
		Path: event.Name,
		Root: rw.root.Path,
	})
}

// Poll returns at most one pending record, without blocking. Roots are
// visited in turn so a busy root cannot starve the others.
func (w *Watcher) Poll() (Record, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	count := len(w.order)
	for idx := 0; idx < count; idx++ {
		rw := w.order[(w.next+idx)%count]
		if record, ok := rw.queue.pop(); ok {
			w.next = (w.next + idx + 1) % count
			return record, true
		}
	}
	return Record{}, false
}

// Pending returns the number of records waiting across all roots.
func (w *Watcher) Pending() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	var pending int
	for _, rw := range w.order {
		pending += rw.queue.len()
	}
	return pending
}

// Watching reports whether path is a registered root.
func (w *Watcher) Watching(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	_, ok := w.roots.Load(abs)
	return ok
}

// Roots returns the registered roots sorted by path.
func (w *Watcher) Roots() []Root {
	var roots []Root
	w.roots.Range(func(_ string, rw *rootWatch) bool {
		roots = append(roots, rw.root)
		return true
	})
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Path < roots[j].Path
	})
	return roots
}

// Close stops watching every root and waits for their goroutines to exit.
// Records already queued can still be polled.
func (w *Watcher) Close() error {
	w.mutex.Lock()
	if w.closed {
		w.mutex.Unlock()
		return nil
	}
	w.closed = true
	order := w.order
	w.mutex.Unlock()

	var firstErr error
	for _, rw := range order {
		close(rw.done)
		if err := rw.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.roots.Delete(rw.root.Path)
		metricRoots.Dec()
	}
	w.wg.Wait()
	return firstErr
}
