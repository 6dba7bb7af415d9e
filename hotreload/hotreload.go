// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package hotreload wires the watcher, the dispatcher and the reloadable
// asset kinds together. A Manager is created once per process, the
// renderer asks it for resources and uses them every frame; edits on disk
// show up on the next use.
package hotreload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	"github.com/thejerf/suture/v4"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/dispatch"
	"github.com/devblok/koru/reload"
	"github.com/devblok/koru/scene"
	"github.com/devblok/koru/shader"
	"github.com/devblok/koru/texture"
	"github.com/devblok/koru/watch"
)

// package errors
var (
	ErrClosed       = errors.New("hot reload manager is closed")
	ErrRootDisabled = errors.New("watch root is disabled")
)

// Options configures a Manager.
type Options struct {
	Logger log.FieldLogger

	// IncludeDirs are searched by shader includes.
	IncludeDirs []string

	// Uploader receives decoded textures, optional.
	Uploader texture.Uploader

	// RowPitch pads texture rows, see texture.Options.
	RowPitch int
}

type rootState struct {
	recursive bool
	err       error
}

type entry struct {
	handle       reload.Handle
	subscription *dispatch.Subscription
}

// Manager owns hot reloading for the process.
type Manager struct {
	cfg    core.HotReloadConfiguration
	opts   Options
	logger log.FieldLogger

	// nil when hot reloading is disabled
	watcher    *watch.Watcher
	dispatcher *dispatch.Dispatcher
	supervisor *suture.Supervisor

	roots     *xsync.MapOf[string, *rootState]
	resources *xsync.MapOf[uint64, *entry]
	nextID    atomic.Uint64

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   <-chan error
	closed bool
}

// New creates a Manager and registers the configured roots. Roots that
// fail to register are logged and left disabled, they do not fail New.
func New(cfg core.HotReloadConfiguration, opts Options) (*Manager, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	m := &Manager{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		roots:     xsync.NewMapOf[string, *rootState](),
		resources: xsync.NewMapOf[uint64, *entry](),
	}
	if !cfg.Enabled {
		logger.Info("Hot reload disabled")
		return m, nil
	}

	watcher, err := watch.New(watch.Options{
		Capacity: cfg.QueueCapacity,
		Ignore:   ignorePatterns(cfg),
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	m.watcher = watcher
	m.dispatcher = dispatch.New(watcher, dispatch.Options{
		Interval: cfg.PollInterval,
		Logger:   logger,
	})
	m.supervisor = suture.New("hotreload", suture.Spec{
		EventHook: func(e suture.Event) {
			logger.WithField("event", e.Type()).Debug(e.String())
		},
		PassThroughPanics: true,
	})
	m.supervisor.Add(m.dispatcher)

	for _, root := range cfg.Roots {
		// already logged, the root stays disabled
		_ = m.RegisterDirectory(root.Path, root.Recursive)
	}
	// shaders depend on includes found there
	for _, dir := range opts.IncludeDirs {
		_ = m.RegisterDirectory(dir, true)
	}
	return m, nil
}

// sidecars are written next to the assets and must not look like edits
func ignorePatterns(cfg core.HotReloadConfiguration) []string {
	sidecar := "*" + cfg.SidecarExtension
	patterns := append([]string(nil), cfg.Ignore...)
	for _, pattern := range patterns {
		if pattern == sidecar {
			return patterns
		}
	}
	return append(patterns, sidecar)
}

// Enabled reports whether files are watched at all.
func (m *Manager) Enabled() bool {
	return m.watcher != nil
}

// Dispatcher returns the dispatcher for additional subscribers,
// nil when hot reloading is disabled.
func (m *Manager) Dispatcher() *dispatch.Dispatcher {
	return m.dispatcher
}

// Start runs the dispatcher in the background until Close.
func (m *Manager) Start(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.supervisor == nil || m.cancel != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = m.supervisor.ServeBackground(ctx)
	return nil
}

// RegisterDirectory starts watching path. A directory that cannot be
// watched is logged once and disabled, registering it again returns the
// original error without retrying.
func (m *Manager) RegisterDirectory(path string, recursive bool) error {
	if m.isClosed() {
		return ErrClosed
	}
	if m.watcher == nil {
		return nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	state, loaded := m.roots.LoadOrCompute(abs, func() *rootState {
		state := &rootState{recursive: recursive}
		if err := m.watcher.AddRoot(abs, recursive); err != nil {
			state.err = err
			m.logger.WithFields(log.Fields{
				"root":  abs,
				"error": err,
			}).Error("Cannot watch directory, hot reload is disabled for it")
			metricRootsDisabled.Inc()
		}
		return state
	})
	if state.err != nil {
		if loaded {
			return fmt.Errorf("%w: %s: %v", ErrRootDisabled, abs, state.err)
		}
		return state.err
	}
	if !loaded {
		// files of existing resources may live under the new root
		m.resources.Range(func(_ uint64, e *entry) bool {
			e.handle.Rescope()
			return true
		})
	}
	return nil
}

// RootFor returns the registered root a resource at path listens to,
// the deepest one when roots are nested. Empty if none contains path.
func (m *Manager) RootFor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}

	var best string
	m.roots.Range(func(root string, state *rootState) bool {
		if state.err != nil || len(root) <= len(best) {
			return true
		}
		if contains(root, abs, state.recursive) {
			best = root
		}
		return true
	})
	return best
}

// RootsFor returns every enabled root whose notifications cover path,
// nested roots included.
func (m *Manager) RootsFor(path string) []string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil
	}

	var roots []string
	m.roots.Range(func(root string, state *rootState) bool {
		if state.err == nil && contains(root, abs, state.recursive) {
			roots = append(roots, root)
		}
		return true
	})
	return roots
}

func contains(root, path string, recursive bool) bool {
	if !recursive {
		return filepath.Dir(path) == root
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Shader creates and loads a shader. When the first load fails the shader
// is returned together with the error, it loads once the files are fixed.
func (m *Manager) Shader(path string, compiler shader.Compiler) (*shader.Shader, error) {
	abs, err := m.prepare(path)
	if err != nil {
		return nil, err
	}
	s := shader.New(abs, m.RootFor(abs), compiler, shader.Options{
		Logger:           m.logger,
		SidecarExtension: m.cfg.SidecarExtension,
		IncludeDirs:      m.opts.IncludeDirs,
		Roots:            m.RootsFor,
	})
	return s, m.track(s, s.Load)
}

// Texture creates and loads a texture, see Shader for failed loads.
func (m *Manager) Texture(path string) (*texture.Texture, error) {
	abs, err := m.prepare(path)
	if err != nil {
		return nil, err
	}
	t := texture.New(abs, m.RootFor(abs), texture.Options{
		Logger:           m.logger,
		SidecarExtension: m.cfg.SidecarExtension,
		Uploader:         m.opts.Uploader,
		RowPitch:         m.opts.RowPitch,
		Roots:            m.RootsFor,
	})
	return t, m.track(t, t.Load)
}

// Scene creates and loads a scene, see Shader for failed loads.
func (m *Manager) Scene(path string) (*scene.Scene, error) {
	abs, err := m.prepare(path)
	if err != nil {
		return nil, err
	}
	s := scene.New(abs, m.RootFor(abs), scene.Options{
		Logger:           m.logger,
		SidecarExtension: m.cfg.SidecarExtension,
		Roots:            m.RootsFor,
	})
	return s, m.track(s, s.Load)
}

func (m *Manager) prepare(path string) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}
	return filepath.Abs(path)
}

// track subscribes h before its first load, so an edit made while
// loading is not lost.
func (m *Manager) track(h reload.Handle, load func() error) error {
	e := &entry{handle: h}
	if m.dispatcher != nil {
		e.subscription = m.dispatcher.Subscribe(h.OnChange)
	}
	if len(h.Roots()) == 0 && m.watcher != nil {
		m.logger.WithFields(log.Fields{
			"kind":     h.Kind(),
			"resource": h.Path(),
		}).Warn("Resource is outside every watched directory and will not reload")
	}
	m.resources.Store(m.nextID.Add(1), e)
	metricResources.Inc()
	return load()
}

// Release stops reloading h and frees it.
func (m *Manager) Release(h reload.Handle) {
	var found *entry
	m.resources.Range(func(id uint64, e *entry) bool {
		if e.handle == h {
			found = e
			m.resources.Delete(id)
			return false
		}
		return true
	})
	if found == nil {
		return
	}
	m.release(found)
}

func (m *Manager) release(e *entry) {
	if m.dispatcher != nil {
		m.dispatcher.Unsubscribe(e.subscription)
	}
	e.handle.Close()
	metricResources.Dec()
}

// Resources returns every live resource ordered by path.
func (m *Manager) Resources() []reload.Handle {
	var handles []reload.Handle
	m.resources.Range(func(_ uint64, e *entry) bool {
		handles = append(handles, e.handle)
		return true
	})
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].Path() < handles[j].Path()
	})
	return handles
}

// Roots returns the registered roots, disabled ones included.
func (m *Manager) Roots() []core.RootConfiguration {
	var roots []core.RootConfiguration
	m.roots.Range(func(path string, state *rootState) bool {
		roots = append(roots, core.RootConfiguration{Path: path, Recursive: state.recursive})
		return true
	})
	sort.Slice(roots, func(i, j int) bool {
		return roots[i].Path < roots[j].Path
	})
	return roots
}

func (m *Manager) isClosed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.closed
}

// Close stops the dispatcher, waits for it to return, stops watching and
// releases every resource.
func (m *Manager) Close() error {
	m.mutex.Lock()
	if m.closed {
		m.mutex.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mutex.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	var err error
	if m.watcher != nil {
		err = m.watcher.Close()
	}

	m.resources.Range(func(id uint64, e *entry) bool {
		m.resources.Delete(id)
		m.release(e)
		return true
	})
	return err
}
