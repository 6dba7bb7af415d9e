// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package dep records which files an asset was built from and decides
// whether the built result is out of date. The record is persisted next
// to the asset in a small lz4 compressed sidecar file, so staleness can be
// answered across restarts without rebuilding first.
package dep

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultExtension is appended to the asset path to name its sidecar.
const DefaultExtension = ".kdep"

// Set is the persisted dependency record of one asset.
type Set struct {
	Primary      string
	Dependencies []string
	LastLoad     time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithExtension overrides DefaultExtension.
func WithExtension(ext string) Option {
	return func(t *Tracker) {
		if ext != "" {
			t.extension = ext
		}
	}
}

// WithLogger sets the logger used for sidecar errors.
func WithLogger(logger log.FieldLogger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a tracker for primary. It does not touch the disk.
func New(primary string, opts ...Option) *Tracker {
	t := &Tracker{
		primary:   primary,
		extension: DefaultExtension,
		logger:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Tracker owns the dependency set of a single asset.
type Tracker struct {
	primary   string
	extension string
	logger    log.FieldLogger

	mutex        sync.RWMutex
	dependencies []string
	lastLoad     time.Time
	attempt      time.Time

	invalidated atomic.Bool
}

// SidecarPath returns where the sidecar of the asset lives.
func (t *Tracker) SidecarPath() string {
	return t.primary + t.extension
}

// Primary returns the tracked asset path.
func (t *Tracker) Primary() string {
	return t.primary
}

// Load replaces the in-memory set with the persisted one. It returns false,
// leaving the tracker untouched, when there is no usable sidecar.
func (t *Tracker) Load() bool {
	set, err := ReadSidecar(t.SidecarPath())
	if err == nil && set.Primary != t.primary {
		err = ErrPrimaryMismatch
	}
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			t.logger.WithFields(log.Fields{
				"path":  t.SidecarPath(),
				"error": err,
			}).Warn("Ignoring unusable dependency sidecar")
		}
		return false
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.dependencies = set.Dependencies
	t.lastLoad = set.LastLoad
	return true
}

// Save writes the current set to the sidecar.
func (t *Tracker) Save() error {
	return writeSidecar(t.SidecarPath(), t.Set())
}

// Set returns a copy of the current record.
func (t *Tracker) Set() Set {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return Set{
		Primary:      t.primary,
		Dependencies: append([]string(nil), t.dependencies...),
		LastLoad:     t.lastLoad,
	}
}

// Dependencies returns a copy of the dependency paths, primary excluded.
func (t *Tracker) Dependencies() []string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return append([]string(nil), t.dependencies...)
}

// LastLoadTime returns when the last load attempt started.
func (t *Tracker) LastLoadTime() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.lastLoad
}

// SetLastLoadTime stamps the record and clears Invalidate.
func (t *Tracker) SetLastLoadTime(at time.Time) {
	t.stamp(at)
	t.invalidated.Store(false)
}

func (t *Tracker) stamp(at time.Time) {
	t.mutex.Lock()
	t.lastLoad = at
	t.mutex.Unlock()
}

// Touch stamps the record with the current time.
func (t *Tracker) Touch() {
	t.SetLastLoadTime(time.Now())
}

// Invalidate forces IsStale to report true until the next load attempt
// starts.
func (t *Tracker) Invalidate() {
	t.invalidated.Store(true)
}

// IsStale reports whether the primary or any dependency changed after the
// last load, or no longer exists.
func (t *Tracker) IsStale() bool {
	if t.invalidated.Load() {
		return true
	}

	t.mutex.RLock()
	lastLoad := t.lastLoad
	dependencies := t.dependencies
	t.mutex.RUnlock()

	if modifiedAfter(t.primary, lastLoad) {
		return true
	}
	for _, path := range dependencies {
		if modifiedAfter(path, lastLoad) {
			return true
		}
	}
	return false
}

func modifiedAfter(path string, at time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	return info.ModTime().After(at)
}

// OnBeforeLoad captures the start of a load attempt. Anything modified
// after this instant makes the result stale. The attempt consumes
// Invalidate, an Invalidate arriving while it runs survives it.
func (t *Tracker) OnBeforeLoad() {
	t.invalidated.Store(false)
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.attempt = time.Now()
}

// OnLoadSucceeded stamps the attempt, records dependencies and persists them.
func (t *Tracker) OnLoadSucceeded(dependencies []string) {
	t.mutex.Lock()
	t.dependencies = append([]string(nil), dependencies...)
	t.mutex.Unlock()

	t.stamp(t.attemptTime())
	if err := t.Save(); err != nil {
		t.logger.WithFields(log.Fields{
			"path":  t.SidecarPath(),
			"error": err,
		}).Warn("Failed to save dependency sidecar")
	}
}

// OnLoadFailed stamps the attempt and adds the dependencies the failed
// load got to, so fixing any of them triggers the next attempt. Nothing is
// persisted, the sidecar keeps describing the last successful load.
func (t *Tracker) OnLoadFailed(dependencies []string) {
	t.mutex.Lock()
	known := make(map[string]bool, len(t.dependencies))
	for _, path := range t.dependencies {
		known[path] = true
	}
	merged := append([]string(nil), t.dependencies...)
	for _, path := range dependencies {
		if !known[path] {
			known[path] = true
			merged = append(merged, path)
		}
	}
	t.dependencies = merged
	t.mutex.Unlock()

	t.stamp(t.attemptTime())
}

func (t *Tracker) attemptTime() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	if t.attempt.IsZero() {
		return time.Now()
	}
	return t.attempt
}
