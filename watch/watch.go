// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package watch monitors asset directories for changes. Every registered
// root has its own goroutine waiting on the OS notification facility,
// which puts raw change records on a bounded queue. Poll drains those
// queues without ever blocking the caller.
//
// When a queue overflows, pending records of that root are discarded and
// a single overflow record is reported in their place, so the consumer
// must assume everything under the root has changed.
package watch

import (
	"errors"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// package errors
var (
	ErrClosed       = errors.New("watcher is closed")
	ErrNotDirectory = errors.New("watch root is not a directory")
	ErrWatchLimit   = errors.New("reached the limit of watches, increase inotify limits")
)

// Root is a registered directory.
type Root struct {
	Path      string
	Recursive bool
}

// Record is one raw change record produced by the OS layer.
// Op is left undecoded, except that Overflow records carry no Op
// and their Path is the root itself.
type Record struct {
	Op       fsnotify.Op
	Path     string
	Root     string
	Overflow bool
}

func (r Record) String() string {
	if r.Overflow {
		return fmt.Sprintf("overflow %s", r.Root)
	}
	return fmt.Sprintf("%s %s", r.Op, r.Path)
}

// SetupError is returned when the OS facility cannot watch a root.
type SetupError struct {
	Root string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("watch %s: %s", e.Root, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
