// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"sync"
	"sync/atomic"
)

// Dirty is a lazy rebuild request. Any goroutine may Mark it,
// the consumer rebuilds on its next use and clears it in the process.
// The zero value is clean and ready to use.
type Dirty struct {
	flag atomic.Bool
}

// Mark requests a rebuild. Safe to call from any goroutine, never blocks.
func (d *Dirty) Mark() {
	d.flag.Store(true)
}

// Marked reports whether a rebuild was requested and not yet consumed.
func (d *Dirty) Marked() bool {
	return d.flag.Load()
}

// Consume clears the request and reports whether it was set.
func (d *Dirty) Consume() bool {
	return d.flag.Swap(false)
}

// Apply runs rebuild if the flag is marked. Concurrent callers are
// serialised by mu, and only the one that consumes the request runs rebuild,
// the rest return false once they get the lock. The flag is cleared before
// rebuild runs, so a Mark that arrives during the rebuild is kept.
func (d *Dirty) Apply(mu sync.Locker, rebuild func()) bool {
	if !d.Marked() {
		return false
	}

	mu.Lock()
	defer mu.Unlock()
	if !d.Consume() {
		return false
	}
	rebuild()
	return true
}
