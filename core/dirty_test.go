// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/devblok/koru/core"
)

func TestDirtyConsume(t *testing.T) {
	var d core.Dirty
	if d.Marked() {
		t.Fatal("zero value must be clean")
	}

	d.Mark()
	d.Mark()
	if !d.Consume() {
		t.Fatal("marked flag was not consumed")
	}
	if d.Consume() {
		t.Fatal("flag consumed twice")
	}
}

func TestDirtyApplyOnce(t *testing.T) {
	var (
		d        core.Dirty
		mu       sync.Mutex
		rebuilds int32
		wg       sync.WaitGroup
	)

	d.Mark()
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Apply(&mu, func() {
				atomic.AddInt32(&rebuilds, 1)
			})
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&rebuilds); n != 1 {
		t.Fatalf("expected exactly one rebuild, got %d", n)
	}
}

func TestDirtyMarkDuringApply(t *testing.T) {
	var (
		d  core.Dirty
		mu sync.Mutex
	)

	d.Mark()
	d.Apply(&mu, func() {
		d.Mark()
	})
	if !d.Marked() {
		t.Fatal("mark issued during rebuild was lost")
	}
}
