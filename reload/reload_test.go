// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package reload_test

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/koru/dispatch"
	"github.com/devblok/koru/reload"
)

var errBroken = errors.New("broken asset")

type program struct {
	source   string
	released atomic.Bool
	migrated bool
}

// textLoader reads the primary file and every file it names on lines
// starting with "use ".
type textLoader struct {
	loads    atomic.Int32
	releases atomic.Int32
}

func (l *textLoader) Load(path string) (*program, []string, error) {
	l.loads.Add(1)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	source := string(raw)
	if strings.Contains(source, "broken") {
		return nil, nil, errBroken
	}

	var dependencies []string
	for _, line := range strings.Split(source, "\n") {
		if name, ok := strings.CutPrefix(line, "use "); ok {
			dependencies = append(dependencies, filepath.Join(filepath.Dir(path), name))
		}
	}
	return &program{source: source}, dependencies, nil
}

func (l *textLoader) Release(p *program) {
	l.releases.Add(1)
	p.released.Store(true)
}

type migratingLoader struct {
	textLoader
}

func (l *migratingLoader) Migrate(prev, next *program) {
	next.migrated = prev != nil
}

type fixture struct {
	c      *qt.C
	root   string
	path   string
	loader *textLoader
	res    *reload.Resource[*program]
}

func newFixture(c *qt.C, contents string) *fixture {
	root := c.TempDir()
	path := filepath.Join(root, "a.frag")
	f := &fixture{
		c:      c,
		root:   root,
		path:   path,
		loader: &textLoader{},
	}
	f.write(path, contents)
	f.res = reload.New[*program]("text", path, root, f.loader, reload.Options{})
	c.Cleanup(f.res.Close)
	return f
}

func (f *fixture) write(path, contents string) {
	f.c.Helper()
	f.c.Assert(os.WriteFile(path, []byte(contents), 0644), qt.IsNil)
}

// change rewrites path with a modification time safely after the last
// load, then notifies the resource the way the dispatcher would.
func (f *fixture) change(path, contents string) {
	f.c.Helper()
	f.write(path, contents)
	at := f.res.Tracker().LastLoadTime().Add(2 * time.Second)
	f.c.Assert(os.Chtimes(path, at, at), qt.IsNil)
	f.notify(dispatch.Modified, path)
}

func (f *fixture) notify(action dispatch.Action, path string) {
	f.res.OnChange(dispatch.Notification{Action: action, Path: path, Root: f.root})
}

func (f *fixture) source() string {
	f.c.Helper()
	var source string
	f.c.Assert(f.res.Use(func(p *program) error {
		source = p.source
		return nil
	}), qt.IsNil)
	return source
}

func TestUseBeforeLoad(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.State(), qt.Equals, reload.Uninitialized)
	err := f.res.Use(func(*program) error { return nil })
	c.Assert(err, qt.ErrorIs, reload.ErrNotLoaded)
}

func TestLoadAndUse(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)
	c.Assert(f.res.State(), qt.Equals, reload.Loaded)
	c.Assert(f.source(), qt.Equals, "v1")
	c.Assert(f.loader.loads.Load(), qt.Equals, int32(1))

	_, err := os.Stat(f.res.Tracker().SidecarPath())
	c.Assert(err, qt.IsNil)
}

func TestNotificationsCoalesce(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)

	f.change(f.path, "v2")
	for i := 0; i < 20; i++ {
		f.notify(dispatch.Modified, f.path)
	}
	c.Assert(f.res.State(), qt.Equals, reload.MarkedStale)

	c.Assert(f.source(), qt.Equals, "v2")
	c.Assert(f.source(), qt.Equals, "v2")
	c.Assert(f.loader.loads.Load(), qt.Equals, int32(2))
	c.Assert(f.loader.releases.Load(), qt.Equals, int32(1))
	c.Assert(f.res.State(), qt.Equals, reload.Loaded)
}

func TestNotificationWithoutChange(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)

	f.notify(dispatch.Modified, filepath.Join(f.root, "unrelated.png"))
	replaced, err := f.res.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsFalse)
	c.Assert(f.loader.loads.Load(), qt.Equals, int32(1))
	c.Assert(f.res.State(), qt.Equals, reload.Loaded)
}

func TestOtherRootIgnored(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)

	f.write(f.path, "v2")
	at := time.Now().Add(time.Hour)
	c.Assert(os.Chtimes(f.path, at, at), qt.IsNil)
	f.res.OnChange(dispatch.Notification{Action: dispatch.Modified, Path: f.path, Root: "/elsewhere"})

	c.Assert(f.source(), qt.Equals, "v1")
	c.Assert(f.res.IsStale(), qt.IsTrue)
}

func TestDependencyChange(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "")
	include := filepath.Join(f.root, "common.glsl")
	f.write(include, "float x;")
	f.write(f.path, "use common.glsl\nv1")
	c.Assert(f.res.Load(), qt.IsNil)
	c.Assert(f.res.Dependencies(), qt.DeepEquals, []string{include})

	f.change(include, "float y;")
	replaced, err := f.res.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsTrue)
	c.Assert(f.loader.loads.Load(), qt.Equals, int32(2))
}

func TestFailedReloadKeepsPrevious(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)

	f.change(f.path, "broken")
	replaced, err := f.res.Refresh()
	c.Assert(err, qt.ErrorIs, errBroken)
	c.Assert(replaced, qt.IsFalse)
	c.Assert(f.res.State(), qt.Equals, reload.Failed)
	c.Assert(f.source(), qt.Equals, "v1")

	// no retry without a new change
	c.Assert(f.loader.loads.Load(), qt.Equals, int32(2))

	f.change(f.path, "v3")
	c.Assert(f.source(), qt.Equals, "v3")
	c.Assert(f.res.State(), qt.Equals, reload.Loaded)
	c.Assert(f.loader.loads.Load(), qt.Equals, int32(3))
}

func TestFailedFirstLoadRecovers(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "broken")
	c.Assert(f.res.Load(), qt.ErrorIs, errBroken)
	c.Assert(f.res.State(), qt.Equals, reload.Failed)

	err := f.res.Use(func(*program) error { return nil })
	c.Assert(err, qt.ErrorIs, reload.ErrNotLoaded)
	c.Assert(err, qt.ErrorMatches, ".*broken asset")

	f.change(f.path, "v1")
	c.Assert(f.source(), qt.Equals, "v1")
}

func TestOverflowForcesReload(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)

	f.notify(dispatch.Overflow, f.root)
	c.Assert(f.res.IsStale(), qt.IsTrue)
	replaced, err := f.res.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsTrue)
	c.Assert(f.res.IsStale(), qt.IsFalse)
}

func TestMigrate(t *testing.T) {
	c := qt.New(t)
	root := c.TempDir()
	path := filepath.Join(root, "a.frag")
	c.Assert(os.WriteFile(path, []byte("v1"), 0644), qt.IsNil)

	loader := &migratingLoader{}
	res := reload.New[*program]("text", path, root, loader, reload.Options{})
	defer res.Close()
	c.Assert(res.Load(), qt.IsNil)

	at := time.Now().Add(time.Hour)
	c.Assert(os.Chtimes(path, at, at), qt.IsNil)
	res.OnChange(dispatch.Notification{Action: dispatch.Modified, Path: path, Root: root})

	c.Assert(res.Use(func(p *program) error {
		c.Check(p.migrated, qt.IsTrue)
		return nil
	}), qt.IsNil)
}

func TestUnwatchedResource(t *testing.T) {
	c := qt.New(t)
	root := c.TempDir()
	path := filepath.Join(root, "a.frag")
	c.Assert(os.WriteFile(path, []byte("v1"), 0644), qt.IsNil)

	loader := &textLoader{}
	res := reload.New[*program]("text", path, "", loader, reload.Options{})
	defer res.Close()
	c.Assert(res.Load(), qt.IsNil)

	res.OnChange(dispatch.Notification{Action: dispatch.Overflow, Path: root, Root: root})
	c.Assert(res.State(), qt.Equals, reload.Loaded)
	c.Assert(res.IsStale(), qt.IsFalse)
}

func TestClose(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)

	var kept *program
	c.Assert(f.res.Use(func(p *program) error {
		kept = p
		return nil
	}), qt.IsNil)

	f.res.Close()
	f.res.Close()
	c.Assert(kept.released.Load(), qt.IsTrue)
	c.Assert(f.res.Use(func(*program) error { return nil }), qt.ErrorIs, reload.ErrClosed)
	c.Assert(f.res.Load(), qt.ErrorIs, reload.ErrClosed)

	f.change(f.path, "v2")
	_, err := f.res.Refresh()
	c.Assert(err, qt.ErrorIs, reload.ErrClosed)
}

func TestConcurrentUse(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v0")
	c.Assert(f.res.Load(), qt.IsNil)

	const (
		users   = 8
		changes = 50
	)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := f.res.Use(func(p *program) error {
					if p.released.Load() {
						return errors.New("used a released version")
					}
					return nil
				})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	base := time.Now()
	for i := 1; i <= changes; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		c.Assert(os.Chtimes(f.path, at, at), qt.IsNil)
		f.notify(dispatch.Modified, f.path)
		time.Sleep(time.Millisecond)
	}
	close(stop)
	wg.Wait()

	// one last notification is always picked up
	at := base.Add((changes + 1) * time.Hour)
	c.Assert(os.Chtimes(f.path, at, at), qt.IsNil)
	f.notify(dispatch.Modified, f.path)
	replaced, err := f.res.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsTrue)

	loads := f.loader.loads.Load()
	c.Assert(loads <= changes+2, qt.IsTrue, qt.Commentf("%d loads", loads))
	c.Assert(f.loader.releases.Load(), qt.Equals, loads-1)
}

func TestUseReportsFailedReload(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, "v1")
	c.Assert(f.res.Load(), qt.IsNil)

	f.change(f.path, "broken")
	var source string
	err := f.res.Use(func(p *program) error {
		source = p.source
		return nil
	})
	c.Assert(err, qt.ErrorIs, errBroken)
	c.Assert(source, qt.Equals, "v1")

	// reported once, the previous version stays usable
	c.Assert(f.source(), qt.Equals, "v1")
}

// under resolves every path to the given roots containing it.
func under(roots ...string) reload.RootResolver {
	return func(path string) []string {
		var found []string
		for _, root := range roots {
			if strings.HasPrefix(path, root+string(filepath.Separator)) {
				found = append(found, root)
			}
		}
		return found
	}
}

func TestDependencyUnderAnotherRoot(t *testing.T) {
	c := qt.New(t)
	shaders := c.TempDir()
	lib := c.TempDir()
	path := filepath.Join(shaders, "a.frag")
	include := filepath.Join(lib, "common.glsl")
	c.Assert(os.WriteFile(include, []byte("float x;"), 0644), qt.IsNil)
	rel, err := filepath.Rel(shaders, include)
	c.Assert(err, qt.IsNil)
	c.Assert(os.WriteFile(path, []byte("use "+rel+"\nv1"), 0644), qt.IsNil)

	loader := &textLoader{}
	res := reload.New[*program]("text", path, shaders, loader, reload.Options{
		Roots: under(shaders, lib),
	})
	defer res.Close()
	c.Assert(res.Roots(), qt.DeepEquals, []string{shaders})
	c.Assert(res.Load(), qt.IsNil)
	c.Assert(res.Roots(), qt.DeepEquals, sorted(shaders, lib))

	at := time.Now().Add(time.Hour)
	c.Assert(os.Chtimes(include, at, at), qt.IsNil)
	res.OnChange(dispatch.Notification{Action: dispatch.Modified, Path: include, Root: lib})
	c.Assert(res.State(), qt.Equals, reload.MarkedStale)

	replaced, err := res.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsTrue)
}

func TestOverflowOfEnclosingRoot(t *testing.T) {
	c := qt.New(t)
	outer := c.TempDir()
	inner := filepath.Join(outer, "shaders")
	c.Assert(os.Mkdir(inner, 0755), qt.IsNil)
	path := filepath.Join(inner, "a.frag")
	c.Assert(os.WriteFile(path, []byte("v1"), 0644), qt.IsNil)

	loader := &textLoader{}
	res := reload.New[*program]("text", path, inner, loader, reload.Options{
		Roots: under(outer, inner),
	})
	defer res.Close()
	c.Assert(res.Load(), qt.IsNil)

	res.OnChange(dispatch.Notification{Action: dispatch.Overflow, Path: outer, Root: outer})
	c.Assert(res.IsStale(), qt.IsTrue)
	replaced, err := res.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsTrue)
}

func sorted(paths ...string) []string {
	sort.Strings(paths)
	return paths
}
