// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package shader_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/dispatch"
	"github.com/devblok/koru/reload"
	"github.com/devblok/koru/shader"
)

const (
	fragmentSource = "#version 450\n#include \"params.glsl\"\nvoid main() {\n}\n"
	paramsV1       = "uniform float exposure;\nuniform vec4 tint;\n"
	paramsV2       = "uniform float exposure;\nuniform vec3 fog;\n"
)

// touch rewrites path dated after the last load and notifies s.
func touch(c *qt.C, s *shader.Shader, path, contents string) {
	c.Helper()
	c.Assert(os.WriteFile(path, []byte(contents), 0644), qt.IsNil)
	at := s.Tracker().LastLoadTime().Add(2 * time.Second)
	c.Assert(os.Chtimes(path, at, at), qt.IsNil)
	s.OnChange(dispatch.Notification{Action: dispatch.Modified, Path: path, Root: s.Root()})
}

func module(c *qt.C, s *shader.Shader) *shader.SourceModule {
	c.Helper()
	var m *shader.SourceModule
	c.Assert(s.Use(func(p *shader.Program) error {
		m = p.Module.(*shader.SourceModule)
		return nil
	}), qt.IsNil)
	return m
}

func newShader(c *qt.C) (*shader.Shader, string) {
	dir := c.TempDir()
	writeFiles(c, dir, map[string]string{
		"lit.frag":    fragmentSource,
		"params.glsl": paramsV1,
	})
	s := shader.New(filepath.Join(dir, "lit.frag"), dir, shader.SourceCompiler{}, shader.Options{})
	c.Cleanup(s.Close)
	return s, dir
}

func TestSourceCompiler(t *testing.T) {
	c := qt.New(t)
	m, err := shader.SourceCompiler{}.Compile(core.FragmentShaderType, []byte(
		"uniform sampler2D albedo;\nuniform float weights[4];\nvoid main(void) { }\n"), "a.frag")
	c.Assert(err, qt.IsNil)
	c.Assert(m.Params(), qt.DeepEquals, []string{"albedo", "weights"})

	typ, ok := m.(*shader.SourceModule).ParamType("albedo")
	c.Assert(ok, qt.IsTrue)
	c.Assert(typ, qt.Equals, "sampler2D")

	c.Assert(m.Bind("missing", 1), qt.ErrorIs, shader.ErrUnknownParam)
	c.Assert(m.Bind("albedo", 3), qt.IsNil)
}

func TestSourceCompilerRejects(t *testing.T) {
	c := qt.New(t)
	for name, tc := range map[string]struct {
		stage  core.ShaderType
		source string
		err    error
	}{
		"empty":      {core.VertexShaderType, "  \n", shader.ErrCompile},
		"unbalanced": {core.VertexShaderType, "void main() {", shader.ErrCompile},
		"mismatched": {core.VertexShaderType, "void main() { (}", shader.ErrCompile},
		"no main":    {core.VertexShaderType, "float x;", shader.ErrCompile},
		"stage":      {core.UnknownShaderType, "void main() {}", shader.ErrUnknownStage},
	} {
		c.Run(name, func(c *qt.C) {
			_, err := shader.SourceCompiler{}.Compile(tc.stage, []byte(tc.source), "x")
			c.Assert(err, qt.ErrorIs, tc.err)
		})
	}
}

func TestShaderLoad(t *testing.T) {
	c := qt.New(t)
	s, dir := newShader(c)
	c.Assert(s.Stage(), qt.Equals, core.FragmentShaderType)
	c.Assert(s.Load(), qt.IsNil)
	c.Assert(s.Dependencies(), qt.DeepEquals, []string{filepath.Join(dir, "params.glsl")})
	c.Assert(module(c, s).Params(), qt.DeepEquals, []string{"exposure", "tint"})
}

func TestShaderUnknownStage(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	writeFiles(c, dir, map[string]string{"lit.glsl": "void main() {}"})
	s := shader.New(filepath.Join(dir, "lit.glsl"), dir, shader.SourceCompiler{}, shader.Options{})
	defer s.Close()
	c.Assert(s.Load(), qt.ErrorIs, shader.ErrUnknownStage)
}

func TestIncludeChangeReloads(t *testing.T) {
	c := qt.New(t)
	s, dir := newShader(c)
	c.Assert(s.Load(), qt.IsNil)

	touch(c, s, filepath.Join(dir, "params.glsl"), paramsV2)
	replaced, err := s.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsTrue)
	c.Assert(module(c, s).Params(), qt.DeepEquals, []string{"exposure", "fog"})
}

func TestBindingsSurviveReload(t *testing.T) {
	c := qt.New(t)
	s, dir := newShader(c)
	c.Assert(s.Load(), qt.IsNil)

	c.Assert(s.SetParam("exposure", 1.5), qt.IsNil)
	c.Assert(s.SetParam("tint", [4]float32{1, 0, 0, 1}), qt.IsNil)
	c.Assert(s.SetParam("nothing", 1), qt.ErrorIs, shader.ErrUnknownParam)
	c.Assert(s.Bindings(), qt.HasLen, 2)

	touch(c, s, filepath.Join(dir, "params.glsl"), paramsV2)
	m := module(c, s)

	exposure, ok := m.Bound("exposure")
	c.Assert(ok, qt.IsTrue)
	c.Assert(exposure, qt.Equals, 1.5)

	// tint is gone from the new version and silently forgotten
	_, ok = m.Bound("tint")
	c.Assert(ok, qt.IsFalse)
	c.Assert(s.Bindings(), qt.DeepEquals, map[string]shader.Value{"exposure": 1.5})
}

func TestBindingBeforeLoad(t *testing.T) {
	c := qt.New(t)
	s, _ := newShader(c)
	c.Assert(s.SetParam("exposure", 2.0), qt.IsNil)
	c.Assert(s.Load(), qt.IsNil)

	exposure, ok := module(c, s).Bound("exposure")
	c.Assert(ok, qt.IsTrue)
	c.Assert(exposure, qt.Equals, 2.0)
}

func TestBrokenEditKeepsProgram(t *testing.T) {
	c := qt.New(t)
	s, dir := newShader(c)
	c.Assert(s.Load(), qt.IsNil)
	before := module(c, s)

	touch(c, s, filepath.Join(dir, "lit.frag"), "#include \"params.glsl\"\nvoid main() {\n")
	_, err := s.Refresh()
	c.Assert(err, qt.ErrorIs, shader.ErrCompile)
	c.Assert(s.State(), qt.Equals, reload.Failed)
	c.Assert(module(c, s), qt.Equals, before)

	touch(c, s, filepath.Join(dir, "lit.frag"), fragmentSource)
	c.Assert(module(c, s), qt.Not(qt.Equals), before)
	c.Assert(s.State(), qt.Equals, reload.Loaded)
}

// pause lets the file system clock move past the last load attempt, so
// plain writes are seen as newer without adjusting modification times.
func pause() {
	time.Sleep(50 * time.Millisecond)
}

func TestFixingNewIncludeReloads(t *testing.T) {
	c := qt.New(t)
	s, dir := newShader(c)
	c.Assert(s.Load(), qt.IsNil)
	notify := func(name string) {
		s.OnChange(dispatch.Notification{Action: dispatch.Modified, Path: filepath.Join(dir, name), Root: s.Root()})
	}

	pause()
	writeFiles(c, dir, map[string]string{
		"extra.glsl": "uniform float extra;\nfloat broken(;\n",
		"lit.frag":   "#version 450\n#include \"params.glsl\"\n#include \"extra.glsl\"\nvoid main() {\n}\n",
	})
	notify("lit.frag")
	_, err := s.Refresh()
	c.Assert(err, qt.ErrorIs, shader.ErrCompile)
	c.Assert(s.Dependencies(), qt.DeepEquals, []string{
		filepath.Join(dir, "params.glsl"),
		filepath.Join(dir, "extra.glsl"),
	})

	pause()
	writeFiles(c, dir, map[string]string{"extra.glsl": "uniform float extra;\n"})
	notify("extra.glsl")
	replaced, err := s.Refresh()
	c.Assert(err, qt.IsNil)
	c.Assert(replaced, qt.IsTrue)
	c.Assert(module(c, s).Params(), qt.DeepEquals, []string{"exposure", "extra", "tint"})
}
