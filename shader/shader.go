// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package shader loads shader stages as reloadable resources. Text sources
// are preprocessed for includes, every included file becomes a dependency.
// SPIR-V binaries are handed to the compiler untouched.
package shader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/reload"
)

// Kind names shader resources in logs and metrics.
const Kind = "shader"

// Options configures a Shader.
type Options struct {
	Logger           log.FieldLogger
	SidecarExtension string
	IncludeDirs      []string
	Roots            reload.RootResolver
}

// Program is the compiled state of a Shader.
type Program struct {
	Stage  core.ShaderType
	Module Module
}

// New creates an unloaded shader. Call Load before the first Use.
func New(path, root string, compiler Compiler, opts Options) *Shader {
	s := &Shader{
		stage:    core.ShaderTypeFromPath(path),
		bindings: make(map[string]Value),
	}
	loader := &programLoader{
		shader:   s,
		compiler: compiler,
		includes: PreprocessOptions{IncludeDirs: opts.IncludeDirs},
	}
	s.Resource = reload.New[*Program](Kind, path, root, loader, reload.Options{
		Logger:           opts.Logger,
		SidecarExtension: opts.SidecarExtension,
		Roots:            opts.Roots,
	})
	return s
}

// Shader is a reloadable shader stage. Parameters set with SetParam
// survive reloads as long as the new version still declares them.
type Shader struct {
	*reload.Resource[*Program]

	stage core.ShaderType

	mutex    sync.Mutex
	bindings map[string]Value
}

// Stage returns the stage derived from the file name.
func (s *Shader) Stage() core.ShaderType {
	return s.stage
}

// SetParam binds value to name on the current program and on every
// future version. Before the first successful load the binding is only
// recorded.
func (s *Shader) SetParam(name string, value Value) error {
	s.mutex.Lock()
	s.bindings[name] = value
	s.mutex.Unlock()

	err := s.Use(func(p *Program) error {
		return p.Module.Bind(name, value)
	})
	switch {
	case err == nil, errors.Is(err, reload.ErrNotLoaded):
		return nil
	case errors.Is(err, ErrUnknownParam):
		s.mutex.Lock()
		delete(s.bindings, name)
		s.mutex.Unlock()
		return err
	default:
		return err
	}
}

// Bindings returns a copy of the recorded bindings.
func (s *Shader) Bindings() map[string]Value {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	bindings := make(map[string]Value, len(s.bindings))
	for name, value := range s.bindings {
		bindings[name] = value
	}
	return bindings
}

// rebind applies the recorded bindings to a freshly built module and
// forgets the ones it no longer declares.
func (s *Shader) rebind(module Module) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for name, value := range s.bindings {
		if err := module.Bind(name, value); err != nil {
			delete(s.bindings, name)
		}
	}
}

type programLoader struct {
	shader   *Shader
	compiler Compiler
	includes PreprocessOptions
}

func (l *programLoader) Load(path string) (*Program, []string, error) {
	stage := l.shader.stage
	if stage == core.UnknownShaderType {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStage, path)
	}

	var (
		source       []byte
		dependencies []string
		err          error
	)
	if filepath.Ext(path) == ".spv" {
		source, err = os.ReadFile(path)
	} else {
		source, dependencies, err = Preprocess(path, l.includes)
	}
	if err != nil {
		return nil, dependencies, err
	}

	module, err := l.compiler.Compile(stage, source, path)
	if err != nil {
		return nil, dependencies, err
	}
	l.shader.rebind(module)

	return &Program{
		Stage:  stage,
		Module: module,
	}, dependencies, nil
}

func (l *programLoader) Release(p *Program) {
	p.Module.Destroy()
}
