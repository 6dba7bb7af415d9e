// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package shader

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/devblok/koru/core"
)

// compiler errors
var (
	ErrCompile      = errors.New("shader compilation failed")
	ErrUnknownParam = errors.New("unknown shader parameter")
	ErrUnknownStage = errors.New("unknown shader stage")
)

// Value is anything a backend accepts as a parameter value.
type Value interface{}

// Module is a compiled shader stage.
type Module interface {

	// Params lists the names that can be bound.
	Params() []string

	// Bind sets a parameter. Unknown names yield ErrUnknownParam.
	Bind(name string, value Value) error

	// Destroy frees backend objects held by the module.
	Destroy()
}

// Compiler turns preprocessed source into a Module.
type Compiler interface {
	Compile(stage core.ShaderType, source []byte, path string) (Module, error)
}

var (
	uniformPattern = regexp.MustCompile(`(?m)^\s*uniform\s+(\w+)\s+(\w+)\s*(?:\[\s*\d+\s*\])?\s*;`)
	mainPattern    = regexp.MustCompile(`\bvoid\s+main\s*\(\s*(?:void)?\s*\)`)
)

// SourceCompiler checks GLSL source for the basics and reflects its
// uniforms. It needs no device, so tools and tests can use it.
type SourceCompiler struct{}

// Compile implements Compiler.
func (SourceCompiler) Compile(stage core.ShaderType, source []byte, path string) (Module, error) {
	if stage == core.UnknownShaderType {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, path)
	}
	if len(bytes.TrimSpace(source)) == 0 {
		return nil, fmt.Errorf("%w: %s: empty source", ErrCompile, path)
	}
	if err := checkBalanced(source); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCompile, path, err)
	}
	if !mainPattern.Match(source) {
		return nil, fmt.Errorf("%w: %s: no entry point", ErrCompile, path)
	}

	module := &SourceModule{
		stage:    stage,
		params:   make(map[string]string),
		bindings: make(map[string]Value),
	}
	for _, match := range uniformPattern.FindAllSubmatch(source, -1) {
		module.params[string(match[2])] = string(match[1])
	}
	return module, nil
}

func checkBalanced(source []byte) error {
	var stack []byte
	line := 1
	for _, b := range source {
		switch b {
		case '\n':
			line++
		case '{', '(', '[':
			stack = append(stack, b)
		case '}', ')', ']':
			open := map[byte]byte{'}': '{', ')': '(', ']': '['}[b]
			if len(stack) == 0 || stack[len(stack)-1] != open {
				return fmt.Errorf("line %d: unexpected %q", line, b)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return fmt.Errorf("unclosed %q", stack[len(stack)-1])
	}
	return nil
}

// SourceModule is the Module built by SourceCompiler.
type SourceModule struct {
	stage  core.ShaderType
	params map[string]string

	mutex    sync.Mutex
	bindings map[string]Value
}

// Stage returns the pipeline stage.
func (m *SourceModule) Stage() core.ShaderType {
	return m.stage
}

// Params implements Module.
func (m *SourceModule) Params() []string {
	names := make([]string, 0, len(m.params))
	for name := range m.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParamType returns the declared GLSL type of a parameter.
func (m *SourceModule) ParamType(name string) (string, bool) {
	t, ok := m.params[name]
	return t, ok
}

// Bind implements Module.
func (m *SourceModule) Bind(name string, value Value) error {
	if _, ok := m.params[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.bindings[name] = value
	return nil
}

// Bound returns the value bound to name.
func (m *SourceModule) Bound(name string) (Value, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	v, ok := m.bindings[name]
	return v, ok
}

// Destroy implements Module.
func (m *SourceModule) Destroy() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.bindings = make(map[string]Value)
}
