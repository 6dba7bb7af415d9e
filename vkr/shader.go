// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package vkr implements the vulkan backends of the asset kinds.
package vkr

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	vk "github.com/devblok/vulkan"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/shader"
)

// SPIR-V layout constants
const (
	SPIRVMagic      uint32 = 0x07230203
	spirvHeaderSize        = 5

	opName     = 5
	opVariable = 59

	storageUniformConstant = 0
	storageUniform         = 2
	storagePushConstant    = 9
)

// ErrNotSPIRV is returned for code that is not a SPIR-V module.
var ErrNotSPIRV = errors.New("not a SPIR-V binary")

// ReflectSPIRV validates code and returns the names of its uniform,
// sampler and push constant variables.
func ReflectSPIRV(code []byte) ([]string, error) {
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("%w: size %d is not word aligned", ErrNotSPIRV, len(code))
	}
	words := core.SliceUint32(code)
	if len(words) < spirvHeaderSize || words[0] != SPIRVMagic {
		return nil, fmt.Errorf("%w: bad header", ErrNotSPIRV)
	}

	names := make(map[uint32]string)
	var variables []uint32
	for idx := spirvHeaderSize; idx < len(words); {
		count := int(words[idx] >> 16)
		opcode := words[idx] & 0xffff
		if count == 0 || idx+count > len(words) {
			return nil, fmt.Errorf("%w: truncated instruction at word %d", ErrNotSPIRV, idx)
		}
		operands := words[idx+1 : idx+count]

		switch opcode {
		case opName:
			if len(operands) >= 2 {
				names[operands[0]] = literalString(operands[1:])
			}
		case opVariable:
			if len(operands) >= 3 {
				switch operands[2] {
				case storageUniformConstant, storageUniform, storagePushConstant:
					variables = append(variables, operands[1])
				}
			}
		}
		idx += count
	}

	var params []string
	for _, id := range variables {
		if name := names[id]; name != "" {
			params = append(params, name)
		}
	}
	sort.Strings(params)
	return params, nil
}

// literalString decodes a nul terminated UTF-8 literal packed in words.
func literalString(words []uint32) string {
	var buf []byte
	for _, w := range words {
		for shift := 0; shift < 32; shift += 8 {
			b := byte(w >> shift)
			if b == 0 {
				return string(buf)
			}
			buf = append(buf, b)
		}
	}
	return string(buf)
}

// NewShaderCompiler creates a compiler making shader modules on device.
func NewShaderCompiler(device vk.Device) *ShaderCompiler {
	return &ShaderCompiler{
		device: device,
	}
}

// ShaderCompiler implements shader.Compiler for SPIR-V binaries.
type ShaderCompiler struct {
	device vk.Device
}

// Compile implements shader.Compiler.
func (c *ShaderCompiler) Compile(stage core.ShaderType, code []byte, path string) (shader.Module, error) {
	if stage == core.UnknownShaderType {
		return nil, fmt.Errorf("%w: %s", shader.ErrUnknownStage, path)
	}
	params, err := ReflectSPIRV(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shader.ErrCompile, path, err)
	}

	smci := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    core.SliceUint32(code),
	}

	var module vk.ShaderModule
	if err := vk.Error(vk.CreateShaderModule(c.device, &smci, nil, &module)); err != nil {
		return nil, fmt.Errorf("%w: vk.CreateShaderModule(%s): %s", shader.ErrCompile, path, err.Error())
	}

	return &ShaderModule{
		device:   c.device,
		module:   module,
		stage:    stage,
		params:   params,
		bindings: make(map[string]shader.Value),
	}, nil
}

// ShaderModule is a compiled vulkan shader stage.
type ShaderModule struct {
	device vk.Device
	module vk.ShaderModule
	stage  core.ShaderType
	params []string

	mutex    sync.Mutex
	bindings map[string]shader.Value
}

// Get returns the vulkan shader module handle.
func (m *ShaderModule) Get() vk.ShaderModule {
	return m.module
}

// StageFlag returns the pipeline stage of the module.
func (m *ShaderModule) StageFlag() vk.ShaderStageFlagBits {
	if m.stage == core.VertexShaderType {
		return vk.ShaderStageVertexBit
	}
	return vk.ShaderStageFragmentBit
}

// Params implements shader.Module.
func (m *ShaderModule) Params() []string {
	return append([]string(nil), m.params...)
}

// Bind implements shader.Module. Values are picked up when descriptor
// sets are written for the next frame.
func (m *ShaderModule) Bind(name string, value shader.Value) error {
	idx := sort.SearchStrings(m.params, name)
	if idx == len(m.params) || m.params[idx] != name {
		return fmt.Errorf("%w: %s", shader.ErrUnknownParam, name)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.bindings[name] = value
	return nil
}

// Bindings returns a copy of the bound values.
func (m *ShaderModule) Bindings() map[string]shader.Value {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	bindings := make(map[string]shader.Value, len(m.bindings))
	for name, value := range m.bindings {
		bindings[name] = value
	}
	return bindings
}

// Destroy implements shader.Module.
func (m *ShaderModule) Destroy() {
	vk.DestroyShaderModule(m.device, m.module, nil)
}
