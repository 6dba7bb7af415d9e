// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	"errors"
	"fmt"
	"strings"
	"unsafe"

	vk "github.com/devblok/vulkan"
)

// DefaultApplicationInfo describes the engine to the driver.
var DefaultApplicationInfo = &vk.ApplicationInfo{
	SType:              vk.StructureTypeApplicationInfo,
	ApiVersion:         vk.MakeVersion(1, 0, 0),
	ApplicationVersion: vk.MakeVersion(1, 0, 0),
	PApplicationName:   "Koru3D\x00",
	PEngineName:        "Koru3D\x00",
}

// ErrNoDevice is returned when no physical device has a graphics queue.
var ErrNoDevice = errors.New("no suitable vulkan device")

// DeviceConfiguration selects instance and device features.
type DeviceConfiguration struct {
	DebugMode        bool
	Extensions       []string
	Layers           []string
	DeviceExtensions []string
}

// PhysicalDeviceInfo describes available physical properties of a rendering device
type PhysicalDeviceInfo struct {
	ID            int
	VendorID      int
	DriverVersion int
	Name          string
	Invalid       bool
	Extensions    []string
	Layers        []string
	Memory        uint
}

// NewDevice creates an instance and a logical device on the first physical
// device offering a graphics queue. A nil procAddr loads the system loader.
func NewDevice(procAddr unsafe.Pointer, cfg DeviceConfiguration) (*Device, error) {
	layers := cfg.Layers
	extensions := cfg.Extensions
	if cfg.DebugMode {
		layers = append(layers, "VK_LAYER_LUNARG_standard_validation")
		extensions = append(extensions, "VK_EXT_debug_report")
	}

	if procAddr == nil {
		if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
			return nil, fmt.Errorf("vk.SetDefaultGetInstanceProcAddr(): %s", err.Error())
		}
	} else {
		vk.SetGetInstanceProcAddr(procAddr)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("vk.Init(): %s", err.Error())
	}

	instanceInfo := vk.InstanceCreateInfo{
		SType:                   vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        DefaultApplicationInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: safeStrings(extensions),
		EnabledLayerCount:       uint32(len(layers)),
		PpEnabledLayerNames:     safeStrings(layers),
	}

	d := &Device{}
	if err := vk.Error(vk.CreateInstance(&instanceInfo, nil, &d.instance)); err != nil {
		return nil, fmt.Errorf("vk.CreateInstance(): %s", err.Error())
	}
	vk.InitInstance(d.instance)

	physicalDevices, err := enumerateDevices(d.instance)
	if err != nil {
		d.Destroy()
		return nil, err
	}
	d.available = physicalDevices

	for _, physical := range physicalDevices {
		if index, ok := graphicsQueueFamily(physical); ok {
			d.physical = physical
			d.queueFamily = index
			break
		}
	}
	if d.physical == nil {
		d.Destroy()
		return nil, ErrNoDevice
	}

	queueInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: d.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{1},
	}}
	dci := vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(cfg.DeviceExtensions)),
		PpEnabledExtensionNames: safeStrings(cfg.DeviceExtensions),
	}
	if err := vk.Error(vk.CreateDevice(d.physical, &dci, nil, &d.device)); err != nil {
		d.Destroy()
		return nil, fmt.Errorf("vk.CreateDevice(): %s", err.Error())
	}
	vk.GetDeviceQueue(d.device, d.queueFamily, 0, &d.queue)

	d.allocator = NewMemoryAllocator(d.device, d.physical)
	return d, nil
}

// Device is an instance together with one logical device.
type Device struct {
	instance    vk.Instance
	available   []vk.PhysicalDevice
	physical    vk.PhysicalDevice
	device      vk.Device
	queue       vk.Queue
	queueFamily uint32
	allocator   *MemoryAllocator
}

// Get returns the logical device handle.
func (d *Device) Get() vk.Device {
	return d.device
}

// Instance returns the vulkan instance handle.
func (d *Device) Instance() vk.Instance {
	return d.instance
}

// Allocator returns the memory allocator of the device.
func (d *Device) Allocator() *MemoryAllocator {
	return d.allocator
}

// ShaderCompiler returns a compiler creating modules on this device.
func (d *Device) ShaderCompiler() *ShaderCompiler {
	return NewShaderCompiler(d.device)
}

// TextureUploader returns an uploader placing images on this device.
func (d *Device) TextureUploader() *TextureUploader {
	return NewTextureUploader(d.device, d.allocator)
}

// Destroy waits for the device to go idle and destroys it and the instance.
func (d *Device) Destroy() {
	if d.device != nil {
		vk.DeviceWaitIdle(d.device)
		vk.DestroyDevice(d.device, nil)
		d.device = nil
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
	d.available = nil
}

func enumerateDevices(instance vk.Instance) ([]vk.PhysicalDevice, error) {
	var deviceCount uint32
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, nil)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	availableDevices := make([]vk.PhysicalDevice, deviceCount)
	if err := vk.Error(vk.EnumeratePhysicalDevices(instance, &deviceCount, availableDevices)); err != nil {
		return nil, fmt.Errorf("vulkan physical device enumeration failed: %s", err)
	}
	return availableDevices, nil
}

func graphicsQueueFamily(physical vk.PhysicalDevice) (uint32, bool) {
	var queueFamilyCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(physical, &queueFamilyCount, nil)
	queueFamilies := make([]vk.QueueFamilyProperties, queueFamilyCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(physical, &queueFamilyCount, queueFamilies)

	for i := uint32(0); i < queueFamilyCount; i++ {
		queueFamilies[i].Deref()
		if queueFamilies[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			return i, true
		}
	}
	return 0, false
}

// PhysicalDevicesInfo describes every physical device of the instance.
func (d *Device) PhysicalDevicesInfo() []PhysicalDeviceInfo {
	pdi := make([]PhysicalDeviceInfo, len(d.available))
	for i, physical := range d.available {
		// Get extension info
		var numDeviceExtensions uint32
		if err := vk.Error(vk.EnumerateDeviceExtensionProperties(physical, "", &numDeviceExtensions, nil)); err != nil {
			pdi[i].Invalid = true
		}
		deviceExt := make([]vk.ExtensionProperties, numDeviceExtensions)
		if err := vk.Error(vk.EnumerateDeviceExtensionProperties(physical, "", &numDeviceExtensions, deviceExt)); err != nil {
			pdi[i].Invalid = true
		}
		for _, ext := range deviceExt {
			ext.Deref()
			pdi[i].Extensions = append(pdi[i].Extensions, vk.ToString(ext.ExtensionName[:]))
		}

		// Get layers info
		var numDeviceLayers uint32
		if err := vk.Error(vk.EnumerateDeviceLayerProperties(physical, &numDeviceLayers, nil)); err != nil {
			pdi[i].Invalid = true
		}
		deviceLayers := make([]vk.LayerProperties, numDeviceLayers)
		if err := vk.Error(vk.EnumerateDeviceLayerProperties(physical, &numDeviceLayers, deviceLayers)); err != nil {
			pdi[i].Invalid = true
		}
		for _, layer := range deviceLayers {
			layer.Deref()
			pdi[i].Layers = append(pdi[i].Layers, vk.ToString(layer.LayerName[:]))
		}

		// Get memory info
		var memoryProperties vk.PhysicalDeviceMemoryProperties
		vk.GetPhysicalDeviceMemoryProperties(physical, &memoryProperties)
		memoryProperties.Deref()
		for iMem := uint32(0); iMem < memoryProperties.MemoryHeapCount; iMem++ {
			memoryProperties.MemoryHeaps[iMem].Deref()
			pdi[i].Memory += uint(memoryProperties.MemoryHeaps[iMem].Size)
		}

		// Get general device info
		var properties vk.PhysicalDeviceProperties
		vk.GetPhysicalDeviceProperties(physical, &properties)
		properties.Deref()
		pdi[i].ID = int(properties.DeviceID)
		pdi[i].VendorID = int(properties.VendorID)
		pdi[i].Name = vk.ToString(properties.DeviceName[:])
		pdi[i].DriverVersion = int(properties.DriverVersion)
	}
	return pdi
}

// safeStrings nul terminates names for the C side.
func safeStrings(names []string) []string {
	terminated := make([]string, len(names))
	for i, name := range names {
		if !strings.HasSuffix(name, "\x00") {
			name += "\x00"
		}
		terminated[i] = name
	}
	return terminated
}
