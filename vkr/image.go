// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package vkr

import (
	"fmt"
	"unsafe"

	vk "github.com/devblok/vulkan"

	"github.com/devblok/koru/texture"
)

// Extent3D is the size of an image.
type Extent3D struct {
	Width, Height, Depth int
}

// NewImage creates a new vulkan image primitive.
func NewImage(dev vk.Device, extent Extent3D, usage vk.ImageUsageFlagBits, mode vk.SharingMode) (Image, error) {
	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  uint32(extent.Width),
			Height: uint32(extent.Height),
			Depth:  uint32(extent.Depth),
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        vk.FormatR8g8b8a8Unorm,
		Tiling:        vk.ImageTilingLinear,
		InitialLayout: vk.ImageLayoutPreinitialized,
		Usage:         vk.ImageUsageFlags(usage),
		SharingMode:   mode,
		Samples:       vk.SampleCount1Bit,
	}

	var image vk.Image
	if err := vk.Error(vk.CreateImage(dev, &createInfo, nil, &image)); err != nil {
		return Image{}, fmt.Errorf("vk.CreateImage(): %s", err.Error())
	}

	return Image{
		device: dev,
		image:  image,
		extent: extent,
	}, nil
}

// Image implements and abstracts vulkan image primitive.
type Image struct {
	device vk.Device
	image  vk.Image
	extent Extent3D
	memory Memory
}

// Get returns the vulkan Image handle.
func (i *Image) Get() vk.Image {
	return i.image
}

// Extent returns the image size.
func (i *Image) Extent() Extent3D {
	return i.extent
}

// Mem returns the underlying memory of the Image.
func (i *Image) Mem() *Memory {
	return &i.memory
}

// Release destroys the image and frees its memory.
func (i *Image) Release() {
	vk.DestroyImage(i.device, i.image, nil)
	i.memory.Release()
}

// NewTextureUploader creates an uploader placing textures in linear,
// host visible images ready to be sampled.
func NewTextureUploader(dev vk.Device, ma *MemoryAllocator) *TextureUploader {
	return &TextureUploader{
		device:    dev,
		allocator: ma,
	}
}

// TextureUploader implements texture.Uploader.
type TextureUploader struct {
	device    vk.Device
	allocator *MemoryAllocator
}

// Upload implements texture.Uploader. The returned handle is an *Image.
func (u *TextureUploader) Upload(pixels []uint8, width, height int) (texture.Handle, error) {
	rowSize := 4 * width
	if height <= 0 || rowSize <= 0 || len(pixels) < rowSize*height {
		return nil, fmt.Errorf("%d bytes do not hold a %dx%d image", len(pixels), width, height)
	}
	srcPitch := len(pixels) / height

	image, err := NewImage(u.device, Extent3D{Width: width, Height: height, Depth: 1},
		vk.ImageUsageSampledBit, vk.SharingModeExclusive)
	if err != nil {
		return nil, err
	}

	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(u.device, image.image, &req)
	req.Deref()

	memory, err := u.allocator.Malloc(req, vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit)
	if err != nil {
		vk.DestroyImage(u.device, image.image, nil)
		return nil, err
	}
	image.memory = memory

	if err := vk.Error(vk.BindImageMemory(u.device, image.image, memory.Get(), 0)); err != nil {
		image.Release()
		return nil, fmt.Errorf("vk.BindImageMemory(): %s", err.Error())
	}

	var layout vk.SubresourceLayout
	vk.GetImageSubresourceLayout(u.device, image.image, &vk.ImageSubresource{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	}, &layout)
	layout.Deref()

	ptr, err := image.memory.Map()
	if err != nil {
		image.Release()
		return nil, err
	}
	mapped := unsafe.Slice((*byte)(ptr), image.memory.Len())
	dstPitch := int(layout.RowPitch)
	for row := 0; row < height; row++ {
		dst := int(layout.Offset) + row*dstPitch
		copy(mapped[dst:dst+rowSize], pixels[row*srcPitch:row*srcPitch+rowSize])
	}
	image.memory.Unmap()

	return &image, nil
}

// Destroy implements texture.Uploader.
func (u *TextureUploader) Destroy(h texture.Handle) {
	if image, ok := h.(*Image); ok {
		image.Release()
	}
}
