// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"errors"
	"image"
	"image/draw"
	"path/filepath"
	"strings"
	"unsafe"
)

// ErrEmptyImage is returned when an image without pixels is given for conversion.
var ErrEmptyImage = errors.New("image has no pixels")

// ShaderTypeFromPath derives the shader stage from the file name.
// The stage is the first suffix after the shader name, so "basic.vert",
// "basic.vert.glsl" and "basic.vert.spv" are all vertex shaders.
// Names with more than three dots are not recognised.
func ShaderTypeFromPath(path string) ShaderType {
	nodes := strings.Split(filepath.Base(path), ".")
	if len(nodes) < 2 || len(nodes) > 3 {
		return UnknownShaderType
	}

	switch nodes[1] {
	case "frag":
		return FragmentShaderType
	case "vert":
		return VertexShaderType
	default:
		return UnknownShaderType
	}
}

// SliceUint32 reslices bytes into a uint32, that is used
// to sumbit vulkan shaders for processing. Trailing bytes
// that do not fill a whole word are not included.
func SliceUint32(data []byte) []uint32 {
	if len(data) < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// GetPixels transforms a given image into right arrangement of pixels
// by drawing the decoded image onto a controlled RGBA canvas. The row pitch
// is applied only when it is wider than a tightly packed row.
func GetPixels(img image.Image, rowPitch int) ([]uint8, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}

	bounds := img.Bounds()
	stride := 4 * bounds.Dx()
	if rowPitch > stride {
		stride = rowPitch
	}

	canvas := &image.RGBA{
		Pix:    make([]uint8, stride*bounds.Dy()),
		Stride: stride,
		Rect:   image.Rect(0, 0, bounds.Dx(), bounds.Dy()),
	}
	draw.Draw(canvas, canvas.Bounds(), img, bounds.Min, draw.Src)
	return canvas.Pix, nil
}
