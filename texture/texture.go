// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package texture loads images as reloadable resources. Images are
// decoded into tightly packed RGBA and optionally handed to an Uploader
// that owns the device side copy.
package texture

import (
	"fmt"
	"image"
	"io"

	// decoders available to image.Decode
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/reload"
)

// Kind names texture resources in logs and metrics.
const Kind = "texture"

// Handle is a backend object holding the uploaded pixels.
type Handle interface{}

// Uploader moves pixels to the device.
type Uploader interface {
	Upload(pixels []uint8, width, height int) (Handle, error)
	Destroy(Handle)
}

// Options configures a Texture.
type Options struct {
	Logger           log.FieldLogger
	SidecarExtension string
	Uploader         Uploader
	Roots            reload.RootResolver

	// RowPitch pads every row to at least this many bytes.
	RowPitch int
}

// Image is the compiled state of a Texture.
type Image struct {
	Width  int
	Height int
	Format string

	// Pixels is RGBA, rows padded to the configured row pitch.
	Pixels []uint8

	// Handle is nil without an Uploader.
	Handle Handle
}

// Texture is a reloadable image.
type Texture struct {
	*reload.Resource[*Image]
}

// New creates an unloaded texture. Call Load before the first Use.
func New(path, root string, opts Options) *Texture {
	loader := &imageLoader{
		uploader: opts.Uploader,
		rowPitch: opts.RowPitch,
	}
	return &Texture{
		Resource: reload.New[*Image](Kind, path, root, loader, reload.Options{
			Logger:           opts.Logger,
			SidecarExtension: opts.SidecarExtension,
			Roots:            opts.Roots,
		}),
	}
}

// Decode maps the file at path and decodes it.
func Decode(path string) (image.Image, string, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer r.Close()

	img, format, err := image.Decode(io.NewSectionReader(r, 0, int64(r.Len())))
	if err != nil {
		return nil, "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, format, nil
}

type imageLoader struct {
	uploader Uploader
	rowPitch int
}

func (l *imageLoader) Load(path string) (*Image, []string, error) {
	img, format, err := Decode(path)
	if err != nil {
		return nil, nil, err
	}

	pixels, err := core.GetPixels(img, l.rowPitch)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	bounds := img.Bounds()
	result := &Image{
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
		Format: format,
		Pixels: pixels,
	}
	if l.uploader != nil {
		handle, err := l.uploader.Upload(pixels, result.Width, result.Height)
		if err != nil {
			return nil, nil, fmt.Errorf("uploading %s: %w", path, err)
		}
		result.Handle = handle
	}
	return result, nil, nil
}

func (l *imageLoader) Release(img *Image) {
	if l.uploader != nil && img.Handle != nil {
		l.uploader.Destroy(img.Handle)
	}
	img.Pixels = nil
}
