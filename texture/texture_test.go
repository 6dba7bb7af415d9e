// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package texture_test

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/devblok/koru/dispatch"
	"github.com/devblok/koru/reload"
	"github.com/devblok/koru/texture"
)

func writePNG(c *qt.C, path string, w, h int, fill color.RGBA) {
	c.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	f, err := os.Create(path)
	c.Assert(err, qt.IsNil)
	defer f.Close()
	c.Assert(png.Encode(f, img), qt.IsNil)
}

// changed dates path after the last load and notifies tex.
func changed(c *qt.C, tex *texture.Texture, path string) {
	c.Helper()
	at := tex.Tracker().LastLoadTime().Add(2 * time.Second)
	c.Assert(os.Chtimes(path, at, at), qt.IsNil)
	tex.OnChange(dispatch.Notification{Action: dispatch.Modified, Path: path, Root: tex.Root()})
}

func current(c *qt.C, tex *texture.Texture) *texture.Image {
	c.Helper()
	var img *texture.Image
	c.Assert(tex.Use(func(i *texture.Image) error {
		img = i
		return nil
	}), qt.IsNil)
	return img
}

type fakeUploader struct {
	mutex     sync.Mutex
	next      int
	live      map[int]bool
	uploadErr error
}

func (u *fakeUploader) Upload(pixels []uint8, width, height int) (texture.Handle, error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.uploadErr != nil {
		return nil, u.uploadErr
	}
	if u.live == nil {
		u.live = make(map[int]bool)
	}
	u.next++
	u.live[u.next] = true
	return u.next, nil
}

func (u *fakeUploader) Destroy(h texture.Handle) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	delete(u.live, h.(int))
}

func (u *fakeUploader) liveHandles() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return len(u.live)
}

func TestLoad(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	path := filepath.Join(dir, "wall.png")
	writePNG(c, path, 3, 2, color.RGBA{R: 255, A: 255})

	tex := texture.New(path, dir, texture.Options{})
	defer tex.Close()
	c.Assert(tex.Load(), qt.IsNil)
	c.Assert(tex.Dependencies(), qt.HasLen, 0)

	img := current(c, tex)
	c.Assert(img.Width, qt.Equals, 3)
	c.Assert(img.Height, qt.Equals, 2)
	c.Assert(img.Format, qt.Equals, "png")
	c.Assert(img.Pixels, qt.HasLen, 3*2*4)
	c.Assert(img.Pixels[:4], qt.DeepEquals, []uint8{255, 0, 0, 255})
	c.Assert(img.Handle, qt.IsNil)
}

func TestRowPitch(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	path := filepath.Join(dir, "wall.png")
	writePNG(c, path, 3, 2, color.RGBA{G: 255, A: 255})

	tex := texture.New(path, dir, texture.Options{RowPitch: 16})
	defer tex.Close()
	c.Assert(tex.Load(), qt.IsNil)
	c.Assert(current(c, tex).Pixels, qt.HasLen, 16*2)
}

func TestReloadReplacesUpload(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	path := filepath.Join(dir, "wall.png")
	writePNG(c, path, 2, 2, color.RGBA{B: 255, A: 255})

	uploader := &fakeUploader{}
	tex := texture.New(path, dir, texture.Options{Uploader: uploader})
	c.Assert(tex.Load(), qt.IsNil)
	c.Assert(current(c, tex).Handle, qt.Equals, texture.Handle(1))

	writePNG(c, path, 4, 4, color.RGBA{R: 1, A: 255})
	changed(c, tex, path)
	img := current(c, tex)
	c.Assert(img.Width, qt.Equals, 4)
	c.Assert(img.Handle, qt.Equals, texture.Handle(2))
	c.Assert(uploader.liveHandles(), qt.Equals, 1)

	tex.Close()
	c.Assert(uploader.liveHandles(), qt.Equals, 0)
}

func TestCorruptImageKeepsPrevious(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	path := filepath.Join(dir, "wall.png")
	writePNG(c, path, 2, 2, color.RGBA{B: 255, A: 255})

	tex := texture.New(path, dir, texture.Options{})
	defer tex.Close()
	c.Assert(tex.Load(), qt.IsNil)

	c.Assert(os.WriteFile(path, []byte("\x89PNG not really"), 0644), qt.IsNil)
	changed(c, tex, path)
	_, err := tex.Refresh()
	c.Assert(err, qt.ErrorMatches, "loading texture .*")
	c.Assert(tex.State(), qt.Equals, reload.Failed)
	c.Assert(current(c, tex).Width, qt.Equals, 2)
}

func TestUploadFailure(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	path := filepath.Join(dir, "wall.png")
	writePNG(c, path, 2, 2, color.RGBA{A: 255})

	errDevice := errors.New("device lost")
	tex := texture.New(path, dir, texture.Options{Uploader: &fakeUploader{uploadErr: errDevice}})
	defer tex.Close()
	c.Assert(tex.Load(), qt.ErrorIs, errDevice)
}

func TestDecodeMissing(t *testing.T) {
	c := qt.New(t)
	_, _, err := texture.Decode(filepath.Join(c.TempDir(), "nothing.png"))
	c.Assert(err, qt.ErrorIs, os.ErrNotExist)
}
