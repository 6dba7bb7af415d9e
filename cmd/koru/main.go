// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/devblok/koru/core"
	"github.com/devblok/koru/hotreload"
	"github.com/devblok/koru/model"
	"github.com/devblok/koru/reload"
	"github.com/devblok/koru/scene"
	"github.com/devblok/koru/shader"
	"github.com/devblok/koru/texture"
	"github.com/devblok/koru/vkr"
)

func init() {
	runtime.LockOSThread()
}

var (
	configFile  = flag.String("config", "", "YAML configuration file")
	envFile     = flag.String("env", ".env", "Environment file loaded before the configuration")
	sceneFile   = flag.String("scene", "", "Collada scene to show")
	metricsAddr = flag.String("metrics", "", "Serve prometheus metrics on this address")
	debug       = flag.Bool("vkdbg", false, "Load Vulkan validation layers")
	verbose     = flag.Bool("v", false, "Log at debug level")
)

func newWindow(cfg core.RendererConfiguration) *sdl.Window {
	window, err := sdl.CreateWindow("Koru3D",
		sdl.WINDOWPOS_UNDEFINED,
		sdl.WINDOWPOS_UNDEFINED,
		int32(cfg.ScreenWidth),
		int32(cfg.ScreenHeight),
		sdl.WINDOW_VULKAN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		panic(err)
	}
	return window
}

// demo holds everything drawn every frame.
type demo struct {
	shaders  []*shader.Shader
	textures []*texture.Texture
	scene    *scene.Scene

	device   *vkr.Device
	vertices *vkr.Buffer
	object   *model.ColladaObject

	// last error reported per resource, so a broken asset logs once
	reported map[reload.Handle]string
}

func main() {
	flag.Parse()
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithError(err).Warn("Could not read environment file")
	}

	configuration, err := core.LoadConfiguration(*configFile)
	if err != nil {
		log.WithError(err).Fatal("Configuration")
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		panic(err)
	}
	defer sdl.Quit()

	if err := sdl.VulkanLoadLibrary(""); err != nil {
		panic(err)
	}
	defer sdl.VulkanUnloadLibrary()

	sdlWindow := newWindow(configuration.Renderer)
	defer sdlWindow.Destroy()

	device, err := vkr.NewDevice(sdl.VulkanGetVkGetInstanceProcAddr(), vkr.DeviceConfiguration{
		DebugMode:        *debug,
		Extensions:       sdlWindow.VulkanGetInstanceExtensions(),
		DeviceExtensions: configuration.Renderer.DeviceExtensions,
	})
	if err != nil {
		panic(err)
	}
	defer device.Destroy()
	for _, info := range device.PhysicalDevicesInfo() {
		log.WithFields(log.Fields{
			"name":   info.Name,
			"vendor": info.VendorID,
			"memory": info.Memory,
		}).Debug("Physical device")
	}

	manager, err := hotreload.New(configuration.HotReload, hotreload.Options{
		IncludeDirs: configuration.Renderer.IncludeDirectories,
		Uploader:    device.TextureUploader(),
	})
	if err != nil {
		log.WithError(err).Fatal("Hot reload")
	}
	defer manager.Close()

	if manager.Enabled() && configuration.Renderer.ShaderDirectory != "" {
		// a failure is logged and leaves the shaders loading once
		_ = manager.RegisterDirectory(configuration.Renderer.ShaderDirectory, true)
	}
	if err := manager.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("Hot reload")
	}

	d := &demo{
		device:   device,
		reported: make(map[reload.Handle]string),
	}
	d.loadShaders(manager, configuration.Renderer.ShaderDirectory)
	d.loadScene(manager, *sceneFile)

	time := core.NewTime(configuration.Time)
	defer time.Stop()

	var frames int64
EventLoop:
	for {
		select {
		case <-time.FpsTicker().C:
			d.draw()
			frames++
		case <-time.EventTicker().C:
			for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
				switch et := event.(type) {
				case *sdl.KeyboardEvent:
					if et.Keysym.Sym == sdl.K_ESCAPE {
						break EventLoop
					}
				case *sdl.QuitEvent:
					break EventLoop
				}
			}
		}
	}
	log.WithField("frames", frames).Info("Event loop exited")

	if d.vertices != nil {
		d.vertices.Release()
	}
}

func (d *demo) loadShaders(manager *hotreload.Manager, dir string) {
	if dir == "" {
		return
	}
	compiler := d.device.ShaderCompiler()
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || !strings.HasSuffix(path, ".spv") {
			return nil
		}
		s, err := manager.Shader(path, compiler)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("Shader did not load")
		}
		if s != nil {
			d.shaders = append(d.shaders, s)
		}
		return nil
	})
}

func (d *demo) loadScene(manager *hotreload.Manager, path string) {
	if path == "" {
		return
	}
	s, err := manager.Scene(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Scene did not load")
	}
	if s == nil {
		return
	}
	d.scene = s

	var images []string
	s.Use(func(m *scene.Model) error {
		images = m.Images
		return nil
	})
	for _, image := range images {
		t, err := manager.Texture(image)
		if err != nil {
			log.WithError(err).WithField("path", image).Warn("Texture did not load")
		}
		if t != nil {
			d.textures = append(d.textures, t)
		}
	}
}

func (d *demo) draw() {
	for _, s := range d.shaders {
		d.report(s, s.Use(func(p *shader.Program) error {
			return nil
		}))
	}
	for _, t := range d.textures {
		d.report(t, t.Use(func(img *texture.Image) error {
			return nil
		}))
	}
	if d.scene != nil {
		d.report(d.scene, d.scene.Use(d.upload))
	}
}

// upload replaces the vertex buffer once the scene was reloaded.
func (d *demo) upload(m *scene.Model) error {
	if d.object == m.Object {
		return nil
	}
	buffer, err := vkr.NewVertexBuffer(d.device.Get(), m.Object, d.device.Allocator())
	if err != nil {
		return err
	}
	if d.vertices != nil {
		d.vertices.Release()
	}
	d.vertices = &buffer
	d.object = m.Object
	return nil
}

func (d *demo) report(h reload.Handle, err error) {
	if err == nil {
		delete(d.reported, h)
		return
	}
	if d.reported[h] == err.Error() {
		return
	}
	d.reported[h] = err.Error()
	log.WithError(err).WithFields(log.Fields{
		"kind": h.Kind(),
		"path": h.Path(),
	}).Warn("Asset unavailable, drawing without it")
}
