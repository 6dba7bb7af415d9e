// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package core

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gobuffalo/envy"
	"gopkg.in/yaml.v3"
)

// Defaults for the hot reload configuration
const (
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultQueueCapacity    = 512
	DefaultSidecarExtension = ".kdep"
)

// Environment variables that override the configuration file
const (
	EnvAssetRoot    = "KORU_ASSET_ROOT"
	EnvHotReload    = "KORU_HOTRELOAD"
	EnvReloadPollMs = "KORU_RELOAD_POLL_MS"
)

// ErrInvalidConfiguration is returned when the configuration cannot be used
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Configuration defines a global engine configuration setting
type Configuration struct {
	Time      TimeConfiguration      `yaml:"time"`
	Renderer  RendererConfiguration  `yaml:"renderer"`
	HotReload HotReloadConfiguration `yaml:"hotReload"`
}

// TimeConfiguration is used to configure time services
type TimeConfiguration struct {
	// FramesPerSecond caps frames per second that is put out
	// To unlimit, set to 0
	FramesPerSecond int `yaml:"framesPerSecond"`

	// EventPollDelay is the delay between window event polls, in milliseconds
	EventPollDelay int `yaml:"eventPollDelay"`
}

// RendererConfiguration is used to configure the renderer
type RendererConfiguration struct {
	SwapchainSize    uint32   `yaml:"swapchainSize"`
	DeviceExtensions []string `yaml:"deviceExtensions"`

	ScreenWidth  uint32 `yaml:"screenWidth"`
	ScreenHeight uint32 `yaml:"screenHeight"`

	ShaderDirectory    string   `yaml:"shaderDirectory"`
	IncludeDirectories []string `yaml:"includeDirectories"`
}

// HotReloadConfiguration configures live asset reloading
type HotReloadConfiguration struct {
	Enabled bool                `yaml:"enabled"`
	Roots   []RootConfiguration `yaml:"roots"`

	// PollInterval is how often the dispatcher drains the watcher
	PollInterval time.Duration `yaml:"pollInterval"`

	// QueueCapacity bounds the number of pending changes per root
	// before the root is reported as overflowed
	QueueCapacity int `yaml:"queueCapacity"`

	// Ignore lists glob patterns of file names that never produce changes
	Ignore []string `yaml:"ignore"`

	// SidecarExtension is appended to an asset path to name its dependency record
	SidecarExtension string `yaml:"sidecarExtension"`
}

// RootConfiguration is one watched asset directory
type RootConfiguration struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
}

// DefaultConfiguration returns the configuration used when nothing else is given
func DefaultConfiguration() Configuration {
	return Configuration{
		Time: TimeConfiguration{
			FramesPerSecond: 60,
			EventPollDelay:  50,
		},
		Renderer: RendererConfiguration{
			ScreenWidth:   800,
			ScreenHeight:  600,
			SwapchainSize: 3,
			DeviceExtensions: []string{
				"VK_KHR_swapchain",
			},
			ShaderDirectory: "./shaders",
		},
		HotReload: HotReloadConfiguration{
			Enabled:          true,
			PollInterval:     DefaultPollInterval,
			QueueCapacity:    DefaultQueueCapacity,
			SidecarExtension: DefaultSidecarExtension,
		},
	}
}

// LoadConfiguration reads a YAML configuration file on top of the defaults,
// then applies overrides from the environment. An empty path skips the file.
func LoadConfiguration(path string) (Configuration, error) {
	cfg := DefaultConfiguration()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Configuration{}, fmt.Errorf("read configuration: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Configuration{}, fmt.Errorf("parse configuration %s: %w", path, err)
		}
	}

	if err := cfg.HotReload.applyEnvironment(); err != nil {
		return Configuration{}, err
	}
	cfg.HotReload = cfg.HotReload.WithDefaults()

	if err := cfg.HotReload.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// WithDefaults fills in every unset value with its default
func (c HotReloadConfiguration) WithDefaults() HotReloadConfiguration {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.SidecarExtension == "" {
		c.SidecarExtension = DefaultSidecarExtension
	}
	return c
}

// Validate checks the configuration can be used to start watching
func (c HotReloadConfiguration) Validate() error {
	for idx, root := range c.Roots {
		if root.Path == "" {
			return fmt.Errorf("%w: root %d has no path", ErrInvalidConfiguration, idx)
		}
	}
	if c.SidecarExtension != "" && c.SidecarExtension[0] != '.' {
		return fmt.Errorf("%w: sidecar extension %q must start with a dot", ErrInvalidConfiguration, c.SidecarExtension)
	}
	return nil
}

func (c *HotReloadConfiguration) applyEnvironment() error {
	if root := envy.Get(EnvAssetRoot, ""); root != "" {
		c.Roots = []RootConfiguration{{Path: root, Recursive: true}}
	}

	if enabled := envy.Get(EnvHotReload, ""); enabled != "" {
		value, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("%w: %s: %s", ErrInvalidConfiguration, EnvHotReload, err)
		}
		c.Enabled = value
	}

	if poll := envy.Get(EnvReloadPollMs, ""); poll != "" {
		ms, err := strconv.Atoi(poll)
		if err != nil || ms <= 0 {
			return fmt.Errorf("%w: %s must be a positive number of milliseconds", ErrInvalidConfiguration, EnvReloadPollMs)
		}
		c.PollInterval = time.Duration(ms) * time.Millisecond
	}
	return nil
}
