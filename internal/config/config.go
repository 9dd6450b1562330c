package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultConfigPath = "~/.config/compositor/config.json"
	defaultBlockSize  = 256
)

// Config holds user-editable settings for the compositor. Per-run choices
// (inputs, chain, outputs) live in a Control document instead.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Raster     Raster     `json:"raster"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers   int `json:"workers"`    // block workers, 0 = one per CPU
	BlockSize int `json:"block_size"` // block edge in pixels
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json, traditional
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations.
type Paths struct {
	DatabasePath string `json:"database_path"` // run history, empty disables it
}

// Raster selects file drivers.
type Raster struct {
	// Driver forces a driver for its extensions, e.g. "magick" for
	// floating-point TIFF output. Empty keeps the built-in defaults.
	Driver string `json:"driver"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv("COMPOSITOR_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	cfg := defaultConfig()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in settings.
func Default() *Config {
	return defaultConfig()
}

// EffectiveWorkers resolves the worker count, defaulting to one per CPU.
func (p Processing) EffectiveWorkers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.NumCPU()
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			Workers:   0,
			BlockSize: defaultBlockSize,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "compositor.db"),
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
