// Package scene describes the input scenes competing to supply composite
// pixels: a color raster, an optional cloud-confidence raster and scalar
// metadata such as the acquisition time.
package scene

import (
	"errors"
	"fmt"
	"path/filepath"

	"compositor/internal/config"
	"compositor/internal/fsutil"
	"compositor/internal/raster"
)

// Default nodata values used when neither the file nor the input declares one.
// Landsat 8 BQA rasters flag designated fill with bit 0, i.e. the value 1.
const (
	DefaultColorNoData = 0
	DefaultCloudNoData = 1
)

// ErrMissingInput is returned when a declared raster cannot be read.
var ErrMissingInput = errors.New("missing input")

// Scene is one input capture. It is immutable once built and safe for
// concurrent reads.
type Scene struct {
	Name     string
	Color    raster.Reader
	Cloud    raster.Reader
	metadata map[string]float64
}

// New builds a scene. cloud may be nil. The metadata map is copied.
func New(name string, color, cloud raster.Reader, metadata map[string]float64) *Scene {
	md := make(map[string]float64, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Scene{Name: name, Color: color, Cloud: cloud, metadata: md}
}

// Measure returns the metadata value stored under key.
func (s *Scene) Measure(key string) (float64, bool) {
	v, ok := s.metadata[key]
	return v, ok
}

// Metadata returns a copy of the scene's metadata.
func (s *Scene) Metadata() map[string]float64 {
	md := make(map[string]float64, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	return md
}

// HasCloud reports whether the scene carries a cloud raster.
func (s *Scene) HasCloud() bool { return s.Cloud != nil }

func (s *Scene) String() string {
	if s.Cloud != nil {
		return fmt.Sprintf("scene %s (cloud mask)", s.Name)
	}
	return "scene " + s.Name
}

// OpenFunc decodes a raster file.
type OpenFunc func(path string) (*raster.Memory, error)

// Load opens every input in order. Any unreadable file fails the whole load;
// a scene is never silently dropped. Cloud rasters are opened only when
// withCloud is true, since cloud masking is opt-in per stage.
func Load(inputs []config.Input, open OpenFunc, withCloud bool) ([]*Scene, error) {
	if open == nil {
		open = OpenFile
	}

	scenes := make([]*Scene, 0, len(inputs))
	for i, in := range inputs {
		color, err := openChecked(open, in.Filename)
		if err != nil {
			return nil, fmt.Errorf("inputs[%d]: %w", i, err)
		}
		applyNoData(color, in.NoData, DefaultColorNoData)

		var cloud raster.Reader
		if withCloud && in.CloudFile != "" {
			m, err := openChecked(open, in.CloudFile)
			if err != nil {
				return nil, fmt.Errorf("inputs[%d].cloud_file: %w", i, err)
			}
			applyNoData(m, in.CloudNoData, DefaultCloudNoData)
			cloud = m
		}

		scenes = append(scenes, New(filepath.Base(in.Filename), color, cloud, in.Metadata))
	}
	return scenes, nil
}

// OpenFile checks that path is a readable raster file and decodes it.
func OpenFile(path string) (*raster.Memory, error) {
	if err := fsutil.CheckReadable(path); err != nil {
		return nil, err
	}
	return raster.Open(path)
}

func openChecked(open OpenFunc, path string) (*raster.Memory, error) {
	m, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingInput, err)
	}
	return m, nil
}

// applyNoData gives the raster its nodata value: an explicit override wins,
// then whatever the file declared, then the default.
func applyNoData(m *raster.Memory, override *float64, def float64) {
	switch {
	case override != nil:
		m.SetNoData(*override)
	case m.Layout().HasNoData:
	default:
		m.SetNoData(def)
	}
}
