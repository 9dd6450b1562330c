//go:build magick

// Package magick registers an ImageMagick-backed raster driver. Unlike the
// pure-Go TIFF driver it writes 32-bit floating-point TIFFs, so quality
// rasters can share the .tif extension with the composite.
//
// Build with -tags magick; it needs the MagickWand development libraries.
package magick

import (
	"bytes"
	"fmt"
	"io"

	"compositor/internal/raster"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// Driver implements raster.Driver on top of MagickWand.
type Driver struct{}

func init() {
	raster.Register(Driver{})
}

func (Driver) Name() string { return "magick" }

func (Driver) Extensions() []string { return []string{".tif", ".tiff"} }

func (Driver) CanEncode(l raster.Layout) bool {
	return l.Bands == 1 || l.Bands == 3 || l.Bands == 4
}

func channelMap(bands int) (string, error) {
	switch bands {
	case 1:
		return "I", nil
	case 3:
		return "RGB", nil
	case 4:
		return "RGBA", nil
	default:
		return "", fmt.Errorf("unsupported band count %d", bands)
	}
}

func (Driver) Decode(r io.Reader) (*raster.Memory, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImageBlob(blob); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	width := mw.GetImageWidth()
	height := mw.GetImageHeight()
	depth := mw.GetImageDepth()

	bands := 3
	if mw.GetImageColorspace() == imagick.COLORSPACE_GRAY {
		bands = 1
	} else if mw.GetImageAlphaChannel() {
		bands = 4
	}
	pmap, _ := channelMap(bands)

	sample := raster.Uint16
	switch {
	case depth <= 8:
		sample = raster.Uint8
	case depth > 16:
		sample = raster.Float32
	}

	pixels, err := mw.ExportImagePixels(0, 0, width, height, pmap, imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %w", err)
	}
	floats, ok := pixels.([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
	}

	// Integer samples come back normalised to [0,1].
	scale := 1.0
	if sample != raster.Float32 {
		scale = sample.Max()
	}

	m := raster.NewMemory(int(width), int(height), bands, sample)
	samples := m.Samples()
	for i, v := range floats {
		samples[i] = float64(v) * scale
	}
	// Re-quantize through the raster so integer samples are exact.
	if sample != raster.Float32 {
		for i := range samples {
			samples[i] = float64(int64(samples[i] + 0.5))
		}
	}
	return m, nil
}

func (d Driver) Encode(w io.Writer, m *raster.Memory) error {
	l := m.Layout()
	pmap, err := channelMap(l.Bands)
	if err != nil {
		return err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	bg := imagick.NewPixelWand()
	defer bg.Destroy()
	bg.SetColor("black")

	if err := mw.NewImage(uint(l.Width), uint(l.Height), bg); err != nil {
		return fmt.Errorf("failed to allocate image: %w", err)
	}

	scale := 1.0
	depth := uint(32)
	switch l.Sample {
	case raster.Uint8:
		scale, depth = 1/raster.Uint8.Max(), 8
	case raster.Uint16:
		scale, depth = 1/raster.Uint16.Max(), 16
	default:
		if err := mw.SetOption("quantum:format", "floating-point"); err != nil {
			return fmt.Errorf("failed to select floating-point samples: %w", err)
		}
	}

	src := m.Samples()
	floats := make([]float32, len(src))
	for i, v := range src {
		floats[i] = float32(v * scale)
	}
	if err := mw.ImportImagePixels(0, 0, uint(l.Width), uint(l.Height), pmap, imagick.PIXEL_FLOAT, floats); err != nil {
		return fmt.Errorf("failed to import pixels: %w", err)
	}
	if l.Bands == 1 {
		if err := mw.SetImageColorspace(imagick.COLORSPACE_GRAY); err != nil {
			return fmt.Errorf("failed to set colorspace: %w", err)
		}
	}
	if err := mw.SetImageDepth(depth); err != nil {
		return fmt.Errorf("failed to set bit depth: %w", err)
	}
	if err := mw.SetImageFormat("TIFF"); err != nil {
		return fmt.Errorf("failed to set format: %w", err)
	}

	_, err = io.Copy(w, bytes.NewReader(mw.GetImageBlob()))
	return err
}
