package raster

import (
	"fmt"
	"image"
	"io"

	"golang.org/x/image/tiff"
)

// TIFF is the pure-Go TIFF driver. It stores 8- and 16-bit gray, RGB and RGBA
// rasters. Floating-point samples are not supported by golang.org/x/image/tiff;
// use the .f32 driver or the ImageMagick driver for those.
type TIFF struct{}

func (TIFF) Name() string { return "tiff" }

func (TIFF) Extensions() []string { return []string{".tif", ".tiff"} }

func (TIFF) CanEncode(l Layout) bool {
	if l.Sample != Uint8 && l.Sample != Uint16 {
		return false
	}
	return l.Bands == 1 || l.Bands == 3 || l.Bands == 4
}

func (TIFF) Decode(r io.Reader) (*Memory, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}
	return fromImage(img)
}

func (t TIFF) Encode(w io.Writer, m *Memory) error {
	img, err := toImage(m)
	if err != nil {
		return err
	}
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
}

// fromImage copies the samples of a decoded image into a Memory raster.
// RGB files decode with a constant opaque alpha; those come back as three bands.
// Translucent RGBA files keep four bands with the last marked as alpha.
func fromImage(img image.Image) (*Memory, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch im := img.(type) {
	case *image.Gray:
		m := NewMemory(w, h, 1, Uint8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				m.data[m.offset(x, y)] = float64(im.Pix[im.PixOffset(b.Min.X+x, b.Min.Y+y)])
			}
		}
		return m, nil
	case *image.Gray16:
		m := NewMemory(w, h, 1, Uint16)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				o := im.PixOffset(b.Min.X+x, b.Min.Y+y)
				m.data[m.offset(x, y)] = float64(uint16(im.Pix[o])<<8 | uint16(im.Pix[o+1]))
			}
		}
		return m, nil
	case *image.Paletted:
		m := NewMemory(w, h, 1, Uint8)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				m.data[m.offset(x, y)] = float64(im.Pix[im.PixOffset(b.Min.X+x, b.Min.Y+y)])
			}
		}
		return m, nil
	case *image.RGBA:
		return withAlpha(from8(im.Pix, im.Stride, b, rgbBands(im.Opaque()))), nil
	case *image.NRGBA:
		return withAlpha(from8(im.Pix, im.Stride, b, rgbBands(im.Opaque()))), nil
	case *image.CMYK:
		return from8(im.Pix, im.Stride, b, 4), nil
	case *image.RGBA64:
		return withAlpha(from16(im.Pix, im.Stride, b, rgbBands(im.Opaque()))), nil
	case *image.NRGBA64:
		return withAlpha(from16(im.Pix, im.Stride, b, rgbBands(im.Opaque()))), nil
	default:
		return nil, fmt.Errorf("unsupported image type %T", img)
	}
}

func withAlpha(m *Memory) *Memory {
	m.SetAlpha(m.layout.Bands == 4)
	return m
}

func rgbBands(opaque bool) int {
	if opaque {
		return 3
	}
	return 4
}

func from8(pix []byte, stride int, b image.Rectangle, bands int) *Memory {
	w, h := b.Dx(), b.Dy()
	m := NewMemory(w, h, bands, Uint8)
	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			dst := m.offset(x, y)
			for c := 0; c < bands; c++ {
				m.data[dst+c] = float64(row[x*4+c])
			}
		}
	}
	return m
}

func from16(pix []byte, stride int, b image.Rectangle, bands int) *Memory {
	w, h := b.Dx(), b.Dy()
	m := NewMemory(w, h, bands, Uint16)
	for y := 0; y < h; y++ {
		row := pix[y*stride:]
		for x := 0; x < w; x++ {
			dst := m.offset(x, y)
			for c := 0; c < bands; c++ {
				o := x*8 + c*2
				m.data[dst+c] = float64(uint16(row[o])<<8 | uint16(row[o+1]))
			}
		}
	}
	return m
}

// toImage builds the image type whose TIFF encoding preserves every sample of m.
func toImage(m *Memory) (image.Image, error) {
	l := m.layout
	rect := image.Rect(0, 0, l.Width, l.Height)

	switch {
	case l.Bands == 1 && l.Sample == Uint8:
		im := image.NewGray(rect)
		for y := 0; y < l.Height; y++ {
			for x := 0; x < l.Width; x++ {
				im.Pix[im.PixOffset(x, y)] = uint8(m.data[m.offset(x, y)])
			}
		}
		return im, nil
	case l.Bands == 1 && l.Sample == Uint16:
		im := image.NewGray16(rect)
		for y := 0; y < l.Height; y++ {
			for x := 0; x < l.Width; x++ {
				v := uint16(m.data[m.offset(x, y)])
				o := im.PixOffset(x, y)
				im.Pix[o], im.Pix[o+1] = uint8(v>>8), uint8(v)
			}
		}
		return im, nil
	case (l.Bands == 3 || l.Bands == 4) && l.Sample == Uint8:
		im := image.NewNRGBA(rect)
		for y := 0; y < l.Height; y++ {
			for x := 0; x < l.Width; x++ {
				src, o := m.offset(x, y), im.PixOffset(x, y)
				im.Pix[o+3] = 0xff
				for c := 0; c < l.Bands; c++ {
					im.Pix[o+c] = uint8(m.data[src+c])
				}
			}
		}
		return im, nil
	case (l.Bands == 3 || l.Bands == 4) && l.Sample == Uint16:
		im := image.NewNRGBA64(rect)
		for y := 0; y < l.Height; y++ {
			for x := 0; x < l.Width; x++ {
				src, o := m.offset(x, y), im.PixOffset(x, y)
				im.Pix[o+6], im.Pix[o+7] = 0xff, 0xff
				for c := 0; c < l.Bands; c++ {
					v := uint16(m.data[src+c])
					im.Pix[o+c*2], im.Pix[o+c*2+1] = uint8(v>>8), uint8(v)
				}
			}
		}
		return im, nil
	default:
		return nil, fmt.Errorf("cannot store %d band(s) of %s", l.Bands, l.Sample)
	}
}
