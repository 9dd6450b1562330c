// Package raster is the narrow pixel-access contract the compositor consumes.
//
// A raster is a width x height grid of pixels with one or more bands. Blocks
// are exchanged as pixel-interleaved float64 slices: the sample for band b of
// the pixel at (x, y) inside block r lives at
//
//	((y-r.Min.Y)*r.Dx() + (x-r.Min.X))*bands + b
//
// Float64 holds every uint8, uint16 and float32 sample exactly, so values read
// from one raster and written to another round-trip bit for bit.
package raster

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// SampleType is the storage type of a raster's samples.
type SampleType int

const (
	Uint8 SampleType = iota
	Uint16
	Float32
)

func (s SampleType) String() string {
	switch s {
	case Uint8:
		return "uint8"
	case Uint16:
		return "uint16"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("SampleType(%d)", int(s))
	}
}

// Max returns the largest value representable by the sample type.
func (s SampleType) Max() float64 {
	switch s {
	case Uint8:
		return 0xff
	case Uint16:
		return 0xffff
	default:
		return math.MaxFloat32
	}
}

// Holds reports whether every value of sample type o is exactly
// representable in s.
func (s SampleType) Holds(o SampleType) bool {
	switch s {
	case Uint8:
		return o == Uint8
	case Uint16:
		return o == Uint8 || o == Uint16
	case Float32:
		return o == Uint8 || o == Uint16 || o == Float32
	}
	return false
}

// ColorBands returns the number of bands that carry color.
func (l Layout) ColorBands() int {
	if l.Alpha && l.Bands > 1 {
		return l.Bands - 1
	}
	return l.Bands
}

// Layout describes the shape of a raster.
type Layout struct {
	Width     int
	Height    int
	Bands     int
	Sample    SampleType
	NoData    float64
	HasNoData bool
	// Alpha marks the last band as opacity rather than a color channel.
	Alpha bool
}

// Bounds returns the full pixel extent of the layout.
func (l Layout) Bounds() image.Rectangle {
	return image.Rect(0, 0, l.Width, l.Height)
}

// Reader supplies block reads.
type Reader interface {
	Layout() Layout
	// ReadBlock fills buf with the pixels of r. len(buf) must be at least
	// r.Dx()*r.Dy()*Bands.
	ReadBlock(r image.Rectangle, buf []float64) error
}

// Writer accepts block writes. Concurrent writes to disjoint blocks are safe.
type Writer interface {
	Layout() Layout
	WriteBlock(r image.Rectangle, buf []float64) error
}

var (
	// ErrOutOfBounds is returned for blocks not fully inside the raster.
	ErrOutOfBounds = errors.New("raster: block out of bounds")
	// ErrShortBuffer is returned when a block buffer is too small.
	ErrShortBuffer = errors.New("raster: buffer too small for block")
)

// BlockLen returns the number of samples in a block of r with the given band count.
func BlockLen(r image.Rectangle, bands int) int {
	return r.Dx() * r.Dy() * bands
}

func checkBlock(l Layout, r image.Rectangle, buf []float64) error {
	if r.Empty() || !r.In(l.Bounds()) {
		return fmt.Errorf("%w: %v not in %v", ErrOutOfBounds, r, l.Bounds())
	}
	if len(buf) < BlockLen(r, l.Bands) {
		return fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(buf), BlockLen(r, l.Bands))
	}
	return nil
}
