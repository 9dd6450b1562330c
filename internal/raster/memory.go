package raster

import (
	"image"
	"math"
)

// Memory is an in-memory raster. It backs every decoded file and every output
// while a run is in progress; drivers encode it once the run has succeeded.
type Memory struct {
	layout Layout
	data   []float64
}

// NewMemory allocates a zero-filled raster.
func NewMemory(width, height, bands int, sample SampleType) *Memory {
	if width < 0 || height < 0 || bands < 1 {
		panic("raster: invalid memory raster dimensions")
	}
	return &Memory{
		layout: Layout{Width: width, Height: height, Bands: bands, Sample: sample},
		data:   make([]float64, width*height*bands),
	}
}

// NewMemoryLike allocates an empty raster with the layout l.
func NewMemoryLike(l Layout) *Memory {
	m := NewMemory(l.Width, l.Height, l.Bands, l.Sample)
	m.layout.NoData = l.NoData
	m.layout.HasNoData = l.HasNoData
	m.layout.Alpha = l.Alpha
	return m
}

func (m *Memory) Layout() Layout { return m.layout }

// SetNoData declares the raster's nodata value.
func (m *Memory) SetNoData(v float64) {
	m.layout.NoData = v
	m.layout.HasNoData = true
}

// SetAlpha declares whether the last band is an alpha channel.
func (m *Memory) SetAlpha(on bool) {
	m.layout.Alpha = on && m.layout.Bands > 1
}

// ClearNoData removes any nodata declaration.
func (m *Memory) ClearNoData() {
	m.layout.NoData = 0
	m.layout.HasNoData = false
}

// Fill sets every sample of every band to v.
func (m *Memory) Fill(v float64) {
	v = m.quantize(v)
	for i := range m.data {
		m.data[i] = v
	}
}

// At returns the sample of band b at (x, y).
func (m *Memory) At(x, y, b int) float64 {
	return m.data[m.offset(x, y)+b]
}

// Set stores v into band b at (x, y), quantized to the sample type.
func (m *Memory) Set(x, y, b int, v float64) {
	m.data[m.offset(x, y)+b] = m.quantize(v)
}

// SetPixel stores all bands of the pixel at (x, y).
func (m *Memory) SetPixel(x, y int, vals ...float64) {
	off := m.offset(x, y)
	for b := 0; b < m.layout.Bands && b < len(vals); b++ {
		m.data[off+b] = m.quantize(vals[b])
	}
}

// Samples exposes the backing pixel-interleaved slice.
func (m *Memory) Samples() []float64 { return m.data }

func (m *Memory) ReadBlock(r image.Rectangle, buf []float64) error {
	if err := checkBlock(m.layout, r, buf); err != nil {
		return err
	}
	rowLen := r.Dx() * m.layout.Bands
	for y := r.Min.Y; y < r.Max.Y; y++ {
		src := m.offset(r.Min.X, y)
		dst := (y - r.Min.Y) * rowLen
		copy(buf[dst:dst+rowLen], m.data[src:src+rowLen])
	}
	return nil
}

func (m *Memory) WriteBlock(r image.Rectangle, buf []float64) error {
	if err := checkBlock(m.layout, r, buf); err != nil {
		return err
	}
	rowLen := r.Dx() * m.layout.Bands
	for y := r.Min.Y; y < r.Max.Y; y++ {
		dst := m.offset(r.Min.X, y)
		src := (y - r.Min.Y) * rowLen
		for i := 0; i < rowLen; i++ {
			m.data[dst+i] = m.quantize(buf[src+i])
		}
	}
	return nil
}

func (m *Memory) offset(x, y int) int {
	return (y*m.layout.Width + x) * m.layout.Bands
}

// quantize maps v onto the set of values the sample type can hold, so the
// in-memory raster holds exactly what its encoded file will hold.
func (m *Memory) quantize(v float64) float64 {
	switch m.layout.Sample {
	case Float32:
		return float64(float32(v))
	case Uint8, Uint16:
		if math.IsNaN(v) {
			return 0
		}
		v = math.Round(v)
		if v < 0 {
			return 0
		}
		if max := m.layout.Sample.Max(); v > max {
			return max
		}
		return v
	default:
		return v
	}
}
