package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Float32Raw stores rasters as little-endian float32 samples behind a small
// fixed header. It is the pure-Go home for quality rasters.
//
//	magic "CF32" | width u32 | height u32 | bands u32 | has_nodata u8 | nodata f64 | samples
type Float32Raw struct{}

var float32Magic = [4]byte{'C', 'F', '3', '2'}

// errBadMagic reports a file that is not a float32 raster.
var errBadMagic = errors.New("not a float32 raster")

type float32Header struct {
	Magic     [4]byte
	Width     uint32
	Height    uint32
	Bands     uint32
	HasNoData uint8
	NoData    float64
}

func (Float32Raw) Name() string { return "f32" }

func (Float32Raw) Extensions() []string { return []string{".f32"} }

func (Float32Raw) CanEncode(l Layout) bool { return l.Bands >= 1 }

func (Float32Raw) Decode(r io.Reader) (*Memory, error) {
	var hdr float32Header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if hdr.Magic != float32Magic {
		return nil, errBadMagic
	}
	if hdr.Bands == 0 {
		return nil, fmt.Errorf("header declares zero bands")
	}
	m := NewMemory(int(hdr.Width), int(hdr.Height), int(hdr.Bands), Float32)
	if hdr.HasNoData != 0 {
		m.SetNoData(hdr.NoData)
	}

	samples := make([]float32, len(m.data))
	if err := binary.Read(r, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}
	for i, v := range samples {
		m.data[i] = float64(v)
	}
	return m, nil
}

func (Float32Raw) Encode(w io.Writer, m *Memory) error {
	l := m.Layout()
	hdr := float32Header{
		Magic:  float32Magic,
		Width:  uint32(l.Width),
		Height: uint32(l.Height),
		Bands:  uint32(l.Bands),
		NoData: l.NoData,
	}
	if l.HasNoData {
		hdr.HasNoData = 1
	}
	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	var buf [4]byte
	for _, v := range m.data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}
