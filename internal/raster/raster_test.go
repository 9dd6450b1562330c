package raster

import (
	"bytes"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBlockRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMemory(5, 4, 3, Uint16)
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			m.SetPixel(x, y, float64(x), float64(y), float64(x*y))
		}
	}

	r := image.Rect(1, 1, 4, 3)
	buf := make([]float64, BlockLen(r, 3))
	require.NoError(t, m.ReadBlock(r, buf))
	// First pixel of the block is (1,1).
	assert.Equal(t, []float64{1, 1, 1}, buf[:3])
	// Last pixel of the block is (3,2).
	assert.Equal(t, []float64{3, 2, 6}, buf[len(buf)-3:])

	out := NewMemory(5, 4, 3, Uint16)
	require.NoError(t, out.WriteBlock(r, buf))
	assert.Equal(t, 6.0, out.At(3, 2, 2))
	assert.Equal(t, 0.0, out.At(0, 0, 0))
}

func TestMemoryRejectsBadBlocks(t *testing.T) {
	t.Parallel()

	m := NewMemory(4, 4, 1, Uint8)
	err := m.ReadBlock(image.Rect(2, 2, 5, 5), make([]float64, 9))
	assert.True(t, errors.Is(err, ErrOutOfBounds))

	err = m.ReadBlock(image.Rect(0, 0, 2, 2), make([]float64, 3))
	assert.True(t, errors.Is(err, ErrShortBuffer))
}

func TestMemoryQuantizesToSampleType(t *testing.T) {
	t.Parallel()

	m := NewMemory(1, 1, 1, Uint8)
	m.Set(0, 0, 0, 300)
	assert.Equal(t, 255.0, m.At(0, 0, 0))
	m.Set(0, 0, 0, -4)
	assert.Equal(t, 0.0, m.At(0, 0, 0))

	f := NewMemory(1, 1, 1, Float32)
	f.Set(0, 0, 0, 0.1)
	assert.Equal(t, float64(float32(0.1)), f.At(0, 0, 0))
}

func TestTIFFPreservesSamples(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		bands  int
		sample SampleType
	}{
		{"gray8", 1, Uint8},
		{"gray16", 1, Uint16},
		{"rgb8", 3, Uint8},
		{"rgb16", 3, Uint16},
		{"rgba16", 4, Uint16},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			src := NewMemory(7, 3, tc.bands, tc.sample)
			for i := range src.Samples() {
				src.Samples()[i] = float64((i * 37) % int(tc.sample.Max()))
			}
			if tc.bands == 4 {
				// Keep one pixel translucent so the alpha band survives decoding.
				src.Set(0, 0, 3, 1)
			}

			var buf bytes.Buffer
			require.NoError(t, TIFF{}.Encode(&buf, src))
			got, err := TIFF{}.Decode(&buf)
			require.NoError(t, err)

			assert.Equal(t, src.Layout().Bands, got.Layout().Bands)
			assert.Equal(t, src.Layout().Sample, got.Layout().Sample)
			assert.Equal(t, src.Samples(), got.Samples())
			assert.Equal(t, tc.bands == 4, got.Layout().Alpha)
			assert.Equal(t, min(tc.bands, 3), got.Layout().ColorBands())
		})
	}
}

func TestFloat32RawKeepsNoData(t *testing.T) {
	t.Parallel()

	src := NewMemory(3, 2, 1, Float32)
	src.SetNoData(-math.MaxFloat32)
	src.Set(1, 1, 0, -0.25)
	src.Set(2, 0, 0, -math.MaxFloat32)

	var buf bytes.Buffer
	require.NoError(t, Float32Raw{}.Encode(&buf, src))
	got, err := Float32Raw{}.Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, src.Layout(), got.Layout())
	assert.Equal(t, src.Samples(), got.Samples())
}

func TestFloat32RawRejectsForeignFiles(t *testing.T) {
	t.Parallel()

	_, err := Float32Raw{}.Decode(bytes.NewReader(make([]byte, 64)))
	assert.ErrorIs(t, err, errBadMagic)
}

func TestCheckEncodable(t *testing.T) {
	t.Parallel()

	quality := Layout{Width: 2, Height: 2, Bands: 1, Sample: Float32}
	assert.Error(t, CheckEncodable("quality.tif", quality))
	assert.NoError(t, CheckEncodable("quality.f32", quality))

	trace := Layout{Width: 2, Height: 2, Bands: 1, Sample: Uint16}
	assert.NoError(t, CheckEncodable("trace.TIF", trace))

	assert.ErrorIs(t, CheckEncodable("trace.png", trace), ErrNoDriver)
}
