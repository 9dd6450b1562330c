package composite

import (
	"context"
	"errors"
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compositor/internal/quality"
	"compositor/internal/raster"
	"compositor/internal/scene"
)

// band builds a single-band uint16 raster with nodata 0.
func band(w, h int, vals ...float64) *raster.Memory {
	m := raster.NewMemory(w, h, 1, raster.Uint16)
	m.SetNoData(0)
	copy(m.Samples(), vals)
	return m
}

// rgb builds a three-band uint16 raster with nodata 0.
func rgb(w, h int, px ...[3]float64) *raster.Memory {
	m := raster.NewMemory(w, h, 3, raster.Uint16)
	m.SetNoData(0)
	for i, p := range px {
		m.SetPixel(i%w, i/w, p[0], p[1], p[2])
	}
	return m
}

type result struct {
	comp, trace, qual *raster.Memory
	sum               Summary
}

func run(t *testing.T, scenes []*scene.Scene, chain *quality.Chain, opts Options) result {
	t.Helper()
	l := scenes[0].Color.Layout()
	comp := raster.NewMemoryLike(l)
	trace := raster.NewMemory(l.Width, l.Height, 1, raster.Uint16)
	trace.SetNoData(SourceTraceNoData)
	qual := raster.NewMemory(l.Width, l.Height, 1, raster.Float32)
	qual.SetNoData(QualityNoData)

	eng, err := New(scenes, chain, Outputs{Composite: comp, SourceTrace: trace, Quality: qual}, opts)
	require.NoError(t, err)
	sum, err := eng.Run(context.Background())
	require.NoError(t, err)
	return result{comp: comp, trace: trace, qual: qual, sum: sum}
}

func mustChain(t *testing.T, stages ...quality.Stage) *quality.Chain {
	t.Helper()
	c, err := quality.NewChain(stages...)
	require.NoError(t, err)
	return c
}

func randomScenes(seed uint64, n, w, h int, withCloud bool) []*scene.Scene {
	rng := rand.New(rand.NewSource(int64(seed)))
	cloudCodes := []float64{0, 1 << 14, 2 << 14, 3 << 14, 2 << 12, 3 << 12, 1}
	scenes := make([]*scene.Scene, n)
	for i := range scenes {
		color := raster.NewMemory(w, h, 1, raster.Uint16)
		color.SetNoData(0)
		for p := range color.Samples() {
			// roughly one pixel in eight is nodata
			if rng.Intn(8) == 0 {
				continue
			}
			color.Samples()[p] = float64(1 + rng.Intn(20000))
		}
		var cloud raster.Reader
		if withCloud {
			cm := raster.NewMemory(w, h, 1, raster.Uint16)
			cm.SetNoData(scene.DefaultCloudNoData)
			for p := range cm.Samples() {
				cm.Samples()[p] = cloudCodes[rng.Intn(len(cloudCodes))]
			}
			cloud = cm
		}
		scenes[i] = scene.New(string(rune('a'+i)), color, cloud, nil)
	}
	return scenes
}

func TestSingleValidCandidateWins(t *testing.T) {
	a := scene.New("a", band(3, 1, 500, 900, 20), nil, map[string]float64{"t": 1})
	b := scene.New("b", band(3, 1, 0, 0, 0), nil, map[string]float64{"t": 9})

	for _, chain := range []*quality.Chain{
		mustChain(t, quality.DefaultDarkest()),
		mustChain(t, quality.SceneMeasure{Key: "t"}),
		mustChain(t, quality.DefaultDarkest(), quality.Percentile{Percentile: 0}),
	} {
		res := run(t, []*scene.Scene{a, b}, chain, Options{})
		assert.Equal(t, []float64{500, 900, 20}, res.comp.Samples(), chain.String())
		assert.Equal(t, []float64{0, 0, 0}, res.trace.Samples(), chain.String())
	}
}

func TestPercentile100MatchesArgmax(t *testing.T) {
	scenes := randomScenes(1, 7, 19, 13, true)
	cloud := quality.CloudMask{Weights: quality.DefaultCloudWeights()}
	dark := quality.Darkest{ScaleMin: 0, ScaleMax: 40000}

	argmax := run(t, scenes, mustChain(t, cloud, dark), Options{BlockSize: 5})
	top := run(t, scenes, mustChain(t, cloud, dark, quality.Percentile{Percentile: 100}), Options{BlockSize: 5})

	require.Equal(t, argmax.comp.Samples(), top.comp.Samples())
	require.Equal(t, argmax.trace.Samples(), top.trace.Samples())
	require.Equal(t, argmax.qual.Samples(), top.qual.Samples())
}

func TestZeroCandidatesWriteNoData(t *testing.T) {
	a := scene.New("a", band(2, 1, 0, 7), nil, nil)
	b := scene.New("b", band(2, 1, 0, 3), nil, nil)
	res := run(t, []*scene.Scene{a, b}, mustChain(t, quality.DefaultDarkest()), Options{})

	assert.Equal(t, 0.0, res.comp.At(0, 0, 0))
	assert.Equal(t, float64(SourceTraceNoData), res.trace.At(0, 0, 0))
	assert.Equal(t, float64(float32(QualityNoData)), res.qual.At(0, 0, 0))
	assert.Equal(t, 3.0, res.comp.At(1, 0, 0))
	assert.Equal(t, 1, res.sum.NoData)
	assert.Equal(t, 1, res.sum.Composited)
}

func TestDeterministicAcrossBlocksAndWorkers(t *testing.T) {
	scenes := randomScenes(42, 10, 37, 23, true)
	chain := mustChain(t,
		quality.CloudMask{Weights: quality.DefaultCloudWeights()},
		quality.Darkest{ScaleMin: 0, ScaleMax: 96000},
		quality.Percentile{Percentile: 50},
	)

	ref := run(t, scenes, chain, Options{BlockSize: 256, Workers: 1})
	for _, opts := range []Options{
		{BlockSize: 1, Workers: 8},
		{BlockSize: 4, Workers: 3},
		{BlockSize: 16, Workers: 2},
		{BlockSize: 37, Workers: 16},
	} {
		got := run(t, scenes, chain, opts)
		require.Equal(t, ref.comp.Samples(), got.comp.Samples(), "block=%d workers=%d", opts.BlockSize, opts.Workers)
		require.Equal(t, ref.trace.Samples(), got.trace.Samples())
		require.Equal(t, ref.qual.Samples(), got.qual.Samples())
		require.Equal(t, ref.sum.Wins, got.sum.Wins)
	}
}

func TestTieGoesToLowerIndex(t *testing.T) {
	scenes := []*scene.Scene{
		scene.New("a", band(2, 1, 10, 10), nil, nil),
		scene.New("b", band(2, 1, 10, 10), nil, nil),
		scene.New("c", band(2, 1, 10, 5), nil, nil),
	}
	res := run(t, scenes, mustChain(t, quality.DefaultDarkest()), Options{})
	assert.Equal(t, []float64{0, 2}, res.trace.Samples())

	ranked := run(t, scenes, mustChain(t, quality.DefaultDarkest(), quality.Percentile{Percentile: 100}), Options{})
	assert.Equal(t, res.trace.Samples(), ranked.trace.Samples())
}

func TestScenarioGreenestTwoInputs(t *testing.T) {
	a := scene.New("a", rgb(3, 1, [3]float64{10, 50, 10}, [3]float64{30, 30, 30}, [3]float64{0, 0, 0}), nil, nil)
	b := scene.New("b", rgb(3, 1, [3]float64{10, 20, 10}, [3]float64{10, 40, 10}, [3]float64{5, 9, 5}), nil, nil)

	res := run(t, []*scene.Scene{a, b}, mustChain(t, quality.Greenest{}), Options{})
	assert.Equal(t, []float64{0, 1, 1}, res.trace.Samples())
	assert.Equal(t, []float64{10, 50, 10, 10, 40, 10, 5, 9, 5}, res.comp.Samples())
	assert.InDelta(t, 100.0/120.0, res.qual.At(0, 0, 0), 1e-6)
}

func TestGreenestFaultFallsBack(t *testing.T) {
	zero := rgb(1, 1, [3]float64{0, 0, 0})
	zero.SetNoData(65535)
	a := scene.New("a", zero, nil, nil)
	b := scene.New("b", rgb(1, 1, [3]float64{9, 1, 9}), nil, nil)

	res := run(t, []*scene.Scene{a, b}, mustChain(t, quality.Greenest{}), Options{})
	assert.Equal(t, []float64{1}, res.trace.Samples())
}

func TestAlphaBandIsNotScored(t *testing.T) {
	rgba := func(r, g, b, a float64) *raster.Memory {
		m := raster.NewMemory(1, 1, 4, raster.Uint8)
		m.SetNoData(0)
		m.SetAlpha(true)
		m.SetPixel(0, 0, r, g, b, a)
		return m
	}
	// Counting alpha would make b darker (60+1 against 30+255).
	a := scene.New("a", rgba(10, 10, 10, 255), nil, nil)
	b := scene.New("b", rgba(20, 20, 20, 1), nil, nil)

	res := run(t, []*scene.Scene{a, b}, mustChain(t, quality.Darkest{ScaleMin: 0, ScaleMax: 765}), Options{})
	assert.Equal(t, []float64{0}, res.trace.Samples())
	assert.Equal(t, []float64{10, 10, 10, 255}, res.comp.Samples())
	assert.InDelta(t, 1-30.0/765.0, res.qual.At(0, 0, 0), 1e-6)
}

func TestScenarioDarkestWithSideOutputs(t *testing.T) {
	scenes := randomScenes(7, 10, 11, 9, false)
	dark := quality.Darkest{ScaleMin: 0, ScaleMax: 32000}
	res := run(t, scenes, mustChain(t, dark), Options{BlockSize: 4})

	for y := 0; y < 9; y++ {
		for x := 0; x < 11; x++ {
			idx := res.trace.At(x, y, 0)
			if idx == SourceTraceNoData {
				assert.Equal(t, 0.0, res.comp.At(x, y, 0))
				assert.Equal(t, float64(float32(QualityNoData)), res.qual.At(x, y, 0))
				continue
			}
			src := scenes[int(idx)].Color.(*raster.Memory)
			v := src.At(x, y, 0)
			require.Equal(t, v, res.comp.At(x, y, 0))
			want, ok := dark.Factor([]float64{v})
			require.True(t, ok)
			require.Equal(t, float64(float32(want)), res.qual.At(x, y, 0), "pixel %d,%d", x, y)

			// no other valid scene is darker
			for _, sc := range scenes {
				other := sc.Color.(*raster.Memory).At(x, y, 0)
				if other != 0 {
					require.GreaterOrEqual(t, other, v)
				}
			}
		}
	}
	assert.Equal(t, 99, res.sum.Pixels)
	assert.Equal(t, res.sum.Pixels, res.sum.Composited+res.sum.NoData)
}

func TestScenarioSceneMeasureNewest(t *testing.T) {
	dates := []float64{1377000104, 1377000216, 1377001011}
	scenes := make([]*scene.Scene, len(dates))
	for i, d := range dates {
		scenes[i] = scene.New("s", band(4, 1, 1, 2, 3, 4), nil, map[string]float64{"acquisition_date": d})
	}
	// the newest scene has one hole, which the others fill
	scenes[2].Color.(*raster.Memory).Samples()[3] = 0

	res := run(t, scenes, mustChain(t, quality.SceneMeasure{Key: "acquisition_date"}), Options{})
	assert.Equal(t, []float64{2, 2, 2, 1}, res.trace.Samples())
	assert.Equal(t, []int{0, 1, 3}, res.sum.Wins)
}

func TestScenarioCloudAwareMedian(t *testing.T) {
	const n, w, h = 10, 9, 7
	scenes := randomScenes(99, n, w, h, true)
	cloud := quality.CloudMask{Weights: quality.DefaultCloudWeights()}
	dark := quality.Darkest{ScaleMin: 0, ScaleMax: 96000}
	res := run(t, scenes, mustChain(t, cloud, dark, quality.Percentile{Percentile: 50}), Options{BlockSize: 3})

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var cands []Candidate
			for i, sc := range scenes {
				v := sc.Color.(*raster.Memory).At(x, y, 0)
				qa := sc.Cloud.(*raster.Memory).At(x, y, 0)
				if v == 0 || qa == scene.DefaultCloudNoData {
					continue
				}
				weight, _ := cloud.Weight(qa)
				if weight == 0 {
					continue
				}
				f, _ := dark.Factor([]float64{v})
				cands = append(cands, Candidate{Scene: i, Score: weight * f})
			}

			got := res.trace.At(x, y, 0)
			if len(cands) == 0 {
				require.Equal(t, float64(SourceTraceNoData), got)
				continue
			}
			SortCandidates(cands)
			k := int(math.Ceil(float64(len(cands))*50/100)) - 1
			require.Equal(t, float64(cands[k].Scene), got, "pixel %d,%d", x, y)

			qa := scenes[int(got)].Cloud.(*raster.Memory).At(x, y, 0)
			require.NotEqual(t, float64(3<<14), qa, "fully confident cloud selected")
			require.NotEqual(t, float64(3<<12), qa, "fully confident cirrus selected")
		}
	}
}

func TestNewRejectsGeometryMismatch(t *testing.T) {
	a := scene.New("a", band(2, 2, 1, 1, 1, 1), nil, nil)
	b := scene.New("b", band(3, 2, 1, 1, 1, 1, 1, 1), nil, nil)
	comp := band(2, 2)
	_, err := New([]*scene.Scene{a, b}, mustChain(t, quality.DefaultDarkest()), Outputs{Composite: comp}, Options{})
	require.ErrorIs(t, err, ErrGeometryMismatch)
	assert.Contains(t, err.Error(), "b")

	cloudy := scene.New("c", band(2, 2, 1, 1, 1, 1), band(1, 1, 0), nil)
	_, err = New([]*scene.Scene{a, cloudy}, mustChain(t, quality.DefaultDarkest()), Outputs{Composite: comp}, Options{})
	require.ErrorIs(t, err, ErrGeometryMismatch)

	_, err = New([]*scene.Scene{a}, mustChain(t, quality.DefaultDarkest()), Outputs{Composite: comp, Quality: band(1, 2)}, Options{})
	require.ErrorIs(t, err, ErrGeometryMismatch)
}

func TestNewRejectsMissingMetadata(t *testing.T) {
	a := scene.New("a", band(1, 1, 1), nil, map[string]float64{"t": 1})
	b := scene.New("b", band(1, 1, 1), nil, nil)
	_, err := New([]*scene.Scene{a, b}, mustChain(t, quality.SceneMeasure{Key: "t"}), Outputs{Composite: band(1, 1)}, Options{})
	require.ErrorIs(t, err, quality.ErrMissingMetadata)
	var ce *quality.ConfigError
	require.True(t, errors.As(err, &ce))
}

type failingWriter struct{ layout raster.Layout }

func (f failingWriter) Layout() raster.Layout { return f.layout }
func (failingWriter) WriteBlock(image.Rectangle, []float64) error {
	return errors.New("disk full")
}

func TestRunReturnsWriteError(t *testing.T) {
	a := scene.New("a", band(8, 8), nil, nil)
	out := failingWriter{a.Color.Layout()}
	eng, err := New([]*scene.Scene{a}, mustChain(t, quality.DefaultDarkest()), Outputs{Composite: out}, Options{BlockSize: 2, Workers: 3})
	require.NoError(t, err)
	_, err = eng.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunHonoursCancelledContext(t *testing.T) {
	a := scene.New("a", band(8, 8), nil, nil)
	eng, err := New([]*scene.Scene{a}, mustChain(t, quality.DefaultDarkest()), Outputs{Composite: band(8, 8)}, Options{BlockSize: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSummaryStatistics(t *testing.T) {
	a := scene.New("a", band(4, 1, 1, 2, 3, 4), nil, map[string]float64{"q": 2})
	b := scene.New("b", band(4, 1, 0, 0, 5, 0), nil, map[string]float64{"q": 4})
	res := run(t, []*scene.Scene{a, b}, mustChain(t, quality.SceneMeasure{Key: "q"}), Options{BlockSize: 1})

	assert.Equal(t, []int{3, 1}, res.sum.Wins)
	assert.Equal(t, 4, res.sum.Blocks)
	assert.InDelta(t, 2.5, res.sum.QualityMean, 1e-12)
	assert.InDelta(t, 1.0, res.sum.QualityStdDev, 1e-12)
}
