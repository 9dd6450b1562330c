// Package composite builds one raster out of many co-registered scenes by
// choosing, per pixel, the scene that the quality chain prefers.
package composite

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"compositor/internal/quality"
	"compositor/internal/raster"
	"compositor/internal/scene"
)

// Output nodata conventions.
const (
	// SourceTraceNoData marks pixels without a winner in the source trace.
	SourceTraceNoData = math.MaxUint16
	// MaxScenes is the number of scenes a source trace can index.
	MaxScenes = SourceTraceNoData
	// QualityNoData marks pixels without a winner in the quality output.
	QualityNoData = -math.MaxFloat32
)

// ErrGeometryMismatch is returned when a raster is not on the run's grid.
var ErrGeometryMismatch = errors.New("geometry mismatch")

// Outputs are the rasters a run writes. Composite is required.
type Outputs struct {
	Composite   raster.Writer
	SourceTrace raster.Writer
	Quality     raster.Writer
}

// Options tune a run without changing its result.
type Options struct {
	BlockSize int
	Workers   int
	Logger    *slog.Logger
	// Progress, if set, is called after each finished block. It may be called
	// from several goroutines.
	Progress func(done, total int)
}

// Engine runs one composite. It holds no mutable state shared between
// blocks; New validates everything, Run only computes.
type Engine struct {
	scenes    []*scene.Scene
	chain     *quality.Chain
	policy    quality.Policy
	out       Outputs
	opts      Options
	grid      raster.Layout
	bands     int
	noData    float64
	withCloud []bool
	scored    []int
	colorLay  []raster.Layout
	cloudLay  []raster.Layout
	log       *slog.Logger
}

// New validates the run: scene and output geometry, and the chain's
// requirements on the scenes. Every configuration error surfaces here.
func New(scenes []*scene.Scene, chain *quality.Chain, out Outputs, opts Options) (*Engine, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("composite: %w: no scenes", scene.ErrMissingInput)
	}
	if len(scenes) > MaxScenes {
		return nil, fmt.Errorf("composite: %d scenes exceed the source trace limit of %d", len(scenes), MaxScenes)
	}
	if chain == nil {
		return nil, errors.New("composite: nil quality chain")
	}
	if out.Composite == nil {
		return nil, errors.New("composite: no composite output")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	first := scenes[0].Color.Layout()
	e := &Engine{
		scenes:    scenes,
		chain:     chain,
		policy:    chain.Policy(),
		out:       out,
		opts:      opts,
		grid:      first,
		bands:     first.Bands,
		withCloud: make([]bool, len(scenes)),
		scored:    make([]int, len(scenes)),
		colorLay:  make([]raster.Layout, len(scenes)),
		cloudLay:  make([]raster.Layout, len(scenes)),
		log:       log,
	}
	for i, sc := range scenes {
		e.colorLay[i] = sc.Color.Layout()
		e.scored[i] = e.colorLay[i].ColorBands()
		if sc.Cloud != nil {
			e.cloudLay[i] = sc.Cloud.Layout()
		}
	}
	if first.HasNoData {
		e.noData = first.NoData
	} else {
		e.noData = scene.DefaultColorNoData
	}

	if err := e.checkGeometry(); err != nil {
		return nil, err
	}
	if err := chain.Check(scenes); err != nil {
		return nil, err
	}

	if chain.UsesCloud() {
		found := false
		for i, sc := range scenes {
			e.withCloud[i] = sc.HasCloud()
			found = found || sc.HasCloud()
		}
		if !found {
			log.Warn("cloud mask stage configured but no scene has a cloud raster", "chain", chain.String())
		}
	}
	return e, nil
}

func (e *Engine) checkGeometry() error {
	w, h := e.grid.Width, e.grid.Height
	if w <= 0 || h <= 0 || e.bands <= 0 {
		return fmt.Errorf("%w: %s is empty (%dx%dx%d)", ErrGeometryMismatch, e.scenes[0].Name, w, h, e.bands)
	}
	same := func(what string, l raster.Layout, bands int) error {
		if l.Width != w || l.Height != h {
			return fmt.Errorf("%w: %s is %dx%d, want %dx%d", ErrGeometryMismatch, what, l.Width, l.Height, w, h)
		}
		if bands > 0 && l.Bands != bands {
			return fmt.Errorf("%w: %s has %d band(s), want %d", ErrGeometryMismatch, what, l.Bands, bands)
		}
		return nil
	}

	for _, sc := range e.scenes {
		if err := same(sc.Name, sc.Color.Layout(), e.bands); err != nil {
			return err
		}
		if sc.Cloud != nil {
			if err := same(sc.Name+" cloud mask", sc.Cloud.Layout(), 1); err != nil {
				return err
			}
		}
	}
	if err := same("composite output", e.out.Composite.Layout(), e.bands); err != nil {
		return err
	}
	if e.out.SourceTrace != nil {
		if err := same("source trace output", e.out.SourceTrace.Layout(), 1); err != nil {
			return err
		}
	}
	if e.out.Quality != nil {
		if err := same("quality output", e.out.Quality.Layout(), 1); err != nil {
			return err
		}
	}
	return nil
}

// NoData returns the composite's nodata value.
func (e *Engine) NoData() float64 { return e.noData }

// Run composites every block. Blocks are handed to a bounded pool of workers;
// a block error cancels the remaining work and is returned.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	blocks := Blocks(e.grid.Bounds(), e.opts.BlockSize)
	stats := make([]blockStats, len(blocks))

	workers := e.opts.Workers
	if workers > len(blocks) {
		workers = len(blocks)
	}
	e.log.Debug("composite run",
		"scenes", len(e.scenes),
		"chain", e.chain.String(),
		"policy", e.policy.String(),
		"blocks", len(blocks),
		"workers", workers,
	)

	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan int)
	g.Go(func() error {
		defer close(queue)
		for i := range blocks {
			select {
			case queue <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var done atomic.Int64
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			ws := e.newWorkspace()
			for i := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				bs, err := e.processBlock(ws, blocks[i])
				if err != nil {
					return fmt.Errorf("block %v: %w", blocks[i], err)
				}
				stats[i] = bs
				n := done.Add(1)
				if e.opts.Progress != nil {
					e.opts.Progress(int(n), len(blocks))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	s := summarize(e.grid.Width, e.grid.Height, len(e.scenes), stats)
	s.Duration = time.Since(start)
	return s, nil
}

// workspace holds one worker's block buffers, sized for a full block.
type workspace struct {
	color  [][]float64
	cloud  [][]float64
	comp   []float64
	trace  []float64
	qual   []float64
	scores []float64
	cands  []Candidate
}

func (e *Engine) newWorkspace() *workspace {
	n := min(e.opts.BlockSize, e.grid.Width) * min(e.opts.BlockSize, e.grid.Height)
	ws := &workspace{
		color: make([][]float64, len(e.scenes)),
		cloud: make([][]float64, len(e.scenes)),
		comp:  make([]float64, n*e.bands),
		cands: make([]Candidate, 0, len(e.scenes)),
	}
	for i := range e.scenes {
		ws.color[i] = make([]float64, n*e.bands)
		if e.withCloud[i] {
			ws.cloud[i] = make([]float64, n)
		}
	}
	if e.out.SourceTrace != nil {
		ws.trace = make([]float64, n)
	}
	if e.out.Quality != nil {
		ws.qual = make([]float64, n)
	}
	return ws
}

func (e *Engine) processBlock(ws *workspace, r image.Rectangle) (blockStats, error) {
	pixels := r.Dx() * r.Dy()
	nb := e.bands

	color := make([][]float64, len(e.scenes))
	cloud := make([][]float64, len(e.scenes))
	for i, sc := range e.scenes {
		color[i] = ws.color[i][:pixels*nb]
		if err := sc.Color.ReadBlock(r, color[i]); err != nil {
			return blockStats{}, fmt.Errorf("read %s: %w", sc.Name, err)
		}
		if e.withCloud[i] {
			cloud[i] = ws.cloud[i][:pixels]
			if err := sc.Cloud.ReadBlock(r, cloud[i]); err != nil {
				return blockStats{}, fmt.Errorf("read %s cloud mask: %w", sc.Name, err)
			}
		}
	}

	comp := ws.comp[:pixels*nb]
	var trace, qual []float64
	if ws.trace != nil {
		trace = ws.trace[:pixels]
	}
	if ws.qual != nil {
		qual = ws.qual[:pixels]
	}
	ws.scores = ws.scores[:0]
	wins := make([]int, len(e.scenes))

	for p := 0; p < pixels; p++ {
		cands := ws.cands[:0]
		for i, sc := range e.scenes {
			full := color[i][p*nb : (p+1)*nb]
			if !valid(full, e.colorLay[i]) {
				continue
			}
			// Stages score color channels only; alpha is carried, not scored.
			px := quality.Pixel{Scene: sc, Color: full[:e.scored[i]]}
			if cloud[i] != nil {
				px.Cloud = cloud[i][p]
				if cl := e.cloudLay[i]; cl.HasNoData && isNoData(px.Cloud, cl.NoData) {
					continue
				}
				px.HasCloud = true
			}
			score, ok := e.chain.Score(px)
			if !ok {
				continue
			}
			cands = append(cands, Candidate{Scene: i, Score: score})
		}
		ws.cands = cands

		win, ok := SelectWinner(cands, e.policy)
		if !ok {
			for b := 0; b < nb; b++ {
				comp[p*nb+b] = e.noData
			}
			if trace != nil {
				trace[p] = SourceTraceNoData
			}
			if qual != nil {
				qual[p] = QualityNoData
			}
			continue
		}

		copy(comp[p*nb:(p+1)*nb], color[win.Scene][p*nb:(p+1)*nb])
		if trace != nil {
			trace[p] = float64(win.Scene)
		}
		if qual != nil {
			qual[p] = win.Score
		}
		wins[win.Scene]++
		ws.scores = append(ws.scores, win.Score)
	}

	if err := e.out.Composite.WriteBlock(r, comp); err != nil {
		return blockStats{}, fmt.Errorf("write composite: %w", err)
	}
	if trace != nil {
		if err := e.out.SourceTrace.WriteBlock(r, trace); err != nil {
			return blockStats{}, fmt.Errorf("write source trace: %w", err)
		}
	}
	if qual != nil {
		if err := e.out.Quality.WriteBlock(r, qual); err != nil {
			return blockStats{}, fmt.Errorf("write quality: %w", err)
		}
	}
	return newBlockStats(pixels, ws.scores, wins), nil
}

// valid reports whether a color pixel carries data: at least one band differs
// from the raster's nodata.
func valid(px []float64, l raster.Layout) bool {
	if !l.HasNoData {
		return true
	}
	for _, v := range px {
		if !isNoData(v, l.NoData) {
			return true
		}
	}
	return false
}

func isNoData(v, nodata float64) bool {
	return v == nodata || (math.IsNaN(nodata) && math.IsNaN(v))
}
