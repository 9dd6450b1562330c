package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"compositor/internal/composite"
	"compositor/internal/config"
	"compositor/internal/fsutil"
	"compositor/internal/logging"
	"compositor/internal/quality"
	"compositor/internal/raster"
	"compositor/internal/scene"
)

// Runner turns a control document into output files. It implements Processor.
type Runner struct {
	log      *slog.Logger
	settings config.Processing
	open     scene.OpenFunc
}

// NewRunner creates a Runner. settings supply block size and workers when the
// control document leaves them unset.
func NewRunner(logger *slog.Logger, settings config.Processing) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{log: logger, settings: settings, open: scene.OpenFile}
}

// Process runs one composite: load scenes, validate, composite in memory,
// then write every output. Outputs only appear once all of them are encoded.
func (r *Runner) Process(ctx context.Context, job Job) Result {
	res := Result{Job: job}
	ctrl := job.Control
	if ctrl == nil {
		res.Error = fmt.Errorf("job %s has no control document", job.ID)
		return res
	}
	if err := ctrl.Validate(); err != nil {
		res.Error = err
		return res
	}

	chain, err := quality.Build(ctrl.Compositors)
	if err != nil {
		res.Error = err
		return res
	}
	scenes, err := scene.Load(ctrl.Inputs, r.open, chain.UsesCloud())
	if err != nil {
		res.Error = err
		return res
	}
	logging.LogRunStart(r.log, job.ID, ctrl.OutputFile, len(scenes), chain.String())

	outs, err := r.prepareOutputs(ctrl, scenes)
	if err != nil {
		res.Error = err
		return res
	}
	r.checkMemory(scenes, outs)

	opts := composite.Options{
		BlockSize: firstPositive(ctrl.BlockSize, r.settings.BlockSize),
		Workers:   firstPositive(ctrl.Workers, r.settings.EffectiveWorkers()),
		Logger:    r.log,
	}
	if !job.Quiet {
		opts.Progress = func(done, total int) {
			logging.LogProgress(r.log, job.ID, done, total)
		}
	}

	eng, err := composite.New(scenes, chain, outs.engine(), opts)
	if err != nil {
		res.Error = err
		return res
	}
	sum, err := eng.Run(ctx)
	if err != nil {
		res.Error = fmt.Errorf("composite: %w", err)
		return res
	}
	res.Summary = sum

	if err := outs.commit(); err != nil {
		res.Error = err
		return res
	}
	res.Meta = summaryMeta(ctrl, sum)
	return res
}

// output is one raster to be written to path.
type output struct {
	path string
	mem  *raster.Memory
}

type outputs struct {
	composite   output
	sourceTrace *output
	quality     *output
}

// prepareOutputs allocates the output rasters and checks, before any work,
// that each can be encoded to its path.
func (r *Runner) prepareOutputs(ctrl *config.Control, scenes []*scene.Scene) (*outputs, error) {
	first := scenes[0].Color.Layout()
	tmpl := first
	if fsutil.Exists(ctrl.OutputFile) {
		existing, err := r.open(ctrl.OutputFile)
		if err != nil {
			return nil, fmt.Errorf("output template %s: %w", ctrl.OutputFile, err)
		}
		tmpl = existing.Layout()
		r.log.Debug("compositing into existing output", "path", ctrl.OutputFile,
			"width", tmpl.Width, "height", tmpl.Height, "bands", tmpl.Bands, "sample", tmpl.Sample.String())
		if err := checkTemplate(ctrl.OutputFile, tmpl, scenes); err != nil {
			return nil, err
		}
	}

	comp := raster.NewMemoryLike(tmpl)
	if first.HasNoData {
		comp.SetNoData(first.NoData)
	} else {
		comp.SetNoData(scene.DefaultColorNoData)
	}
	outs := &outputs{composite: output{path: ctrl.OutputFile, mem: comp}}

	if ctrl.SourceTrace != "" {
		m := raster.NewMemory(tmpl.Width, tmpl.Height, 1, raster.Uint16)
		m.SetNoData(composite.SourceTraceNoData)
		outs.sourceTrace = &output{path: ctrl.SourceTrace, mem: m}
	}
	if ctrl.QualityOutput != "" {
		m := raster.NewMemory(tmpl.Width, tmpl.Height, 1, raster.Float32)
		m.SetNoData(composite.QualityNoData)
		outs.quality = &output{path: ctrl.QualityOutput, mem: m}
	}

	for _, o := range outs.all() {
		if err := fsutil.CheckWritableDir(o.path); err != nil {
			return nil, fmt.Errorf("%s: %w", o.path, err)
		}
		if err := raster.CheckEncodable(o.path, o.mem.Layout()); err != nil {
			return nil, err
		}
	}
	return outs, nil
}

// checkTemplate rejects an existing output whose band count or sample type
// would alter the winning values copied into it.
func checkTemplate(path string, tmpl raster.Layout, scenes []*scene.Scene) error {
	for _, sc := range scenes {
		l := sc.Color.Layout()
		if l.Bands != tmpl.Bands {
			return fmt.Errorf("%w: existing output %s has %d band(s), %s has %d",
				composite.ErrGeometryMismatch, path, tmpl.Bands, sc.Name, l.Bands)
		}
		if !tmpl.Sample.Holds(l.Sample) {
			return fmt.Errorf("%w: existing output %s stores %s samples, %s has %s",
				composite.ErrGeometryMismatch, path, tmpl.Sample, sc.Name, l.Sample)
		}
	}
	return nil
}

// checkMemory warns when the decoded scenes and outputs already exceed the
// memory the system reports as available.
func (r *Runner) checkMemory(scenes []*scene.Scene, outs *outputs) {
	var need uint64
	for _, s := range scenes {
		need += rasterBytes(s.Color.Layout())
		if s.Cloud != nil {
			need += rasterBytes(s.Cloud.Layout())
		}
	}
	for _, o := range outs.all() {
		need += rasterBytes(o.mem.Layout())
	}

	avail, err := fsutil.AvailableMemory()
	if err != nil {
		r.log.Debug("skipping memory check", "error", err)
		return
	}
	if need > avail {
		r.log.Warn("rasters exceed available memory, expect swapping",
			"resident", humanize.IBytes(need), "available", humanize.IBytes(avail))
		return
	}
	r.log.Debug("raster memory", "resident", humanize.IBytes(need), "available", humanize.IBytes(avail))
}

// rasterBytes is the in-memory size of a decoded raster.
func rasterBytes(l raster.Layout) uint64 {
	return uint64(l.Width) * uint64(l.Height) * uint64(l.Bands) * 8
}

func (o *outputs) all() []output {
	all := []output{o.composite}
	if o.sourceTrace != nil {
		all = append(all, *o.sourceTrace)
	}
	if o.quality != nil {
		all = append(all, *o.quality)
	}
	return all
}

func (o *outputs) engine() composite.Outputs {
	out := composite.Outputs{Composite: o.composite.mem}
	if o.sourceTrace != nil {
		out.SourceTrace = o.sourceTrace.mem
	}
	if o.quality != nil {
		out.Quality = o.quality.mem
	}
	return out
}

// commit encodes every output next to its destination and renames them into
// place only when all encodes succeeded.
func (o *outputs) commit() error {
	var st fsutil.Staging
	for _, out := range o.all() {
		err := st.Stage(out.path, func(w io.Writer) error {
			return raster.Encode(w, out.path, out.mem)
		})
		if err != nil {
			st.Discard()
			return err
		}
	}
	return st.Commit()
}

func summaryMeta(ctrl *config.Control, s composite.Summary) map[string]any {
	meta := map[string]any{
		"output_file":    ctrl.OutputFile,
		"width":          s.Width,
		"height":         s.Height,
		"blocks":         s.Blocks,
		"pixels":         s.Pixels,
		"composited":     s.Composited,
		"nodata":         s.NoData,
		"wins":           s.Wins,
		"quality_mean":   s.QualityMean,
		"quality_stddev": s.QualityStdDev,
		"duration_ms":    s.Duration.Milliseconds(),
	}
	if ctrl.SourceTrace != "" {
		meta["source_trace"] = ctrl.SourceTrace
	}
	if ctrl.QualityOutput != "" {
		meta["quality_output"] = ctrl.QualityOutput
	}
	return meta
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
