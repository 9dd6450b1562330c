package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"compositor/internal/config"
	"compositor/internal/logging"
	"compositor/internal/pipeline"
	"compositor/internal/storage"
)

// schemaSetting names the control document schema in --config.
const schemaSetting = "COMPOSITOR_SCHEMA"

// Version is reported by the version command.
var Version = "0.3.0-dev"

type pipelineClient interface {
	Run(ctx context.Context, job pipeline.Job) pipeline.Result
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	out      io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	if logger == nil {
		logger = slog.Default()
	}
	return &Root{pipeline: pl, cfg: cfg, log: logger, store: store, out: os.Stdout}
}

// Execute runs the command tree. Arguments that start with a flag go to the
// composite command, so `compositor -i a.tif -o out.tif ...` works unchanged.
func Execute(ctx context.Context, cmd *cobra.Command, args []string) error {
	if len(args) > 0 && strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "-h", "--help":
		default:
			args = append([]string{"composite"}, args...)
		}
	}
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// cmdComposite parses the composite flags and runs one job to completion.
func (r *Root) cmdComposite(ctx context.Context, args []string) error {
	req, err := ParseCompositeArgs(args)
	if err != nil {
		return err
	}
	if req.Help {
		fmt.Fprint(r.out, compositeUsage)
		return nil
	}
	if req.Quiet {
		logging.Quiet()
	}
	for key, value := range req.Settings {
		switch key {
		case schemaSetting:
			r.log.Debug("control documents are validated by the built-in schema", "ignored", value)
		default:
			r.log.Debug("ignoring --config setting", "key", key, "value", value)
		}
	}

	ctrl, err := req.Resolve()
	if err != nil {
		return err
	}

	job := pipeline.NewJob(ctrl)
	job.Quiet = req.Quiet
	res := r.pipeline.Run(ctx, job)
	if res.Error != nil {
		return res.Error
	}
	if !req.Quiet {
		s := res.Summary
		fmt.Fprintf(r.out, "%s: %d of %d pixels composited from %d scenes in %s\n",
			ctrl.OutputFile, s.Composited, s.Pixels, len(s.Wins), s.Duration.Round(time.Millisecond))
	}
	return nil
}

const compositeUsage = `Usage: compositor [composite] [flags]

Build one raster from many co-registered scenes, choosing per pixel the scene
the quality chain prefers. Flags are order sensitive.

Inputs:
  -i,  --input FILE            add a scene
  -c,  --cloud FILE            cloud (Landsat 8 BQA) raster of the last scene
  -qm, --metadata KEY VALUE    metadata of the last scene (e.g. acquisition_date)

Quality chain:
  -s,  --stage quality CLASS   append a stage: darkest, greenest, scene_measure,
                               landsat8, percentile
  -s,  --stage KEY VALUE       set a parameter of the last stage

Outputs:
  -o,  --output FILE           composite raster
  -st, --source-trace FILE     winning scene index per pixel (uint16)
  -qo, --quality-output FILE   winning score per pixel (float32, e.g. .f32)

Other:
  -j,  --load-config FILE      run a JSON or YAML control document instead
  -q,  --quiet                 only report errors
       --config KEY VALUE      accepted for compatibility (e.g. COMPOSITOR_SCHEMA)
       --workers N             block workers (default: one per CPU)
       --block-size N          block edge in pixels (default: 256)

Examples:
  compositor -s quality greenest -o out.tif -i a.tif -i b.tif
  compositor -s quality scene_measure -s scene_measure acquisition_date \
      -o newest.tif -i a.tif -qm acquisition_date 1377000216 -i b.tif -qm acquisition_date 1377001011
  compositor -q -j median.json
`
