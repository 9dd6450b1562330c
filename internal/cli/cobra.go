package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"compositor/internal/config"
	"compositor/internal/raster"
	"compositor/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)
	return root.command()
}

func (r *Root) command() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "compositor",
		Short: "Per-pixel best-scene compositing of co-registered rasters",
		Long: `Compositor builds one raster out of many co-registered scenes by scoring every
candidate pixel with a chain of quality stages (darkest, greenest, scene_measure,
landsat8 cloud mask, percentile) and keeping the preferred scene per pixel.

Run "compositor composite --help" for the compositing flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(r.out)

	rootCmd.AddCommand(r.newCompositeCmd())
	rootCmd.AddCommand(r.newWatchCmd())
	rootCmd.AddCommand(r.newHistoryCmd())
	rootCmd.AddCommand(r.newConfigCmd())
	rootCmd.AddCommand(r.newVersionCmd())
	return rootCmd
}

func (r *Root) newCompositeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "composite [flags]",
		Short: "Composite scenes into one raster (default command)",
		Long:  compositeUsage,
		// The composite flags are positional (-c and -qm bind to the last -i),
		// which pflag cannot express.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.cmdComposite(cmd.Context(), args)
		},
	}
}

func (r *Root) newHistoryCmd() *cobra.Command {
	var (
		limit  int
		inputs bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent composite runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.store == nil {
				return fmt.Errorf("run history is disabled (paths.database_path is empty)")
			}
			runs, err := r.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tOUTPUT\tCHAIN\tERROR")
			for _, run := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"),
					run.OutputPath, run.Chain, run.Error)
				if !inputs {
					continue
				}
				ins, err := r.store.RunInputs(run.ID)
				if err != nil {
					return err
				}
				for _, in := range ins {
					fmt.Fprintf(tw, "\t#%d\t\t%s\t%s\t\n", in.Position, in.Filename, formatMeta(in.Metadata))
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().BoolVar(&inputs, "inputs", false, "also list each run's scenes")
	return cmd
}

func formatMeta(md map[string]float64) string {
	if len(md) == 0 {
		return ""
	}
	parts := make([]string, 0, len(md))
	for k, v := range md {
		parts = append(parts, fmt.Sprintf("%s=%g", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func (r *Root) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.configShow(cmd)
		},
	})
	return cmd
}

func (r *Root) configShow(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfgPath := os.Getenv("COMPOSITOR_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/compositor/config.json"
	}
	fmt.Fprintf(out, "Config file: %s\n", cfgPath)
	data, err := json.MarshalIndent(r.cfg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\n", data)
	fmt.Fprintf(out, "Effective workers: %d\n", r.cfg.Processing.EffectiveWorkers())
	fmt.Fprintf(out, "Raster drivers: %s\n", strings.Join(raster.Drivers(), ", "))
	return nil
}

func (r *Root) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("Compositor v%s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
			cmd.Printf("Raster drivers: %s\n", strings.Join(raster.Drivers(), ", "))
		},
	}
}
