package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"compositor/internal/config"
	"compositor/internal/pipeline"
)

// watchDebounce coalesces the burst of events editors produce on save.
const watchDebounce = 300 * time.Millisecond

func (r *Root) newWatchCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "watch <control-file>",
		Short: "Re-run a control document whenever it changes",
		Long: `Run the composite described by a JSON or YAML control document, then watch
the file and queue a new run each time it is saved. Stop with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.cmdWatch(cmd.Context(), args[0], once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run once without watching")
	return cmd
}

func (r *Root) cmdWatch(ctx context.Context, path string, once bool) error {
	results, unsub := r.pipeline.Subscribe()
	defer unsub()

	submit := func() {
		ctrl, err := config.LoadControl(path)
		if err != nil {
			r.log.Error("control document rejected", "path", path, "error", err)
			return
		}
		job := pipeline.NewJob(ctrl)
		if err := r.pipeline.Submit(job); err != nil {
			r.log.Error("failed to queue run", "path", path, "error", err)
			return
		}
		r.log.Info("run queued", "id", job.ID, "control", path)
	}

	submit()
	if once {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-results:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			return res.Error
		}
	}

	changes := make(chan struct{}, 1)
	errc := make(chan error, 1)
	go func() { errc <- watchFile(ctx, path, r.log, changes) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case <-changes:
			submit()
		case res, ok := <-results:
			if !ok {
				return nil
			}
			if res.Error != nil {
				fmt.Fprintf(r.out, "run %s failed: %v\n", res.Job.ID, res.Error)
			} else {
				fmt.Fprintf(r.out, "run %s: %d of %d pixels composited\n", res.Job.ID, res.Summary.Composited, res.Summary.Pixels)
			}
		}
	}
}

// watchFile signals changes whenever path is written or replaced. It watches
// the parent directory, since editors often save by renaming a new file over
// the old one.
func watchFile(ctx context.Context, path string, log *slog.Logger, changes chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Info("watching control document", "path", abs)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			select {
			case changes <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "error", err)
		}
	}
}
