package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/e7217/sogon/internal/modelcache"
)

func newModelsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage the on-disk model cache",
	}
	cmd.AddCommand(newModelsListCmd(app))
	cmd.AddCommand(newModelsRemoveCmd(app))
	cmd.AddCommand(newModelsClearCmd(app))
	return cmd
}

func (a *appState) openModelCache() (*modelcache.Manager, error) {
	job := a.cfg.Job()
	manager, err := modelcache.NewManager(modelcache.Options{
		CacheDir:    job.CacheDir,
		BudgetBytes: int64(job.CacheBudgetGB * 1024 * 1024 * 1024),
		Logger:      a.log(),
	})
	if err != nil {
		return nil, fmt.Errorf("open model cache: %w", err)
	}
	return manager, nil
}

func newModelsListCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := app.openModelCache()
			if err != nil {
				return err
			}
			defer manager.Close()

			entries := manager.Entries()
			out := app.outWriter()
			if len(entries) == 0 {
				_, err := fmt.Fprintln(out, "no cached models")
				return err
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tDEVICE\tCOMPUTE\tSIZE\tLAST ACCESS")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Key.Model, e.Key.Device, e.Key.ComputeType,
					formatBytes(e.SizeBytes),
					e.LastAccess.Format("2006-01-02 15:04:05"))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			job := app.cfg.Job()
			_, err = fmt.Fprintf(out, "\ntotal %s of %.1f GB budget\n",
				formatBytes(manager.UsageBytes()), job.CacheBudgetGB)
			return err
		},
	}
}

func newModelsRemoveCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <model>",
		Short: "Remove every cached variant of one model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, err := app.openModelCache()
			if err != nil {
				return err
			}
			defer manager.Close()

			removed := 0
			for _, e := range manager.Entries() {
				if e.Key.Model != args[0] {
					continue
				}
				if err := manager.Remove(e.Key); err != nil {
					return err
				}
				removed++
			}
			if removed == 0 {
				return fmt.Errorf("model %q is not cached", args[0])
			}
			_, err = fmt.Fprintf(app.outWriter(), "removed %d cached variant(s) of %s\n", removed, args[0])
			return err
		},
	}
}

func newModelsClearCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			manager, err := app.openModelCache()
			if err != nil {
				return err
			}
			defer manager.Close()

			freed := manager.UsageBytes()
			if err := manager.Clear(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(app.outWriter(), "cleared model cache, freed %s\n", formatBytes(freed))
			return err
		},
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
