package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e7217/sogon/internal/config"
)

func newConfigCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the sogon configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(app))
	return cmd
}

func newConfigInitCmd(app *appState) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented sample config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := app.configPath
			if path == "" {
				var err error
				path, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			}

			if !force {
				if _, _, exists, err := config.Load(path); err == nil && exists {
					return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
				}
			}

			if err := config.CreateSample(path); err != nil {
				return err
			}
			_, err := fmt.Fprintf(app.outWriter(), "wrote sample config to %s\n", path)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}
