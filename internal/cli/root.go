// Package cli wires the transcription pipeline behind the sogon command.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/e7217/sogon/internal/config"
	"github.com/e7217/sogon/internal/logging"
	"github.com/e7217/sogon/internal/version"
)

type appState struct {
	configPath string
	jsonLogs   bool
	verbose    bool
	noProgress bool

	cfg    *config.Config
	logger *zap.Logger
	out    io.Writer
}

func NewRootCmd() *cobra.Command {
	cmd, _ := newRootCmd()
	return cmd
}

func newRootCmd() (*cobra.Command, *appState) {
	app := &appState{out: os.Stdout}

	cmd := &cobra.Command{
		Use:           "sogon",
		Short:         "Transcribe audio files with a local whisper engine or a hosted API",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, path, found, err := config.Load(app.configPath)
			if err != nil {
				return err
			}
			app.cfg = cfg

			level := cfg.Logging.Level
			if app.verbose {
				level = "debug"
			}
			logger, err := logging.New(logging.Options{Level: level, JSON: app.jsonLogs || cfg.Logging.JSON})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger

			if found {
				logger.Debug("loaded config", zap.String("path", path))
			} else {
				logger.Debug("no config file found, using defaults", zap.String("searched", path))
			}
			return nil
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&app.configPath, "config", "", "Path to config file (default ~/.config/sogon/config.toml)")
	cmd.PersistentFlags().BoolVar(&app.verbose, "verbose", false, "Enable verbose logs")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json-logs", false, "Enable JSON logging")
	cmd.PersistentFlags().BoolVar(&app.noProgress, "no-progress", false, "Disable progress indicators")

	cmd.AddCommand(newTranscribeCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newConfigCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd, app
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
