package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/e7217/sogon/internal/audio"
	"github.com/e7217/sogon/internal/device"
	"github.com/e7217/sogon/internal/gate"
	"github.com/e7217/sogon/internal/modelcache"
	"github.com/e7217/sogon/internal/provider/local"
	"github.com/e7217/sogon/internal/provider/remote"
	"github.com/e7217/sogon/internal/transcription"
)

type transcribeFlags struct {
	provider string
	model    string
	deviceID string
	language string
	endpoint string
	output   string
}

func newTranscribeCmd(app *appState) *cobra.Command {
	flags := &transcribeFlags{}

	cmd := &cobra.Command{
		Use:   "transcribe <audio-file>",
		Short: "Transcribe one audio file and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.cfg.Job()
			applyOverrides(&cfg, flags)

			switch flags.output {
			case "text", "json", "segments":
			default:
				return fmt.Errorf("unknown output format %q (expected text, segments, or json)", flags.output)
			}

			return app.runTranscribe(cmd.Context(), args[0], cfg, flags.output)
		},
	}

	cmd.Flags().StringVar(&flags.provider, "provider", "", "Transcription backend: local or remote (default from config)")
	cmd.Flags().StringVar(&flags.model, "model", "", "Model name (default from config)")
	cmd.Flags().StringVar(&flags.deviceID, "device", "", "Inference device: auto, cpu, cuda, or mps")
	cmd.Flags().StringVar(&flags.language, "language", "", "Language hint, e.g. en; empty auto-detects")
	cmd.Flags().StringVar(&flags.endpoint, "endpoint", "", "Remote API endpoint URL")
	cmd.Flags().StringVar(&flags.output, "output", "text", "Output format: text, segments, or json")

	return cmd
}

func applyOverrides(cfg *transcription.Config, flags *transcribeFlags) {
	if flags.provider != "" {
		cfg.Provider = flags.provider
	}
	if flags.model != "" {
		cfg.Model = flags.model
	}
	if flags.deviceID != "" {
		cfg.Device = flags.deviceID
	}
	if flags.language != "" {
		cfg.Language = flags.language
	}
	if flags.endpoint != "" {
		cfg.Endpoint = flags.endpoint
	}
}

func (a *appState) runTranscribe(ctx context.Context, audioPath string, cfg transcription.Config, output string) error {
	provider, cleanup, err := a.buildProvider(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	stopChunks := func() {}
	var opts []transcription.CoordinatorOption
	if a.progressEnabled() {
		onChunk, stop := chunkProgress("transcribing")
		stopChunks = stop
		opts = append(opts, transcription.WithChunkProgress(onChunk))
	}
	defer stopChunks()

	coordinator := transcription.NewCoordinator(provider, audio.NewSplitter(a.log()), a.log(), opts...)
	result, err := coordinator.TranscribeFile(ctx, audioPath, cfg)
	stopChunks()
	if err != nil {
		return err
	}

	return writeResult(a.outWriter(), result, output)
}

// buildProvider assembles the chosen backend once per invocation. The cleanup
// function releases the cache lock for the local variant.
func (a *appState) buildProvider(cfg transcription.Config) (transcription.Provider, func(), error) {
	switch cfg.Provider {
	case "remote":
		return remote.New(a.log(), gate.New(cfg.MaxWorkers)), func() {}, nil
	case "local", "":
		devices := device.NewSelector(a.log())
		manager, err := modelcache.NewManager(modelcache.Options{
			CacheDir:    cfg.CacheDir,
			BudgetBytes: int64(cfg.CacheBudgetGB * 1024 * 1024 * 1024),
			Logger:      a.log(),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open model cache: %w", err)
		}

		var opts []local.Option
		if a.progressEnabled() {
			opts = append(opts, local.WithDownloadProgress(downloadProgress("downloading model")))
		}
		p := local.New(a.log(), gate.New(cfg.MaxWorkers), devices, manager, opts...)

		cleanup := func() {
			if err := manager.Close(); err != nil {
				a.log().Warn("failed to close model cache", zap.Error(err))
			}
		}
		return p, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown provider %q (expected local or remote)", cfg.Provider)
	}
}

func writeResult(out io.Writer, result *transcription.Result, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "segments":
		for _, seg := range result.Segments {
			if _, err := fmt.Fprintf(out, "[%s --> %s] %s\n", formatTimestamp(seg.Start), formatTimestamp(seg.End), seg.Text); err != nil {
				return err
			}
		}
		return nil
	default:
		_, err := fmt.Fprintln(out, result.Text)
		return err
	}
}

func formatTimestamp(seconds float64) string {
	total := int(seconds)
	millis := int((seconds - float64(total)) * 1000)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", total/3600, total/60%60, total%60, millis)
}
