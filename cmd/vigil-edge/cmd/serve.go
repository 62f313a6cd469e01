package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vigil-video/vigil/internal/edge"
	"github.com/vigil-video/vigil/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the edge agent",
	Long: `Run the vigil-edge agent.

The agent will:
1. Launch and supervise the capture child process
2. Read frames from the shared-memory hub and feed them to the worker
3. Open and close recording sessions from detection activity
4. Assemble finished clips from the frame cache and upload them

The capture child and the worker connection restart on failure with
exponential backoff; the agent itself exits only on signal.

Examples:
  # Run against a local worker
  vigil-edge serve --device-id cam1 --source-uri rtsp://cam.local/stream

  # Point at a remote worker and store
  vigil-edge serve --device-id cam1 --worker-host 10.0.0.5 \
    --store-url http://store.local:8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("device-id", "", "device identifier for sessions and uploads")
	serveCmd.Flags().String("source-uri", "", "camera source URI for the capture child")
	serveCmd.Flags().String("worker-host", "", "inference worker host")
	serveCmd.Flags().Int("worker-port", 0, "inference worker port")
	serveCmd.Flags().String("model", "", "model requested from the worker")
	serveCmd.Flags().String("store-url", "", "session store base URL")
	serveCmd.Flags().String("journal-path", "", "session journal database path")
	serveCmd.Flags().String("status-listen", "", "status API listen address (enables the endpoint)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	applyServeFlags(cmd)

	if err := cfg.ValidateEdge(); err != nil {
		return fmt.Errorf("validating edge config: %w", err)
	}

	logger := slog.Default()
	agent, err := edge.NewAgent(cfg, logger)
	if err != nil {
		return fmt.Errorf("building edge agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting vigil-edge",
		slog.String("device_id", cfg.Edge.DeviceID),
		slog.String("worker", cfg.Edge.Inference.WorkerAddr()),
		slog.String("version", version.Version),
	)

	return agent.Run(ctx)
}

// applyServeFlags overrides loaded configuration with explicitly set CLI
// flags. Visit only walks set flags, so file and env values survive where
// the user passed nothing.
func applyServeFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "device-id":
			cfg.Edge.DeviceID = f.Value.String()
		case "source-uri":
			cfg.Edge.Source.URI = f.Value.String()
		case "worker-host":
			cfg.Edge.Inference.WorkerHost = f.Value.String()
		case "worker-port":
			cfg.Edge.Inference.WorkerPort, _ = flags.GetInt(f.Name)
		case "model":
			cfg.Edge.Inference.ModelName = f.Value.String()
		case "store-url":
			cfg.Edge.Store.BaseURL = f.Value.String()
		case "journal-path":
			cfg.Edge.Journal.Path = f.Value.String()
		case "status-listen":
			cfg.Edge.Status.Enabled = true
			cfg.Edge.Status.Listen = f.Value.String()
		}
	})
}
