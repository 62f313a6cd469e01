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

	"github.com/vigil-video/vigil/internal/version"
	"github.com/vigil-video/vigil/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the inference worker",
	Long: `Start the vigil-worker TCP server.

The worker will:
1. Finalize session artifacts left dangling by a previous crash
2. Accept edge connections and negotiate a frame contract with each
3. Load the requested model, shared across connections that agree on it
4. Run detection and tracking on every frame and stream results back

Session artifacts land under the output directory, one directory per
recording session.

Examples:
  # Listen on the default port with the onnx backend
  vigil-worker serve

  # Fixture backend for development without onnxruntime
  vigil-worker serve --backend static --model-dir ./testdata/models`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("listen", "", "TCP listen address (host:port)")
	serveCmd.Flags().String("out-dir", "", "session artifact output directory")
	serveCmd.Flags().String("backend", "", "inference backend (onnx, static)")
	serveCmd.Flags().String("model-dir", "", "model directory")
	serveCmd.Flags().String("health-listen", "", "health API listen address (enables the endpoint)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	applyServeFlags(cmd)

	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("validating worker config: %w", err)
	}

	logger := slog.Default()
	server, err := worker.NewServer(cfg.Worker, logger)
	if err != nil {
		return fmt.Errorf("building worker: %w", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM: open sessions are finalized and
	// in-flight connections drained before Run returns.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting vigil-worker",
		slog.String("listen", cfg.Worker.Listen),
		slog.String("backend", cfg.Worker.Model.Backend),
		slog.String("version", version.Version),
	)

	return server.Run(ctx)
}

// applyServeFlags overrides loaded configuration with explicitly set CLI
// flags. Visit only walks set flags, so file and env values survive where
// the user passed nothing.
func applyServeFlags(cmd *cobra.Command) {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Worker.Listen = f.Value.String()
		case "out-dir":
			cfg.Worker.OutDir = f.Value.String()
		case "backend":
			cfg.Worker.Model.Backend = f.Value.String()
		case "model-dir":
			cfg.Worker.Model.Dir = f.Value.String()
		case "health-listen":
			cfg.Worker.Health.Enabled = true
			cfg.Worker.Health.Listen = f.Value.String()
		}
	})
}
