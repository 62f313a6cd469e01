package edge

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/config"
)

func testAgentConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Edge: config.EdgeConfig{
			DeviceID: "cam1",
			Source: config.SourceConfig{
				URI:        "rtsp://127.0.0.1:8554/cam1",
				Width:      64,
				Height:     48,
				FPSHub:     15,
				SocketPath: filepath.Join(dir, "frames.sock"),
				Binary:     "/nonexistent/vigil-capture",
			},
			Inference: config.InferenceConfig{
				WorkerHost:          "127.0.0.1",
				WorkerPort:          1,
				ModelName:           "yolo11n",
				Width:               640,
				Height:              640,
				MaxInflight:         4,
				ConfidenceThreshold: 0.5,
				FPS:                 config.FPSConfig{Idle: 2, Active: 8},
			},
			FSM: config.FSMConfig{
				Dwell:    config.Duration(500 * time.Millisecond),
				Silence:  config.Duration(3 * time.Second),
				Postroll: config.Duration(2 * time.Second),
			},
			Store: config.StoreConfig{BaseURL: "http://127.0.0.1:1"},
			Publisher: config.PublisherConfig{
				Host:   "127.0.0.1",
				Port:   8554,
				Path:   "cam1",
				Binary: "/nonexistent/ffmpeg",
			},
			Cache:   config.CacheConfig{FrameTTL: config.Duration(2 * time.Second)},
			Journal: config.JournalConfig{Path: ""},
			Status:  config.ListenConfig{Enabled: false},
		},
	}
}

func TestNewAgent_Wiring(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewAgent(testAgentConfig(t), logger)
	require.NoError(t, err)

	report := a.StatusReport()
	assert.Equal(t, "cam1", report.DeviceID)
	assert.Equal(t, "IDLE", report.Recording.State)
	assert.Equal(t, "disconnected", report.Client.State)
	assert.False(t, report.Feeder.Ready)
	require.Len(t, report.Children, 2)
	assert.Equal(t, "capture", report.Children[0].Name)
	assert.Equal(t, "publisher", report.Children[1].Name)
}

func TestAgent_RunStopsOnCancel(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := NewAgent(testAgentConfig(t), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	// Let the children fail a spawn attempt and the client fail a dial.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after cancel")
	}
}
