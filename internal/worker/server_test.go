package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/internal/session"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

func TestServerSweepsDanglingSessionsOnStart(t *testing.T) {
	outDir := t.TempDir()

	// A session left behind by a crash: meta.json exists, end_time does not.
	danglingDir := filepath.Join(outDir, "cam1_crashed")
	require.NoError(t, os.MkdirAll(filepath.Join(danglingDir, "tracks"), 0o755))
	meta := session.Meta{
		SessionID: "cam1_crashed",
		DeviceID:  "cam1",
		StartTime: time.Now().UTC().Format(time.RFC3339Nano),
		FPS:       5,
	}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(danglingDir, "meta.json"), data, 0o644))

	startWorker(t, func(c *config.WorkerConfig) { c.OutDir = outDir })

	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(danglingDir, "meta.json"))
		if err != nil {
			return false
		}
		var got session.Meta
		if json.Unmarshal(raw, &got) != nil {
			return false
		}
		return got.EndTime != ""
	}, 2*time.Second, 20*time.Millisecond, "crashed session never finalized")
}

func TestServerShutdownFinalizesOpenSessions(t *testing.T) {
	outDir := t.TempDir()
	_, addr, stop := startWorker(t, func(c *config.WorkerConfig) { c.OutDir = outDir })

	edge := dialWorker(t, addr)
	edge.handshake("yolo11n")
	edge.sendFrame(rawNV12Frame(1, "cam1_s9", 100_000_000))
	edge.expect(feedproto.MsgResult)

	stop()

	data, err := os.ReadFile(filepath.Join(outDir, "cam1_s9", "meta.json"))
	require.NoError(t, err)
	var meta session.Meta
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.NotEmpty(t, meta.EndTime, "shutdown must leave no dangling sessions")
}
