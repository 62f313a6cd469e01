package edge

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusServer_Healthz(t *testing.T) {
	s := NewStatusServer("127.0.0.1:0", func() StatusReport { return StatusReport{} },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestStatusServer_Status(t *testing.T) {
	report := StatusReport{
		DeviceID:      "cam1",
		Version:       "1.2.3",
		StartedAt:     time.Now().Add(-time.Minute),
		UptimeSeconds: 60,
		Recording: RecordingStatus{
			State:     "ACTIVE",
			SessionID: "cam1_k7x2",
			Classes:   []string{"person"},
		},
		Client: ClientStatus{State: "ready", StreamID: "edge-abc", TxCount: 10, RxCount: 12},
		Feeder: FeederStatus{
			Ready:      true,
			Codec:      "JPEG",
			AIFPS:      8,
			WindowSize: 4,
			FramesSent: 42,
		},
	}
	s := NewStatusServer("127.0.0.1:0", func() StatusReport { return report },
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "cam1", got.DeviceID)
	assert.Equal(t, "ACTIVE", got.Recording.State)
	assert.Equal(t, "cam1_k7x2", got.Recording.SessionID)
	assert.Equal(t, []string{"person"}, got.Recording.Classes)
	assert.Equal(t, "ready", got.Client.State)
	assert.Equal(t, uint64(42), got.Feeder.FramesSent)
	assert.Equal(t, "JPEG", got.Feeder.Codec)
}
