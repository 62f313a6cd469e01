package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/config"
)

func newTestClient(baseURL string) *Client {
	return New(config.StoreConfig{
		BaseURL:     baseURL,
		Token:       "t0ken",
		OpenRetries: 2,
	}, nil)
}

func TestOpenSession(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/sessions", r.URL.Path)
			assert.Equal(t, "Bearer t0ken", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

			var req struct {
				DeviceID          string   `json:"deviceId"`
				StartTS           string   `json:"startTs"`
				ConfiguredClasses []string `json:"configuredClasses"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "cam1", req.DeviceID)
			assert.Equal(t, []string{"person", "car"}, req.ConfiguredClasses)
			_, err := time.Parse(time.RFC3339Nano, req.StartTS)
			assert.NoError(t, err)

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"sessionId":"cam1_1700000000"}`))
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		id, err := client.OpenSession(context.Background(), "cam1", time.Now(), []string{"person", "car"})
		require.NoError(t, err)
		assert.Equal(t, "cam1_1700000000", id)
	})

	t.Run("retries service unavailable", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"sessionId":"cam1_1"}`))
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		id, err := client.OpenSession(context.Background(), "cam1", time.Now(), nil)
		require.NoError(t, err)
		assert.Equal(t, "cam1_1", id)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("unexpected status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.OpenSession(context.Background(), "cam1", time.Now(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 500")
	})

	t.Run("empty session id in response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.OpenSession(context.Background(), "cam1", time.Now(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty session id")
	})
}

func TestCloseSession(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		var closed atomic.Bool
		router := chi.NewRouter()
		router.Post("/sessions/{id}/close", func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "cam1_1700000000", chi.URLParam(r, "id"))

			var req struct {
				EndTS           string   `json:"endTs"`
				DetectedClasses []string `json:"detectedClasses"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_, err := time.Parse(time.RFC3339Nano, req.EndTS)
			assert.NoError(t, err)
			assert.Equal(t, []string{"person"}, req.DetectedClasses)

			closed.Store(true)
			w.WriteHeader(http.StatusNoContent)
		})
		server := httptest.NewServer(router)
		defer server.Close()

		client := newTestClient(server.URL)
		err := client.CloseSession(context.Background(), "cam1_1700000000", time.Now(), []string{"person"})
		require.NoError(t, err)
		assert.True(t, closed.Load())
	})

	t.Run("empty session id", func(t *testing.T) {
		client := newTestClient("http://127.0.0.1:0")
		err := client.CloseSession(context.Background(), "", time.Now(), nil)
		require.Error(t, err)
	})
}

func TestIngest(t *testing.T) {
	upload := Upload{
		SessionID:  "cam1_1700000000",
		TrackID:    "7",
		Class:      "person",
		Confidence: 0.87,
		BBox:       [4]float32{10, 20, 110, 220},
		CaptureTS:  time.Unix(1700000123, 0),
		FrameURL:   "cam1_1700000000/42.jpg",
	}
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10}

	t.Run("happy path", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/ingest", r.URL.Path)
			assert.Contains(t, r.Header.Get("Content-Type"), "multipart/form-data")

			reader, err := r.MultipartReader()
			require.NoError(t, err)

			metaPart, err := reader.NextPart()
			require.NoError(t, err)
			assert.Equal(t, "meta", metaPart.FormName())
			assert.Equal(t, "application/json", metaPart.Header.Get("Content-Type"))

			var meta struct {
				SessionID  string     `json:"sessionId"`
				TrackID    string     `json:"trackId"`
				Class      string     `json:"cls"`
				Confidence float32    `json:"conf"`
				BBox       [4]float32 `json:"bbox"`
				CaptureTS  string     `json:"captureTs"`
				FrameURL   string     `json:"urlFrame"`
			}
			require.NoError(t, json.NewDecoder(metaPart).Decode(&meta))
			assert.Equal(t, upload.SessionID, meta.SessionID)
			assert.Equal(t, "7", meta.TrackID)
			assert.Equal(t, "person", meta.Class)
			assert.InDelta(t, 0.87, meta.Confidence, 1e-6)
			assert.Equal(t, upload.BBox, meta.BBox)
			assert.Equal(t, "cam1_1700000000/42.jpg", meta.FrameURL)

			framePart, err := reader.NextPart()
			require.NoError(t, err)
			assert.Equal(t, "frame", framePart.FormName())
			assert.Equal(t, "frame.jpg", framePart.FileName())
			assert.Equal(t, "image/jpeg", framePart.Header.Get("Content-Type"))
			body, err := io.ReadAll(framePart)
			require.NoError(t, err)
			assert.Equal(t, jpeg, body)

			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		require.NoError(t, client.Ingest(context.Background(), upload, jpeg))
	})

	t.Run("retries 429 and replays body", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseMultipartForm(1<<20))
			file, _, err := r.FormFile("frame")
			require.NoError(t, err)
			body, _ := io.ReadAll(file)
			file.Close()
			assert.Equal(t, jpeg, body, "multipart body present on every attempt")

			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		require.NoError(t, client.Ingest(context.Background(), upload, jpeg))
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("other 4xx is terminal", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		err := client.Ingest(context.Background(), upload, jpeg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 400")
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("rejects empty payloads locally", func(t *testing.T) {
		client := newTestClient("http://127.0.0.1:0")

		err := client.Ingest(context.Background(), Upload{}, jpeg)
		require.Error(t, err)

		err = client.Ingest(context.Background(), upload, nil)
		require.Error(t, err)
	})
}
