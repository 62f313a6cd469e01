// Package store implements the client side of the HTTP session store: the
// edge opens and closes recording sessions against it and uploads detection
// frames to its ingest endpoint. The store itself is an external service;
// only the surface consumed here is specified.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/internal/httpclient"
)

const (
	// Session open/close ride a slower, longer retry schedule than frame
	// uploads: losing a session boundary is worse than losing one frame.
	sessionRetryDelay    = 500 * time.Millisecond
	sessionRetryMaxDelay = 5 * time.Second
	defaultOpenAttempts  = 5

	ingestRetryDelay    = 200 * time.Millisecond
	ingestRetryMaxDelay = 5 * time.Second
	ingestMaxRetries    = 3
)

// Client talks to the session store. Safe for concurrent use.
type Client struct {
	baseURL  string
	sessions *httpclient.Client
	ingest   *httpclient.Client
	logger   *slog.Logger
}

// Upload is one detection frame bound for the ingest endpoint. The metadata
// describes the primary detection on the frame; the JPEG carries the whole
// frame. ItemID survives retries, letting the store de-duplicate a frame
// whose first upload made it through before the response was lost.
type Upload struct {
	ItemID     string
	SessionID  string
	TrackID    string
	Class      string
	Confidence float32
	BBox       [4]float32
	CaptureTS  time.Time
	FrameURL   string
}

type openRequest struct {
	DeviceID          string   `json:"deviceId"`
	StartTS           string   `json:"startTs"`
	ConfiguredClasses []string `json:"configuredClasses,omitempty"`
}

type openResponse struct {
	SessionID string `json:"sessionId"`
}

type closeRequest struct {
	EndTS           string   `json:"endTs"`
	DetectedClasses []string `json:"detectedClasses,omitempty"`
}

type uploadMeta struct {
	ItemID     string     `json:"itemId,omitempty"`
	SessionID  string     `json:"sessionId"`
	TrackID    string     `json:"trackId,omitempty"`
	Class      string     `json:"cls"`
	Confidence float32    `json:"conf"`
	BBox       [4]float32 `json:"bbox"`
	CaptureTS  string     `json:"captureTs"`
	FrameURL   string     `json:"urlFrame"`
}

// New creates a store client from configuration. Session open/close retries
// are bounded by cfg.OpenRetries total attempts; ingest uploads use a short
// 200 ms exponential schedule and honor Retry-After on 429.
func New(cfg config.StoreConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	attempts := cfg.OpenRetries
	if attempts < 1 {
		attempts = defaultOpenAttempts
	}

	var headers map[string]string
	if cfg.Token != "" {
		headers = map[string]string{"Authorization": "Bearer " + cfg.Token}
	}

	sessionCfg := httpclient.DefaultConfig()
	sessionCfg.RetryAttempts = attempts - 1
	sessionCfg.RetryDelay = sessionRetryDelay
	sessionCfg.RetryMaxDelay = sessionRetryMaxDelay
	sessionCfg.DefaultHeaders = headers
	sessionCfg.Logger = logger

	ingestCfg := httpclient.DefaultConfig()
	ingestCfg.RetryAttempts = ingestMaxRetries
	ingestCfg.RetryDelay = ingestRetryDelay
	ingestCfg.RetryMaxDelay = ingestRetryMaxDelay
	ingestCfg.DefaultHeaders = headers
	ingestCfg.Logger = logger

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		sessions: httpclient.New(sessionCfg),
		ingest:   httpclient.New(ingestCfg),
		logger:   logger.With(slog.String("component", "store")),
	}
}

// OpenSession registers a new recording session and returns the store's
// session id.
func (c *Client) OpenSession(ctx context.Context, deviceID string, startTS time.Time, configuredClasses []string) (string, error) {
	body, err := json.Marshal(openRequest{
		DeviceID:          deviceID,
		StartTS:           isoUTC(startTS),
		ConfiguredClasses: configuredClasses,
	})
	if err != nil {
		return "", fmt.Errorf("encoding open request: %w", err)
	}

	resp, err := c.sessions.Post(ctx, c.baseURL+"/sessions", "application/json", body)
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("opening session: unexpected status %d", resp.StatusCode)
	}

	var out openResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding open response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("store returned empty session id")
	}

	c.logger.Info("session opened",
		slog.String("session_id", out.SessionID),
		slog.String("device_id", deviceID),
	)
	return out.SessionID, nil
}

// CloseSession marks a session finished.
func (c *Client) CloseSession(ctx context.Context, sessionID string, endTS time.Time, detectedClasses []string) error {
	if sessionID == "" {
		return fmt.Errorf("closing session: empty session id")
	}

	body, err := json.Marshal(closeRequest{
		EndTS:           isoUTC(endTS),
		DetectedClasses: detectedClasses,
	})
	if err != nil {
		return fmt.Errorf("encoding close request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/sessions/%s/close", c.baseURL, url.PathEscape(sessionID))
	resp, err := c.sessions.Post(ctx, endpoint, "application/json", body)
	if err != nil {
		return fmt.Errorf("closing session %s: %w", sessionID, err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("closing session %s: unexpected status %d", sessionID, resp.StatusCode)
	}

	c.logger.Info("session closed", slog.String("session_id", sessionID))
	return nil
}

// Ingest uploads one detection frame as a multipart request: a JSON "meta"
// part and a JPEG "frame" part. Transport errors and 429s are retried by the
// underlying client; any other 4xx is terminal for this frame.
func (c *Client) Ingest(ctx context.Context, up Upload, frameJPEG []byte) error {
	if up.SessionID == "" {
		return fmt.Errorf("ingesting frame: empty session id")
	}
	if len(frameJPEG) == 0 {
		return fmt.Errorf("ingesting frame: empty jpeg")
	}

	meta, err := json.Marshal(uploadMeta{
		ItemID:     up.ItemID,
		SessionID:  up.SessionID,
		TrackID:    up.TrackID,
		Class:      up.Class,
		Confidence: up.Confidence,
		BBox:       up.BBox,
		CaptureTS:  isoUTC(up.CaptureTS),
		FrameURL:   up.FrameURL,
	})
	if err != nil {
		return fmt.Errorf("encoding upload meta: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Disposition", `form-data; name="meta"`)
	metaHeader.Set("Content-Type", "application/json")
	metaPart, err := mw.CreatePart(metaHeader)
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := metaPart.Write(meta); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	frameHeader := textproto.MIMEHeader{}
	frameHeader.Set("Content-Disposition", `form-data; name="frame"; filename="frame.jpg"`)
	frameHeader.Set("Content-Type", "image/jpeg")
	framePart, err := mw.CreatePart(frameHeader)
	if err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := framePart.Write(frameJPEG); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("building multipart body: %w", err)
	}

	resp, err := c.ingest.Post(ctx, c.baseURL+"/ingest", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return fmt.Errorf("ingesting frame for session %s: %w", up.SessionID, err)
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ingesting frame for session %s: unexpected status %d", up.SessionID, resp.StatusCode)
	}
	return nil
}

// isoUTC renders timestamps the way every store payload carries them.
func isoUTC(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// drain consumes and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
