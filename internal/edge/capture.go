package edge

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/vigil-video/vigil/pkg/feedproto"
)

// The capture child may take arbitrarily long to come up (camera outages
// last minutes); the reader polls forever with a capped backoff and never
// gives up.
const (
	capturePollBase = time.Second
	capturePollMax  = 30 * time.Second

	// Per-frame header: ts_mono_ns then ts_utc_ns, both int64 big-endian,
	// followed by exactly one raw NV12 image.
	captureHeaderBytes = 16
)

// FrameFunc receives one raw NV12 frame with its capture timestamps. The
// buffer is owned by the callee.
type FrameFunc func(data []byte, tsMonoNS, tsUTCNS int64)

// CaptureStats is a snapshot of the reader for the status endpoint.
type CaptureStats struct {
	Connected  bool   `json:"connected"`
	Frames     uint64 `json:"frames"`
	Reconnects uint64 `json:"reconnects"`
}

// CaptureReader drains the capture child's frame socket and hands each
// decoded frame to a callback, typically Feeder.OnFrame. The socket is cold
// until the child creates it, so the reader polls for the file and redials
// after every stream interruption.
type CaptureReader struct {
	socketPath string
	frameBytes int
	onFrame    FrameFunc
	logger     *slog.Logger

	pollBase time.Duration
	pollMax  time.Duration

	connected  atomic.Bool
	frames     atomic.Uint64
	reconnects atomic.Uint64
}

// NewCaptureReader creates a reader for NV12 frames of the given dimensions.
// Run must be called to start it.
func NewCaptureReader(socketPath string, width, height int, onFrame FrameFunc, logger *slog.Logger) *CaptureReader {
	if logger == nil {
		logger = slog.Default()
	}
	size := feedproto.RawFrameSize(feedproto.PixelFormatNV12, uint32(width), uint32(height))
	return &CaptureReader{
		socketPath: socketPath,
		frameBytes: int(size),
		onFrame:    onFrame,
		logger:     logger.With(slog.String("component", "capture-reader")),
		pollBase:   capturePollBase,
		pollMax:    capturePollMax,
	}
}

// Stats returns a snapshot for the status endpoint.
func (r *CaptureReader) Stats() CaptureStats {
	return CaptureStats{
		Connected:  r.connected.Load(),
		Frames:     r.frames.Load(),
		Reconnects: r.reconnects.Load(),
	}
}

// Run polls for the capture socket and drains it until ctx is canceled.
// Every interruption, from a missing socket file to a mid-frame EOF, is
// retried indefinitely.
func (r *CaptureReader) Run(ctx context.Context) error {
	wait := r.pollBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := r.dial(ctx)
		if err != nil {
			r.logger.Debug("capture socket not ready",
				slog.String("socket", r.socketPath),
				slog.String("error", err.Error()),
				slog.Duration("wait", wait),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait = min(wait*2, r.pollMax)
			continue
		}
		wait = r.pollBase

		err = r.drain(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.reconnects.Add(1)
		r.logger.Warn("capture stream interrupted",
			slog.String("error", errString(err)))
	}
}

// dial treats the socket as cold until the file exists, so a freshly started
// capture child is not mistaken for an error worth logging loudly.
func (r *CaptureReader) dial(ctx context.Context) (net.Conn, error) {
	if _, err := os.Stat(r.socketPath); err != nil {
		return nil, err
	}
	d := &net.Dialer{}
	return d.DialContext(ctx, "unix", r.socketPath)
}

// drain reads frames off one connection until it breaks. Partial frames are
// discarded with the connection; the capture child resends whole frames only.
func (r *CaptureReader) drain(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	r.connected.Store(true)
	defer r.connected.Store(false)
	r.logger.Info("capture stream connected", slog.String("socket", r.socketPath))

	header := make([]byte, captureHeaderBytes)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return fmt.Errorf("reading frame header: %w", err)
		}
		tsMonoNS := int64(binary.BigEndian.Uint64(header[0:8]))
		tsUTCNS := int64(binary.BigEndian.Uint64(header[8:16]))

		// Fresh buffer per frame: the previous one may still be parked in
		// the feeder or sitting in the frame cache.
		data := make([]byte, r.frameBytes)
		if _, err := io.ReadFull(conn, data); err != nil {
			return fmt.Errorf("reading frame payload: %w", err)
		}

		r.frames.Add(1)
		r.onFrame(data, tsMonoNS, tsUTCNS)
	}
}
