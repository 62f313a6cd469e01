package edge

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/vigil-video/vigil/internal/imaging"
	"github.com/vigil-video/vigil/internal/store"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

// defaultIngestQueueDepth bounds the upload backlog. The store being slow
// must never back-pressure the detection path, so overflow evicts the oldest
// queued item instead of blocking.
const defaultIngestQueueDepth = 64

// IngestItem is one detection frame waiting for upload.
type IngestItem struct {
	FrameID    uint64
	SessionID  string
	Detections []feedproto.Detection
}

// Uploader is the slice of the store client the ingester needs.
type Uploader interface {
	Ingest(ctx context.Context, up store.Upload, frameJPEG []byte) error
}

// IngesterStats is a snapshot of the ingester's counters.
type IngesterStats struct {
	Queued   int    `json:"queued"`
	Uploaded uint64 `json:"uploaded"`
	Dropped  uint64 `json:"dropped"`
	Misses   uint64 `json:"misses"`
	Failures uint64 `json:"failures"`
}

// Ingester turns queued detection frames into multipart uploads: it pulls
// the raw frame from the cache, compresses it, and posts it with the
// strongest detection's metadata. Retries live in the store client; a frame
// that fell out of the cache is skipped, not an error.
type Ingester struct {
	cache    *FrameCache
	uploader Uploader
	logger   *slog.Logger
	queue    chan IngestItem

	uploaded atomic.Uint64
	dropped  atomic.Uint64
	misses   atomic.Uint64
	failures atomic.Uint64
}

// NewIngester creates an ingester reading frames from cache and uploading
// through uploader.
func NewIngester(cache *FrameCache, uploader Uploader, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		cache:    cache,
		uploader: uploader,
		logger:   logger.With(slog.String("component", "ingester")),
		queue:    make(chan IngestItem, defaultIngestQueueDepth),
	}
}

// Enqueue queues one item for upload. When the queue is full the oldest
// entry is evicted so recent detections win.
func (in *Ingester) Enqueue(item IngestItem) bool {
	for {
		select {
		case in.queue <- item:
			return true
		default:
		}
		select {
		case <-in.queue:
			in.dropped.Add(1)
		default:
		}
	}
}

// Run uploads queued items until ctx is canceled.
func (in *Ingester) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-in.queue:
			in.process(ctx, item)
		}
	}
}

// Stats returns a snapshot of the counters.
func (in *Ingester) Stats() IngesterStats {
	return IngesterStats{
		Queued:   len(in.queue),
		Uploaded: in.uploaded.Load(),
		Dropped:  in.dropped.Load(),
		Misses:   in.misses.Load(),
		Failures: in.failures.Load(),
	}
}

func (in *Ingester) process(ctx context.Context, item IngestItem) {
	if len(item.Detections) == 0 {
		return
	}
	frame, ok := in.cache.Get(item.FrameID)
	if !ok {
		// The result outlived the cache TTL; nothing to upload.
		in.misses.Add(1)
		in.logger.Debug("frame gone from cache", slog.Uint64("frame_id", item.FrameID))
		return
	}

	img, err := imaging.YCbCrFromNV12(frame.Data, frame.Width, frame.Height)
	if err != nil {
		in.failures.Add(1)
		in.logger.Warn("cached frame unreadable",
			slog.Uint64("frame_id", item.FrameID),
			slog.String("error", err.Error()),
		)
		return
	}
	encoded, err := imaging.EncodeJPEG(img, 0)
	if err != nil {
		in.failures.Add(1)
		in.logger.Warn("jpeg encode failed",
			slog.Uint64("frame_id", item.FrameID),
			slog.String("error", err.Error()),
		)
		return
	}

	best := strongestDetection(item.Detections)
	up := store.Upload{
		// The id rides every retry of this frame so the store can
		// de-duplicate an upload whose response got lost.
		ItemID:     ulid.Make().String(),
		SessionID:  item.SessionID,
		TrackID:    best.TrackID,
		Class:      best.ClassName,
		Confidence: best.Confidence,
		BBox:       best.BBoxXYXY,
		CaptureTS:  frame.TSUTC,
		FrameURL:   fmt.Sprintf("%s/%d.jpg", item.SessionID, item.FrameID),
	}
	if err := in.uploader.Ingest(ctx, up, encoded); err != nil {
		in.failures.Add(1)
		in.logger.Warn("ingest upload failed",
			slog.Uint64("frame_id", item.FrameID),
			slog.String("session_id", item.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	in.uploaded.Add(1)
}

func strongestDetection(detections []feedproto.Detection) feedproto.Detection {
	best := detections[0]
	for _, det := range detections[1:] {
		if det.Confidence > best.Confidence {
			best = det
		}
	}
	return best
}
