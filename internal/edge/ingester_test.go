package edge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/store"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

type uploadCall struct {
	up   store.Upload
	jpeg []byte
}

type fakeUploader struct {
	mu      sync.Mutex
	err     error
	uploads []uploadCall
}

func (u *fakeUploader) Ingest(_ context.Context, up store.Upload, frameJPEG []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.uploads = append(u.uploads, uploadCall{up: up, jpeg: frameJPEG})
	return nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.uploads)
}

func newTestIngester(t *testing.T) (*Ingester, *FrameCache, *fakeUploader) {
	t.Helper()
	cache := NewFrameCache(time.Second)
	t.Cleanup(cache.Close)
	uploader := &fakeUploader{}
	in := NewIngester(cache, uploader, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return in, cache, uploader
}

func runIngester(t *testing.T, in *Ingester) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		in.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestIngester_UploadsStrongestDetection(t *testing.T) {
	in, cache, uploader := newTestIngester(t)
	captureTS := time.Unix(1700000000, 500)
	cache.Put(5, CachedFrame{
		Data:   nv12Buffer(1),
		Width:  testFrameWidth,
		Height: testFrameHeight,
		TSUTC:  captureTS,
	})
	runIngester(t, in)

	in.Enqueue(IngestItem{
		FrameID:   5,
		SessionID: "cam1_k7x2",
		Detections: []feedproto.Detection{
			{BBoxXYXY: [4]float32{1, 2, 3, 4}, Confidence: 0.7, ClassName: "person", TrackID: "trk-1"},
			{BBoxXYXY: [4]float32{5, 6, 7, 8}, Confidence: 0.95, ClassName: "car", TrackID: "trk-2"},
		},
	})

	require.Eventually(t, func() bool { return uploader.count() == 1 },
		2*time.Second, 10*time.Millisecond)

	call := uploader.uploads[0]
	assert.Equal(t, "cam1_k7x2", call.up.SessionID)
	assert.Equal(t, "car", call.up.Class, "metadata carries the strongest detection")
	assert.Equal(t, "trk-2", call.up.TrackID)
	assert.InDelta(t, 0.95, call.up.Confidence, 1e-6)
	assert.Equal(t, [4]float32{5, 6, 7, 8}, call.up.BBox)
	assert.Equal(t, captureTS, call.up.CaptureTS)
	assert.Equal(t, "cam1_k7x2/5.jpg", call.up.FrameURL)

	require.GreaterOrEqual(t, len(call.jpeg), 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, call.jpeg[:2], "payload must be a JPEG")

	assert.Equal(t, uint64(1), in.Stats().Uploaded)
}

func TestIngester_CacheMissSkips(t *testing.T) {
	in, _, uploader := newTestIngester(t)
	runIngester(t, in)

	in.Enqueue(IngestItem{
		FrameID:    99,
		SessionID:  "cam1_k7x2",
		Detections: []feedproto.Detection{{Confidence: 0.9, ClassName: "person"}},
	})

	require.Eventually(t, func() bool { return in.Stats().Misses == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, uploader.count())
}

func TestIngester_UploadFailureCounted(t *testing.T) {
	in, cache, uploader := newTestIngester(t)
	uploader.err = errors.New("store rejected")
	cache.Put(1, CachedFrame{Data: nv12Buffer(1), Width: testFrameWidth, Height: testFrameHeight})
	runIngester(t, in)

	in.Enqueue(IngestItem{
		FrameID:    1,
		SessionID:  "cam1_k7x2",
		Detections: []feedproto.Detection{{Confidence: 0.9, ClassName: "person"}},
	})

	require.Eventually(t, func() bool { return in.Stats().Failures == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Zero(t, in.Stats().Uploaded)
}

func TestIngester_OverflowEvictsOldest(t *testing.T) {
	in, _, _ := newTestIngester(t)
	// Not running: the queue only fills.

	for i := 0; i < defaultIngestQueueDepth+5; i++ {
		ok := in.Enqueue(IngestItem{FrameID: uint64(i), SessionID: "s"})
		assert.True(t, ok)
	}

	stats := in.Stats()
	assert.Equal(t, defaultIngestQueueDepth, stats.Queued)
	assert.Equal(t, uint64(5), stats.Dropped)
}
