package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/inference"
	"github.com/vigil-video/vigil/internal/session"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

const (
	testFrameWidth  = 64
	testFrameHeight = 48
	testCanvas      = 64
)

// personRow is one fixture detection in canvas space. Letterboxing a 64x48
// frame onto the 64x64 canvas pads 8 rows top and bottom, so this projects
// to [16, 12, 32, 32] in source space.
var personRow = []float32{16, 20, 32, 40, 0.9, 0}

func fixtureEngine(rows ...[]float32) *inference.StaticEngine {
	data := make([]float32, 0, len(rows)*6)
	for _, row := range rows {
		data = append(data, row...)
	}
	return inference.NewStaticEngine(testCanvas, testCanvas, &inference.Output{
		Shape: []int64{1, int64(len(rows)), 6},
		Data:  data,
	})
}

func newTestProcessor(t *testing.T, engine inference.Engine, init *feedproto.Init) (*processor, string) {
	t.Helper()
	outDir := t.TempDir()
	if init == nil {
		init = &feedproto.Init{Model: "yolo11n"}
	}
	proc := newProcessor(engine, init, processorConfig{
		OutDir:          outDir,
		SegmentDuration: 10 * time.Second,
		FPS:             5,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return proc, outDir
}

func rawNV12Frame(frameID uint64, sessionID string, tsMonoNS int64) *feedproto.Frame {
	size := testFrameWidth * testFrameHeight * 3 / 2
	ySize := uint64(testFrameWidth * testFrameHeight)
	return &feedproto.Frame{
		FrameID:     frameID,
		TsMonoNS:    tsMonoNS,
		TsUTCNS:     tsMonoNS + 1_700_000_000_000_000_000,
		SessionID:   sessionID,
		Width:       testFrameWidth,
		Height:      testFrameHeight,
		PixelFormat: feedproto.PixelFormatNV12,
		Codec:       feedproto.CodecRaw,
		Planes: []feedproto.Plane{
			{Stride: testFrameWidth, Offset: 0, Size: ySize},
			{Stride: testFrameWidth, Offset: ySize, Size: ySize / 2},
		},
		Data: make([]byte, size),
	}
}

func readMeta(t *testing.T, outDir, sessionID string) session.Meta {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outDir, sessionID, "meta.json"))
	require.NoError(t, err)
	var meta session.Meta
	require.NoError(t, json.Unmarshal(data, &meta))
	return meta
}

func readSegmentFrameIDs(t *testing.T, outDir, sessionID, segment string) []uint64 {
	t.Helper()
	f, err := os.Open(filepath.Join(outDir, sessionID, "tracks", segment))
	require.NoError(t, err)
	defer f.Close()

	var ids []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line struct {
			FrameID uint64 `json:"frame_id"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		ids = append(ids, line.FrameID)
	}
	require.NoError(t, scanner.Err())
	return ids
}

func TestProcessorDetectionOnly(t *testing.T) {
	proc, outDir := newTestProcessor(t, fixtureEngine(personRow), nil)

	result, err := proc.process(context.Background(), rawNV12Frame(7, "", 1_000_000_000))
	require.NoError(t, err)

	require.Len(t, result.Detections, 1)
	det := result.Detections[0]
	assert.Equal(t, "det-7-0", det.TrackID, "no session means synthetic per-frame ids")
	assert.Equal(t, "person", det.ClassName)
	assert.InDelta(t, 0.9, det.Confidence, 0.001)
	assert.InDelta(t, 16, det.BBoxXYXY[0], 0.5)
	assert.InDelta(t, 12, det.BBoxXYXY[1], 0.5)
	assert.InDelta(t, 32, det.BBoxXYXY[2], 0.5)
	assert.InDelta(t, 32, det.BBoxXYXY[3], 0.5)
	assert.Equal(t, uint64(7), result.FrameID)
	assert.GreaterOrEqual(t, result.TotalMS, float32(0))

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "detection-only frames must not create session artifacts")
}

func TestProcessorSessionPersistsWireFrameIDs(t *testing.T) {
	proc, outDir := newTestProcessor(t, fixtureEngine(personRow), nil)

	base := int64(10_000_000_000)
	for i, frameID := range []uint64{0, 3, 6, 9} {
		ts := base + int64(i)*200_000_000
		result, err := proc.process(context.Background(), rawNV12Frame(frameID, "cam1_s1", ts))
		require.NoError(t, err)
		require.Len(t, result.Detections, 1)
		assert.Equal(t, "1", result.Detections[0].TrackID,
			"one steady object keeps one track id")
		assert.Equal(t, "cam1_s1", result.SessionID)
	}
	proc.endSession()

	ids := readSegmentFrameIDs(t, outDir, "cam1_s1", "seg-0000.jsonl")
	assert.Equal(t, []uint64{0, 3, 6, 9}, ids,
		"artifacts carry the wire frame ids, not a densified count")

	meta := readMeta(t, outDir, "cam1_s1")
	assert.Equal(t, "cam1_s1", meta.SessionID)
	assert.NotEmpty(t, meta.EndTime, "ended session must have a stamped end time")
	assert.Equal(t, 4, meta.FrameCount)
	assert.Equal(t, []string{"person"}, meta.Classes)
}

func TestProcessorSessionSwitchClosesPrevious(t *testing.T) {
	proc, outDir := newTestProcessor(t, fixtureEngine(personRow), nil)

	_, err := proc.process(context.Background(), rawNV12Frame(1, "cam1_a", 1_000_000_000))
	require.NoError(t, err)

	// The next frame names a different session: a ends, b begins.
	result, err := proc.process(context.Background(), rawNV12Frame(2, "cam1_b", 2_000_000_000))
	require.NoError(t, err)

	metaA := readMeta(t, outDir, "cam1_a")
	assert.NotEmpty(t, metaA.EndTime, "switching sessions must finalize the previous one")

	require.Len(t, result.Detections, 1)
	assert.Equal(t, "2", result.Detections[0].TrackID,
		"track ids must never repeat across sessions")

	proc.endSession()
	metaB := readMeta(t, outDir, "cam1_b")
	assert.NotEmpty(t, metaB.EndTime)
}

func TestProcessorEndedSessionDoesNotReopen(t *testing.T) {
	proc, outDir := newTestProcessor(t, fixtureEngine(personRow), nil)

	_, err := proc.process(context.Background(), rawNV12Frame(1, "cam1_a", 1_000_000_000))
	require.NoError(t, err)
	proc.endSession()
	endedMeta := readMeta(t, outDir, "cam1_a")

	// A frame tagged with the ended session was in flight when End arrived.
	result, err := proc.process(context.Background(), rawNV12Frame(2, "cam1_a", 2_000_000_000))
	require.NoError(t, err)
	require.Len(t, result.Detections, 1)
	assert.Contains(t, result.Detections[0].TrackID, "det-",
		"stragglers after End are detection-only")

	afterMeta := readMeta(t, outDir, "cam1_a")
	assert.Equal(t, endedMeta.FrameCount, afterMeta.FrameCount,
		"stragglers must not append to closed artifacts")

	// A different session clears the guard, and returning to the old id
	// afterwards starts a fresh recording rather than resurrecting the old.
	_, err = proc.process(context.Background(), rawNV12Frame(3, "cam1_b", 3_000_000_000))
	require.NoError(t, err)
	_, err = proc.process(context.Background(), rawNV12Frame(4, "cam1_a", 4_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, "cam1_a", proc.sessionID)
}

func TestProcessorEmptyFramesAnchorTimeBase(t *testing.T) {
	// First frame of the session detects nothing, second does. The segment
	// timeline must start at the first frame regardless.
	engine := fixtureEngine(personRow)
	empty := fixtureEngine()
	proc, outDir := newTestProcessor(t, empty, nil)

	_, err := proc.process(context.Background(), rawNV12Frame(1, "cam1_s", 5_000_000_000))
	require.NoError(t, err)

	proc.rebind(engine, &feedproto.Init{Model: "yolo11n"})
	_, err = proc.process(context.Background(), rawNV12Frame(2, "cam1_s", 7_000_000_000))
	require.NoError(t, err)
	proc.endSession()

	f, err := os.Open(filepath.Join(outDir, "cam1_s", "tracks", "seg-0000.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	type trackLine struct {
		TRelS float64           `json:"t_rel_s"`
		Objs  []json.RawMessage `json:"objs"`
	}
	var lines []trackLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line trackLine
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 2)
	assert.InDelta(t, 0.0, lines[0].TRelS, 0.001)
	assert.Empty(t, lines[0].Objs)
	assert.InDelta(t, 2.0, lines[1].TRelS, 0.001,
		"time base anchored to the session's first frame")
}

func TestProcessorStorageFailureKeepsTracking(t *testing.T) {
	proc, outDir := newTestProcessor(t, fixtureEngine(personRow), nil)

	// Occupy the session directory path with a file so the writer cannot
	// create it.
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "cam1_s"), []byte("x"), 0o644))

	result, err := proc.process(context.Background(), rawNV12Frame(1, "cam1_s", 1_000_000_000))
	require.NoError(t, err)

	require.Len(t, result.Detections, 1)
	assert.Equal(t, "1", result.Detections[0].TrackID,
		"tracking continues in memory when storage fails")
	assert.Equal(t, "cam1_s", proc.sessionID)
	assert.Nil(t, proc.writer)
}

func TestProcessorRebindKeepsSession(t *testing.T) {
	proc, _ := newTestProcessor(t, fixtureEngine(personRow), nil)

	_, err := proc.process(context.Background(), rawNV12Frame(1, "cam1_s", 1_000_000_000))
	require.NoError(t, err)

	// Degradation renegotiates mid-session; recording must continue.
	proc.rebind(fixtureEngine(personRow), &feedproto.Init{Model: "yolo11n"})
	result, err := proc.process(context.Background(), rawNV12Frame(2, "cam1_s", 2_000_000_000))
	require.NoError(t, err)

	assert.Equal(t, "cam1_s", proc.sessionID)
	require.Len(t, result.Detections, 1)
	assert.Equal(t, "1", result.Detections[0].TrackID,
		"the track survives the engine swap")
}

func TestProcessorAppliesInitFilters(t *testing.T) {
	init := &feedproto.Init{Model: "yolo11n", ClassesFilter: []string{"car"}}
	proc, _ := newTestProcessor(t, fixtureEngine(personRow), init)

	result, err := proc.process(context.Background(), rawNV12Frame(1, "", 1_000_000_000))
	require.NoError(t, err)
	assert.Empty(t, result.Detections, "class filter admits only the named classes")

	init = &feedproto.Init{Model: "yolo11n", ConfidenceThreshold: 0.95}
	proc, _ = newTestProcessor(t, fixtureEngine(personRow), init)

	result, err = proc.process(context.Background(), rawNV12Frame(1, "", 1_000_000_000))
	require.NoError(t, err)
	assert.Empty(t, result.Detections, "fixture confidence 0.9 is under the 0.95 threshold")
}

func TestProcessorDecodeErrors(t *testing.T) {
	proc, _ := newTestProcessor(t, fixtureEngine(personRow), nil)

	jpegFrame := &feedproto.Frame{
		FrameID: 1,
		Width:   testFrameWidth,
		Height:  testFrameHeight,
		Codec:   feedproto.CodecJPEG,
		Data:    []byte("not a jpeg"),
	}
	_, err := proc.process(context.Background(), jpegFrame)
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeInvalidFrame, feedproto.CodeOf(err))

	badCodec := rawNV12Frame(2, "", 1_000_000_000)
	badCodec.Codec = feedproto.Codec(9)
	_, err = proc.process(context.Background(), badCodec)
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeUnsupportedFormat, feedproto.CodeOf(err))

	badPixel := rawNV12Frame(3, "", 1_000_000_000)
	badPixel.PixelFormat = feedproto.PixelFormat(9)
	_, err = proc.process(context.Background(), badPixel)
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeUnsupportedFormat, feedproto.CodeOf(err))
}
