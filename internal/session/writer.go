// Package session persists per-session tracking artifacts on the worker:
// <out>/<session_id>/meta.json, index.json, and tracks/seg-NNNN.jsonl
// segment files. meta.json and index.json are only ever replaced atomically,
// so readers never observe partial writes.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSegmentDuration splits track logs into ten-second segments.
	DefaultSegmentDuration = 10 * time.Second

	// linesPerIndexRewrite caps how stale index.json/meta.json may get while
	// a segment is being appended to.
	linesPerIndexRewrite = 32

	tracksDirName = "tracks"
	metaFileName  = "meta.json"
	indexFileName = "index.json"
)

// Meta is the session-level artifact.
type Meta struct {
	SessionID  string   `json:"session_id"`
	DeviceID   string   `json:"device_id"`
	StartTime  string   `json:"start_time"`
	EndTime    string   `json:"end_time,omitempty"`
	FrameCount int      `json:"frame_count"`
	FPS        float64  `json:"fps"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	Classes    []string `json:"classes"`
}

// Segment is one entry of index.json.
type Segment struct {
	I      int     `json:"i"`
	T0S    float64 `json:"t0_s"`
	T1S    float64 `json:"t1_s"`
	URL    string  `json:"url"`
	Count  int     `json:"count"`
	Closed bool    `json:"closed"`
}

// Index is the segment catalog artifact.
type Index struct {
	SegmentDurationS float64   `json:"segment_duration_s"`
	Segments         []Segment `json:"segments"`
}

// TrackedObject is one tracked detection in source pixel space.
type TrackedObject struct {
	TrackID    string
	ClassID    int
	Class      string
	Confidence float32
	Box        [4]float32
}

// object is the persisted form of a TrackedObject.
type object struct {
	TrackID string     `json:"track_id"`
	ClsID   int        `json:"cls_id"`
	ClsName string     `json:"cls_name"`
	Conf    float64    `json:"conf"`
	BBox    [4]float64 `json:"bbox_xyxy"`
}

// frameLine is one JSONL record.
type frameLine struct {
	TRelS    float64  `json:"t_rel_s"`
	FrameID  uint64   `json:"frame_id"`
	TsMonoNS int64    `json:"ts_mono_ns"`
	TsUTCNS  int64    `json:"ts_utc_ns"`
	Objs     []object `json:"objs"`
}

// WriterConfig configures one session writer.
type WriterConfig struct {
	OutDir          string
	SessionID       string
	DeviceID        string
	SegmentDuration time.Duration
	FPS             float64
	Width           int
	Height          int
	Logger          *slog.Logger
}

type openSegment struct {
	idx   int
	file  *os.File
	buf   *bufio.Writer
	t0    float64
	t1    float64
	count int
}

// Writer owns one session directory. A writer belongs to a single
// connection; methods are still locked because Close may race the processing
// pipeline during shutdown.
type Writer struct {
	log    *slog.Logger
	dir    string
	segDur float64

	mu          sync.Mutex
	meta        Meta
	classes     map[string]struct{}
	segments    []Segment
	cur         *openSegment
	startMonoNS int64
	startUTCNS  int64
	baseSet     bool
	sinceRewrit int
	closed      bool
}

// ValidateSessionID rejects identifiers that cannot safely name a
// directory.
func ValidateSessionID(id string) error {
	if id == "" || id == "." || id == ".." {
		return fmt.Errorf("invalid session id %q", id)
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("session id %q contains path separators", id)
	}
	return nil
}

// DeviceIDFromSession extracts the device part of a "<device>_<ts>" session
// identifier.
func DeviceIDFromSession(sessionID string) string {
	if i := strings.IndexByte(sessionID, '_'); i > 0 {
		return sessionID[:i]
	}
	return sessionID
}

// NewWriter creates the session directory and its initial artifacts. The
// meta.json written here carries no end_time; the startup sweep uses that to
// recognize sessions interrupted by a crash.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := ValidateSessionID(cfg.SessionID); err != nil {
		return nil, err
	}
	if cfg.SegmentDuration <= 0 {
		cfg.SegmentDuration = DefaultSegmentDuration
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = DeviceIDFromSession(cfg.SessionID)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dir := filepath.Join(cfg.OutDir, cfg.SessionID)
	if err := os.MkdirAll(filepath.Join(dir, tracksDirName), 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	w := &Writer{
		log:    cfg.Logger.With("session_id", cfg.SessionID),
		dir:    dir,
		segDur: cfg.SegmentDuration.Seconds(),
		meta: Meta{
			SessionID: cfg.SessionID,
			DeviceID:  cfg.DeviceID,
			StartTime: time.Now().UTC().Format(time.RFC3339Nano),
			FPS:       cfg.FPS,
			Width:     cfg.Width,
			Height:    cfg.Height,
			Classes:   []string{},
		},
		classes: make(map[string]struct{}),
	}
	if err := w.rewriteArtifactsLocked(); err != nil {
		return nil, err
	}
	w.log.Info("session writer opened", "dir", dir)
	return w, nil
}

// SessionID returns the owning session.
func (w *Writer) SessionID() string {
	return w.meta.SessionID
}

// Dir returns the session directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Append records one frame's tracked objects. The first call fixes the
// session time base; calls with no objects only contribute to the base and
// produce no line. The frame id written is the wire value.
func (w *Writer) Append(objs []TrackedObject, frameID uint64, tsMonoNS, tsUTCNS int64, width, height int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("session %s: writer closed", w.meta.SessionID)
	}

	if !w.baseSet {
		w.startMonoNS = tsMonoNS
		w.startUTCNS = tsUTCNS
		w.baseSet = true
	}
	if width > 0 && height > 0 {
		w.meta.Width, w.meta.Height = width, height
	}
	if len(objs) == 0 {
		return nil
	}

	tRel := w.relTimeLocked(tsMonoNS, tsUTCNS)
	segIdx := int(tRel / w.segDur)
	if w.cur == nil || w.cur.idx != segIdx {
		if err := w.rollSegmentLocked(segIdx, tRel); err != nil {
			return err
		}
	}

	line := frameLine{
		TRelS:    tRel,
		FrameID:  frameID,
		TsMonoNS: tsMonoNS,
		TsUTCNS:  tsUTCNS,
		Objs:     make([]object, 0, len(objs)),
	}
	fw := float64(width)
	fh := float64(height)
	for _, o := range objs {
		line.Objs = append(line.Objs, object{
			TrackID: o.TrackID,
			ClsID:   o.ClassID,
			ClsName: o.Class,
			Conf:    math.Round(float64(o.Confidence)*1e4) / 1e4,
			BBox: [4]float64{
				normCoord(float64(o.Box[0]), fw),
				normCoord(float64(o.Box[1]), fh),
				normCoord(float64(o.Box[2]), fw),
				normCoord(float64(o.Box[3]), fh),
			},
		})
		if _, seen := w.classes[o.Class]; !seen {
			w.classes[o.Class] = struct{}{}
			w.meta.Classes = append(w.meta.Classes, o.Class)
			sort.Strings(w.meta.Classes)
		}
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encoding track line: %w", err)
	}
	if _, err := w.cur.buf.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing segment %04d: %w", w.cur.idx, err)
	}
	w.cur.count++
	w.cur.t1 = tRel
	w.meta.FrameCount++

	w.sinceRewrit++
	if w.sinceRewrit >= linesPerIndexRewrite {
		if err := w.cur.buf.Flush(); err != nil {
			return err
		}
		if err := w.rewriteArtifactsLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and fsyncs the open segment, stamps end_time, and rewrites
// the artifacts one last time. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.closeSegmentLocked(); err != nil {
		w.log.Warn("closing segment", "error", err)
	}
	w.meta.EndTime = time.Now().UTC().Format(time.RFC3339Nano)
	if err := w.rewriteArtifactsLocked(); err != nil {
		return err
	}
	w.log.Info("session writer closed",
		"frames", w.meta.FrameCount,
		"segments", len(w.segments),
		"classes", w.meta.Classes)
	return nil
}

// relTimeLocked computes seconds since the session base, preferring the
// monotonic clock.
func (w *Writer) relTimeLocked(tsMonoNS, tsUTCNS int64) float64 {
	var rel float64
	switch {
	case w.startMonoNS > 0 && tsMonoNS > 0:
		rel = float64(tsMonoNS-w.startMonoNS) / 1e9
	case w.startUTCNS > 0 && tsUTCNS > 0:
		rel = float64(tsUTCNS-w.startUTCNS) / 1e9
	}
	if rel < 0 {
		rel = 0
	}
	return rel
}

func (w *Writer) rollSegmentLocked(idx int, tRel float64) error {
	if err := w.closeSegmentLocked(); err != nil {
		return err
	}
	name := fmt.Sprintf("seg-%04d.jsonl", idx)
	f, err := os.OpenFile(filepath.Join(w.dir, tracksDirName, name),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening segment %s: %w", name, err)
	}
	w.cur = &openSegment{
		idx:  idx,
		file: f,
		buf:  bufio.NewWriter(f),
		t0:   tRel,
		t1:   tRel,
	}
	w.log.Debug("segment opened", "segment", idx, "t_rel_s", tRel)
	return w.rewriteArtifactsLocked()
}

func (w *Writer) closeSegmentLocked() error {
	if w.cur == nil {
		return nil
	}
	seg := w.cur
	w.cur = nil

	var firstErr error
	if err := seg.buf.Flush(); err != nil {
		firstErr = err
	}
	if err := seg.file.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := seg.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	w.segments = append(w.segments, Segment{
		I:      seg.idx,
		T0S:    seg.t0,
		T1S:    seg.t1,
		URL:    fmt.Sprintf("%s/seg-%04d.jsonl", tracksDirName, seg.idx),
		Count:  seg.count,
		Closed: true,
	})
	return firstErr
}

// rewriteArtifactsLocked replaces index.json and meta.json atomically. The
// open segment, if any, is included as a non-closed entry.
func (w *Writer) rewriteArtifactsLocked() error {
	idx := Index{
		SegmentDurationS: w.segDur,
		Segments:         append([]Segment(nil), w.segments...),
	}
	if w.cur != nil {
		idx.Segments = append(idx.Segments, Segment{
			I:     w.cur.idx,
			T0S:   w.cur.t0,
			T1S:   w.cur.t1,
			URL:   fmt.Sprintf("%s/seg-%04d.jsonl", tracksDirName, w.cur.idx),
			Count: w.cur.count,
		})
	}
	if err := writeJSONAtomic(filepath.Join(w.dir, indexFileName), idx); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(w.dir, metaFileName), w.meta); err != nil {
		return err
	}
	w.sinceRewrit = 0
	return nil
}

func normCoord(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	n := v / limit
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// writeJSONAtomic writes v to path via a temp file and rename, fsyncing
// before the swap so a crash never leaves a torn artifact.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
