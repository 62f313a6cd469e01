package worker

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	"github.com/vigil-video/vigil/internal/imaging"
	"github.com/vigil-video/vigil/internal/inference"
	"github.com/vigil-video/vigil/internal/observability"
	"github.com/vigil-video/vigil/internal/session"
	"github.com/vigil-video/vigil/internal/track"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

// processorConfig carries the persistence settings a pipeline needs.
type processorConfig struct {
	OutDir          string
	SegmentDuration time.Duration
	FPS             float64
	Logger          *slog.Logger
}

// processor runs one connection's frames through decode, inference, tracking
// and persistence. It owns the tracker and the session writer; the session
// id stamped on each frame drives when those open and close. All methods are
// called from the connection's single processing goroutine.
type processor struct {
	cfg    processorConfig
	logger *slog.Logger

	engine  inference.Engine
	post    inference.PostConfig
	classID map[string]int

	tracker   *track.Tracker
	writer    *session.Writer
	sessionID string

	// lastEnded remembers the most recently closed session so stragglers
	// tagged with it cannot resurrect the artifacts after an End.
	lastEnded string
}

func newProcessor(engine inference.Engine, init *feedproto.Init, cfg processorConfig) *processor {
	post := postConfigFor(init)
	return &processor{
		cfg:     cfg,
		logger:  cfg.Logger,
		engine:  engine,
		post:    post,
		classID: classIndex(post.ClassNames),
		tracker: track.New(track.DefaultConfig()),
	}
}

// rebind points the pipeline at a renegotiated engine and filter set. The
// tracker and any open session survive: degradation renegotiates the frame
// contract mid-session without ending the recording.
func (p *processor) rebind(engine inference.Engine, init *feedproto.Init) {
	p.engine = engine
	p.post = postConfigFor(init)
	p.classID = classIndex(p.post.ClassNames)
}

func postConfigFor(init *feedproto.Init) inference.PostConfig {
	post := inference.DefaultPostConfig()
	post.ClassFilter = inference.NewClassFilter(init.ClassesFilter)
	if t := init.ConfidenceThreshold; t > 0 && t <= 1 {
		post.Confidence = t
	}
	return post
}

func classIndex(names []string) map[string]int {
	idx := make(map[string]int, len(names))
	for i, name := range names {
		idx[name] = i
	}
	return idx
}

// process runs one frame end to end and returns the Result to send. Errors
// are *feedproto.ProtocolError values describing a rejected frame, or the
// context error when the connection is shutting down mid-inference.
func (p *processor) process(ctx context.Context, frame *feedproto.Frame) (*feedproto.Result, error) {
	start := time.Now()

	p.switchSession(frame.SessionID)

	img, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()

	modelW, modelH := p.engine.InputSize()
	input, mapping := imaging.LetterboxTensor(img, modelW, modelH)
	preDone := time.Now()

	output, err := p.engine.Infer(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, feedproto.Errorf(feedproto.CodeInternal,
			"frame %d: inference: %v", frame.FrameID, err)
	}
	inferDone := time.Now()

	detections, err := inference.DecodeOutput(output, mapping, p.post)
	if err != nil {
		return nil, feedproto.Errorf(feedproto.CodeInternal,
			"frame %d: decoding model output: %v", frame.FrameID, err)
	}

	var wire []feedproto.Detection
	if p.sessionID != "" {
		wire = p.trackAndPersist(detections, frame, srcW, srcH)
	} else {
		wire = pseudoTracked(detections, frame.FrameID)
	}
	end := time.Now()

	return &feedproto.Result{
		FrameID:    frame.FrameID,
		Detections: wire,
		PreMS:      millis(preDone.Sub(start)),
		InferMS:    millis(inferDone.Sub(preDone)),
		PostMS:     millis(end.Sub(inferDone)),
		TotalMS:    millis(end.Sub(start)),
		SessionID:  frame.SessionID,
	}, nil
}

// switchSession reconciles the pipeline's session state with the id stamped
// on the incoming frame. An empty id ends any active session; a new id ends
// the old one and starts recording under the new, unless the id names the
// session that just ended, in which case the frame was in flight when the
// End arrived and is treated as detection-only.
func (p *processor) switchSession(id string) {
	id = strings.TrimSpace(id)
	if id == p.sessionID {
		return
	}
	if p.sessionID != "" {
		p.closeSession()
	}
	if id == "" || id == p.lastEnded {
		return
	}
	p.openSession(id)
}

func (p *processor) openSession(id string) {
	writer, err := session.NewWriter(session.WriterConfig{
		OutDir:          p.cfg.OutDir,
		SessionID:       id,
		SegmentDuration: p.cfg.SegmentDuration,
		FPS:             p.cfg.FPS,
		Logger:          p.logger,
	})
	if err != nil {
		// Tracking continues in memory; only persistence is lost.
		observability.WithError(p.logger, err).Error("opening session writer",
			slog.String("session_id", id))
		writer = nil
	}
	p.writer = writer
	p.sessionID = id
	p.lastEnded = ""
	p.logger.Info("session started", slog.String("session_id", id))
}

// endSession closes the active session, if any. Called for End messages and
// when the connection goes away.
func (p *processor) endSession() {
	if p.sessionID == "" {
		return
	}
	p.closeSession()
}

func (p *processor) closeSession() {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			observability.WithError(p.logger, err).Error("closing session writer",
				slog.String("session_id", p.sessionID))
		}
		p.writer = nil
	}
	p.logger.Info("session ended", slog.String("session_id", p.sessionID))
	p.lastEnded = p.sessionID
	p.sessionID = ""
	// Tracks die with the session. The id sequence keeps counting so no
	// identifier spans two recordings.
	p.tracker.Reset()
}

// trackAndPersist associates detections with tracks and appends them to the
// session artifacts. Returns the wire detections carrying track ids.
func (p *processor) trackAndPersist(detections []inference.Detection, frame *feedproto.Frame, width, height int) []feedproto.Detection {
	obs := make([]track.Observation, len(detections))
	for i, d := range detections {
		obs[i] = track.Observation{Box: track.Box(d.Box), Class: d.Class, Score: d.Confidence}
	}
	ids := p.tracker.Update(obs)

	wire := make([]feedproto.Detection, len(detections))
	objs := make([]session.TrackedObject, len(detections))
	for i, d := range detections {
		wire[i] = feedproto.Detection{
			BBoxXYXY:   d.Box,
			Confidence: d.Confidence,
			ClassName:  d.Class,
			TrackID:    ids[i],
		}
		objs[i] = session.TrackedObject{
			TrackID:    ids[i],
			ClassID:    p.classIDOf(d.Class),
			Class:      d.Class,
			Confidence: d.Confidence,
			Box:        d.Box,
		}
	}

	// Empty appends still anchor the session time base to its first frame.
	if p.writer != nil {
		if err := p.writer.Append(objs, frame.FrameID, frame.TsMonoNS, frame.TsUTCNS, width, height); err != nil {
			observability.WithError(p.logger, err).Error("appending tracked objects",
				slog.String("session_id", p.sessionID),
				slog.Uint64("frame_id", frame.FrameID))
		}
	}
	return wire
}

func (p *processor) classIDOf(name string) int {
	if id, ok := p.classID[name]; ok {
		return id
	}
	return -1
}

// pseudoTracked labels detection-only results. No session is active, so the
// ids are synthetic and unique per frame rather than stable over time.
func pseudoTracked(detections []inference.Detection, frameID uint64) []feedproto.Detection {
	wire := make([]feedproto.Detection, len(detections))
	for i, d := range detections {
		wire[i] = feedproto.Detection{
			BBoxXYXY:   d.Box,
			Confidence: d.Confidence,
			ClassName:  d.Class,
			TrackID:    fmt.Sprintf("det-%d-%d", frameID, i),
		}
	}
	return wire
}

// decodeFrame turns a validated frame payload into an image. The payload has
// already passed ValidatePayload, so size errors here mean corrupt content
// rather than protocol abuse.
func decodeFrame(f *feedproto.Frame) (image.Image, error) {
	switch f.Codec {
	case feedproto.CodecJPEG:
		img, err := imaging.DecodeJPEG(f.Data)
		if err != nil {
			return nil, feedproto.Errorf(feedproto.CodeInvalidFrame,
				"frame %d: decoding jpeg: %v", f.FrameID, err)
		}
		return img, nil

	case feedproto.CodecRaw:
		width, height := int(f.Width), int(f.Height)
		var (
			img image.Image
			err error
		)
		switch f.PixelFormat {
		case feedproto.PixelFormatNV12:
			img, err = imaging.YCbCrFromNV12(f.Data, width, height)
		case feedproto.PixelFormatI420:
			img, err = imaging.YCbCrFromI420(f.Data, width, height)
		case feedproto.PixelFormatRGB8:
			img, err = imaging.RGBAFromRGB8(f.Data, width, height)
		default:
			return nil, feedproto.Errorf(feedproto.CodeUnsupportedFormat,
				"frame %d: pixel format %s", f.FrameID, f.PixelFormat)
		}
		if err != nil {
			return nil, feedproto.Errorf(feedproto.CodeInvalidFrame,
				"frame %d: %v", f.FrameID, err)
		}
		return img, nil

	default:
		return nil, feedproto.Errorf(feedproto.CodeUnsupportedFormat,
			"frame %d: codec %s", f.FrameID, f.Codec)
	}
}

func millis(d time.Duration) float32 {
	return float32(d.Seconds() * 1000)
}
