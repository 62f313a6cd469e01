package edge

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-video/vigil/internal/imaging"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

// SendFunc transmits one envelope on the live connection. Supplied by the
// TCP client after each connect.
type SendFunc func(*feedproto.Envelope) error

// ResultFunc receives the detections answered for one sent frame.
type ResultFunc func(frameID uint64, sessionID string, detections []feedproto.Detection)

// FeederConfig carries the negotiation parameters and capture geometry.
type FeederConfig struct {
	Model               string
	ModelWidth          int
	ModelHeight         int
	SourceWidth         int
	SourceHeight        int
	MaxInflight         int
	ClassesFilter       []string
	ConfidenceThreshold float32
	FrameTTL            time.Duration
	Logger              *slog.Logger
}

// FeederCounters is a point-in-time snapshot of the feeder's traffic
// accounting.
type FeederCounters struct {
	FramesSent      uint64
	ResultsReceived uint64
	LatestWinsDrops uint64
	Degradations    uint64
	SampledOut      uint64
	LastRTT         time.Duration
}

type pendingFrame struct {
	data     []byte
	tsMonoNS int64
	tsUTCNS  int64
}

// Feeder bridges capture frames to the worker: it samples the capture stream
// down to the AI rate, enforces the credit window with LATEST_WINS when
// credits run out, encodes to the negotiated codec, caches sent frames for
// the ingester, and renegotiates the codec when frames get rejected.
//
// The feeder takes ownership of every buffer passed to OnFrame.
type Feeder struct {
	cfg    FeederConfig
	logger *slog.Logger

	window  *Window
	cache   *FrameCache
	degrade *Degrader

	mu            sync.Mutex
	send          SendFunc
	streamID      string
	ready         bool
	started       bool
	sessionID     string
	chosenCodec   feedproto.Codec
	maxFrameBytes uint64
	fpsTarget     float32
	aiFPS         float64
	lastAccepted  time.Time
	pausedUntil   time.Time
	frameCounter  uint64
	lastFrameID   uint64
	pending       *pendingFrame
	sendTS        map[uint64]time.Time
	counters      FeederCounters

	onReady  func()
	onResult ResultFunc
}

// NewFeeder creates a feeder. Destroy must be called to stop the frame
// cache's sweep.
func NewFeeder(cfg FeederConfig) *Feeder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Feeder{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "feeder")),
		window:  NewWindow(),
		cache:   NewFrameCache(cfg.FrameTTL),
		degrade: NewDegrader(),
		sendTS:  make(map[uint64]time.Time),
	}
}

// Cache exposes the frame cache shared with the ingester.
func (f *Feeder) Cache() *FrameCache { return f.cache }

// Window exposes the flow-control window for status reporting.
func (f *Feeder) Window() *Window { return f.window }

// SetOnReady registers a callback fired after every successful handshake.
func (f *Feeder) SetOnReady(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReady = fn
}

// SetOnResult registers the consumer of detection results.
func (f *Feeder) SetOnResult(fn ResultFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onResult = fn
}

// SetSendFunc installs the connection's transmit function.
func (f *Feeder) SetSendFunc(fn SendFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.send = fn
}

// SetStreamID adopts a fresh connection identity: the frame counter restarts
// (frame ids are unique per connection only), pending state clears, and the
// degradation budget is restored.
func (f *Feeder) SetStreamID(streamID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamID = streamID
	f.frameCounter = 0
	f.lastFrameID = 0
	f.pending = nil
	f.sendTS = make(map[uint64]time.Time)
	f.degrade.Reset()
}

// SetSessionID tags subsequent frames with the recording session. Empty
// means no session: the worker will detect but not persist.
func (f *Feeder) SetSessionID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = id
}

// SessionID returns the current recording session id.
func (f *Feeder) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionID
}

// SetAIFPS caps the rate at which captured frames enter the feed. Zero or
// negative disables sampling.
func (f *Feeder) SetAIFPS(fps float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aiFPS = fps
}

// AIFPS returns the current sampling cap.
func (f *Feeder) AIFPS() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aiFPS
}

// Ready reports whether a handshake has completed on the live connection.
func (f *Feeder) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

// LastFrameID returns the most recently assigned frame id, for heartbeats.
func (f *Feeder) LastFrameID() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFrameID
}

// Codec returns the negotiated frame codec.
func (f *Feeder) Codec() feedproto.Codec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chosenCodec
}

// Counters returns a snapshot of the traffic counters.
func (f *Feeder) Counters() FeederCounters {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters
}

// Start begins accepting capture frames. Idempotent: a second Start is a
// no-op.
func (f *Feeder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

// Stop pauses frame acceptance and clears any pending frame.
func (f *Feeder) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.pending = nil
}

// Destroy stops the feeder and the frame cache's sweep.
func (f *Feeder) Destroy() {
	f.Stop()
	f.cache.Close()
}

// BuildInit constructs the handshake envelope. With preferJPEG the codec
// preference order leads with JPEG, which is how degradation asks the worker
// to switch. Deterministic apart from the stream id.
func (f *Feeder) BuildInit(preferJPEG bool) *feedproto.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buildInitLocked(preferJPEG)
}

func (f *Feeder) buildInitLocked(preferJPEG bool) *feedproto.Envelope {
	codecs := []feedproto.Codec{feedproto.CodecRaw, feedproto.CodecJPEG}
	if preferJPEG {
		codecs = []feedproto.Codec{feedproto.CodecJPEG, feedproto.CodecRaw}
	}

	init := &feedproto.Init{
		Model: f.cfg.Model,
		Caps: &feedproto.Capabilities{
			AcceptedPixelFormats: []feedproto.PixelFormat{feedproto.PixelFormatNV12},
			AcceptedCodecs:       codecs,
			MaxWidth:             uint32(f.cfg.SourceWidth),
			MaxHeight:            uint32(f.cfg.SourceHeight),
			MaxInflight:          uint32(f.cfg.MaxInflight),
			DesiredMaxFrameBytes: feedproto.RawFrameSize(feedproto.PixelFormatNV12, uint32(f.cfg.SourceWidth), uint32(f.cfg.SourceHeight)),
			Letterbox:            true,
			Normalize:            true,
			Layout:               "CHW",
			Dtype:                "fp32",
		},
		ClassesFilter:       f.cfg.ClassesFilter,
		ConfidenceThreshold: f.cfg.ConfidenceThreshold,
	}
	return feedproto.NewInitEnvelope(f.streamID, init)
}

// HandleInitOk adopts the worker's chosen format: codec, frame size limit,
// and a fresh credit window. Fired for the initial handshake and for every
// degradation renegotiation.
func (f *Feeder) HandleInitOk(ok *feedproto.InitOk) {
	if ok == nil || ok.Chosen == nil {
		f.logger.Warn("init_ok without chosen format, ignoring")
		return
	}

	f.mu.Lock()
	f.maxFrameBytes = ok.MaxFrameBytes
	f.chosenCodec = ok.Chosen.Codec
	f.fpsTarget = ok.Chosen.FPSTarget
	f.window.Initialize(int(ok.Chosen.InitialCredits))
	f.ready = true
	ready := f.onReady
	f.logger.Info("handshake complete",
		slog.String("codec", ok.Chosen.Codec.String()),
		slog.Uint64("max_frame_bytes", ok.MaxFrameBytes),
		slog.Int("window", f.window.Size()),
	)
	f.mu.Unlock()

	if ready != nil {
		ready()
	}
}

// HandleDisconnect clears connection-scoped state when the socket drops.
func (f *Feeder) HandleDisconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
	f.send = nil
	f.pending = nil
}

// OnFrame is the capture callback: one raw NV12 buffer plus its capture
// timestamps. Applies the AI rate gate, validates geometry, and either sends
// immediately or parks the frame as the single LATEST_WINS pending slot.
func (f *Feeder) OnFrame(data []byte, tsMonoNS, tsUTCNS int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.started || !f.ready {
		return
	}

	if f.aiFPS > 0 {
		minInterval := time.Duration(float64(time.Second) / f.aiFPS)
		now := time.Now()
		if now.Sub(f.lastAccepted) < minInterval {
			f.counters.SampledOut++
			return
		}
		f.lastAccepted = now
	}

	want := feedproto.RawFrameSize(feedproto.PixelFormatNV12, uint32(f.cfg.SourceWidth), uint32(f.cfg.SourceHeight))
	if uint64(len(data)) != want {
		f.triggerDegradationLocked(fmt.Sprintf("capture buffer is %d bytes, want %d", len(data), want))
		return
	}
	if f.chosenCodec == feedproto.CodecRaw && f.maxFrameBytes > 0 && uint64(len(data)) > f.maxFrameBytes {
		f.triggerDegradationLocked(fmt.Sprintf("raw frame %d bytes exceeds negotiated limit %d", len(data), f.maxFrameBytes))
		return
	}

	frame := &pendingFrame{data: data, tsMonoNS: tsMonoNS, tsUTCNS: tsUTCNS}
	if f.canSendLocked() {
		// Anything still parked is older than this frame; latest wins.
		f.pending = nil
		f.sendFrameLocked(frame)
		return
	}
	f.pending = frame
	f.counters.LatestWinsDrops++
}

// HandleResult releases a window credit, records the round trip, flushes any
// pending frame, and hands the detections to the registered consumer.
func (f *Feeder) HandleResult(res *feedproto.Result) {
	f.window.OnResultReceived()

	f.mu.Lock()
	f.counters.ResultsReceived++
	if sentAt, ok := f.sendTS[res.FrameID]; ok {
		f.counters.LastRTT = time.Since(sentAt)
		delete(f.sendTS, res.FrameID)
	}
	f.flushPendingLocked()
	consumer := f.onResult
	f.mu.Unlock()

	if consumer != nil {
		consumer(res.FrameID, res.SessionID, res.Detections)
	}
}

// HandleWindowUpdate applies the worker's new window size and flushes the
// pending frame if the resize freed a credit.
func (f *Feeder) HandleWindowUpdate(wu *feedproto.WindowUpdate) {
	f.window.OnWindowUpdate(int(wu.NewSize))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushPendingLocked()
}

// HandleError reacts to a worker error envelope. Degrading codes start a
// codec renegotiation; transient codes pause sends for any advertised
// retry_after. Both kinds answered a frame the worker will not respond to
// otherwise, so one credit is released. Fatal codes are handled by the
// connection owner.
func (f *Feeder) HandleError(info *feedproto.ErrorInfo) {
	if info == nil {
		return
	}
	code := info.Code
	if code.Fatal() {
		return
	}

	f.window.OnResultReceived()

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case code.Degrades():
		f.triggerDegradationLocked(fmt.Sprintf("worker rejected frame: %s: %s", code, info.Message))
	case code.Transient():
		if info.RetryAfterMS > 0 {
			f.pausedUntil = time.Now().Add(time.Duration(info.RetryAfterMS) * time.Millisecond)
		}
		f.logger.Debug("transient worker error",
			slog.String("code", code.String()),
			slog.String("message", info.Message),
			slog.Uint64("retry_after_ms", uint64(info.RetryAfterMS)),
		)
	}
	f.flushPendingLocked()
}

func (f *Feeder) canSendLocked() bool {
	return f.ready && f.send != nil && time.Now().After(f.pausedUntil) && f.window.HasCredits()
}

func (f *Feeder) flushPendingLocked() {
	if f.pending == nil || !f.canSendLocked() {
		return
	}
	frame := f.pending
	f.pending = nil
	f.sendFrameLocked(frame)
}

// sendFrameLocked assigns the frame id, encodes to the negotiated codec
// (falling back to raw if the encoder fails), caches the original buffer for
// the ingester, then transmits. Callers must have verified canSendLocked.
func (f *Feeder) sendFrameLocked(p *pendingFrame) {
	frameID := f.frameCounter
	f.frameCounter++
	f.lastFrameID = frameID

	codec := f.chosenCodec
	data := p.data
	var planes []feedproto.Plane

	if codec == feedproto.CodecJPEG {
		encoded, err := encodeNV12JPEG(p.data, f.cfg.SourceWidth, f.cfg.SourceHeight)
		switch {
		case err != nil:
			f.logger.Warn("jpeg encode failed, sending raw",
				slog.Uint64("frame_id", frameID),
				slog.String("error", err.Error()),
			)
			codec = feedproto.CodecRaw
		case f.maxFrameBytes > 0 && uint64(len(encoded)) > f.maxFrameBytes:
			f.triggerDegradationLocked(fmt.Sprintf("encoded frame %d bytes exceeds negotiated limit %d", len(encoded), f.maxFrameBytes))
			return
		default:
			data = encoded
		}
	}
	if codec == feedproto.CodecRaw {
		if f.maxFrameBytes > 0 && uint64(len(p.data)) > f.maxFrameBytes {
			f.triggerDegradationLocked(fmt.Sprintf("raw frame %d bytes exceeds negotiated limit %d", len(p.data), f.maxFrameBytes))
			return
		}
		planes = nv12Planes(f.cfg.SourceWidth, f.cfg.SourceHeight)
	}

	// Cache before sending so a detection arriving moments later can always
	// retrieve the source frame.
	f.cache.Put(frameID, CachedFrame{
		Data:   p.data,
		Width:  f.cfg.SourceWidth,
		Height: f.cfg.SourceHeight,
		TSUTC:  time.Unix(0, p.tsUTCNS),
	})

	env := feedproto.NewFrameEnvelope(f.streamID, &feedproto.Frame{
		FrameID:     frameID,
		TsMonoNS:    p.tsMonoNS,
		TsUTCNS:     p.tsUTCNS,
		SessionID:   f.sessionID,
		Width:       uint32(f.cfg.SourceWidth),
		Height:      uint32(f.cfg.SourceHeight),
		PixelFormat: feedproto.PixelFormatNV12,
		Codec:       codec,
		Planes:      planes,
		Data:        data,
	})

	if err := f.send(env); err != nil {
		f.logger.Warn("frame send failed",
			slog.Uint64("frame_id", frameID),
			slog.String("error", err.Error()),
		)
		return
	}

	f.window.OnFrameSent()
	f.sendTS[frameID] = time.Now()
	f.counters.FramesSent++
}

// triggerDegradationLocked renegotiates toward JPEG over the live
// connection. Attempts are capped and cooled down by the degrader; capture
// is never stopped, so interim frames of the old format may still be
// rejected until the new InitOk lands.
func (f *Feeder) triggerDegradationLocked(reason string) {
	if !f.degrade.TryBegin() {
		f.logger.Debug("degradation suppressed",
			slog.String("reason", reason),
			slog.Int("attempts", f.degrade.Attempts()),
		)
		return
	}
	if f.send == nil {
		return
	}

	f.counters.Degradations++
	f.logger.Warn("degrading to jpeg",
		slog.String("reason", reason),
		slog.Int("attempt", f.degrade.Attempts()),
	)

	if err := f.send(f.buildInitLocked(true)); err != nil {
		f.logger.Warn("degradation init send failed", slog.String("error", err.Error()))
	}
}

func encodeNV12JPEG(data []byte, width, height int) ([]byte, error) {
	img, err := imaging.YCbCrFromNV12(data, width, height)
	if err != nil {
		return nil, err
	}
	return imaging.EncodeJPEG(img, imaging.DefaultJPEGQuality)
}

func nv12Planes(width, height int) []feedproto.Plane {
	ySize := uint64(width) * uint64(height)
	return []feedproto.Plane{
		{Stride: uint32(width), Offset: 0, Size: ySize},
		{Stride: uint32(width), Offset: ySize, Size: ySize / 2},
	}
}
