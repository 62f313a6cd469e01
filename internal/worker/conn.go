package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/internal/inference"
	"github.com/vigil-video/vigil/internal/observability"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

const (
	// heartbeatInterval paces outgoing heartbeats; inactivityTimeout closes
	// a connection that has been silent for that long. The edge runs the
	// same pair, so either side detects a dead peer within one timeout.
	heartbeatInterval = 2 * time.Second
	inactivityTimeout = 10 * time.Second
	writeTimeout      = 10 * time.Second

	// Retry hints attached to transient errors so the edge backs off
	// instead of hammering.
	modelRetryAfter        = 500 * time.Millisecond
	backpressureRetryAfter = 250 * time.Millisecond
)

// connState tracks where a connection is in the handshake.
type connState int

const (
	// stateAwaitInit: nothing received yet; only Init is legal.
	stateAwaitInit connState = iota
	// stateLoading: Init accepted, model load in flight. Frames get
	// MODEL_NOT_READY, heartbeats flow.
	stateLoading
	// stateReady: InitOk sent, frames are processed.
	stateReady
)

// task is one unit of work for the processing goroutine. Exactly one field
// is set. Routing End and engine rebinds through the same queue as frames
// keeps everything on a connection strictly ordered.
type task struct {
	frame *feedproto.Frame
	bind  *binding
	end   bool
}

// binding carries a freshly loaded engine and the contract it was negotiated
// under from the load goroutine to the processing goroutine.
type binding struct {
	engine inference.Engine
	init   *feedproto.Init
	chosen *feedproto.InitOk
}

// conn serves one edge connection: a read loop that validates and routes
// envelopes, a processing goroutine that runs the pipeline, and a heartbeat
// goroutine. Frames travel read loop -> jobs queue -> pipeline so the read
// loop never blocks on inference.
type conn struct {
	nc     net.Conn
	reader *feedproto.Reader
	logger *slog.Logger
	cfg    config.WorkerConfig
	pool   *ModelPool
	stats  *pipelineStats

	wmu    sync.Mutex
	writer *feedproto.Writer

	mu            sync.Mutex
	state         connState
	streamID      string
	closed        bool
	loadGen       int
	model         string
	maxFrameBytes uint64

	// Frame id sequencing, touched only by the read goroutine.
	seqSeen bool
	seqLast uint64

	lastSeen atomic.Uint64
	tx       atomic.Uint64
	rx       atomic.Uint64

	jobs     chan task
	procDone chan struct{}

	// Owned by the processing goroutine.
	proc  *processor
	tuner *windowTuner
}

func newConn(nc net.Conn, id string, cfg config.WorkerConfig, pool *ModelPool, stats *pipelineStats, logger *slog.Logger) *conn {
	depth := cfg.Window.Max * 2
	if depth < 8 {
		depth = 8
	}
	return &conn{
		nc:       nc,
		reader:   feedproto.NewReader(nc, 0),
		writer:   feedproto.NewWriter(nc, 0),
		logger:   observability.WithConnID(logger, id),
		cfg:      cfg,
		pool:     pool,
		stats:    stats,
		jobs:     make(chan task, depth),
		procDone: make(chan struct{}),
	}
}

// serve runs the connection to completion and cleans up: session writer
// closed, model reference released, socket closed.
func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)

	go c.heartbeatLoop(ctx)
	go c.processLoop(ctx)

	err := c.readLoop()
	switch {
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		c.logger.Info("client disconnected")
	case errors.Is(err, net.ErrClosed):
		c.logger.Info("connection closed")
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.logger.Warn("closing idle connection",
			slog.Duration("inactivity", inactivityTimeout))
	default:
		observability.WithError(c.logger, err).Warn("connection failed")
	}

	cancel()
	_ = c.nc.Close()
	<-c.procDone
	c.releaseModel()
}

func (c *conn) readLoop() error {
	for {
		if err := c.nc.SetReadDeadline(time.Now().Add(inactivityTimeout)); err != nil {
			return fmt.Errorf("arming read deadline: %w", err)
		}
		env, err := c.reader.ReadEnvelope()
		if err != nil {
			return err
		}
		c.rx.Add(1)

		if err := env.Validate(); err != nil {
			c.sendProtocolError(env.StreamID, err)
			if feedproto.CodeOf(err).Fatal() {
				return fmt.Errorf("protocol violation: %w", err)
			}
			continue
		}
		if err := c.dispatch(env); err != nil {
			return err
		}
	}
}

// dispatch routes one validated envelope. A non-nil error closes the
// connection; the error envelope has already been sent.
func (c *conn) dispatch(env *feedproto.Envelope) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch env.Type {
	case feedproto.MsgInit:
		return c.handleInit(env)

	case feedproto.MsgFrame:
		return c.handleFrame(state, env.Frame)

	case feedproto.MsgHeartbeat:
		if state == stateAwaitInit {
			return c.fatal(env.StreamID, feedproto.CodeBadSequence, "heartbeat before init")
		}
		// The read deadline was refreshed by receiving it.
		return nil

	case feedproto.MsgEnd:
		if state == stateAwaitInit {
			return c.fatal(env.StreamID, feedproto.CodeBadSequence, "end before init")
		}
		sessionID := ""
		if env.End != nil {
			sessionID = env.End.SessionID
		}
		c.logger.Info("end received", slog.String("session_id", sessionID))
		// Queued behind in-flight frames so they land in the session
		// before it closes. The connection stays open.
		return c.enqueue(task{end: true})

	default:
		return c.fatal(env.StreamID, feedproto.CodeBadSequence,
			fmt.Sprintf("unexpected %s from edge", env.Type))
	}
}

// handleInit negotiates a contract and starts the model load. A repeated
// Init renegotiates: the previous load is abandoned, the engine is swapped
// under the pipeline, and any open session keeps recording.
func (c *conn) handleInit(env *feedproto.Envelope) error {
	chosen, err := negotiate(env.Init, c.cfg)
	if err != nil {
		c.sendProtocolError(env.StreamID, err)
		return fmt.Errorf("negotiating: %w", err)
	}

	c.mu.Lock()
	c.streamID = env.StreamID
	c.loadGen++
	gen := c.loadGen
	c.state = stateLoading
	c.mu.Unlock()

	c.logger.Info("init received",
		slog.String("stream_id", env.StreamID),
		slog.String("model", env.Init.Model),
		slog.String("pixel_format", chosen.Chosen.PixelFormat.String()),
		slog.String("codec", chosen.Chosen.Codec.String()),
		slog.Uint64("initial_credits", uint64(chosen.Chosen.InitialCredits)),
	)

	go c.loadModel(gen, env.Init, chosen)
	return nil
}

// loadModel acquires the engine and promotes the connection to ready. It
// runs aside the read loop so heartbeats and renegotiation stay live during
// a slow load. gen detects supersession by a newer Init.
func (c *conn) loadModel(gen int, init *feedproto.Init, chosen *feedproto.InitOk) {
	engine, err := c.pool.Acquire(context.Background(), init.Model)

	c.mu.Lock()
	if c.closed || gen != c.loadGen {
		c.mu.Unlock()
		if err == nil {
			c.pool.Release(init.Model)
		}
		return
	}
	if err != nil {
		streamID := c.streamID
		c.mu.Unlock()
		observability.WithError(c.logger, err).Error("model load failed",
			slog.String("model", init.Model))
		c.sendProtocolError(streamID, &feedproto.ProtocolError{
			Code:       feedproto.CodeModelNotReady,
			Message:    fmt.Sprintf("loading %s: %v", init.Model, err),
			RetryAfter: modelRetryAfter,
		})
		_ = c.nc.Close()
		return
	}
	prevModel := c.model
	c.model = init.Model
	c.maxFrameBytes = chosen.MaxFrameBytes
	c.state = stateReady
	streamID := c.streamID
	c.mu.Unlock()

	if prevModel != "" {
		c.pool.Release(prevModel)
	}

	// Bind before InitOk: frames sent under the new contract queue behind
	// the rebind, so the pipeline never sees them with the old engine.
	if err := c.enqueue(task{bind: &binding{engine: engine, init: init, chosen: chosen}}); err != nil {
		return
	}
	c.send(feedproto.NewInitOkEnvelope(streamID, chosen))
	c.logger.Info("handshake complete",
		slog.String("model", init.Model),
		slog.Uint64("max_frame_bytes", chosen.MaxFrameBytes),
	)
}

func (c *conn) handleFrame(state connState, frame *feedproto.Frame) error {
	switch state {
	case stateAwaitInit:
		return c.fatal(c.currentStreamID(), feedproto.CodeBadSequence, "frame before init")
	case stateLoading:
		c.sendProtocolError(c.currentStreamID(), &feedproto.ProtocolError{
			Code:       feedproto.CodeModelNotReady,
			Message:    "model is loading",
			RetryAfter: modelRetryAfter,
		})
		return nil
	}

	if c.seqSeen && frame.FrameID <= c.seqLast {
		c.sendProtocolError(c.currentStreamID(), feedproto.Errorf(feedproto.CodeInvalidFrame,
			"frame %d after %d breaks monotonic order", frame.FrameID, c.seqLast))
		return nil
	}
	c.seqSeen = true
	c.seqLast = frame.FrameID
	c.lastSeen.Store(frame.FrameID)

	c.mu.Lock()
	maxBytes := c.maxFrameBytes
	streamID := c.streamID
	c.mu.Unlock()

	if err := frame.ValidatePayload(maxBytes); err != nil {
		// Degradable: the edge renegotiates, the connection lives.
		c.sendProtocolError(streamID, err)
		return nil
	}

	select {
	case c.jobs <- task{frame: frame}:
	default:
		// The edge overran its credit window. Shed the frame rather than
		// stall the read loop behind inference.
		c.sendProtocolError(streamID, &feedproto.ProtocolError{
			Code:       feedproto.CodeBackpressureTimeout,
			Message:    "processing queue full",
			RetryAfter: backpressureRetryAfter,
		})
	}
	return nil
}

// enqueue hands a task to the processing goroutine, blocking until there is
// room. Used for ordering-critical tasks that must not be shed.
func (c *conn) enqueue(t task) error {
	select {
	case c.jobs <- t:
		return nil
	case <-c.procDone:
		return errors.New("connection shutting down")
	}
}

// processLoop owns the processor and the window tuner. It drains the jobs
// queue until the connection context ends, then closes any open session.
func (c *conn) processLoop(ctx context.Context) {
	defer close(c.procDone)
	for {
		select {
		case <-ctx.Done():
			if c.proc != nil {
				c.proc.endSession()
			}
			return
		case t := <-c.jobs:
			c.handleTask(ctx, t)
		}
	}
}

func (c *conn) handleTask(ctx context.Context, t task) {
	switch {
	case t.bind != nil:
		if c.proc == nil {
			c.proc = newProcessor(t.bind.engine, t.bind.init, processorConfig{
				OutDir:          c.cfg.OutDir,
				SegmentDuration: c.cfg.SegmentDuration.Duration(),
				FPS:             float64(t.bind.chosen.Chosen.FPSTarget),
				Logger:          c.logger,
			})
		} else {
			c.proc.rebind(t.bind.engine, t.bind.init)
		}
		if c.cfg.Window.Autotune {
			c.tuner = newWindowTuner(c.cfg.Window.Min, c.cfg.Window.Max,
				int(t.bind.chosen.Chosen.InitialCredits))
		}

	case t.end:
		if c.proc != nil {
			c.proc.endSession()
		}

	case t.frame != nil:
		if c.proc == nil {
			return
		}
		c.processFrame(ctx, t.frame)
	}
}

func (c *conn) processFrame(ctx context.Context, frame *feedproto.Frame) {
	result, err := c.proc.process(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.sendProtocolError(c.currentStreamID(), err)
		return
	}
	c.stats.framesProcessed.Add(1)
	c.send(feedproto.NewResultEnvelope(c.currentStreamID(), result))
	c.stats.resultsSent.Add(1)

	if c.tuner != nil {
		if size, changed := c.tuner.observe(len(c.jobs)); changed {
			c.send(feedproto.NewWindowUpdateEnvelope(c.currentStreamID(), uint32(size)))
			c.logger.Debug("window resized", slog.Int("window_size", size))
		}
	}
}

// heartbeatLoop reports liveness every two seconds once the edge has spoken.
// It keeps beating during model loads so the edge's inactivity timer never
// fires while a large model warms up.
func (c *conn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			state := c.state
			streamID := c.streamID
			c.mu.Unlock()
			if state == stateAwaitInit {
				continue
			}
			c.send(feedproto.NewHeartbeatEnvelope(streamID, &feedproto.Heartbeat{
				LastFrameID: c.lastSeen.Load(),
				TxCount:     c.tx.Load(),
				RxCount:     c.rx.Load(),
			}))
		}
	}
}

// send serializes one envelope to the socket. Writers from all three
// goroutines funnel through here.
func (c *conn) send(env *feedproto.Envelope) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.nc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return
	}
	if err := c.writer.WriteEnvelope(env); err != nil {
		// The read loop notices the broken socket and tears down.
		c.logger.Debug("write failed",
			slog.String("type", env.Type.String()),
			slog.String("error", err.Error()))
		return
	}
	c.tx.Add(1)
}

func (c *conn) sendProtocolError(streamID string, err error) {
	pe, ok := feedproto.AsProtocolError(err)
	if !ok {
		pe = &feedproto.ProtocolError{Code: feedproto.CodeInternal, Message: err.Error()}
	}
	c.logger.Warn("protocol error sent",
		slog.String("code", pe.Code.String()),
		slog.String("detail", pe.Message))

	env := feedproto.NewEnvelope(streamID, feedproto.MsgError)
	env.Error = pe.Info()
	c.send(env)
	c.stats.errorsSent.Add(1)
}

// fatal reports a violation and returns an error that closes the connection.
func (c *conn) fatal(streamID string, code feedproto.ErrorCode, msg string) error {
	c.sendProtocolError(streamID, &feedproto.ProtocolError{Code: code, Message: msg})
	return fmt.Errorf("%s: %s", code, msg)
}

func (c *conn) currentStreamID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID
}

// releaseModel drops the pool reference and invalidates any in-flight load.
func (c *conn) releaseModel() {
	c.mu.Lock()
	c.closed = true
	model := c.model
	c.model = ""
	c.mu.Unlock()
	if model != "" {
		c.pool.Release(model)
	}
}
