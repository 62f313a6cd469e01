package edge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vigil-video/vigil/pkg/feedproto"
)

// storeCallTimeout bounds one session open or close against the store,
// including the HTTP client's internal retries.
const storeCallTimeout = 30 * time.Second

// SessionStore is the slice of the store client the adapter needs.
type SessionStore interface {
	OpenSession(ctx context.Context, deviceID string, startTS time.Time, configuredClasses []string) (string, error)
	CloseSession(ctx context.Context, sessionID string, endTS time.Time, detectedClasses []string) error
}

// SessionJournal records which sessions are open so a crash cannot leave
// them dangling at the store forever.
type SessionJournal interface {
	RecordOpen(ctx context.Context, sessionID, deviceID string, openedAt time.Time) error
	RecordClosed(ctx context.Context, sessionID string) error
}

// StreamPublisher starts and stops the RTSP publisher child process.
type StreamPublisher interface {
	Start() error
	Stop()
}

// SessionEnder emits the protocol End for a finished session.
type SessionEnder interface {
	EndSession(sessionID string) error
}

// DetectionSink queues detection frames for upload.
type DetectionSink interface {
	Enqueue(item IngestItem) bool
}

// AdapterConfig wires the adapter to its collaborators.
type AdapterConfig struct {
	DeviceID            string
	ClassesFilter       []string
	ConfidenceThreshold float32
	IdleFPS             float64
	ActiveFPS           float64
	Reducer             Reducer
	Feeder              *Feeder
	Client              SessionEnder
	Store               SessionStore
	Journal             SessionJournal
	Publisher           StreamPublisher
	Ingester            DetectionSink
	Logger              *slog.Logger
}

// Adapter executes the reducer's commands: it owns the three hysteresis
// timers, talks to the store and journal, flips the feeder's sampling rate,
// and controls the publisher child. All state changes funnel through
// Dispatch, which serializes reduction and command execution.
type Adapter struct {
	cfg    AdapterConfig
	logger *slog.Logger

	mu     sync.Mutex
	rec    Recording
	timers map[TimerKind]*time.Timer

	wg sync.WaitGroup
}

// NewAdapter creates an adapter in the idle state.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "orchestrator")),
		timers: make(map[TimerKind]*time.Timer),
	}
}

// Snapshot returns the current recording state for the status endpoint.
func (a *Adapter) Snapshot() Recording {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec
}

// Dispatch reduces one event and executes the resulting commands in order.
// Safe for concurrent use.
func (a *Adapter) Dispatch(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	next, cmds := a.cfg.Reducer.Reduce(a.rec, ev, now)
	if next.State != a.rec.State {
		a.logger.Info("recording state changed",
			slog.String("from", a.rec.State.String()),
			slog.String("to", next.State.String()),
			slog.String("session_id", next.SessionID),
		)
	}
	a.rec = next

	for _, cmd := range cmds {
		a.execute(cmd, now)
	}
}

// HandleDetections is the feeder's result callback: it classifies the
// detections, feeds the reducer, and queues relevant frames for ingestion.
func (a *Adapter) HandleDetections(frameID uint64, sessionID string, detections []feedproto.Detection) {
	var relevant []feedproto.Detection
	for _, det := range detections {
		if a.isRelevant(det) {
			relevant = append(relevant, det)
		}
	}

	if len(relevant) == 0 {
		a.Dispatch(EventKeepalive{})
		return
	}
	for _, det := range relevant {
		a.Dispatch(EventDetection{Relevant: true, Class: det.ClassName, Score: det.Confidence})
	}

	if sessionID != "" && a.cfg.Ingester != nil {
		a.cfg.Ingester.Enqueue(IngestItem{
			FrameID:    frameID,
			SessionID:  sessionID,
			Detections: relevant,
		})
	}
}

// Shutdown ends any running recording and waits for in-flight store calls.
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.Dispatch(EventDisconnected{})

	a.mu.Lock()
	for kind, timer := range a.timers {
		timer.Stop()
		delete(a.timers, kind)
	}
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isRelevant applies the class filter and confidence threshold. An empty
// filter accepts every class.
func (a *Adapter) isRelevant(det feedproto.Detection) bool {
	if det.Confidence < a.cfg.ConfidenceThreshold {
		return false
	}
	if len(a.cfg.ClassesFilter) == 0 {
		return true
	}
	for _, class := range a.cfg.ClassesFilter {
		if class == det.ClassName {
			return true
		}
	}
	return false
}

// execute runs one command. Called with the adapter lock held; anything slow
// moves to a goroutine tracked by the wait group.
func (a *Adapter) execute(cmd Command, now time.Time) {
	switch cmd := cmd.(type) {
	case CmdArmTimer:
		if timer, ok := a.timers[cmd.Timer]; ok {
			timer.Stop()
		}
		kind := cmd.Timer
		a.timers[kind] = time.AfterFunc(cmd.Duration, func() {
			a.Dispatch(EventTimer{Timer: kind})
		})

	case CmdCancelTimer:
		if timer, ok := a.timers[cmd.Timer]; ok {
			timer.Stop()
			delete(a.timers, cmd.Timer)
		}

	case CmdSetAIFPSMode:
		fps := a.cfg.IdleFPS
		if cmd.Active {
			fps = a.cfg.ActiveFPS
		}
		a.cfg.Feeder.SetAIFPS(fps)

	case CmdStartStream:
		if a.cfg.Publisher == nil {
			return
		}
		if err := a.cfg.Publisher.Start(); err != nil {
			a.logger.Error("publisher start failed", slog.String("error", err.Error()))
		}

	case CmdStopStream:
		if a.cfg.Publisher != nil {
			a.cfg.Publisher.Stop()
		}

	case CmdOpenSession:
		a.wg.Add(1)
		go a.openSession(cmd.At)

	case CmdCloseSession:
		// Stop tagging frames first so nothing lands in a closing session.
		a.cfg.Feeder.SetSessionID("")
		if cmd.SessionID == "" {
			return
		}
		if a.cfg.Client != nil {
			if err := a.cfg.Client.EndSession(cmd.SessionID); err != nil {
				a.logger.Debug("session end not sent", slog.String("error", err.Error()))
			}
		}
		a.wg.Add(1)
		go a.closeSession(cmd.SessionID, cmd.At, cmd.Classes)
	}
}

func (a *Adapter) openSession(at time.Time) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	sessionID, err := a.cfg.Store.OpenSession(ctx, a.cfg.DeviceID, at, a.cfg.ClassesFilter)
	if err != nil {
		// The recording continues without persistence; the worker keeps
		// detecting but writes no artifacts for these frames.
		a.logger.Error("session open failed", slog.String("error", err.Error()))
		return
	}

	if a.cfg.Journal != nil {
		if err := a.cfg.Journal.RecordOpen(ctx, sessionID, a.cfg.DeviceID, at); err != nil {
			a.logger.Warn("session not journaled", slog.String("error", err.Error()))
		}
	}

	a.cfg.Feeder.SetSessionID(sessionID)
	a.Dispatch(EventSessionOpened{SessionID: sessionID})
}

func (a *Adapter) closeSession(sessionID string, at time.Time, classes []string) {
	defer a.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), storeCallTimeout)
	defer cancel()

	if err := a.cfg.Store.CloseSession(ctx, sessionID, at, classes); err != nil {
		// The journal still holds the session; the sweep at next startup
		// closes it.
		a.logger.Warn("session close failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if a.cfg.Journal != nil {
		if err := a.cfg.Journal.RecordClosed(ctx, sessionID); err != nil {
			a.logger.Warn("journal close failed", slog.String("error", err.Error()))
		}
	}
	a.Dispatch(EventSessionClosed{SessionID: sessionID})
}
