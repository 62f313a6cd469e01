package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigil-video/vigil/internal/childproc"
	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/internal/journal"
	"github.com/vigil-video/vigil/internal/store"
	"github.com/vigil-video/vigil/internal/version"
)

// Child process stop graces. The publisher holds no state worth waiting for;
// the capture child may be flushing shared memory.
const (
	publisherStopGrace = 1500 * time.Millisecond
	captureStopGrace   = 5 * time.Second

	shutdownTimeout = 30 * time.Second
)

// Agent is the edge composition root: it owns the capture child and reader,
// the feeder and its worker connection, the recording orchestrator, the
// ingester, and the status API, and runs them as one unit.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.Client
	journal  *journal.Journal
	feeder   *Feeder
	client   *Client
	adapter  *Adapter
	ingester *Ingester
	reader   *CaptureReader

	captureChild *childproc.Restarter
	publisher    *childproc.Restarter
	status       *StatusServer

	startedAt time.Time
}

// NewAgent wires the edge pipeline from configuration. The returned agent
// does nothing until Run.
func NewAgent(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	edge := &cfg.Edge

	a := &Agent{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "edge-agent")),
	}

	a.store = store.New(edge.Store, logger)

	if edge.Journal.Path != "" {
		jnl, err := journal.Open(edge.Journal.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening session journal: %w", err)
		}
		a.journal = jnl
	}

	a.feeder = NewFeeder(FeederConfig{
		Model:               edge.Inference.ModelName,
		ModelWidth:          edge.Inference.Width,
		ModelHeight:         edge.Inference.Height,
		SourceWidth:         edge.Source.Width,
		SourceHeight:        edge.Source.Height,
		MaxInflight:         edge.Inference.MaxInflight,
		ClassesFilter:       edge.Inference.ClassesFilter,
		ConfidenceThreshold: float32(edge.Inference.ConfidenceThreshold),
		FrameTTL:            edge.Cache.FrameTTL.Duration(),
		Logger:              logger,
	})

	a.client = NewClient(edge.Inference.WorkerAddr(), a.feeder, logger)
	a.ingester = NewIngester(a.feeder.Cache(), a.store, logger)
	a.reader = NewCaptureReader(edge.Source.SocketPath, edge.Source.Width, edge.Source.Height,
		a.feeder.OnFrame, logger)

	a.captureChild = childproc.NewRestarter(captureSpec(edge.Source), logger)
	a.publisher = childproc.NewRestarter(publisherSpec(edge), logger)

	var jnl SessionJournal
	if a.journal != nil {
		jnl = a.journal
	}
	a.adapter = NewAdapter(AdapterConfig{
		DeviceID:            edge.DeviceID,
		ClassesFilter:       edge.Inference.ClassesFilter,
		ConfidenceThreshold: float32(edge.Inference.ConfidenceThreshold),
		IdleFPS:             edge.Inference.FPS.Idle,
		ActiveFPS:           edge.Inference.FPS.Active,
		Reducer: Reducer{
			Dwell:    edge.FSM.Dwell.Duration(),
			Silence:  edge.FSM.Silence.Duration(),
			Postroll: edge.FSM.Postroll.Duration(),
		},
		Feeder:    a.feeder,
		Client:    a.client,
		Store:     a.store,
		Journal:   jnl,
		Publisher: a.publisher,
		Ingester:  a.ingester,
		Logger:    logger,
	})

	a.feeder.SetOnResult(a.adapter.HandleDetections)
	a.client.SetOnDisconnect(func() {
		// A dropped worker connection restarts frame ids, so any open
		// session must be closed rather than resumed.
		a.adapter.Dispatch(EventDisconnected{})
	})

	if edge.Status.Enabled {
		a.status = NewStatusServer(edge.Status.Listen, a.StatusReport, logger)
	}

	return a, nil
}

// Run starts every component and blocks until ctx is canceled or a fatal
// component error occurs, then performs the ordered shutdown: close any open
// session, stop the feeder, drop the worker connection, stop the publisher,
// stop the capture child.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = time.Now()
	a.logger.Info("edge agent starting",
		slog.String("device_id", a.cfg.Edge.DeviceID),
		slog.String("worker", a.cfg.Edge.Inference.WorkerAddr()),
		slog.String("version", version.Short()),
	)

	a.sweepJournal(ctx)

	a.feeder.Start()
	if err := a.captureChild.Start(); err != nil {
		return fmt.Errorf("starting capture child: %w", err)
	}

	// Long-running loops get their own context so an external shutdown
	// signal does not kill the worker connection before the orchestrator has
	// flushed the session end.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.client.Run(gctx) })
	g.Go(func() error { return a.reader.Run(gctx) })
	g.Go(func() error { a.ingester.Run(gctx); return nil })
	if a.status != nil {
		g.Go(func() error { return a.status.Run(gctx) })
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case <-gctx.Done():
		a.logger.Error("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Session close first: the worker connection is still up, so the END
	// envelope and the store close can flow.
	if err := a.adapter.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("orchestrator shutdown incomplete", slog.String("error", err.Error()))
	}

	a.feeder.Stop()
	cancelRun()
	err := g.Wait()
	a.feeder.Destroy()

	a.publisher.Stop()
	a.captureChild.Stop()

	if a.journal != nil {
		if cerr := a.journal.Close(); cerr != nil {
			a.logger.Warn("closing journal", slog.String("error", cerr.Error()))
		}
	}

	a.logger.Info("edge agent stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// sweepJournal closes sessions left open by a previous run. Failures keep
// their journal rows and are retried at the next startup.
func (a *Agent) sweepJournal(ctx context.Context) {
	if a.journal == nil {
		return
	}
	closed, err := a.journal.SweepDangling(ctx, a.store)
	if err != nil {
		a.logger.Warn("journal sweep failed", slog.String("error", err.Error()))
		return
	}
	if closed > 0 {
		a.logger.Info("closed dangling sessions from previous run", slog.Int("count", closed))
	}
}

// StatusReport snapshots every component for the status API.
func (a *Agent) StatusReport() StatusReport {
	rec := a.adapter.Snapshot()
	clientStats := a.client.Stats()
	counters := a.feeder.Counters()

	return StatusReport{
		DeviceID:      a.cfg.Edge.DeviceID,
		Version:       version.Short(),
		StartedAt:     a.startedAt,
		UptimeSeconds: time.Since(a.startedAt).Seconds(),
		Recording: RecordingStatus{
			State:       rec.State.String(),
			SessionID:   rec.SessionID,
			Classes:     rec.Classes,
			ActiveSince: rec.ActiveSince,
		},
		Client: ClientStatus{
			State:    clientStats.State.String(),
			StreamID: clientStats.StreamID,
			TxCount:  clientStats.TxCount,
			RxCount:  clientStats.RxCount,
			LastRxAt: clientStats.LastRxAt,
		},
		Feeder: FeederStatus{
			Ready:           a.feeder.Ready(),
			Codec:           a.feeder.Codec().String(),
			AIFPS:           a.feeder.AIFPS(),
			WindowSize:      a.feeder.Window().Size(),
			Inflight:        a.feeder.Window().Inflight(),
			FramesSent:      counters.FramesSent,
			ResultsReceived: counters.ResultsReceived,
			LatestWinsDrops: counters.LatestWinsDrops,
			Degradations:    counters.Degradations,
			SampledOut:      counters.SampledOut,
			LastRTTMS:       float64(counters.LastRTT.Microseconds()) / 1000,
			CachedFrames:    a.feeder.Cache().Len(),
		},
		Ingester: a.ingester.Stats(),
		Capture:  a.reader.Stats(),
		Children: []childproc.ChildStats{
			a.captureChild.Stats(),
			a.publisher.Stats(),
		},
	}
}

// captureSpec builds the always-on capture child invocation. The binary's
// CLI contract: it decodes the camera URI and writes timestamped NV12 frames
// into the shared-memory socket, printing PLAYING once the pipeline runs.
func captureSpec(src config.SourceConfig) childproc.Spec {
	args := []string{
		"--uri", src.URI,
		"--socket", src.SocketPath,
		"--width", strconv.Itoa(src.Width),
		"--height", strconv.Itoa(src.Height),
		"--fps", strconv.FormatFloat(src.FPSHub, 'f', -1, 64),
		"--shm-size-mb", strconv.Itoa(src.ShmSizeMB),
	}
	args = append(args, src.ExtraArgs...)

	return childproc.Spec{
		Name:        "capture",
		Binary:      src.Binary,
		Args:        args,
		ReadyMarker: "PLAYING",
		ReadyFile:   src.SocketPath,
		StopGrace:   captureStopGrace,
	}
}

// publisherSpec builds the RTSP publisher invocation: raw NV12 from the
// shared-memory socket, H.264 out to the configured media server.
func publisherSpec(edge *config.EdgeConfig) childproc.Spec {
	src := edge.Source
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "nv12",
		"-video_size", fmt.Sprintf("%dx%d", src.Width, src.Height),
		"-framerate", strconv.FormatFloat(src.FPSHub, 'f', -1, 64),
		"-i", "unix:" + src.SocketPath,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-f", "rtsp",
	}
	args = append(args, edge.Publisher.ExtraArgs...)
	args = append(args, edge.Publisher.TargetURL())

	return childproc.Spec{
		Name:      "publisher",
		Binary:    edge.Publisher.Binary,
		Args:      args,
		StopGrace: publisherStopGrace,
	}
}
