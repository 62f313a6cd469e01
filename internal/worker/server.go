package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/internal/inference"
	"github.com/vigil-video/vigil/internal/observability"
	"github.com/vigil-video/vigil/internal/session"
)

// pipelineStats aggregates counters across all connections for the status
// endpoint.
type pipelineStats struct {
	framesProcessed atomic.Uint64
	resultsSent     atomic.Uint64
	errorsSent      atomic.Uint64
}

// ServerStats is a point-in-time snapshot for /status.
type ServerStats struct {
	UptimeSeconds     float64      `json:"uptime_seconds"`
	ActiveConnections int          `json:"active_connections"`
	TotalConnections  uint64       `json:"total_connections"`
	FramesProcessed   uint64       `json:"frames_processed"`
	ResultsSent       uint64       `json:"results_sent"`
	ErrorsSent        uint64       `json:"errors_sent"`
	Models            []ModelStats `json:"models"`
}

// Server accepts edge connections and serves each with its own pipeline.
// Engines are shared across connections through the model pool.
type Server struct {
	cfg    config.WorkerConfig
	logger *slog.Logger
	pool   *ModelPool
	stats  pipelineStats

	started    time.Time
	totalConns atomic.Uint64

	mu    sync.Mutex
	addr  net.Addr
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewServer wires the inference backend and the model pool. Listening does
// not start until Run.
func NewServer(cfg config.WorkerConfig, logger *slog.Logger) (*Server, error) {
	loader, err := inference.NewLoader(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("creating model loader: %w", err)
	}
	return &Server{
		cfg:    cfg,
		logger: observability.WithComponent(logger, "worker"),
		pool:   NewModelPool(loader, logger),
		conns:  make(map[*conn]struct{}),
	}, nil
}

// Run serves until ctx is canceled. Dangling sessions from a previous crash
// are finalized before the listener opens so their artifacts read as
// complete recordings.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()

	if swept, err := session.SweepDangling(s.logger, s.cfg.OutDir); err != nil {
		observability.WithError(s.logger, err).Warn("sweeping dangling sessions")
	} else if swept > 0 {
		s.logger.Info("finalized dangling sessions", slog.Int("count", swept))
	}

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	s.logger.Info("worker listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("backend", s.cfg.Model.Backend),
		slog.String("out_dir", s.cfg.OutDir),
	)

	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.Retention.Enabled {
		sweeper, err := newRetention(s.cfg.Retention, s.cfg.OutDir, s.logger)
		if err != nil {
			_ = listener.Close()
			return err
		}
		sweeper.Start()
		defer sweeper.Stop()
	}

	if s.cfg.Health.Enabled {
		health := newHealthServer(s.cfg.Health.Listen, s, s.logger)
		g.Go(func() error { return health.Run(gctx) })
	}

	g.Go(func() error { return s.acceptLoop(gctx, listener) })

	stopAccept := context.AfterFunc(gctx, func() { _ = listener.Close() })
	defer stopAccept()

	err = g.Wait()

	// Closing the sockets unblocks every read loop; each connection then
	// closes its session writer and releases its model on the way out.
	s.closeConns()
	s.wg.Wait()
	s.pool.Close()
	s.logger.Info("worker stopped")

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		nc, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		s.totalConns.Add(1)
		id := ulid.Make().String()
		c := newConn(nc, id, s.cfg, s.pool, &s.stats, s.logger)
		s.logger.Info("connection accepted",
			slog.String("conn_id", id),
			slog.String("remote", nc.RemoteAddr().String()))

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			c.serve(ctx)
		}()
	}
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) closeConns() {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.nc.Close()
	}
	s.mu.Unlock()
}

// Addr reports the bound listener address once Run is up, nil before.
// Callers binding port 0 use it to learn the real port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Stats snapshots the server for the status endpoint.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	active := len(s.conns)
	s.mu.Unlock()

	return ServerStats{
		UptimeSeconds:     time.Since(s.started).Seconds(),
		ActiveConnections: active,
		TotalConnections:  s.totalConns.Load(),
		FramesProcessed:   s.stats.framesProcessed.Load(),
		ResultsSent:       s.stats.resultsSent.Load(),
		ErrorsSent:        s.stats.errorsSent.Load(),
		Models:            s.pool.Stats(),
	}
}
