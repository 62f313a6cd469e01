package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/vigil-video/vigil/internal/observability"
	"github.com/vigil-video/vigil/internal/version"
)

// processStats is what gopsutil reports about this worker process, plus the
// Go runtime's own goroutine count.
type processStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	RSSBytes      uint64  `json:"rss_bytes"`
	NumGoroutine  int     `json:"num_goroutine"`
	HostMemUsedPc float64 `json:"host_mem_used_percent"`
	LoadAvg1m     float64 `json:"load_avg_1m"`
}

type healthReport struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Server  ServerStats  `json:"server"`
	Process processStats `json:"process"`
}

// healthServer exposes /healthz and /status for probes and operators. It is
// read-only; the TCP port stays the only control surface.
type healthServer struct {
	listen string
	server *Server
	logger *slog.Logger
	router *chi.Mux
	proc   *process.Process
}

func newHealthServer(listen string, server *Server, logger *slog.Logger) *healthServer {
	h := &healthServer{
		listen: listen,
		server: server,
		logger: observability.WithComponent(logger, "health"),
	}
	// Best effort; stats degrade to zeros on platforms gopsutil cannot read.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.proc = p
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Get("/status", h.getStatus)
	h.router = router
	return h
}

func (h *healthServer) getStatus(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:  "ok",
		Version: version.Short(),
		Server:  h.server.Stats(),
		Process: h.collectProcess(r.Context()),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Debug("encoding status", slog.String("error", err.Error()))
	}
}

func (h *healthServer) collectProcess(ctx context.Context) processStats {
	stats := processStats{NumGoroutine: runtime.NumGoroutine()}
	if h.proc != nil {
		if cpu, err := h.proc.CPUPercentWithContext(ctx); err == nil {
			stats.CPUPercent = cpu
		}
		if info, err := h.proc.MemoryInfoWithContext(ctx); err == nil {
			stats.RSSBytes = info.RSS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.HostMemUsedPc = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.LoadAvg1m = avg.Load1
	}
	return stats
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (h *healthServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         h.listen,
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		h.logger.Info("health server listening", slog.String("addr", h.listen))
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("health server: %w", err)
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
