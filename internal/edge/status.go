package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vigil-video/vigil/internal/childproc"
	"github.com/vigil-video/vigil/internal/version"
)

// StatusReport aggregates the agent's runtime state for the status API.
type StatusReport struct {
	DeviceID      string    `json:"deviceId"`
	Version       string    `json:"version"`
	StartedAt     time.Time `json:"startedAt"`
	UptimeSeconds float64   `json:"uptimeSeconds"`

	Recording RecordingStatus        `json:"recording"`
	Client    ClientStatus           `json:"client"`
	Feeder    FeederStatus           `json:"feeder"`
	Ingester  IngesterStats          `json:"ingester"`
	Capture   CaptureStats           `json:"capture"`
	Children  []childproc.ChildStats `json:"children,omitempty"`
}

// RecordingStatus is the orchestrator's externally visible state.
type RecordingStatus struct {
	State       string    `json:"state"`
	SessionID   string    `json:"sessionId,omitempty"`
	Classes     []string  `json:"classes,omitempty"`
	ActiveSince time.Time `json:"activeSince"`
}

// ClientStatus mirrors ClientStats with the state rendered as text.
type ClientStatus struct {
	State    string    `json:"state"`
	StreamID string    `json:"streamId,omitempty"`
	TxCount  uint64    `json:"txCount"`
	RxCount  uint64    `json:"rxCount"`
	LastRxAt time.Time `json:"lastRxAt"`
}

// FeederStatus is the feeder's negotiated format, window state, and counters.
type FeederStatus struct {
	Ready           bool    `json:"ready"`
	Codec           string  `json:"codec"`
	AIFPS           float64 `json:"aiFps"`
	WindowSize      int     `json:"windowSize"`
	Inflight        int     `json:"inflight"`
	FramesSent      uint64  `json:"framesSent"`
	ResultsReceived uint64  `json:"resultsReceived"`
	LatestWinsDrops uint64  `json:"latestWinsDrops"`
	Degradations    uint64  `json:"degradations"`
	SampledOut      uint64  `json:"sampledOut"`
	LastRTTMS       float64 `json:"lastRttMs"`
	CachedFrames    int     `json:"cachedFrames"`
}

// StatusServer exposes the agent over HTTP: /api/status through huma for the
// typed report, /healthz as a plain liveness route.
type StatusServer struct {
	listen   string
	logger   *slog.Logger
	provider func() StatusReport
	router   *chi.Mux

	httpServer *http.Server
}

type statusInput struct{}

type statusOutput struct {
	Body StatusReport
}

// NewStatusServer builds the status API around a report provider. Run must
// be called to serve it.
func NewStatusServer(listen string, provider func() StatusReport, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	humaConfig := huma.DefaultConfig("vigil edge API", version.Short())
	humaConfig.Info.Description = "Runtime status of the vigil edge agent"
	api := humachi.New(router, humaConfig)

	s := &StatusServer{
		listen:   listen,
		logger:   logger.With(slog.String("component", "status")),
		provider: provider,
		router:   router,
	}

	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "Edge agent status",
		Description: "Returns orchestrator state, connection state, feeder counters, and child process health",
		Tags:        []string{"System"},
	}, s.getStatus)

	return s
}

func (s *StatusServer) getStatus(_ context.Context, _ *statusInput) (*statusOutput, error) {
	return &statusOutput{Body: s.provider()}, nil
}

// Router returns the chi router, mainly for tests.
func (s *StatusServer) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *StatusServer) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", slog.String("addr", s.listen))
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("status server: %w", err)
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
