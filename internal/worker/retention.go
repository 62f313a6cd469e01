package worker

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/internal/observability"
	"github.com/vigil-video/vigil/internal/session"
)

// retention removes session artifacts older than the configured age on a
// cron schedule. Only sessions with a stamped end time are eligible; the
// startup sweep stamps crashed ones first, so nothing active is ever
// reaped.
type retention struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newRetention(cfg config.RetentionConfig, outDir string, logger *slog.Logger) (*retention, error) {
	log := observability.WithComponent(logger, "retention")
	maxAge := cfg.MaxAge.Duration()

	c := cron.New()
	_, err := c.AddFunc(cfg.Schedule, func() {
		removed, err := session.SweepExpired(log, outDir, maxAge, time.Now())
		if err != nil {
			observability.WithError(log, err).Warn("retention sweep failed")
			return
		}
		if removed > 0 {
			log.Info("expired sessions removed",
				slog.Int("count", removed),
				slog.Duration("max_age", maxAge),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}

	log.Info("retention scheduled",
		slog.String("schedule", cfg.Schedule),
		slog.Duration("max_age", maxAge),
	)
	return &retention{cron: c, logger: log}, nil
}

func (r *retention) Start() {
	r.cron.Start()
}

// Stop halts scheduling and waits for a sweep already in flight.
func (r *retention) Stop() {
	<-r.cron.Stop().Done()
}
