package childproc

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Restart defaults. A run shorter than the minimum run time counts as a
// startup failure and keeps growing the backoff; a longer run resets it.
const (
	defaultStopGrace   = 5 * time.Second
	defaultRestartBase = 500 * time.Millisecond
	defaultRestartMax  = 30 * time.Second
	defaultMinRunTime  = 5 * time.Second
)

// Spec describes a supervised child process.
type Spec struct {
	Name        string // short label used in logs and stats
	Binary      string
	Args        []string
	ReadyMarker string        // stdout substring that signals readiness
	ReadyFile   string        // file that must additionally exist for readiness
	StopGrace   time.Duration // SIGINT to SIGKILL window
	RestartBase time.Duration
	RestartMax  time.Duration
	MinRunTime  time.Duration
}

func (s *Spec) applyDefaults() {
	if s.StopGrace <= 0 {
		s.StopGrace = defaultStopGrace
	}
	if s.RestartBase <= 0 {
		s.RestartBase = defaultRestartBase
	}
	if s.RestartMax <= 0 {
		s.RestartMax = defaultRestartMax
	}
	if s.MinRunTime <= 0 {
		s.MinRunTime = defaultMinRunTime
	}
}

// ChildStats is a snapshot of a supervised child for the status endpoint.
type ChildStats struct {
	Name     string        `json:"name"`
	Running  bool          `json:"running"`
	Ready    bool          `json:"ready"`
	PID      int           `json:"pid,omitempty"`
	Uptime   time.Duration `json:"uptime,omitempty"`
	Restarts uint64        `json:"restarts"`
}

// Restarter keeps a child process alive between Start and Stop. Crashes are
// respawned with capped exponential backoff and no attempt limit: a camera
// outage of minutes must not leave the child permanently down. Start after
// Stop begins a fresh supervision cycle, so the same Restarter serves
// children that are toggled per recording.
type Restarter struct {
	spec   Spec
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cmd     *Command
	stopCh  chan struct{}
	done    chan struct{}

	restarts atomic.Uint64
}

// NewRestarter creates a supervisor for spec. Start must be called to launch
// the child.
func NewRestarter(spec Spec, logger *slog.Logger) *Restarter {
	spec.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Restarter{
		spec: spec,
		logger: logger.With(
			slog.String("component", "childproc"),
			slog.String("child", spec.Name),
		),
	}
}

// Start launches the child and supervises it until Stop. Idempotent.
func (r *Restarter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	go r.supervise(r.stopCh, r.done)
	return nil
}

// Stop terminates the child (SIGINT, then SIGKILL after the grace window)
// and blocks until the supervision loop has exited. Idempotent.
func (r *Restarter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	cmd := r.cmd
	done := r.done
	r.mu.Unlock()

	if cmd != nil {
		cmd.Stop(r.spec.StopGrace)
	}
	<-done
}

// Ready reports whether the current child looks ready: the stdout marker was
// observed and, when configured, the ready file exists.
func (r *Restarter) Ready() bool {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || !cmd.Running() {
		return false
	}
	select {
	case <-cmd.MarkerSeen():
	default:
		return false
	}
	if r.spec.ReadyFile != "" {
		if _, err := os.Stat(r.spec.ReadyFile); err != nil {
			return false
		}
	}
	return true
}

// Stats returns a snapshot for the status endpoint.
func (r *Restarter) Stats() ChildStats {
	r.mu.Lock()
	cmd := r.cmd
	running := r.running
	r.mu.Unlock()

	st := ChildStats{
		Name:     r.spec.Name,
		Running:  running,
		Restarts: r.restarts.Load(),
	}
	if cmd != nil {
		st.PID = cmd.PID()
		st.Uptime = cmd.Duration()
	}
	st.Ready = r.Ready()
	return st
}

// CurrentStderr returns the recent stderr lines of the current child.
func (r *Restarter) CurrentStderr() []string {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil {
		return nil
	}
	return cmd.StderrLines()
}

func (r *Restarter) supervise(stopCh, done chan struct{}) {
	defer close(done)

	backoff := r.spec.RestartBase
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		cmd := NewCommand(r.spec.Binary, r.spec.Args, r.spec.ReadyMarker)
		r.mu.Lock()
		r.cmd = cmd
		r.mu.Unlock()

		startedAt := time.Now()
		err := cmd.Start()
		if err == nil {
			r.logger.Info("child started", slog.Int("pid", cmd.PID()))
			err = cmd.Wait()
		}
		ran := time.Since(startedAt)

		r.mu.Lock()
		r.cmd = nil
		stopped := !r.running
		r.mu.Unlock()

		if stopped {
			r.logger.Info("child stopped", slog.Duration("ran", ran.Round(time.Millisecond)))
			return
		}

		r.restarts.Add(1)
		if ran >= r.spec.MinRunTime {
			backoff = r.spec.RestartBase
		}
		r.logger.Warn("child exited, restarting",
			slog.Any("error", err),
			slog.Duration("ran", ran.Round(time.Millisecond)),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, r.spec.RestartMax)
	}
}
