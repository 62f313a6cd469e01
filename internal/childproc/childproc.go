// Package childproc manages external child processes: spawning, readiness
// detection, stderr capture, signal escalation, and supervised restart. The
// capture and publisher children of the edge agent are both run through it.
package childproc

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// stderrKeepLines bounds the in-memory stderr ring kept for diagnostics.
const stderrKeepLines = 100

var errStoppedBeforeStart = fmt.Errorf("child stopped before start")

// Command wraps a single run of a child process. Readiness is signaled when
// a stdout line contains the configured marker; recent stderr lines are kept
// in a bounded ring. A Command can be started once.
type Command struct {
	binary string
	args   []string
	marker string

	mu      sync.RWMutex
	cmd     *exec.Cmd
	started time.Time

	stopRequested atomic.Bool
	doneCh        chan struct{}
	markerCh      chan struct{}
	markerOnce    sync.Once

	stderrMu    sync.RWMutex
	stderrLines []string
}

// NewCommand prepares a child invocation. An empty readyMarker means the
// process is considered ready as soon as it starts.
func NewCommand(binary string, args []string, readyMarker string) *Command {
	c := &Command{
		binary:      binary,
		args:        args,
		marker:      readyMarker,
		doneCh:      make(chan struct{}),
		markerCh:    make(chan struct{}),
		stderrLines: make([]string, 0, stderrKeepLines),
	}
	if readyMarker == "" {
		close(c.markerCh)
	}
	return c
}

// String returns the full command line.
func (c *Command) String() string {
	return c.binary + " " + strings.Join(c.args, " ")
}

// Start spawns the process. Stdout and stderr are consumed line by line for
// the readiness marker and the stderr ring.
func (c *Command) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("command already started")
	}
	if c.stopRequested.Load() {
		return errStoppedBeforeStart
	}

	cmd := exec.Command(c.binary, c.args...)
	cmd.Stdout = &lineWriter{fn: c.onStdoutLine}
	cmd.Stderr = &lineWriter{fn: c.onStderrLine}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.binary, err)
	}
	c.cmd = cmd
	c.started = time.Now()
	return nil
}

// Wait blocks until the process exits. It must be called exactly once after
// a successful Start; Stop relies on it running.
func (c *Command) Wait() error {
	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil {
		return fmt.Errorf("command not started")
	}

	err := cmd.Wait()
	close(c.doneCh)
	return err
}

// Stop asks the process to exit with SIGINT and escalates to SIGKILL when it
// is still alive after grace. It returns once the process has exited. Calling
// Stop before Start makes Start refuse to spawn.
func (c *Command) Stop(grace time.Duration) {
	c.stopRequested.Store(true)

	c.mu.RLock()
	cmd := c.cmd
	c.mu.RUnlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	cmd.Process.Signal(os.Interrupt)
	select {
	case <-c.doneCh:
	case <-time.After(grace):
		cmd.Process.Kill()
		<-c.doneCh
	}
}

// Signal forwards a signal to the process.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(sig)
}

// Running reports whether the process has started and not yet exited.
func (c *Command) Running() bool {
	c.mu.RLock()
	started := c.cmd != nil
	c.mu.RUnlock()
	if !started {
		return false
	}
	select {
	case <-c.doneCh:
		return false
	default:
		return true
	}
}

// PID returns the process id, or zero before Start.
func (c *Command) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Duration returns how long the process has been running.
func (c *Command) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.started.IsZero() {
		return 0
	}
	return time.Since(c.started)
}

// MarkerSeen is closed once the readiness marker has been observed on
// stdout.
func (c *Command) MarkerSeen() <-chan struct{} {
	return c.markerCh
}

// StderrLines returns a copy of the recent stderr lines.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()

	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

func (c *Command) onStdoutLine(line string) {
	if c.marker != "" && strings.Contains(line, c.marker) {
		c.markerOnce.Do(func() { close(c.markerCh) })
	}
}

func (c *Command) onStderrLine(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()

	if len(c.stderrLines) >= stderrKeepLines {
		c.stderrLines = c.stderrLines[1:]
	}
	c.stderrLines = append(c.stderrLines, line)
}

// lineWriter adapts a line callback to io.Writer so exec.Cmd owns the pipe
// plumbing and Wait cannot race the reads.
type lineWriter struct {
	mu  sync.Mutex
	buf []byte
	fn  func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.fn(line)
	}
	return len(p), nil
}
