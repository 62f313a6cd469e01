package edge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/vigil-video/vigil/pkg/feedproto"
)

// Connection timing. Dial and handshake share the same five second budget;
// heartbeats flow every two seconds and a peer silent for ten is declared
// dead regardless of TCP state.
const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultHeartbeatPeriod  = 2 * time.Second
	defaultInactivityLimit  = 10 * time.Second

	reconnectBaseDelay = 500 * time.Millisecond
	reconnectMaxDelay  = 30 * time.Second
	reconnectJitter    = 0.2
)

// ErrNotConnected is returned by sends attempted while no connection is up.
var ErrNotConnected = errors.New("not connected to worker")

// ClientState is the connection lifecycle state.
type ClientState int

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientHandshaking
	ClientReady
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientHandshaking:
		return "handshaking"
	case ClientReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalJSON implements json.Marshaler for status responses.
func (s ClientState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ClientStats is a snapshot of the connection for the status endpoint.
type ClientStats struct {
	State    ClientState `json:"state"`
	StreamID string      `json:"streamId,omitempty"`
	TxCount  uint64      `json:"txCount"`
	RxCount  uint64      `json:"rxCount"`
	LastRxAt time.Time   `json:"lastRxAt"`
}

// Client maintains the edge's single TCP connection to the worker: it dials
// with capped exponential backoff, drives the Init/InitOk handshake, then
// pumps envelopes between the socket and the feeder until the connection
// dies, and starts over.
type Client struct {
	addr   string
	feeder *Feeder
	logger *slog.Logger

	dialTimeout      time.Duration
	handshakeTimeout time.Duration
	heartbeatPeriod  time.Duration
	inactivityLimit  time.Duration
	backoffBase      time.Duration
	backoffMax       time.Duration

	mu        sync.Mutex
	state     ClientState
	conn      net.Conn
	writer    *feedproto.Writer
	streamID  string
	lastRx    time.Time
	txCount   uint64
	rxCount   uint64
	retryHint time.Duration

	onDisconnect func()
}

// NewClient creates a client for the worker at addr ("host:port"). Run must
// be called to start it.
func NewClient(addr string, feeder *Feeder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:             addr,
		feeder:           feeder,
		logger:           logger.With(slog.String("component", "worker-client")),
		dialTimeout:      defaultDialTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		heartbeatPeriod:  defaultHeartbeatPeriod,
		inactivityLimit:  defaultInactivityLimit,
		backoffBase:      reconnectBaseDelay,
		backoffMax:       reconnectMaxDelay,
	}
}

// SetOnDisconnect registers a callback fired after every connection loss,
// once the feeder has been told.
func (c *Client) SetOnDisconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// State returns the current connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot for the status endpoint.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		State:    c.state,
		StreamID: c.streamID,
		TxCount:  c.txCount,
		RxCount:  c.rxCount,
		LastRxAt: c.lastRx,
	}
}

// EndSession tells the worker to finalize the session's artifacts without
// dropping the connection.
func (c *Client) EndSession(sessionID string) error {
	c.mu.Lock()
	streamID := c.streamID
	c.mu.Unlock()
	return c.send(feedproto.NewEndEnvelope(streamID, sessionID))
}

// Run connects and reconnects until ctx is canceled. Connection failures are
// retried forever: a worker outage must never require an edge restart.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.backoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wasReady, err := c.runConnection(ctx)
		c.feeder.HandleDisconnect()

		c.mu.Lock()
		disconnected := c.onDisconnect
		c.mu.Unlock()
		if disconnected != nil && wasReady {
			disconnected()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasReady {
			backoff = c.backoffBase
		}

		wait := jitterDelay(backoff)
		if hint := c.takeRetryHint(); hint > wait {
			wait = hint
		}
		c.logger.Info("connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("wait", wait),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.backoffMax)
	}
}

// runConnection owns one connection from dial to teardown. It reports
// whether the handshake completed, which resets the reconnect backoff.
func (c *Client) runConnection(ctx context.Context) (wasReady bool, err error) {
	c.setState(ClientConnecting)

	dialer := &net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		c.setState(ClientDisconnected)
		return false, fmt.Errorf("dialing worker: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	// A context cancel anywhere below must unblock the socket reads.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	streamID := feedproto.NewStreamID()
	c.mu.Lock()
	c.state = ClientHandshaking
	c.conn = conn
	c.writer = feedproto.NewWriter(conn, 0)
	c.streamID = streamID
	c.lastRx = time.Now()
	c.txCount = 0
	c.rxCount = 0
	c.mu.Unlock()

	defer func() {
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		c.writer = nil
		c.state = ClientDisconnected
		c.mu.Unlock()
	}()

	c.feeder.SetStreamID(streamID)
	c.feeder.SetSendFunc(c.send)

	c.logger.Info("connected, negotiating",
		slog.String("addr", c.addr),
		slog.String("stream_id", streamID),
	)

	reader := feedproto.NewReader(conn, 0)
	if err := c.awaitInitOk(conn, reader); err != nil {
		return false, err
	}
	c.setState(ClientReady)

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go c.watch(watchCtx, conn)

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			return true, fmt.Errorf("reading envelope: %w", err)
		}
		c.markRx()
		if err := c.dispatch(env); err != nil {
			return true, err
		}
	}
}

// awaitInitOk sends Init and blocks until the worker commits to a format.
// Heartbeats may arrive in between; anything else fails the handshake.
func (c *Client) awaitInitOk(conn net.Conn, reader *feedproto.Reader) error {
	if err := c.send(c.feeder.BuildInit(false)); err != nil {
		return fmt.Errorf("sending init: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
		return fmt.Errorf("arming handshake deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			return fmt.Errorf("awaiting init_ok: %w", err)
		}
		c.markRx()

		if err := env.Validate(); err != nil {
			return fmt.Errorf("invalid handshake envelope: %w", err)
		}

		switch env.Type {
		case feedproto.MsgInitOk:
			c.feeder.HandleInitOk(env.InitOk)
			return nil
		case feedproto.MsgHeartbeat:
			continue
		case feedproto.MsgError:
			info := env.Error
			if info.RetryAfterMS > 0 {
				c.setRetryHint(time.Duration(info.RetryAfterMS) * time.Millisecond)
			}
			return fmt.Errorf("worker refused handshake: %s: %s", info.Code, info.Message)
		default:
			c.sendError(feedproto.CodeBadSequence,
				fmt.Sprintf("expected INIT_OK, got %s", env.Type))
			return fmt.Errorf("handshake out of sequence: got %s", env.Type)
		}
	}
}

// dispatch routes one post-handshake envelope. A non-nil error tears the
// connection down.
func (c *Client) dispatch(env *feedproto.Envelope) error {
	if err := env.Validate(); err != nil {
		code := feedproto.CodeOf(err)
		c.sendError(code, err.Error())
		return fmt.Errorf("invalid envelope from worker: %w", err)
	}

	switch env.Type {
	case feedproto.MsgInitOk:
		// A renegotiation answer: the worker accepted a degradation Init.
		c.feeder.HandleInitOk(env.InitOk)

	case feedproto.MsgResult:
		c.feeder.HandleResult(env.Result)

	case feedproto.MsgWindowUpdate:
		c.feeder.HandleWindowUpdate(env.WindowUpdate)

	case feedproto.MsgHeartbeat:
		// Activity already recorded by markRx.

	case feedproto.MsgError:
		info := env.Error
		if info.Code.Fatal() {
			return fmt.Errorf("fatal worker error: %s: %s", info.Code, info.Message)
		}
		c.feeder.HandleError(info)

	case feedproto.MsgEnd:
		// The worker finalized the session from its side.
		sessionID := ""
		if env.End != nil {
			sessionID = env.End.SessionID
		}
		c.logger.Debug("worker ended session", slog.String("session_id", sessionID))
		c.feeder.SetSessionID("")

	default:
		c.sendError(feedproto.CodeBadSequence,
			fmt.Sprintf("unexpected %s from worker", env.Type))
		return fmt.Errorf("worker sent %s", env.Type)
	}
	return nil
}

// watch emits heartbeats and enforces the inactivity limit until the
// connection context ends.
func (c *Client) watch(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(c.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastRx)
			tx, rx := c.txCount, c.rxCount
			streamID := c.streamID
			c.mu.Unlock()

			if idle > c.inactivityLimit {
				c.logger.Warn("worker inactive, dropping connection",
					slog.Duration("idle", idle))
				conn.Close()
				return
			}

			hb := &feedproto.Heartbeat{
				LastFrameID: c.feeder.LastFrameID(),
				TxCount:     tx,
				RxCount:     rx,
			}
			if err := c.send(feedproto.NewHeartbeatEnvelope(streamID, hb)); err != nil {
				return
			}
		}
	}
}

// send serializes one envelope onto the connection. Safe for concurrent use;
// a write failure poisons the connection so the read loop notices.
func (c *Client) send(env *feedproto.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer == nil {
		return ErrNotConnected
	}
	if err := c.writer.WriteEnvelope(env); err != nil {
		if c.conn != nil {
			c.conn.Close()
		}
		return fmt.Errorf("writing %s: %w", env.Type, err)
	}
	c.txCount++
	return nil
}

func (c *Client) sendError(code feedproto.ErrorCode, message string) {
	c.mu.Lock()
	streamID := c.streamID
	c.mu.Unlock()
	if err := c.send(feedproto.NewErrorEnvelope(streamID, code, message)); err != nil {
		c.logger.Debug("error envelope not sent", slog.String("error", err.Error()))
	}
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Client) markRx() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRx = time.Now()
	c.rxCount++
}

func (c *Client) setRetryHint(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retryHint = d
}

func (c *Client) takeRetryHint() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	hint := c.retryHint
	c.retryHint = 0
	return hint
}

// jitterDelay spreads reconnect attempts by ±20% so a worker restart does
// not see synchronized reconnect storms from multiple edges.
func jitterDelay(d time.Duration) time.Duration {
	f := 1 - reconnectJitter + 2*reconnectJitter*rand.Float64()
	return time.Duration(float64(d) * f)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
