// Package wsconn owns the persistent websocket connection for one open
// conversation: connect, authenticate, detect failure and reconnect
// with bounded exponential backoff. It presents an explicit state
// machine instead of the usual tangle of callbacks mutating shared
// flags, so there is exactly one place a transition can happen.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkup/chat-client/pkg/model"
)

// State of the connection lifecycle.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotOpen is returned by Send when no live transport exists.
	ErrNotOpen = errors.New("connection not open")

	// ErrAuth marks a terminal authentication failure; the caller must
	// obtain a fresh credential and reconnect explicitly.
	ErrAuth = errors.New("authentication failed")

	// ErrRetriesExhausted is the terminal signal after the reconnect
	// budget is spent. Retry resets the budget.
	ErrRetriesExhausted = errors.New("connection lost: reconnect attempts exhausted")
)

const (
	baseDelay        = 1 * time.Second
	maxDelay         = 30 * time.Second
	maxAttempts      = 5
	handshakeTimeout = 10 * time.Second

	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	readLimit = 1 << 20
)

// Backoff returns the delay before the given retry attempt, starting
// at 1 for the first retry: min(maxDelay, baseDelay * 2^(attempt-1)).
func Backoff(attempt int) time.Duration {
	return backoffDelay(attempt, baseDelay, maxDelay)
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Events are the manager's notifications. All callbacks fire
// sequentially from the manager's own loop; none fire after Close.
type Events struct {
	// OnOpen fires after every successful handshake, including
	// re-opens after a reconnect.
	OnOpen func()
	// OnMessage delivers decoded chat frames in receipt order. The
	// manager never reorders or filters chat traffic; merging is the
	// transcript's job.
	OnMessage func(*model.Message)
	// OnStateChange observes every transition.
	OnStateChange func(State)
	// OnFatalError fires once when the manager gives up: auth failure
	// or an exhausted reconnect budget.
	OnFatalError func(error)
}

type Config struct {
	// URL is the ws(s) endpoint for the conversation, without the
	// token query parameter.
	URL string
	// Token is appended as the token query parameter and sent as a
	// bearer header, matching the gateway's two accepted forms.
	Token  string
	Events Events
	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Manager maintains at most one live transport. A new Connect tears
// down any in-flight attempt first.
type Manager struct {
	cfg Config
	log *slog.Logger

	// Policy knobs, fixed in production, shrunk in tests.
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu      sync.Mutex
	state   State
	attempt int
	gen     int // invalidates loops from torn-down connects
	conn    *websocket.Conn
	cancel  context.CancelFunc

	writeMu sync.Mutex
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}
	return &Manager{
		cfg:         cfg,
		log:         cfg.Logger.With("component", "wsconn"),
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		maxAttempts: maxAttempts,
		state:       StateClosed,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnect attempt counter.
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Connect starts (or restarts) the lifecycle. Any previous attempt or
// live transport is torn down first, so at most one transport exists
// per conversation at any time.
func (m *Manager) Connect() {
	m.mu.Lock()
	m.teardownLocked()
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.attempt = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.run(ctx, gen)
}

// Retry resets the attempt budget after a terminal connection loss and
// re-enters connecting. Equivalent to Connect.
func (m *Manager) Retry() { m.Connect() }

// Close terminates the lifecycle. Terminal and silent: no further
// events fire, no retries happen.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.state = StateClosed
}

// teardownLocked invalidates the running loop and closes any live
// transport. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		m.writeControl(m.conn, websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.conn.Close()
		m.conn = nil
	}
}

// Send writes one frame over the live transport. Fails fast with
// ErrNotOpen when the connection is anything but open; the send
// pipeline falls back to HTTP in that case.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return ErrNotOpen
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("live send: %w", err)
	}
	return nil
}

// transition applies a state change if this loop still owns the
// manager. Returns false when the loop has been superseded.
func (m *Manager) transition(gen int, s State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed && m.cfg.Events.OnStateChange != nil {
		m.cfg.Events.OnStateChange(s)
	}
	return true
}

func (m *Manager) fatal(gen int, err error) {
	if !m.transition(gen, StateClosed) {
		return
	}
	m.log.Error("connection terminal", "error", err)
	if m.cfg.Events.OnFatalError != nil {
		m.cfg.Events.OnFatalError(err)
	}
}

// run is the lifecycle loop: dial, pump, classify the failure, back
// off, repeat. It exits on terminal failure, teardown, or context
// cancellation.
func (m *Manager) run(ctx context.Context, gen int) {
	for {
		if !m.transition(gen, StateConnecting) {
			return
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrAuth) {
				m.fatal(gen, err)
				return
			}
			m.log.Warn("dial failed", "error", err)
			if !m.backoff(ctx, gen) {
				return
			}
			continue
		}

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conn = conn
		m.attempt = 0
		m.mu.Unlock()

		if !m.transition(gen, StateOpen) {
			return
		}
		m.log.Info("connection open", "url", m.cfg.URL)
		if m.cfg.Events.OnOpen != nil {
			m.cfg.Events.OnOpen()
		}

		err = m.pump(ctx, gen, conn)

		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrAuth) {
			m.fatal(gen, err)
			return
		}
		m.log.Warn("connection lost", "error", err)
		if !m.backoff(ctx, gen) {
			return
		}
	}
}

// backoff consumes one retry attempt. Returns false when the loop
// should exit: budget exhausted, superseded, or canceled.
func (m *Manager) backoff(ctx context.Context, gen int) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.attempt++
	attempt := m.attempt
	m.mu.Unlock()

	if attempt > m.maxAttempts {
		m.fatal(gen, ErrRetriesExhausted)
		return false
	}

	if !m.transition(gen, StateReconnecting) {
		return false
	}

	delay := backoffDelay(attempt, m.baseDelay, m.maxDelay)
	m.log.Info("reconnecting", "attempt", attempt, "delay", delay)

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("bad endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", m.cfg.Token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+m.cfg.Token)

	conn, resp, err := m.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("handshake rejected (%d): %w", resp.StatusCode, ErrAuth)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// pump reads frames until the transport fails. Pings keep the read
// deadline alive; the gateway answers with pongs.
func (m *Manager) pump(ctx context.Context, gen int, conn *websocket.Conn) error {
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go m.pingLoop(conn, stopPing)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, reason, err := model.DecodeFrame(data)
		if err != nil {
			// Malformed frames are invisible to the user and do not
			// tear down the connection.
			m.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		if reason != "" {
			if isAuthReason(reason) {
				return fmt.Errorf("server error %q: %w", reason, ErrAuth)
			}
			if isFatalReason(reason) {
				return fmt.Errorf("server error: %s", reason)
			}
			m.log.Warn("server error frame", "reason", reason)
			continue
		}

		m.mu.Lock()
		stale := gen != m.gen
		m.mu.Unlock()
		if stale {
			return nil
		}
		if m.cfg.Events.OnMessage != nil {
			m.cfg.Events.OnMessage(msg)
		}
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.writeControl(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (m *Manager) writeControl(conn *websocket.Conn, messageType int, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, data)
}

var (
	authReason  = regexp.MustCompile(`(?i)auth|token|unauthorized|forbidden`)
	fatalReason = regexp.MustCompile(`(?i)fatal|internal server error|shut(ting)? ?down`)
)

// isAuthReason classifies server error frames: anything mentioning
// authentication or tokens is terminal, the token will not get better
// on its own.
func isAuthReason(reason string) bool { return authReason.MatchString(reason) }

// isFatalReason flags server errors that warrant dropping the
// transport and reconnecting. Everything else is advisory and only
// logged.
func isFatalReason(reason string) bool { return fatalReason.MatchString(reason) }
