package wsconn

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkup/chat-client/pkg/model"
)

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, Backoff(i+1), "attempt %d", i+1)
	}
}

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsServer runs handle for every accepted connection, passing the
// 1-based connection index.
func wsServer(t *testing.T, handle func(conn *websocket.Conn, n int)) *httptest.Server {
	t.Helper()
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn, int(atomic.AddInt32(&count, 1)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat/42/"
}

// recorder collects manager events for assertions.
type recorder struct {
	mu       sync.Mutex
	states   []State
	messages []*model.Message
	opened   chan struct{}
	fatal    chan error
}

func newRecorder() *recorder {
	return &recorder{
		opened: make(chan struct{}, 16),
		fatal:  make(chan error, 1),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnOpen: func() { r.opened <- struct{}{} },
		OnMessage: func(m *model.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnStateChange: func(s State) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnFatalError: func(err error) { r.fatal <- err },
	}
}

func (r *recorder) stateSeq() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestManager(url string, ev Events) *Manager {
	m := NewManager(Config{URL: url, Token: "tok", Events: ev})
	m.baseDelay = 5 * time.Millisecond
	m.maxDelay = 20 * time.Millisecond
	return m
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func sendChat(t *testing.T, conn *websocket.Conn, m *model.Message) {
	t.Helper()
	data, err := model.EncodeChatFrame(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestOpenDeliversFramesInOrder(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, n int) {
		sendChat(t, conn, &model.Message{ID: 1, RoomID: "42", Content: "first", CreatedAt: time.Now()})
		sendChat(t, conn, &model.Message{ID: 2, RoomID: "42", Content: "second", CreatedAt: time.Now()})
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	m := newTestManager(wsURL(srv), rec.events())
	m.Connect()
	defer m.Close()

	waitFor(t, rec.opened, "open")
	require.Eventually(t, func() bool { return rec.messageCount() == 2 },
		5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "first", rec.messages[0].Content)
	assert.Equal(t, "second", rec.messages[1].Content)
}

func TestHandshakeAuthFailureIsTerminal(t *testing.T) {
	var dials int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		http.Error(w, "invalid token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := newRecorder()
	m := newTestManager(wsURL(srv), rec.events())
	m.Connect()

	select {
	case err := <-rec.fatal:
		assert.True(t, errors.Is(err, ErrAuth))
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error")
	}

	// Terminal: no automatic retry follows.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&dials))
	assert.Equal(t, StateClosed, m.State())
}

func TestTransportDropReconnectsAndResetsAttempts(t *testing.T) {
	stay := make(chan struct{})
	srv := wsServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			conn.Close() // abnormal close right after the handshake
			return
		}
		sendChat(t, conn, &model.Message{ID: 3, RoomID: "42", Content: "back", CreatedAt: time.Now()})
		<-stay
		conn.Close()
	})
	defer close(stay)

	rec := newRecorder()
	m := newTestManager(wsURL(srv), rec.events())
	m.Connect()
	defer m.Close()

	waitFor(t, rec.opened, "first open")
	waitFor(t, rec.opened, "re-open after drop")

	require.Eventually(t, func() bool { return rec.messageCount() == 1 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Attempt(), "successful open resets the counter")

	seq := rec.stateSeq()
	assert.Equal(t, []State{StateConnecting, StateOpen, StateReconnecting, StateConnecting, StateOpen}, seq)
}

func TestHungDialTimesOutAndReconnects(t *testing.T) {
	// The listener accepts TCP but never answers the upgrade, so only
	// the dialer's handshake deadline can unstick the attempt.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()

	rec := newRecorder()
	m := NewManager(Config{
		URL:    "ws://" + ln.Addr().String() + "/ws/chat/42/",
		Token:  "tok",
		Events: rec.events(),
		Dialer: &websocket.Dialer{HandshakeTimeout: 50 * time.Millisecond},
	})
	m.baseDelay = 5 * time.Millisecond
	m.maxDelay = 20 * time.Millisecond
	m.Connect()
	defer m.Close()

	require.Eventually(t, func() bool {
		for _, s := range rec.stateSeq() {
			if s == StateReconnecting {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "hung handshake must fall through to reconnecting")
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := wsURL(srv)
	srv.Close() // nothing listens: every dial is a transport error

	rec := newRecorder()
	m := newTestManager(url, rec.events())
	m.maxAttempts = 2
	m.Connect()

	select {
	case err := <-rec.fatal:
		assert.True(t, errors.Is(err, ErrRetriesExhausted))
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error")
	}
	assert.Equal(t, StateClosed, m.State())

	// Manual retry resets the budget and re-enters connecting.
	m.Retry()
	select {
	case err := <-rec.fatal:
		assert.True(t, errors.Is(err, ErrRetriesExhausted))
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error after manual retry")
	}
	m.Close()
}

func TestAuthErrorFrameIsTerminal(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, n int) {
		data, _ := model.EncodeErrorFrame("token expired, authentication required")
		conn.WriteMessage(websocket.TextMessage, data)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	m := newTestManager(wsURL(srv), rec.events())
	m.Connect()

	select {
	case err := <-rec.fatal:
		assert.True(t, errors.Is(err, ErrAuth))
	case <-time.After(5 * time.Second):
		t.Fatal("no fatal error")
	}
	assert.Equal(t, StateClosed, m.State())
}

func TestMalformedAndAdvisoryFramesAreDropped(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn, n int) {
		conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		data, _ := model.EncodeErrorFrame("Failed to save message")
		conn.WriteMessage(websocket.TextMessage, data)
		sendChat(t, conn, &model.Message{ID: 4, RoomID: "42", Content: "ok", CreatedAt: time.Now()})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	rec := newRecorder()
	m := newTestManager(wsURL(srv), rec.events())
	m.Connect()
	defer m.Close()

	waitFor(t, rec.opened, "open")
	require.Eventually(t, func() bool { return rec.messageCount() == 1 },
		5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "ok", rec.messages[0].Content)
	assert.Equal(t, StateOpen, m.State(), "advisory errors keep the transport up")
}

func TestConnectSupersedesInFlightConnection(t *testing.T) {
	closed := make(chan int, 4)
	srv := wsServer(t, func(conn *websocket.Conn, n int) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- n
				return
			}
		}
	})

	rec := newRecorder()
	m := newTestManager(wsURL(srv), rec.events())
	m.Connect()
	waitFor(t, rec.opened, "first open")

	// Re-connect must tear the first transport down before the second
	// one goes live.
	m.Connect()
	waitFor(t, rec.opened, "second open")

	select {
	case n := <-closed:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("first connection never closed")
	}
	m.Close()
}

func TestSendRequiresOpenConnection(t *testing.T) {
	m := NewManager(Config{URL: "ws://127.0.0.1:1/ws", Token: "tok"})
	assert.ErrorIs(t, m.Send([]byte("{}")), ErrNotOpen)
}
