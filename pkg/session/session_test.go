package session

import (
	"context"
	"encoding/json"
	"log/slog"
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

	"github.com/linkup/chat-client/pkg/api"
	"github.com/linkup/chat-client/pkg/model"
	"github.com/linkup/chat-client/pkg/wsconn"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend scripts the REST+WS contract for one room.
type fakeBackend struct {
	t *testing.T

	mu      sync.Mutex
	pages   map[string]api.Page // cursor -> page, "" is the first page
	nextID  int64
	wsConns chan *websocket.Conn

	reads     int32
	posts     int32
	postFails int32 // number of POSTs to fail before succeeding
	noWS      bool  // refuse websocket upgrades

	srv *httptest.Server
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{
		t:       t,
		pages:   map[string]api.Page{"": {}},
		nextID:  100,
		wsConns: make(chan *websocket.Conn, 4),
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		page, ok := b.pages[r.URL.Query().Get("cursor")]
		b.mu.Unlock()
		if !ok {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("POST /api/rooms/{room}/messages", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.posts, 1)
		b.mu.Lock()
		fail := b.postFails > 0
		if fail {
			b.postFails--
		}
		b.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}

		var in model.Message
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		in.ID = b.allocID()
		in.RoomID = r.PathValue("room")
		in.CreatedAt = time.Now().UTC()
		json.NewEncoder(w).Encode(in)
	})
	mux.HandleFunc("POST /api/rooms/{room}/read", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&b.reads, 1)
	})
	mux.HandleFunc("GET /ws/chat/{room}/", func(w http.ResponseWriter, r *http.Request) {
		if b.noWS {
			http.Error(w, "no gateway", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.wsConns <- conn
		// Echo chat frames back with a canonical id assigned.
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, _, err := model.DecodeFrame(data)
			if err != nil || msg == nil {
				continue
			}
			msg.ID = b.allocID()
			msg.CreatedAt = time.Now().UTC()
			b.push(conn, msg)
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) allocID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *fakeBackend) push(conn *websocket.Conn, m *model.Message) {
	raw, err := json.Marshal(m)
	require.NoError(b.t, err)
	frame, err := json.Marshal(model.Frame{Message: raw})
	require.NoError(b.t, err)
	b.mu.Lock()
	defer b.mu.Unlock()
	conn.WriteMessage(websocket.TextMessage, frame)
}

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func newTestSession(b *fakeBackend) *Session {
	return New(Config{
		APIBaseURL: b.srv.URL,
		WSBaseURL:  b.wsURL(),
		Token:      "tok",
		UserID:     "alice",
		Logger:     slog.Default(),
	})
}

func canonical(id int64, sender, content string, at time.Time) model.Message {
	return model.Message{ID: id, RoomID: "42", SenderID: sender, Content: content, CreatedAt: at}
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func waitTranscript(t *testing.T, s *Session, want []string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := contents(s.Transcript())
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "want transcript %v, have %v", want, contents(s.Transcript()))
}

func waitState(t *testing.T, s *Session, want wsconn.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ConnState() == want },
		5*time.Second, 10*time.Millisecond)
}

func TestOpenBackfillsLiveFramesAndReconcilesSend(t *testing.T) {
	b := newFakeBackend(t)
	b.pages[""] = api.Page{Results: []model.Message{
		canonical(2, "bob", "m2", t0.Add(2*time.Second)),
		canonical(1, "alice", "m1", t0.Add(1*time.Second)),
	}}

	s := newTestSession(b)
	defer s.Close()
	require.NoError(t, s.Open(context.Background(), "42"))

	waitTranscript(t, s, []string{"m1", "m2"})
	waitState(t, s, wsconn.StateOpen)

	// A live frame from the other participant.
	serverConn := <-b.wsConns
	b.push(serverConn, &model.Message{
		ID: 3, RoomID: "42", SenderID: "bob", Content: "m3", CreatedAt: t0.Add(3 * time.Second),
	})
	waitTranscript(t, s, []string{"m1", "m2", "m3"})

	// Optimistic send over the live path, reconciled by the echo.
	localID, err := s.Send("hi", nil)
	require.NoError(t, err)
	require.NotEmpty(t, localID)

	waitTranscript(t, s, []string{"m1", "m2", "m3", "hi"})
	require.Eventually(t, func() bool {
		msgs := s.Transcript()
		last := msgs[len(msgs)-1]
		return last.Canonical() && last.Delivery == model.DeliverySent
	}, 5*time.Second, 10*time.Millisecond, "echo must replace the placeholder")

	require.Equal(t, 4, len(s.Transcript()), "no duplicate from the echo")
	assert.EqualValues(t, 0, atomic.LoadInt32(&b.posts), "live path must not hit the fallback")

	// Read receipt fired exactly once on open.
	require.Eventually(t, func() bool { return atomic.LoadInt32(&b.reads) == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestSendFallsBackToHTTPWhenConnectionDown(t *testing.T) {
	b := newFakeBackend(t)
	b.noWS = true

	s := newTestSession(b)
	defer s.Close()
	require.NoError(t, s.Open(context.Background(), "42"))

	_, err := s.Send("offline hi", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := s.Transcript()
		return len(msgs) == 1 && msgs[0].Canonical() && msgs[0].Delivery == model.DeliverySent
	}, 5*time.Second, 10*time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&b.posts), "exactly one fallback call")
}

func TestSendFailureMarksFailedAndRetryResubmits(t *testing.T) {
	b := newFakeBackend(t)
	b.noWS = true
	b.postFails = 1

	s := newTestSession(b)
	defer s.Close()
	require.NoError(t, s.Open(context.Background(), "42"))

	localID, err := s.Send("doomed", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := s.Transcript()
		return len(msgs) == 1 && msgs[0].Delivery == model.DeliveryFailed
	}, 5*time.Second, 10*time.Millisecond)

	newLocalID, err := s.RetryFailed(localID)
	require.NoError(t, err)
	assert.NotEqual(t, localID, newLocalID, "resubmission uses a fresh local id")

	require.Eventually(t, func() bool {
		msgs := s.Transcript()
		return len(msgs) == 1 && msgs[0].Canonical() && msgs[0].Delivery == model.DeliverySent
	}, 5*time.Second, 10*time.Millisecond)

	_, err = s.RetryFailed(localID)
	assert.ErrorIs(t, err, ErrUnknownLocalID)
}

func TestLoadOlderWalksCursors(t *testing.T) {
	b := newFakeBackend(t)
	older := "c1"
	b.pages[""] = api.Page{
		Results: []model.Message{canonical(2, "bob", "new", t0.Add(time.Second))},
		Next:    &older,
	}
	b.pages[older] = api.Page{
		Results: []model.Message{canonical(1, "bob", "old", t0)},
	}

	s := newTestSession(b)
	defer s.Close()
	require.NoError(t, s.Open(context.Background(), "42"))
	waitTranscript(t, s, []string{"new"})
	require.True(t, s.HasOlder())

	require.NoError(t, s.LoadOlder(context.Background()))
	waitTranscript(t, s, []string{"old", "new"})
	assert.False(t, s.HasOlder())

	// Backlog exhausted: further loads are a no-op.
	require.NoError(t, s.LoadOlder(context.Background()))
}

func TestSendValidation(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(b)
	defer s.Close()

	_, err := s.Send("hi", nil)
	assert.ErrorIs(t, err, ErrNoConversation)

	require.NoError(t, s.Open(context.Background(), "42"))

	_, err = s.Send("", nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)

	huge := strings.Repeat("A", 8*1024*1024)
	_, err = s.Send("", &model.Attachment{FileType: "image/png", FileData: huge})
	assert.ErrorIs(t, err, ErrAttachmentTooLarge)
}

func TestReopenTearsDownPreviousConnection(t *testing.T) {
	b := newFakeBackend(t)
	s := newTestSession(b)
	defer s.Close()

	require.NoError(t, s.Open(context.Background(), "42"))
	waitState(t, s, wsconn.StateOpen)
	first := <-b.wsConns

	require.NoError(t, s.Open(context.Background(), "43"))
	waitState(t, s, wsconn.StateOpen)
	<-b.wsConns

	// The first transport must be gone: pushing on it fails once the
	// close propagates.
	require.Eventually(t, func() bool {
		first.SetWriteDeadline(time.Now().Add(time.Second))
		return first.WriteMessage(websocket.TextMessage, []byte("{}")) != nil
	}, 5*time.Second, 50*time.Millisecond)

	// And nothing from room 42 may leak into room 43's transcript.
	for _, m := range s.Transcript() {
		assert.Equal(t, "43", m.RoomID)
	}
}

func TestBackfillErrorIsSurfacedButConnectionStillOpens(t *testing.T) {
	b := newFakeBackend(t)
	delete(b.pages, "")

	s := newTestSession(b)
	defer s.Close()

	err := s.Open(context.Background(), "42")
	require.Error(t, err, "backfill failure goes back to the caller")

	// The live connection is wired regardless, so new traffic flows.
	waitState(t, s, wsconn.StateOpen)
}
