// Package session is the composition root for one open conversation:
// it owns the transcript and the connection lifecycle pair, routes
// inbound frames into the transcript, runs the optimistic send
// pipeline with its HTTP fallback, and exposes a read-only transcript
// plus connection state to the presentation layer.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linkup/chat-client/pkg/api"
	"github.com/linkup/chat-client/pkg/model"
	"github.com/linkup/chat-client/pkg/transcript"
	"github.com/linkup/chat-client/pkg/wsconn"
)

var (
	ErrNoConversation     = errors.New("no open conversation")
	ErrEmptyMessage       = errors.New("message has no content")
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	ErrUnknownLocalID     = errors.New("no failed message with that local id")
)

const defaultPageLimit = 50

// Config wires a session to its backend and its observers. Observers
// are invoked without any session lock held and always receive
// snapshots they own.
type Config struct {
	APIBaseURL string // http(s)://host
	WSBaseURL  string // ws(s)://host
	Token      string
	UserID     string
	PageLimit  int
	Logger     *slog.Logger

	// OnTranscript observes the full ordered transcript after every
	// mutation.
	OnTranscript func([]model.Message)
	// OnConnState observes connection lifecycle transitions.
	OnConnState func(wsconn.State)
	// OnConnLost observes the terminal "connection lost" signal; the
	// UI may offer a manual retry via RetryConnection.
	OnConnLost func(error)
}

type Session struct {
	cfg Config
	api *api.Client
	log *slog.Logger

	mu         sync.Mutex
	roomID     string
	tr         *transcript.Transcript
	conn       *wsconn.Manager
	nextCursor string
	// epoch invalidates event handlers of a torn-down conversation so
	// a late frame can never mutate the next conversation's
	// transcript.
	epoch int
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = defaultPageLimit
	}
	return &Session{
		cfg: cfg,
		api: api.NewClient(cfg.APIBaseURL, cfg.Token, api.WithLogger(cfg.Logger)),
		log: cfg.Logger.With("component", "session"),
	}
}

// Open switches the session to a conversation: the previous connection
// is fully closed first, then a fresh transcript is built from the
// most recent history page and the live connection is established. A
// backfill failure is returned for the caller to retry, but the live
// connection is still opened so new messages keep flowing.
func (s *Session) Open(ctx context.Context, roomID string) error {
	s.Close()

	s.mu.Lock()
	s.roomID = roomID
	s.tr = transcript.New(roomID)
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()

	// Mark the backlog read. Fire and forget: failure is logged, never
	// retried, never blocking.
	go func() {
		if err := s.api.MarkRead(context.Background(), roomID); err != nil {
			s.log.Warn("mark read failed", "room", roomID, "error", err)
		}
	}()

	backfillErr := s.loadPage(ctx, epoch, roomID, "")

	conn := wsconn.NewManager(wsconn.Config{
		URL:    fmt.Sprintf("%s/ws/chat/%s/", s.cfg.WSBaseURL, roomID),
		Token:  s.cfg.Token,
		Logger: s.log.With("room", roomID),
		Events: wsconn.Events{
			OnMessage:     func(m *model.Message) { s.handleFrame(epoch, m) },
			OnStateChange: func(st wsconn.State) { s.handleConnState(epoch, st) },
			OnFatalError:  func(err error) { s.handleConnLost(epoch, err) },
		},
	})

	s.mu.Lock()
	if s.epoch != epoch {
		// Open raced with another Open/Close; do not leak a transport.
		s.mu.Unlock()
		conn.Close()
		return backfillErr
	}
	s.conn = conn
	s.mu.Unlock()

	conn.Connect()
	return backfillErr
}

// Close tears the conversation down: handlers are detached before the
// connection manager is closed, so no late event can cross into the
// next conversation.
func (s *Session) Close() {
	s.mu.Lock()
	s.epoch++
	conn := s.conn
	s.conn = nil
	s.roomID = ""
	s.tr = nil
	s.nextCursor = ""
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Transcript returns the current ordered snapshot.
func (s *Session) Transcript() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return nil
	}
	return s.tr.Messages()
}

// ConnState reports the lifecycle state of the live connection.
func (s *Session) ConnState() wsconn.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return wsconn.StateClosed
	}
	return s.conn.State()
}

// HasOlder reports whether more history pages remain.
func (s *Session) HasOlder() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr != nil && s.tr.HasMore()
}

// RetryConnection resets the reconnect budget after a terminal
// connection loss.
func (s *Session) RetryConnection() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Retry()
	}
}

// Conversations lists the user's rooms with unread counts, for the
// room picker.
func (s *Session) Conversations(ctx context.Context) ([]model.Conversation, error) {
	return s.api.Conversations(ctx)
}

// LoadOlder fetches the next older history page and merges it into the
// front of the transcript. Errors go back to the caller; retrying is a
// UI decision.
func (s *Session) LoadOlder(ctx context.Context) error {
	s.mu.Lock()
	if s.tr == nil {
		s.mu.Unlock()
		return ErrNoConversation
	}
	if !s.tr.HasMore() {
		s.mu.Unlock()
		return nil
	}
	epoch := s.epoch
	roomID := s.roomID
	cursor := s.nextCursor
	s.mu.Unlock()

	return s.loadPage(ctx, epoch, roomID, cursor)
}

func (s *Session) loadPage(ctx context.Context, epoch int, roomID, cursor string) error {
	page, err := s.api.Messages(ctx, roomID, cursor, s.cfg.PageLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.epoch != epoch || s.tr == nil {
		s.mu.Unlock()
		return nil
	}
	hasMore := page.Next != nil
	if hasMore {
		s.nextCursor = *page.Next
	} else {
		s.nextCursor = ""
	}
	s.tr.IngestBackfillPage(page.Results, hasMore)
	snapshot := s.tr.Messages()
	s.mu.Unlock()

	s.notifyTranscript(snapshot)
	return nil
}

// Send runs the delivery pipeline for a user-authored message: insert
// the optimistic placeholder, try the live connection, fall back to
// one HTTP delivery, and mark the placeholder failed if both paths
// error. Returns the placeholder's local id immediately; delivery
// continues in the background.
func (s *Session) Send(body string, att *model.Attachment) (string, error) {
	if body == "" && att == nil {
		return "", ErrEmptyMessage
	}
	if att != nil && base64.StdEncoding.DecodedLen(len(att.FileData)) > model.MaxAttachmentBytes {
		return "", ErrAttachmentTooLarge
	}

	msg := model.Message{
		LocalID:   uuid.NewString(),
		SenderID:  s.cfg.UserID,
		Content:   body,
		CreatedAt: time.Now().UTC(),
	}
	if att != nil {
		msg.FileType = att.FileType
		msg.FileData = att.FileData
		msg.FileName = att.FileName
	}

	s.mu.Lock()
	if s.tr == nil {
		s.mu.Unlock()
		return "", ErrNoConversation
	}
	msg.RoomID = s.roomID
	epoch := s.epoch
	s.tr.IngestLocalPending(msg)
	snapshot := s.tr.Messages()
	s.mu.Unlock()

	s.notifyTranscript(snapshot)

	go s.deliver(epoch, msg)
	return msg.LocalID, nil
}

// RetryFailed resubmits a failed message. The failed entry is dropped
// and the pipeline restarts under a fresh local id.
func (s *Session) RetryFailed(localID string) (string, error) {
	s.mu.Lock()
	if s.tr == nil {
		s.mu.Unlock()
		return "", ErrNoConversation
	}
	failed, ok := s.tr.Failed(localID)
	if !ok {
		s.mu.Unlock()
		return "", ErrUnknownLocalID
	}
	s.tr.Remove(localID)
	s.mu.Unlock()

	var att *model.Attachment
	if failed.FileData != "" {
		att = &model.Attachment{
			FileType: failed.FileType,
			FileData: failed.FileData,
			FileName: failed.FileName,
		}
	}
	return s.Send(failed.Content, att)
}

// deliver attempts the live path once, then the HTTP fallback once.
// The live path relies on the server echoing the local id back on the
// broadcast frame for reconciliation; the fallback reconciles from the
// POST response directly.
func (s *Session) deliver(epoch int, msg model.Message) {
	s.mu.Lock()
	conn := s.conn
	current := s.epoch == epoch
	s.mu.Unlock()
	if !current {
		return
	}

	if conn != nil {
		frame, err := model.EncodeChatFrame(&msg)
		if err == nil {
			if err = conn.Send(frame); err == nil {
				return // the live echo will reconcile the placeholder
			}
		}
		if !errors.Is(err, wsconn.ErrNotOpen) {
			s.log.Warn("live send failed, using fallback", "local_id", msg.LocalID, "error", err)
		}
	}

	canonical, err := s.api.SendMessage(context.Background(), msg.RoomID, &msg)
	if err != nil {
		s.log.Warn("fallback send failed", "local_id", msg.LocalID, "error", err)
		s.mu.Lock()
		if s.epoch == epoch && s.tr != nil {
			s.tr.MarkFailed(msg.LocalID)
			snapshot := s.tr.Messages()
			s.mu.Unlock()
			s.notifyTranscript(snapshot)
			return
		}
		s.mu.Unlock()
		return
	}

	s.handleFrame(epoch, canonical)
}

func (s *Session) handleFrame(epoch int, m *model.Message) {
	s.mu.Lock()
	if s.epoch != epoch || s.tr == nil {
		s.mu.Unlock()
		return
	}
	s.tr.IngestLiveFrame(*m)
	snapshot := s.tr.Messages()
	s.mu.Unlock()

	s.notifyTranscript(snapshot)
}

func (s *Session) handleConnState(epoch int, st wsconn.State) {
	s.mu.Lock()
	current := s.epoch == epoch
	s.mu.Unlock()
	if current && s.cfg.OnConnState != nil {
		s.cfg.OnConnState(st)
	}
}

func (s *Session) handleConnLost(epoch int, err error) {
	s.mu.Lock()
	current := s.epoch == epoch
	s.mu.Unlock()
	if !current {
		return
	}
	s.log.Warn("connection lost", "error", err)
	if s.cfg.OnConnLost != nil {
		s.cfg.OnConnLost(err)
	}
}

func (s *Session) notifyTranscript(snapshot []model.Message) {
	if s.cfg.OnTranscript != nil {
		s.cfg.OnTranscript(snapshot)
	}
}
