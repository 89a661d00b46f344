package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/linkup/chat-client/pkg/auth"
	"github.com/linkup/chat-client/pkg/model"
	"github.com/linkup/chat-client/pkg/snowflake"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer: text plus a base64
	// attachment under the client-side cap.
	maxMessageSize = 8 * model.MaxAttachmentBytes
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // dev server
	},
}

// Hub fans live messages out to every connection in a room. It also
// assigns canonical ids and timestamps, the way the production
// gateway does before publishing.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*wsClient]bool
	store *roomStore
	node  *snowflake.Node
	log   *slog.Logger
}

func NewHub(store *roomStore, node *snowflake.Node, log *slog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*wsClient]bool),
		store: store,
		node:  node,
		log:   log.With("component", "hub"),
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[c.roomID] == nil {
		h.rooms[c.roomID] = make(map[*wsClient]bool)
	}
	h.rooms[c.roomID][c] = true
	h.log.Info("client registered", "user", c.userID, "room", c.roomID)
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[c.roomID]; ok {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			close(c.send)
			if len(clients) == 0 {
				delete(h.rooms, c.roomID)
			}
		}
	}
	h.log.Info("client unregistered", "user", c.userID, "room", c.roomID)
}

// Publish persists a message and broadcasts it to the room. The
// message must not yet be canonical; the hub assigns id and timestamp
// and keeps the sender's local id so the echo reconciles the sender's
// optimistic placeholder.
func (h *Hub) Publish(m *model.Message) *model.Message {
	m.ID = h.node.Generate()
	m.CreatedAt = time.Now().UTC()
	h.store.append(*m)

	raw, err := json.Marshal(m)
	if err != nil {
		h.log.Error("marshal broadcast", "error", err)
		return m
	}
	// Broadcast frames carry no type, matching the production server.
	frame, _ := json.Marshal(model.Frame{Message: raw})

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[m.RoomID] {
		select {
		case c.send <- frame:
		default:
			// Slow consumer: drop the frame rather than block the room.
			h.log.Warn("dropping frame for slow client", "user", c.userID)
		}
	}
	return m
}

// wsClient is one live connection, a middleman between the websocket
// and the hub.
type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	roomID string
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("read error", "user", c.userID, "error", err)
			}
			return
		}

		msg, _, err := model.DecodeFrame(data)
		if err != nil || msg == nil {
			c.sendError("invalid message format")
			continue
		}

		out := &model.Message{
			LocalID:  msg.LocalID,
			RoomID:   c.roomID,
			SenderID: c.userID,
			Content:  msg.Content,
			FileType: msg.FileType,
			FileData: msg.FileData,
			FileName: msg.FileName,
		}
		c.hub.Publish(out)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendError(reason string) {
	if frame, err := model.EncodeErrorFrame(reason); err == nil {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// serveWs upgrades /ws/chat/{room}/ connections. The token is taken
// from the query parameter or the bearer header, the two forms the
// production gateway accepts.
func (h *Hub) serveWs(w http.ResponseWriter, r *http.Request) {
	tokenString := r.URL.Query().Get("token")
	if tokenString == "" {
		tokenString = bearerToken(r)
	}
	if tokenString == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	claims, err := auth.ValidateToken(tokenString)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := r.PathValue("room")
	if roomID == "" {
		http.Error(w, "room required", http.StatusBadRequest)
		return
	}
	if !h.store.isMember(roomID, claims.UserID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: claims.UserID,
		roomID: roomID,
	}
	h.register(client)

	go client.writePump()
	go client.readPump()
}
