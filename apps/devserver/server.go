package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/linkup/chat-client/pkg/auth"
	"github.com/linkup/chat-client/pkg/model"
	"github.com/linkup/chat-client/pkg/snowflake"
)

const defaultPageLimit = 50

// Server bundles the REST API and the websocket hub behind one
// handler, standing in for the production api and gateway services.
type Server struct {
	store *roomStore
	hub   *Hub
	log   *slog.Logger
	mux   *http.ServeMux
}

func NewServer(node *snowflake.Node, log *slog.Logger) *Server {
	store := newRoomStore()
	s := &Server{
		store: store,
		hub:   NewHub(store, node, log),
		log:   log,
		mux:   http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.Handle("GET /api/rooms/{room}/messages", s.authed(s.handleHistory))
	s.mux.Handle("POST /api/rooms/{room}/messages", s.authed(s.handleSend))
	s.mux.Handle("POST /api/rooms/{room}/read", s.authed(s.handleRead))
	s.mux.Handle("GET /api/conversations", s.authed(s.handleConversations))
	s.mux.HandleFunc("GET /ws/chat/{room}/", s.hub.serveWs)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// AddRoom seeds a room with its two participants.
func (s *Server) AddRoom(roomID string, members ...string) {
	s.store.addRoom(roomID, members...)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	return strings.TrimPrefix(h, "Bearer ")
}

// authed validates the bearer token and stores the claims in the
// request context.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), auth.UserKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(auth.UserKey).(*auth.Claims)
	return claims
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	token, err := auth.GenerateToken(req.UserID)
	if err != nil {
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, loginResponse{Token: token})
}

type pageResponse struct {
	Results []model.Message `json:"results"`
	Next    *string         `json:"next"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	roomID := r.PathValue("room")
	if !s.store.isMember(roomID, claims.UserID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	limit := defaultPageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	results, next := s.store.page(roomID, r.URL.Query().Get("cursor"), limit)
	writeJSON(w, pageResponse{Results: results, Next: next})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	roomID := r.PathValue("room")
	if !s.store.isMember(roomID, claims.UserID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var in model.Message
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if in.Content == "" && in.FileData == "" {
		http.Error(w, "empty message", http.StatusBadRequest)
		return
	}

	msg := &model.Message{
		LocalID:  in.LocalID,
		RoomID:   roomID,
		SenderID: claims.UserID,
		Content:  in.Content,
		FileType: in.FileType,
		FileData: in.FileData,
		FileName: in.FileName,
	}
	// Publish assigns the canonical id and fans out to live
	// connections; the REST response carries the same canonical form.
	msg = s.hub.Publish(msg)

	writeJSON(w, msg)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	s.store.markRead(r.PathValue("room"), claims.UserID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	writeJSON(w, s.store.conversations(claims.UserID))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
