package main

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/linkup/chat-client/pkg/model"
)

// roomStore is the in-memory stand-in for the production message
// store: per-room append-only logs with id-cursor pagination, a room
// membership registry and per-user unread counters.
type roomStore struct {
	mu       sync.RWMutex
	messages map[string][]model.Message // room id -> ascending by id
	members  map[string][]string        // room id -> participant user ids
	unread   map[string]map[string]int64
	updated  map[string]time.Time
}

func newRoomStore() *roomStore {
	return &roomStore{
		messages: make(map[string][]model.Message),
		members:  make(map[string][]string),
		unread:   make(map[string]map[string]int64),
		updated:  make(map[string]time.Time),
	}
}

func (s *roomStore) addRoom(roomID string, members ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[roomID] = members
}

func (s *roomStore) isMember(roomID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.members[roomID]
	if !ok {
		// Unknown rooms are open in the dev server; production
		// enforces membership.
		return true
	}
	for _, m := range members {
		if m == userID {
			return true
		}
	}
	return false
}

// append persists a canonical message and bumps unread counters for
// every other room member.
func (s *roomStore) append(m model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[m.RoomID] = append(s.messages[m.RoomID], m)
	s.updated[m.RoomID] = m.CreatedAt

	for _, member := range s.members[m.RoomID] {
		if member == m.SenderID {
			continue
		}
		if s.unread[member] == nil {
			s.unread[member] = make(map[string]int64)
		}
		s.unread[member][m.RoomID]++
	}
}

// page returns up to limit messages older than the cursor, newest
// first, plus the cursor for the next older page. An empty cursor
// means the most recent page.
func (s *roomStore) page(roomID, cursor string, limit int) ([]model.Message, *string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.messages[roomID]
	end := len(log)
	if cursor != "" {
		before, err := strconv.ParseInt(cursor, 10, 64)
		if err == nil {
			end = sort.Search(len(log), func(i int) bool { return log[i].ID >= before })
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}

	results := make([]model.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		results = append(results, log[i])
	}

	if start == 0 {
		return results, nil
	}
	next := strconv.FormatInt(log[start].ID, 10)
	return results, &next
}

func (s *roomStore) markRead(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if counts, ok := s.unread[userID]; ok {
		delete(counts, roomID)
	}
}

// conversations lists the rooms a user belongs to, most recently
// active first.
func (s *roomStore) conversations(userID string) []model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []model.Conversation{}
	for roomID, members := range s.members {
		var other string
		var in bool
		for _, m := range members {
			if m == userID {
				in = true
			} else {
				other = m
			}
		}
		if !in {
			continue
		}
		out = append(out, model.Conversation{
			RoomID:      roomID,
			OtherUserID: other,
			LastUpdated: s.updated[roomID],
			UnreadCount: s.unread[userID][roomID],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out
}
