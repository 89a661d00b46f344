// Package transcript keeps the ordered, deduplicated message view for
// one open conversation. It is fed by three producers: history
// backfill, the live connection, and the local optimistic send. The
// store itself is not goroutine-safe; the owning session serializes
// all mutation.
package transcript

import (
	"sort"
	"time"

	"github.com/linkup/chat-client/pkg/model"
)

// reconcileWindow bounds the sender+content heuristic used when a live
// echo carries no local id. Outside this window a pending entry is
// never considered the same logical message.
const reconcileWindow = 5 * time.Second

type Transcript struct {
	roomID  string
	entries []model.Message // sorted by model.Message.Before
	ids     map[int64]bool  // canonical ids present
	hasMore bool            // older pages remain on the server
}

func New(roomID string) *Transcript {
	return &Transcript{
		roomID:  roomID,
		ids:     make(map[int64]bool),
		hasMore: true,
	}
}

func (t *Transcript) RoomID() string { return t.roomID }

// HasMore reports whether older pages remain to backfill.
func (t *Transcript) HasMore() bool { return t.hasMore }

// Messages returns a snapshot of the transcript in chronological
// order. The returned slice is owned by the caller.
func (t *Transcript) Messages() []model.Message {
	out := make([]model.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Transcript) Len() int { return len(t.entries) }

// IngestBackfillPage merges a page of older messages. Messages whose
// canonical id is already present are skipped, so redelivered pages
// are harmless.
func (t *Transcript) IngestBackfillPage(page []model.Message, hasMore bool) {
	t.hasMore = hasMore
	for i := range page {
		m := page[i]
		if !m.Canonical() || t.ids[m.ID] {
			continue
		}
		m.Delivery = model.DeliverySent
		t.insert(m)
	}
}

// IngestLiveFrame merges one canonical message from the live channel
// or the fallback send response. A pending entry matching the frame's
// local id (or the sender+content heuristic) is replaced in place by
// the canonical form; duplicates by id are a no-op.
func (t *Transcript) IngestLiveFrame(m model.Message) {
	if !m.Canonical() || t.ids[m.ID] {
		return
	}
	m.Delivery = model.DeliverySent

	if i := t.findPending(&m); i >= 0 {
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
	}
	t.insert(m)
}

// IngestLocalPending appends an optimistic placeholder. The caller is
// responsible for assigning a fresh local id and provisional
// timestamp.
func (t *Transcript) IngestLocalPending(m model.Message) {
	m.ID = 0
	m.Delivery = model.DeliveryPending
	t.insert(m)
}

// MarkFailed flips a still-pending entry to failed. Returns false if
// no pending entry carries the local id (it may already have been
// reconciled).
func (t *Transcript) MarkFailed(localID string) bool {
	for i := range t.entries {
		e := &t.entries[i]
		if e.LocalID == localID && e.Delivery == model.DeliveryPending {
			e.Delivery = model.DeliveryFailed
			return true
		}
	}
	return false
}

// Failed returns the entry for a failed local id, used to rebuild a
// resubmission.
func (t *Transcript) Failed(localID string) (model.Message, bool) {
	for i := range t.entries {
		e := t.entries[i]
		if e.LocalID == localID && e.Delivery == model.DeliveryFailed {
			return e, true
		}
	}
	return model.Message{}, false
}

// Remove drops an entry by local id, used when a failed message is
// resubmitted under a new local id.
func (t *Transcript) Remove(localID string) {
	for i := range t.entries {
		if t.entries[i].LocalID == localID && !t.entries[i].Canonical() {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *Transcript) insert(m model.Message) {
	if m.Canonical() {
		t.ids[m.ID] = true
	}
	i := sort.Search(len(t.entries), func(i int) bool {
		return m.Before(&t.entries[i])
	})
	t.entries = append(t.entries, model.Message{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = m
}

// findPending locates the pending counterpart of a canonical message:
// exact local id echo first, then same sender and content within the
// reconcile window.
func (t *Transcript) findPending(m *model.Message) int {
	if m.LocalID != "" {
		for i := range t.entries {
			e := &t.entries[i]
			if !e.Canonical() && e.LocalID == m.LocalID {
				return i
			}
		}
		return -1
	}
	for i := range t.entries {
		e := &t.entries[i]
		if e.Canonical() || e.Delivery != model.DeliveryPending {
			continue
		}
		if e.SenderID != m.SenderID || e.Content != m.Content {
			continue
		}
		d := m.CreatedAt.Sub(e.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= reconcileWindow {
			return i
		}
	}
	return -1
}
