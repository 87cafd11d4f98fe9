package reconcile

import (
	"sort"
	"sync"
	"time"

	"molva/internal/models"
)

// Reconciler merges three message sources into one ascending-by-createdAt
// sequence with no duplicate final ids: paginated history loads, local
// optimistic inserts, and push-delivered inbound/echo messages.
//
// Reconciliation is identity-based (id matching), never position-based:
// a push echo of one's own message may arrive before or after the REST
// send response, and either order must converge to the same sequence.
type Reconciler struct {
	mu     sync.Mutex
	selfID string
	self   models.UserSummary
	msgs   []models.Message

	now func() time.Time
}

func New(self models.UserSummary) *Reconciler {
	return &Reconciler{
		selfID: self.ID,
		self:   self,
		now:    time.Now,
	}
}

// MergeHistory inserts a history page into the sequence, skipping any
// message whose id is already present. Initial loads go through it too:
// a push delivered before the history fetch commits stays in place.
func (r *Reconciler) MergeHistory(msgs []models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range msgs {
		if r.indexByID(m.ID) >= 0 {
			continue
		}
		r.insertSorted(m)
	}
}

// InsertOptimistic appends a locally-created message with a temporary id
// and returns it. The message is visible immediately.
func (r *Reconciler) InsertOptimistic(body string) models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := models.Message{
		ID:        models.NewTempID(),
		Sender:    r.self,
		Content:   body,
		ReadBy:    nil,
		CreatedAt: r.now(),
	}
	r.insertSorted(msg)
	return msg
}

// ReconcileWithServerResponse replaces the entry carrying tempID with the
// server-confirmed message. If no temporary entry matches (the push echo
// may have replaced it already) the server message is inserted in sorted
// position unless its final id is already present.
func (r *Reconciler) ReconcileWithServerResponse(tempID string, server models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexByID(tempID); i >= 0 {
		r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
	}
	if r.indexByID(server.ID) >= 0 {
		return
	}
	r.insertSorted(server)
}

// RemoveOptimistic rolls back a failed send. No error placeholder is left
// behind.
func (r *Reconciler) RemoveOptimistic(tempID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := r.indexByID(tempID); i >= 0 {
		r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
	}
}

// ApplyPush ingests a push-delivered message. Replays are idempotent: an
// existing final id is a no-op. An echo of the current user's own message
// replaces the oldest remaining temporary entry; everything else is
// inserted in sorted position. Returns true if the sequence changed.
func (r *Reconciler) ApplyPush(msg models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexByID(msg.ID) >= 0 {
		return false
	}

	if msg.Sender.ID == r.selfID {
		if i := r.oldestTempIndex(); i >= 0 {
			r.msgs = append(r.msgs[:i], r.msgs[i+1:]...)
		}
	}
	r.insertSorted(msg)
	return true
}

// ApplyReadReceipt appends readerID to the message's reader set if
// absent. Readers are never removed. Returns true if the set grew.
func (r *Reconciler) ApplyReadReceipt(messageID, readerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexByID(messageID)
	if i < 0 {
		return false
	}
	if r.msgs[i].ReadByUser(readerID) {
		return false
	}
	r.msgs[i].ReadBy = append(r.msgs[i].ReadBy, readerID)
	return true
}

// MarkDeleted flags a message as deleted without removing it from the
// sequence.
func (r *Reconciler) MarkDeleted(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexByID(messageID)
	if i < 0 {
		return false
	}
	r.msgs[i].IsDeleted = true
	return true
}

// Messages returns a copy of the current sequence.
func (r *Reconciler) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// HasTemp reports whether any temporary entry remains.
func (r *Reconciler) HasTemp() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.oldestTempIndex() >= 0
}

func (r *Reconciler) indexByID(id string) int {
	for i := range r.msgs {
		if r.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) oldestTempIndex() int {
	for i := range r.msgs {
		if models.IsTempID(r.msgs[i].ID) {
			return i
		}
	}
	return -1
}

// before orders by createdAt with id as the tiebreaker so the sequence is
// strictly ordered.
func (r *Reconciler) before(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (r *Reconciler) insertSorted(msg models.Message) {
	i := sort.Search(len(r.msgs), func(i int) bool {
		return r.before(msg, r.msgs[i])
	})
	r.msgs = append(r.msgs, models.Message{})
	copy(r.msgs[i+1:], r.msgs[i:])
	r.msgs[i] = msg
}
