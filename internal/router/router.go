package router

import (
	"errors"
	"log/slog"
	"sync"

	"molva/internal/content"
	"molva/internal/models"
)

// ActiveConversation is what the router needs from the machine bound to
// the currently visible conversation screen.
type ActiveConversation interface {
	// ConversationID returns the established id, or "" while pending.
	ConversationID() string
	// PeerID returns the peer's user id for direct threads, or "" for groups.
	PeerID() string

	HandleChat(msg models.Message)
	HandleTyping(actorID string, stopped bool)
	HandleReadReceipt(messageID, readerID string)
}

// Router consumes inbound push envelopes, validates them at the
// boundary, filters them by relevance to the active conversation, and
// dispatches to the machine. Events for other conversations are ignored
// here; the inbox refresher subscribes to the push channel on its own.
type Router struct {
	mu     sync.RWMutex
	selfID string
	active ActiveConversation

	anomalies int
}

func New(selfID string) *Router {
	return &Router{selfID: selfID}
}

// Attach binds the active conversation screen. Any previous binding is
// replaced.
func (r *Router) Attach(c ActiveConversation) {
	r.mu.Lock()
	r.active = c
	r.mu.Unlock()
}

// Detach unbinds the active screen; subsequent events are dropped
// instead of flowing into torn-down state.
func (r *Router) Detach() {
	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()
}

// Anomalies returns how many malformed envelopes were dropped.
func (r *Router) Anomalies() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.anomalies
}

// Handle processes one inbound envelope. Malformed payloads are counted
// and logged as anomalies, never propagated; the last known-good state
// stays visible.
func (r *Router) Handle(env models.Envelope) {
	if err := validate(env); err != nil {
		r.mu.Lock()
		r.anomalies++
		r.mu.Unlock()
		slog.Warn("dropping malformed push envelope",
			"type", env.Type, "sender", env.SenderID, "error", err)
		return
	}

	r.mu.RLock()
	active := r.active
	r.mu.RUnlock()

	if active == nil || !r.relevant(env, active) {
		return
	}

	switch env.Type {
	case models.EventChat:
		active.HandleChat(models.Message{
			ID:             env.ID,
			ConversationID: env.ConversationID,
			Sender:         models.UserSummary{ID: env.SenderID},
			// Inbound bodies are sanitized once, at this boundary.
			Content:   content.Sanitize(env.Content),
			CreatedAt: env.Timestamp,
		})
	case models.EventTyping:
		if env.SenderID != r.selfID {
			active.HandleTyping(env.SenderID, false)
		}
	case models.EventStopTyping:
		if env.SenderID != r.selfID {
			active.HandleTyping(env.SenderID, true)
		}
	case models.EventReadReceipt:
		active.HandleReadReceipt(env.ID, env.SenderID)
	}
}

// relevant reports whether the envelope concerns the active screen: its
// conversation id matches the established id, or, while the thread is
// still pending, its sender/receiver pair includes the active peer.
func (r *Router) relevant(env models.Envelope, active ActiveConversation) bool {
	if convID := active.ConversationID(); convID != "" {
		return env.ConversationID == convID
	}

	peerID := active.PeerID()
	if peerID == "" {
		return false
	}
	// Pending thread: the event may carry a conversation id (the machine
	// uses it to transition) but relevance is decided by the peer pair.
	return env.SenderID == peerID || env.ReceiverID == peerID
}

func validate(env models.Envelope) error {
	switch env.Type {
	case models.EventChat:
		if env.ID == "" {
			return errors.New("chat event missing id")
		}
		if env.Timestamp.IsZero() {
			return errors.New("chat event missing timestamp")
		}
	case models.EventTyping, models.EventStopTyping:
	case models.EventReadReceipt:
		if env.ID == "" {
			return errors.New("read receipt missing message id")
		}
	default:
		return errors.New("unknown event type")
	}

	if env.SenderID == "" {
		return errors.New("missing sender")
	}
	return nil
}
