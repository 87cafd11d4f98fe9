package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"molva/internal/cluster"
	"molva/internal/content"
	"molva/internal/models"
	"molva/internal/reconcile"
	"molva/internal/typing"
)

type State string

const (
	StatePending     State = "PENDING"
	StateEstablished State = "ESTABLISHED"
)

type IdentityKind string

const (
	IdentityPeer         IdentityKind = "PEER"
	IdentityConversation IdentityKind = "CONVERSATION"
)

type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Identity is the discriminated routing identity of a conversation
// screen, resolved once at screen entry. For IdentityPeer the thread is
// pending: PeerID is authoritative and RequestID/Direction may narrow the
// history lookup. For IdentityConversation, ConversationID is
// authoritative. The not-found fallback in Load is kept as a
// compatibility shim for routes that mix the two up.
type Identity struct {
	Kind           IdentityKind
	PeerID         string
	ConversationID string
	RequestID      string
	Direction      Direction
}

// API is the REST collaborator surface the machine consumes.
type API interface {
	GetConversation(ctx context.Context, id string) (models.ConversationPage, error)
	GetMessages(ctx context.Context, conversationID, cursor string, limit int) (models.MessagePage, error)
	SendDirectMessage(ctx context.Context, peerID, body string) (models.Message, error)
	SendMessage(ctx context.Context, conversationID, body string) (models.Message, error)
	GetPendingMessages(ctx context.Context, senderID, receiverID string) ([]models.Message, error)
	GetPendingMessagesByRequest(ctx context.Context, requestID string) ([]models.Message, error)
	AddGroupMembers(ctx context.Context, conversationID string, userIDs []string) (models.Conversation, error)
	LeaveGroup(ctx context.Context, conversationID string) error
}

// Sender is the push collaborator surface the machine consumes.
type Sender interface {
	Connected() bool
	SendChat(conversationID, receiverID, body string) error
	SendTyping(channelID string) error
	SendStopTyping(channelID string) error
	SendReadReceipt(messageID, senderID string) error
}

// Snapshotter persists recent timeline state for offline display.
type Snapshotter interface {
	SaveMessages(conversationID string, msgs []models.Message) error
}

type Config struct {
	Self     models.UserSummary
	Identity Identity
	API      API
	Sender   Sender
	// Cache is optional; nil disables snapshotting.
	Cache         Snapshotter
	TypingExpiry  time.Duration
	ClusterWindow time.Duration
	PageSize      int
}

// Machine owns the lifecycle of a single open conversation screen: the
// pending→established transition, optimistic send/reconcile, inbound
// event handling and derived timeline state. It is torn down with Close
// when the screen is left; async completions started before teardown
// check the liveness flag before committing.
type Machine struct {
	mu sync.Mutex

	self          models.UserSummary
	id            Identity
	state         State
	transitioned  bool
	loaded        bool
	closed        bool
	conv          *models.Conversation
	cursor        string
	hasMore       bool
	loadingOlder  bool
	clusterWindow time.Duration
	pageSize      int

	rec    *reconcile.Reconciler
	typing *typing.Registry
	api    API
	sender Sender
	cache  Snapshotter
}

func New(cfg Config) *Machine {
	state := StatePending
	if cfg.Identity.Kind == IdentityConversation {
		state = StateEstablished
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.ClusterWindow <= 0 {
		cfg.ClusterWindow = cluster.DefaultWindow
	}
	return &Machine{
		self:          cfg.Self,
		id:            cfg.Identity,
		state:         state,
		transitioned:  state == StateEstablished,
		clusterWindow: cfg.ClusterWindow,
		pageSize:      cfg.PageSize,
		rec:           reconcile.New(cfg.Self),
		typing:        typing.NewRegistry(cfg.TypingExpiry),
		api:           cfg.API,
		sender:        cfg.Sender,
		cache:         cfg.Cache,
	}
}

// Load fetches the initial history for the screen's identity. An
// apparently-established id that is not found is retried as a pending
// thread and vice versa, covering the peer-id/conversation-id routing
// ambiguity.
func (m *Machine) Load(ctx context.Context) error {
	m.mu.Lock()
	id := m.id
	m.mu.Unlock()

	if id.Kind == IdentityConversation {
		err := m.loadEstablished(ctx, id.ConversationID)
		if errors.Is(err, models.ErrNotFound) {
			// The routed id was not a conversation after all. Re-arm the
			// one-shot transition so the eventual send response or echo
			// can establish the thread.
			m.mu.Lock()
			m.transitioned = false
			m.mu.Unlock()
			return m.loadPending(ctx, Identity{
				Kind:      IdentityPeer,
				PeerID:    id.ConversationID,
				Direction: DirectionReceived,
			})
		}
		return err
	}

	err := m.loadPending(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return m.loadEstablished(ctx, id.PeerID)
	}
	return err
}

func (m *Machine) loadEstablished(ctx context.Context, conversationID string) error {
	page, err := m.api.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.ErrClosed
	}
	conv := page.Conversation
	m.conv = &conv
	m.cursor = page.NextCursor
	m.hasMore = page.HasMore
	m.transitionTo(conversationID)
	if peer, ok := conv.Peer(m.self.ID); ok {
		m.id.PeerID = peer.ID
	}
	// Merge rather than replace: a push delivered while the fetch was in
	// flight must survive a history page that predates it.
	m.rec.MergeHistory(page.Messages)
	m.loaded = true

	// Read receipts go out for every fetched message from someone else
	// that the current user has not read yet.
	var unread []models.Message
	for _, msg := range page.Messages {
		if msg.Sender.ID != m.self.ID && !msg.ReadByUser(m.self.ID) {
			unread = append(unread, msg)
		}
	}
	m.mu.Unlock()

	for _, msg := range unread {
		m.rec.ApplyReadReceipt(msg.ID, m.self.ID)
		m.emitReadReceipt(msg)
	}

	m.snapshot(conversationID)
	return nil
}

func (m *Machine) loadPending(ctx context.Context, id Identity) error {
	var (
		msgs []models.Message
		err  error
	)
	if id.RequestID != "" {
		msgs, err = m.api.GetPendingMessagesByRequest(ctx, id.RequestID)
	}
	if id.RequestID == "" || errors.Is(err, models.ErrNotFound) {
		senderID, receiverID := id.PeerID, m.self.ID
		if id.Direction == DirectionSent {
			senderID, receiverID = m.self.ID, id.PeerID
		}
		msgs, err = m.api.GetPendingMessages(ctx, senderID, receiverID)
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.ErrClosed
	}
	// An echo may have established the thread while the fetch was in
	// flight; keep that state and only merge the history.
	if !m.transitioned {
		m.id = id
		m.state = StatePending
	}
	m.rec.MergeHistory(msgs)
	m.loaded = true
	// No read receipts for pending threads: the peer has no confirmed
	// connection yet.
	return nil
}

// Send inserts an optimistic message and dispatches it. While pending the
// send-or-create REST endpoint is used; once established the push
// channel is preferred with a REST fallback. A failed send rolls the
// optimistic entry back and surfaces the error.
func (m *Machine) Send(ctx context.Context, body string) error {
	if err := content.ValidateMessage(body); err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.ErrClosed
	}
	state := m.state
	peerID := m.id.PeerID
	conversationID := m.id.ConversationID
	m.mu.Unlock()

	opt := m.rec.InsertOptimistic(body)

	if state == StatePending {
		resp, err := m.api.SendDirectMessage(ctx, peerID, body)
		if err != nil {
			m.rec.RemoveOptimistic(opt.ID)
			return fmt.Errorf("send failed: %w", err)
		}
		return m.commitSend(opt.ID, resp)
	}

	if m.sender.Connected() {
		if err := m.sender.SendChat(conversationID, "", body); err == nil {
			// Confirmation arrives as an echo event; the optimistic
			// entry stays until then.
			return nil
		}
	}

	resp, err := m.api.SendMessage(ctx, conversationID, body)
	if err != nil {
		m.rec.RemoveOptimistic(opt.ID)
		return fmt.Errorf("send failed: %w", err)
	}
	return m.commitSend(opt.ID, resp)
}

func (m *Machine) commitSend(tempID string, resp models.Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.ErrClosed
	}
	m.transitionTo(resp.ConversationID)
	conversationID := m.id.ConversationID
	m.mu.Unlock()

	m.rec.ReconcileWithServerResponse(tempID, resp)
	m.snapshot(conversationID)
	return nil
}

// LoadOlder pulls the next page of history for an established
// conversation. Duplicate calls while a page is in flight are no-ops.
func (m *Machine) LoadOlder(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.state != StateEstablished || !m.hasMore || m.loadingOlder {
		m.mu.Unlock()
		return nil
	}
	m.loadingOlder = true
	conversationID := m.id.ConversationID
	cursor := m.cursor
	m.mu.Unlock()

	page, err := m.api.GetMessages(ctx, conversationID, cursor, m.pageSize)

	m.mu.Lock()
	m.loadingOlder = false
	if m.closed {
		m.mu.Unlock()
		return models.ErrClosed
	}
	if err == nil {
		m.cursor = page.NextCursor
		m.hasMore = page.HasMore
	}
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("history load failed: %w", err)
	}
	m.rec.MergeHistory(page.Messages)
	return nil
}

// HandleChat ingests a relevant push CHAT event. For a pending screen an
// event carrying a conversation id triggers the one-time transition; the
// in-memory sequence is kept, never re-fetched.
func (m *Machine) HandleChat(msg models.Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.transitionTo(msg.ConversationID)
	established := m.state == StateEstablished
	loaded := m.loaded
	conversationID := m.id.ConversationID
	m.mu.Unlock()

	if !m.rec.ApplyPush(msg) {
		return
	}

	// The sender stopped typing by sending.
	if msg.Sender.ID != m.self.ID {
		m.typing.SetStopped(msg.Sender.ID)
	}

	// The screen is open, so an inbound message is read immediately.
	if msg.Sender.ID != m.self.ID && established && loaded {
		m.rec.ApplyReadReceipt(msg.ID, m.self.ID)
		m.emitReadReceipt(msg)
	}

	m.snapshot(conversationID)
}

// HandleTyping ingests a relevant typing/stop-typing event.
func (m *Machine) HandleTyping(actorID string, stopped bool) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	if stopped {
		m.typing.SetStopped(actorID)
	} else {
		m.typing.SetTyping(actorID)
	}
}

// HandleReadReceipt ingests a relevant read-receipt event.
func (m *Machine) HandleReadReceipt(messageID, readerID string) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.rec.ApplyReadReceipt(messageID, readerID)
}

func (m *Machine) emitReadReceipt(msg models.Message) {
	if !m.sender.Connected() {
		return
	}
	if err := m.sender.SendReadReceipt(msg.ID, msg.Sender.ID); err != nil {
		slog.Warn("read receipt send failed", "message_id", msg.ID, "error", err)
	}
}

// transitionTo performs the one-time PENDING → ESTABLISHED transition.
// Callers must hold m.mu. Empty ids and repeat calls are no-ops.
func (m *Machine) transitionTo(conversationID string) {
	if m.transitioned || conversationID == "" {
		return
	}
	m.state = StateEstablished
	m.id.Kind = IdentityConversation
	m.id.ConversationID = conversationID
	m.transitioned = true
}

// NotifyTyping announces the current user's typing to the peer. Best
// effort: without a connected channel it does nothing.
func (m *Machine) NotifyTyping() {
	if !m.sender.Connected() {
		return
	}
	if err := m.sender.SendTyping(m.channelID()); err != nil {
		slog.Warn("typing notify failed", "error", err)
	}
}

func (m *Machine) NotifyStopTyping() {
	if !m.sender.Connected() {
		return
	}
	if err := m.sender.SendStopTyping(m.channelID()); err != nil {
		slog.Warn("stop-typing notify failed", "error", err)
	}
}

func (m *Machine) channelID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateEstablished {
		return m.id.ConversationID
	}
	return m.id.PeerID
}

// AddMembers adds users to an established group conversation.
func (m *Machine) AddMembers(ctx context.Context, userIDs []string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.ErrClosed
	}
	if m.state != StateEstablished || m.conv == nil || m.conv.Kind != models.KindGroup {
		m.mu.Unlock()
		return errors.New("not a group conversation")
	}
	conversationID := m.id.ConversationID
	m.mu.Unlock()

	updated, err := m.api.AddGroupMembers(ctx, conversationID, userIDs)
	if err != nil {
		return fmt.Errorf("add members failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return models.ErrClosed
	}
	m.conv = &updated
	return nil
}

// LeaveGroup removes the current user from an established group
// conversation.
func (m *Machine) LeaveGroup(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.ErrClosed
	}
	if m.state != StateEstablished || m.conv == nil || m.conv.Kind != models.KindGroup {
		m.mu.Unlock()
		return errors.New("not a group conversation")
	}
	conversationID := m.id.ConversationID
	m.mu.Unlock()

	if err := m.api.LeaveGroup(ctx, conversationID); err != nil {
		return fmt.Errorf("leave group failed: %w", err)
	}
	return nil
}

func (m *Machine) snapshot(conversationID string) {
	if m.cache == nil || conversationID == "" {
		return
	}
	if err := m.cache.SaveMessages(conversationID, m.rec.Messages()); err != nil {
		slog.Warn("timeline snapshot failed", "conversation_id", conversationID, "error", err)
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) IsPending() bool {
	return m.State() == StatePending
}

// ConversationID returns the established id, or "" while pending.
func (m *Machine) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateEstablished {
		return ""
	}
	return m.id.ConversationID
}

// PeerID returns the direct peer's user id, or "" for groups.
func (m *Machine) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv != nil && m.conv.Kind == models.KindGroup {
		return ""
	}
	return m.id.PeerID
}

// Conversation returns the loaded conversation record, if any.
func (m *Machine) Conversation() *models.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conv == nil {
		return nil
	}
	conv := *m.conv
	return &conv
}

func (m *Machine) Messages() []models.Message {
	return m.rec.Messages()
}

// Entry is one renderable timeline row: the message, its cluster flags
// and the display HTML of its body.
type Entry struct {
	models.Message
	cluster.Flags

	HTML string
}

// Timeline returns the message sequence annotated with cluster flags and
// rendered body HTML. Flags are recomputed from scratch on every call;
// they are never maintained incrementally.
func (m *Machine) Timeline() []Entry {
	msgs := m.rec.Messages()
	flags := cluster.Compute(msgs, m.self.ID, m.clusterWindow)

	entries := make([]Entry, len(msgs))
	for i := range msgs {
		entries[i] = Entry{
			Message: msgs[i],
			Flags:   flags[i],
			HTML:    content.RenderMarkdown(msgs[i].Content),
		}
	}
	return entries
}

// Typists returns the actors currently typing, oldest first.
func (m *Machine) Typists() []string {
	return m.typing.Typists()
}

// Close tears the screen down: typing timers are cancelled and late
// async completions are rejected.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.typing.Close()
}
