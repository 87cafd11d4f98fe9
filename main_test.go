package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"molva/internal/config"
	"molva/internal/conversation"
	"molva/internal/models"
)

var (
	testAlice = models.UserSummary{ID: "u-alice", UserName: "alice", DisplayName: "Alice"}
	testBob   = models.UserSummary{ID: "u-bob", UserName: "bob", DisplayName: "Bob"}
)

// fakeBackend fakes the REST API and the push websocket endpoint on a
// single httptest server.
type fakeBackend struct {
	t *testing.T

	mu       sync.Mutex
	conn     *websocket.Conn
	received []models.Envelope
	directs  int
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{}

	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.conn = conn
		b.mu.Unlock()

		for {
			var env models.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			b.mu.Lock()
			b.received = append(b.received, env)
			b.mu.Unlock()
		}
	})

	mux.HandleFunc("/api/users/", func(w http.ResponseWriter, r *http.Request) {
		switch strings.TrimPrefix(r.URL.Path, "/api/users/") {
		case testAlice.ID:
			writeJSON(w, testAlice)
		case testBob.ID:
			writeJSON(w, testBob)
		case testBob.ID + "/follow":
			w.WriteHeader(http.StatusOK)
		case testBob.ID + "/follow-status":
			writeJSON(w, models.FollowStatus{Following: true, FollowedBy: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	mux.HandleFunc("/api/inbox", func(w http.ResponseWriter, r *http.Request) {
		last := models.Message{
			ID:             "m1",
			ConversationID: "c0",
			Sender:         testBob,
			Content:        "see you tomorrow",
			CreatedAt:      time.Now().Add(-time.Hour),
		}
		writeJSON(w, models.InboxPage{
			Items: []models.InboxItem{
				{
					Kind: models.InboxConversation,
					Conversation: &models.Conversation{
						ID:   "c0",
						Kind: models.KindDirect,
						Participants: []models.Participant{
							{User: testAlice, Role: models.RoleMember},
							{User: testBob, Role: models.RoleMember},
						},
						LastMessage: &last,
						CreatedAt:   time.Now().Add(-2 * time.Hour),
					},
				},
				{
					Kind: models.InboxMessageRequest,
					Request: &models.MessageRequest{
						ID:        "r1",
						Sender:    testBob,
						Receiver:  testAlice,
						Status:    models.RequestPending,
						CreatedAt: time.Now().Add(-3 * time.Hour),
					},
				},
			},
		})
	})

	// No conversation exists with the peer yet; the screen must fall
	// back to a pending thread.
	mux.HandleFunc("/api/conversations/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	mux.HandleFunc("/api/message-requests/messages", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, []models.Message{})
	})

	mux.HandleFunc("/api/message-requests/r1/accept", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, models.Conversation{
			ID:   "c2",
			Kind: models.KindDirect,
			Participants: []models.Participant{
				{User: testAlice, Role: models.RoleMember},
				{User: testBob, Role: models.RoleMember},
			},
			CreatedAt: time.Now(),
		})
	})

	mux.HandleFunc("/api/messages/direct", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ReceiverID string `json:"receiverId"`
			Content    string `json:"content"`
		}
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(b.t, testBob.ID, body.ReceiverID)

		b.mu.Lock()
		b.directs++
		b.mu.Unlock()

		writeJSON(w, models.Message{
			ID:             "m100",
			ConversationID: "c1",
			Sender:         testAlice,
			Content:        body.Content,
			CreatedAt:      time.Now(),
		})
	})

	return mux
}

func (b *fakeBackend) push(t *testing.T, env models.Envelope) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn, "push connection not established")
	require.NoError(t, conn.WriteJSON(env))
}

func (b *fakeBackend) receivedEnvelopes() []models.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Envelope(nil), b.received...)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestIntegration(t *testing.T) {
	backend := &fakeBackend{t: t}
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		APIURL:        server.URL,
		PushURL:       "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events",
		Token:         "test-token",
		UserID:        testAlice.ID,
		CacheFile:     filepath.Join(t.TempDir(), "molva.db"),
		TypingExpiry:  3 * time.Second,
		ClusterWindow: 2 * time.Minute,
		InboxPageSize: 20,
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer func() { _ = a.cache.Close() }()
	require.Equal(t, testAlice, a.self)

	require.NoError(t, a.channel.Dial(ctx, cfg.PushURL, cfg.Token))
	defer func() { _ = a.channel.Close() }()

	// Step 1: populate the inbox.
	a.inbox.LoadCached()
	require.NoError(t, a.inbox.Refresh(ctx))
	items := a.inbox.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "c0", items[0].ID())
	assert.Equal(t, models.InboxMessageRequest, items[1].Kind)
	assert.Equal(t, 1, items[0].UnreadCount(testAlice.ID))

	// Step 2: open a screen to a peer with no conversation yet. The
	// conversation lookup 404s and the screen settles as pending.
	m, err := a.openConversation(ctx, conversation.Identity{
		Kind:   conversation.IdentityPeer,
		PeerID: testBob.ID,
	})
	require.NoError(t, err)
	require.True(t, m.IsPending())
	require.Empty(t, m.ConversationID())

	// Step 3: first send goes through the send-or-create endpoint and
	// establishes the conversation.
	require.NoError(t, m.Send(ctx, "hi bob"))
	require.False(t, m.IsPending())
	require.Equal(t, "c1", m.ConversationID())

	msgs := m.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "m100", msgs[0].ID)

	// Step 4: the server echoes the sent message; it must not duplicate.
	backend.push(t, models.Envelope{
		Type:           models.EventChat,
		ID:             "m100",
		SenderID:       testAlice.ID,
		ConversationID: "c1",
		Content:        "hi bob",
		Timestamp:      time.Now(),
	})
	backend.push(t, models.Envelope{
		Type:           models.EventChat,
		ID:             "m101",
		SenderID:       testBob.ID,
		ConversationID: "c1",
		Content:        "hi alice",
		Timestamp:      time.Now(),
	})
	eventually(t, func() bool { return len(m.Messages()) == 2 }, "peer message never arrived")

	msgs = m.Messages()
	assert.Equal(t, "m100", msgs[0].ID)
	assert.Equal(t, "m101", msgs[1].ID)
	assert.True(t, msgs[1].ReadByUser(testAlice.ID), "inbound message should be marked read locally")

	// The open screen acknowledges the inbound message with a read
	// receipt over the push channel.
	eventually(t, func() bool {
		for _, env := range backend.receivedEnvelopes() {
			if env.Type == models.EventReadReceipt && env.ID == "m101" {
				return true
			}
		}
		return false
	}, "read receipt never reached the server")

	// Step 5: typing events surface on the open screen and expire state
	// is managed per actor.
	backend.push(t, models.Envelope{
		Type:           models.EventTyping,
		SenderID:       testBob.ID,
		ConversationID: "c1",
		Timestamp:      time.Now(),
	})
	eventually(t, func() bool { return len(m.Typists()) == 1 }, "typing indicator never appeared")
	assert.Equal(t, []string{testBob.ID}, m.Typists())
	assert.Equal(t, "Bob is typing", a.typingLine(ctx, m))

	backend.push(t, models.Envelope{
		Type:           models.EventStopTyping,
		SenderID:       testBob.ID,
		ConversationID: "c1",
		Timestamp:      time.Now(),
	})
	eventually(t, func() bool { return len(m.Typists()) == 0 }, "typing indicator never cleared")

	// Step 6: the timeline carries cluster flags.
	timeline := m.Timeline()
	require.Len(t, timeline, 2)
	assert.True(t, timeline[0].IsClusterStart)
	assert.True(t, timeline[1].IsClusterEnd)

	a.closeConversation(m)

	// A send after teardown must fail instead of firing a request.
	require.ErrorIs(t, m.Send(ctx, "too late"), models.ErrClosed)

	// Step 7: accept the pending request from the inbox; the row becomes
	// a conversation.
	require.NoError(t, a.inbox.AcceptRequest(ctx, "r1"))
	var accepted bool
	for _, it := range a.inbox.Items() {
		if it.Kind == models.InboxConversation && it.ID() == "c2" {
			accepted = true
		}
		require.NotEqual(t, models.InboxMessageRequest, it.Kind)
	}
	assert.True(t, accepted, "accepted request should appear as conversation")

	// Step 8: following the peer publishes the new status to subscribers.
	var published []models.FollowStatus
	unsub := a.follows.Subscribe(testBob.ID, func(st models.FollowStatus) {
		published = append(published, st)
	})
	defer unsub()
	require.NoError(t, a.setFollowing(ctx, testBob.ID, true))
	require.NotEmpty(t, published)
	assert.True(t, published[len(published)-1].Following)

	backend.mu.Lock()
	directs := backend.directs
	backend.mu.Unlock()
	assert.Equal(t, 1, directs, "exactly one send-or-create call expected")
}
