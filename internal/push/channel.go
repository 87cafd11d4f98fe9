package push

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"molva/internal/models"
)

// Conn is the subset of a websocket connection the channel needs.
// *websocket.Conn satisfies it; tests substitute a fake.
type Conn interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

// Channel is the process-wide push collaborator. Screen instances
// subscribe to inbound envelopes and send through it; they never touch
// the underlying connection state. Reconnection is owned by whoever
// calls Dial/SetConn, not by the subscribers.
type Channel struct {
	mu        sync.RWMutex
	conn      Conn
	connected bool
	gen       int

	nextSub   int
	subs      map[int]func(models.Envelope)
	stateSubs map[int]func(bool)

	writeMu sync.Mutex
}

func NewChannel() *Channel {
	return &Channel{
		subs:      make(map[int]func(models.Envelope)),
		stateSubs: make(map[int]func(bool)),
	}
}

// Dial connects to the push endpoint and installs the connection.
func (c *Channel) Dial(ctx context.Context, url, token string) error {
	header := http.Header{}
	header.Set("token", token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return err
	}

	c.SetConn(conn)
	return nil
}

// SetConn installs a live connection and starts its read pump. Any
// previous connection is closed first.
func (c *Channel) SetConn(conn Conn) {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.connected = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.notifyState(true)
	go c.readPump(conn, gen)
}

func (c *Channel) readPump(conn Conn, gen int) {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			// A newer connection may already be installed.
			stale := c.gen != gen
			if !stale {
				c.connected = false
				c.conn = nil
			}
			c.mu.Unlock()
			if !stale {
				slog.Warn("push channel disconnected", "error", err)
				c.notifyState(false)
			}
			return
		}
		c.fanout(env)
	}
}

func (c *Channel) fanout(env models.Envelope) {
	c.mu.RLock()
	fns := make([]func(models.Envelope), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(env)
	}
}

func (c *Channel) notifyState(connected bool) {
	c.mu.RLock()
	fns := make([]func(bool), 0, len(c.stateSubs))
	for _, fn := range c.stateSubs {
		fns = append(fns, fn)
	}
	c.mu.RUnlock()

	for _, fn := range fns {
		fn(connected)
	}
}

// Subscribe registers a consumer of inbound envelopes and returns its
// unsubscribe capability.
func (c *Channel) Subscribe(fn func(models.Envelope)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// SubscribeState registers a connectivity observer (used by the
// non-fatal connectivity banner).
func (c *Channel) SubscribeState(fn func(bool)) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.stateSubs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Channel) send(env models.Envelope) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return models.ErrNotConnected
	}

	// gorilla allows one concurrent writer.
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// SendChat sends a chat message. Exactly one of conversationID/receiverID
// is set: conversationID for established conversations, receiverID while
// the thread is still pending.
func (c *Channel) SendChat(conversationID, receiverID, body string) error {
	return c.send(models.Envelope{
		Type:           models.EventChat,
		ConversationID: conversationID,
		ReceiverID:     receiverID,
		Content:        body,
	})
}

// SendTyping announces that the current user is typing in channelID
// (a conversation id or, for pending threads, the peer's user id).
func (c *Channel) SendTyping(channelID string) error {
	return c.send(models.Envelope{
		Type:           models.EventTyping,
		ConversationID: channelID,
	})
}

func (c *Channel) SendStopTyping(channelID string) error {
	return c.send(models.Envelope{
		Type:           models.EventStopTyping,
		ConversationID: channelID,
	})
}

// SendReadReceipt notifies senderID that the current user read messageID.
func (c *Channel) SendReadReceipt(messageID, senderID string) error {
	return c.send(models.Envelope{
		Type:       models.EventReadReceipt,
		ID:         messageID,
		ReceiverID: senderID,
	})
}

func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
