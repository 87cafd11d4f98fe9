package models

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrClosed       = errors.New("closed")
	ErrNotConnected = errors.New("not connected")
)

// tempIDPrefix marks locally-created messages that have not been
// confirmed by the server yet.
const tempIDPrefix = "temp-"

// NewTempID returns a fresh temporary message id.
func NewTempID() string {
	return tempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a locally-assigned temporary id.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// UserSummary is the projection of a user carried inside messages,
// participants and requests.
type UserSummary struct {
	ID          string `json:"id"`
	UserName    string `json:"userName"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "ADMIN"
	RoleMember ParticipantRole = "MEMBER"
)

type Participant struct {
	User     UserSummary     `json:"user"`
	Role     ParticipantRole `json:"role"`
	JoinedAt time.Time       `json:"joinedAt"`
	LeftAt   *time.Time      `json:"leftAt,omitempty"`
}

type ConversationKind string

const (
	KindDirect ConversationKind = "DIRECT"
	KindGroup  ConversationKind = "GROUP"
)

// Conversation is an established server-side conversation record.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	AvatarURL    string           `json:"avatarUrl,omitempty"`
	Participants []Participant    `json:"participants"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// Peer returns the single participant other than selfID. It is only
// meaningful for DIRECT conversations; for groups ok is false.
func (c *Conversation) Peer(selfID string) (UserSummary, bool) {
	if c.Kind != KindDirect {
		return UserSummary{}, false
	}
	for _, p := range c.Participants {
		if p.User.ID != selfID {
			return p.User, true
		}
	}
	return UserSummary{}, false
}

// ActivityTime is the ordering key for inbox display.
func (c *Conversation) ActivityTime() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

// Message is a single timeline entry. Locally-created messages carry a
// temporary id until the server response or echo event replaces it.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId,omitempty"`
	Sender         UserSummary `json:"sender"`
	Content        string      `json:"content"`
	ReadBy         []string    `json:"readBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsDeleted      bool        `json:"isDeleted,omitempty"`
}

// ReadByUser reports whether userID appears in the message's reader set.
func (m *Message) ReadByUser(userID string) bool {
	for _, r := range m.ReadBy {
		if r == userID {
			return true
		}
	}
	return false
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestAccepted RequestStatus = "ACCEPTED"
	RequestRejected RequestStatus = "REJECTED"
	RequestIgnored  RequestStatus = "IGNORED"
)

// MessageRequest is a not-yet-accepted direct thread. The server creates
// it implicitly when a message is sent to a non-mutual-follow peer.
type MessageRequest struct {
	ID           string        `json:"id"`
	Sender       UserSummary   `json:"sender"`
	Receiver     UserSummary   `json:"receiver"`
	Status       RequestStatus `json:"status"`
	FirstMessage *Message      `json:"firstMessage,omitempty"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

func (r *MessageRequest) ActivityTime() time.Time {
	if r.LastMessage != nil {
		return r.LastMessage.CreatedAt
	}
	return r.CreatedAt
}

type InboxItemKind string

const (
	InboxConversation   InboxItemKind = "CONVERSATION"
	InboxMessageRequest InboxItemKind = "MESSAGE_REQUEST"
)

// InboxItem is the tagged union displayed in the inbox list. Exactly one
// of Conversation/Request is set, according to Kind.
type InboxItem struct {
	Kind         InboxItemKind   `json:"kind"`
	Conversation *Conversation   `json:"conversation,omitempty"`
	Request      *MessageRequest `json:"messageRequest,omitempty"`
}

// ID returns the id of the wrapped entity. A conversation and a request
// with colliding ids are still distinct inbox items (see DedupKey).
func (it *InboxItem) ID() string {
	switch it.Kind {
	case InboxConversation:
		if it.Conversation != nil {
			return it.Conversation.ID
		}
	case InboxMessageRequest:
		if it.Request != nil {
			return it.Request.ID
		}
	}
	return ""
}

// DedupKey qualifies the entity id with the item kind.
func (it *InboxItem) DedupKey() string {
	return string(it.Kind) + ":" + it.ID()
}

func (it *InboxItem) ActivityTime() time.Time {
	switch it.Kind {
	case InboxConversation:
		if it.Conversation != nil {
			return it.Conversation.ActivityTime()
		}
	case InboxMessageRequest:
		if it.Request != nil {
			return it.Request.ActivityTime()
		}
	}
	return time.Time{}
}

// UnreadCount derives the unread indicator for an inbox row. The server
// keeps no per-row counter; the only derivable signal is whether the last
// message is from someone else and unread by selfID.
func (it *InboxItem) UnreadCount(selfID string) int {
	switch it.Kind {
	case InboxConversation:
		c := it.Conversation
		if c == nil || c.LastMessage == nil {
			return 0
		}
		if c.LastMessage.Sender.ID == selfID || c.LastMessage.ReadByUser(selfID) {
			return 0
		}
		return 1
	case InboxMessageRequest:
		r := it.Request
		if r == nil || r.Status != RequestPending || r.Sender.ID == selfID {
			return 0
		}
		return 1
	}
	return 0
}

type EventType string

const (
	EventChat        EventType = "CHAT"
	EventTyping      EventType = "TYPING"
	EventStopTyping  EventType = "STOP_TYPING"
	EventReadReceipt EventType = "READ_RECEIPT"
)

// Envelope is the wire shape of inbound and outbound push events. For
// READ_RECEIPT events ID carries the id of the message that was read and
// SenderID the reader.
type Envelope struct {
	Type           EventType `json:"type"`
	ID             string    `json:"id,omitempty"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Content        string    `json:"content,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// InboxPage is one page of the cursor-paginated inbox listing.
type InboxPage struct {
	Items      []InboxItem `json:"items"`
	NextCursor string      `json:"nextCursor,omitempty"`
	HasMore    bool        `json:"hasMore"`
}

// MessagePage is one page of a conversation's message history.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

// ConversationPage is a conversation record together with its initial
// message page.
type ConversationPage struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	NextCursor   string       `json:"nextCursor,omitempty"`
	HasMore      bool         `json:"hasMore"`
}

// FollowStatus is the relationship between the current user and a peer.
type FollowStatus struct {
	Following  bool `json:"following"`
	FollowedBy bool `json:"followedBy"`
}
