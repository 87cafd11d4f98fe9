package cache

import (
	"encoding"
	"encoding/binary"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"molva/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBUserRef is the cached projection of a user summary.
type DBUserRef struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
}

func toUserRef(u models.UserSummary) DBUserRef {
	return DBUserRef{ID: u.ID, UserName: u.UserName, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL}
}

func (r DBUserRef) toModel() models.UserSummary {
	return models.UserSummary{ID: r.ID, UserName: r.UserName, DisplayName: r.DisplayName, AvatarURL: r.AvatarURL}
}

// DBMessage is a cached timeline entry.
type DBMessage struct {
	ID             string    `msgpack:"id"`
	ConversationID string    `msgpack:"conversationId"`
	Sender         DBUserRef `msgpack:"sender"`
	Content        string    `msgpack:"content"`
	ReadBy         []string  `msgpack:"readBy"`
	CreatedAt      int64     `msgpack:"createdAt"` // Unix nanoseconds
	IsDeleted      bool      `msgpack:"isDeleted"`
}

func toDBMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         toUserRef(m.Sender),
		Content:        m.Content,
		ReadBy:         m.ReadBy,
		CreatedAt:      m.CreatedAt.UnixNano(),
		IsDeleted:      m.IsDeleted,
	}
}

func (m *DBMessage) toModel() models.Message {
	return models.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Sender:         m.Sender.toModel(),
		Content:        m.Content,
		ReadBy:         m.ReadBy,
		CreatedAt:      time.Unix(0, m.CreatedAt),
		IsDeleted:      m.IsDeleted,
	}
}

// Key orders messages by creation time with the id as a tiebreaker.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAt))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBInboxEntry is a cached inbox row: enough of the wrapped conversation
// or message request to render the list offline. Participants are not
// cached; the full record is re-fetched when the row is opened.
type DBInboxEntry struct {
	Pos       int64     `msgpack:"pos"` // position in the listed order
	Kind      string    `msgpack:"kind"`
	ID        string    `msgpack:"id"`
	ConvKind  string    `msgpack:"convKind,omitempty"`
	Name      string    `msgpack:"name,omitempty"`
	AvatarURL string    `msgpack:"avatarUrl,omitempty"`
	Status    string    `msgpack:"status,omitempty"`
	Sender    DBUserRef `msgpack:"sender,omitempty"`
	Receiver  DBUserRef `msgpack:"receiver,omitempty"`
	HasLast   bool      `msgpack:"hasLast"`
	Last      DBMessage `msgpack:"last,omitempty"`
	CreatedAt int64     `msgpack:"createdAt"`
}

func toDBInboxEntry(pos int, it models.InboxItem) DBInboxEntry {
	e := DBInboxEntry{
		Pos:  int64(pos),
		Kind: string(it.Kind),
		ID:   it.ID(),
	}
	switch {
	case it.Kind == models.InboxConversation && it.Conversation != nil:
		c := it.Conversation
		e.ConvKind = string(c.Kind)
		e.Name = c.Name
		e.AvatarURL = c.AvatarURL
		e.CreatedAt = c.CreatedAt.UnixNano()
		if c.LastMessage != nil {
			e.HasLast = true
			e.Last = toDBMessage(*c.LastMessage)
		}
	case it.Kind == models.InboxMessageRequest && it.Request != nil:
		r := it.Request
		e.Status = string(r.Status)
		e.Sender = toUserRef(r.Sender)
		e.Receiver = toUserRef(r.Receiver)
		e.CreatedAt = r.CreatedAt.UnixNano()
		if r.LastMessage != nil {
			e.HasLast = true
			e.Last = toDBMessage(*r.LastMessage)
		}
	}
	return e
}

func (e *DBInboxEntry) toModel() models.InboxItem {
	var last *models.Message
	if e.HasLast {
		m := e.Last.toModel()
		last = &m
	}

	switch models.InboxItemKind(e.Kind) {
	case models.InboxMessageRequest:
		return models.InboxItem{
			Kind: models.InboxMessageRequest,
			Request: &models.MessageRequest{
				ID:          e.ID,
				Sender:      e.Sender.toModel(),
				Receiver:    e.Receiver.toModel(),
				Status:      models.RequestStatus(e.Status),
				LastMessage: last,
				CreatedAt:   time.Unix(0, e.CreatedAt),
			},
		}
	default:
		return models.InboxItem{
			Kind: models.InboxConversation,
			Conversation: &models.Conversation{
				ID:          e.ID,
				Kind:        models.ConversationKind(e.ConvKind),
				Name:        e.Name,
				AvatarURL:   e.AvatarURL,
				LastMessage: last,
				CreatedAt:   time.Unix(0, e.CreatedAt),
			},
		}
	}
}

func (e *DBInboxEntry) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(e.Pos))
	return key
}

func (e *DBInboxEntry) MarshalBinary() (data []byte, err error) {
	type alias DBInboxEntry
	return msgpack.Marshal((*alias)(e))
}

func (e *DBInboxEntry) UnmarshalBinary(data []byte) error {
	type alias DBInboxEntry
	return msgpack.Unmarshal(data, (*alias)(e))
}
