package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"molva/internal/models"
)

// Client is the REST collaborator. It owns no UI-facing state; it is a
// pure data source invoked by the synchronization engine.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return models.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func pageQuery(cursor string, limit int) url.Values {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

// ListInbox returns one page of inbox items (conversations and pending
// message requests, most recent activity first).
func (c *Client) ListInbox(ctx context.Context, cursor string, limit int) (models.InboxPage, error) {
	var page models.InboxPage
	err := c.do(ctx, http.MethodGet, "/api/inbox", pageQuery(cursor, limit), nil, &page)
	return page, err
}

// GetConversation returns a conversation record with its initial message page.
func (c *Client) GetConversation(ctx context.Context, id string) (models.ConversationPage, error) {
	var page models.ConversationPage
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(id), nil, nil, &page)
	return page, err
}

// GetMessages returns one page of older messages for an established conversation.
func (c *Client) GetMessages(ctx context.Context, conversationID, cursor string, limit int) (models.MessagePage, error) {
	var page models.MessagePage
	err := c.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/messages",
		pageQuery(cursor, limit), nil, &page)
	return page, err
}

// SendDirectMessage is the send-or-create endpoint used while a thread is
// pending. The returned message carries a conversation id iff a
// conversation already (or now) exists.
func (c *Client) SendDirectMessage(ctx context.Context, peerID, body string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/api/messages/direct", nil, map[string]string{
		"receiverId": peerID,
		"content":    body,
	}, &msg)
	return msg, err
}

// SendMessage sends into an established conversation (REST fallback for
// when the push channel is down).
func (c *Client) SendMessage(ctx context.Context, conversationID, body string) (models.Message, error) {
	var msg models.Message
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/messages", nil,
		map[string]string{"content": body}, &msg)
	return msg, err
}

// GetPendingMessages loads a pending thread's history by its
// sender/receiver pair.
func (c *Client) GetPendingMessages(ctx context.Context, senderID, receiverID string) ([]models.Message, error) {
	q := url.Values{}
	q.Set("senderId", senderID)
	q.Set("receiverId", receiverID)
	var msgs []models.Message
	err := c.do(ctx, http.MethodGet, "/api/message-requests/messages", q, nil, &msgs)
	return msgs, err
}

// GetPendingMessagesByRequest loads a pending thread's history by request id.
func (c *Client) GetPendingMessagesByRequest(ctx context.Context, requestID string) ([]models.Message, error) {
	var msgs []models.Message
	err := c.do(ctx, http.MethodGet, "/api/message-requests/"+url.PathEscape(requestID)+"/messages", nil, nil, &msgs)
	return msgs, err
}

// AcceptRequest accepts a pending message request. The server responds
// with the established conversation.
func (c *Client) AcceptRequest(ctx context.Context, requestID string) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, http.MethodPost, "/api/message-requests/"+url.PathEscape(requestID)+"/accept", nil, nil, &conv)
	return conv, err
}

func (c *Client) RejectRequest(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/api/message-requests/"+url.PathEscape(requestID)+"/reject", nil, nil, nil)
}

func (c *Client) IgnoreRequest(ctx context.Context, requestID string) error {
	return c.do(ctx, http.MethodPost, "/api/message-requests/"+url.PathEscape(requestID)+"/ignore", nil, nil, nil)
}

// AddGroupMembers adds users to a group conversation and returns the
// updated conversation record.
func (c *Client) AddGroupMembers(ctx context.Context, conversationID string, userIDs []string) (models.Conversation, error) {
	var conv models.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/members", nil,
		map[string][]string{"userIds": userIDs}, &conv)
	return conv, err
}

func (c *Client) LeaveGroup(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(conversationID)+"/leave", nil, nil, nil)
}

func (c *Client) GetFollowStatus(ctx context.Context, userID string) (models.FollowStatus, error) {
	var st models.FollowStatus
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/follow-status", nil, nil, &st)
	return st, err
}

func (c *Client) Follow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/follow", nil, nil, nil)
}

func (c *Client) Unfollow(ctx context.Context, userID string) error {
	return c.do(ctx, http.MethodPost, "/api/users/"+url.PathEscape(userID)+"/unfollow", nil, nil, nil)
}

// GetUser resolves a user profile, used by the typing indicator copy and
// inbox rows.
func (c *Client) GetUser(ctx context.Context, userID string) (models.UserSummary, error) {
	var u models.UserSummary
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, nil, &u)
	return u, err
}
