package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"molva/internal/models"
)

// API is the REST collaborator surface the loader consumes.
type API interface {
	ListInbox(ctx context.Context, cursor string, limit int) (models.InboxPage, error)
	AcceptRequest(ctx context.Context, requestID string) (models.Conversation, error)
	RejectRequest(ctx context.Context, requestID string) error
	IgnoreRequest(ctx context.Context, requestID string) error
}

// Snapshotter persists the inbox list for offline display.
type Snapshotter interface {
	SaveInbox(items []models.InboxItem) error
	LoadInbox() ([]models.InboxItem, error)
}

// Loader maintains the ordered, deduplicated inbox list (conversations
// and pending message requests) with cursor-based forward pagination.
type Loader struct {
	mu sync.Mutex

	selfID   string
	api      API
	cache    Snapshotter // optional
	pageSize int

	items       []models.InboxItem
	cursor      string
	hasMore     bool
	loading     bool
	loadingMore bool
}

type Config struct {
	SelfID   string
	API      API
	Cache    Snapshotter
	PageSize int
}

func NewLoader(cfg Config) *Loader {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &Loader{
		selfID:   cfg.SelfID,
		api:      cfg.API,
		cache:    cfg.Cache,
		pageSize: cfg.PageSize,
	}
}

// LoadCached fills the list from the offline snapshot, for display while
// the first refresh is in flight. It never fails hard.
func (l *Loader) LoadCached() {
	if l.cache == nil {
		return
	}
	items, err := l.cache.LoadInbox()
	if err != nil {
		slog.Warn("inbox snapshot load failed", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == 0 {
		l.items = items
	}
}

// Refresh resets the cursor and replaces the list with the first page.
// On error the previous items stay untouched.
func (l *Loader) Refresh(ctx context.Context) error {
	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return nil
	}
	l.loading = true
	l.mu.Unlock()

	page, err := l.api.ListInbox(ctx, "", l.pageSize)

	l.mu.Lock()
	l.loading = false
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("inbox refresh failed: %w", err)
	}
	l.items = dedupe(page.Items)
	l.cursor = page.NextCursor
	l.hasMore = page.HasMore
	items := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(items)
	return nil
}

// LoadMore fetches the next page and appends it, deduplicating by the
// wrapped entity's kind-qualified id. It is a no-op while a load is in
// flight or when no more pages exist.
func (l *Loader) LoadMore(ctx context.Context) error {
	l.mu.Lock()
	if !l.hasMore || l.loading || l.loadingMore {
		l.mu.Unlock()
		return nil
	}
	l.loadingMore = true
	cursor := l.cursor
	l.mu.Unlock()

	page, err := l.api.ListInbox(ctx, cursor, l.pageSize)

	l.mu.Lock()
	l.loadingMore = false
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("inbox page load failed: %w", err)
	}
	l.items = dedupe(append(l.items, page.Items...))
	l.cursor = page.NextCursor
	l.hasMore = page.HasMore
	items := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(items)
	return nil
}

// HandleEvent is the inbox refresher consumer of the push channel: a
// CHAT event bumps the matching row's last message and moves it to the
// top. It returns false when no row matched, meaning the list is stale
// and the caller should Refresh.
func (l *Loader) HandleEvent(env models.Envelope) bool {
	if env.Type != models.EventChat {
		return true
	}
	// A chat without a conversation id belongs to a brand-new pending
	// thread; no existing row can represent it.
	if env.ConversationID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		it := &l.items[i]
		if it.Kind != models.InboxConversation || it.Conversation == nil || it.Conversation.ID != env.ConversationID {
			continue
		}
		it.Conversation.LastMessage = &models.Message{
			ID:             env.ID,
			ConversationID: env.ConversationID,
			Sender:         models.UserSummary{ID: env.SenderID},
			Content:        env.Content,
			CreatedAt:      env.Timestamp,
		}
		sort.SliceStable(l.items, func(a, b int) bool {
			return l.items[a].ActivityTime().After(l.items[b].ActivityTime())
		})
		return true
	}
	return false
}

// MarkRead locally clears the unread indicator of a conversation row,
// called when its screen is opened.
func (l *Loader) MarkRead(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		it := &l.items[i]
		if it.Kind != models.InboxConversation || it.Conversation == nil || it.Conversation.ID != conversationID {
			continue
		}
		lm := it.Conversation.LastMessage
		if lm != nil && !lm.ReadByUser(l.selfID) {
			lm.ReadBy = append(lm.ReadBy, l.selfID)
		}
		return
	}
}

// AcceptRequest accepts a pending message request; the row becomes a
// conversation entry built from the server response.
func (l *Loader) AcceptRequest(ctx context.Context, requestID string) error {
	conv, err := l.api.AcceptRequest(ctx, requestID)
	if err != nil {
		return fmt.Errorf("accept request failed: %w", err)
	}

	l.mu.Lock()
	for i := range l.items {
		it := &l.items[i]
		if it.Kind == models.InboxMessageRequest && it.Request != nil && it.Request.ID == requestID {
			l.items[i] = models.InboxItem{Kind: models.InboxConversation, Conversation: &conv}
			break
		}
	}
	l.items = dedupe(l.items)
	items := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(items)
	return nil
}

func (l *Loader) RejectRequest(ctx context.Context, requestID string) error {
	if err := l.api.RejectRequest(ctx, requestID); err != nil {
		return fmt.Errorf("reject request failed: %w", err)
	}
	l.removeRequest(requestID)
	return nil
}

func (l *Loader) IgnoreRequest(ctx context.Context, requestID string) error {
	if err := l.api.IgnoreRequest(ctx, requestID); err != nil {
		return fmt.Errorf("ignore request failed: %w", err)
	}
	l.removeRequest(requestID)
	return nil
}

func (l *Loader) removeRequest(requestID string) {
	l.mu.Lock()
	for i := range l.items {
		it := &l.items[i]
		if it.Kind == models.InboxMessageRequest && it.Request != nil && it.Request.ID == requestID {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	items := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(items)
}

// Items returns a copy of the current list.
func (l *Loader) Items() []models.InboxItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Loader) snapshotLocked() []models.InboxItem {
	out := make([]models.InboxItem, len(l.items))
	copy(out, l.items)
	return out
}

func (l *Loader) HasMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasMore
}

func (l *Loader) IsLoading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

func (l *Loader) IsLoadingMore() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadingMore
}

func (l *Loader) persist(items []models.InboxItem) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SaveInbox(items); err != nil {
		slog.Warn("inbox snapshot save failed", "error", err)
	}
}

// dedupe keeps the first occurrence per kind-qualified id. A
// conversation and a request never collapse into each other even when
// their ids collide.
func dedupe(items []models.InboxItem) []models.InboxItem {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		key := it.DedupKey()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}
