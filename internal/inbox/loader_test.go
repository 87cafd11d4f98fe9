package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"molva/internal/models"
)

type fakeAPI struct {
	mu    sync.Mutex
	pages map[string]models.InboxPage
	err   error
	block chan struct{}
	calls int

	accepted models.Conversation
}

func (f *fakeAPI) ListInbox(_ context.Context, cursor string, limit int) (models.InboxPage, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.InboxPage{}, f.err
	}
	return f.pages[cursor], nil
}

func (f *fakeAPI) AcceptRequest(_ context.Context, requestID string) (models.Conversation, error) {
	return f.accepted, nil
}

func (f *fakeAPI) RejectRequest(_ context.Context, requestID string) error { return nil }
func (f *fakeAPI) IgnoreRequest(_ context.Context, requestID string) error { return nil }

func at(sec int) time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func convItem(id string, sec int) models.InboxItem {
	return models.InboxItem{
		Kind: models.InboxConversation,
		Conversation: &models.Conversation{
			ID:   id,
			Kind: models.KindDirect,
			LastMessage: &models.Message{
				ID:        "last-" + id,
				Sender:    models.UserSummary{ID: "peer"},
				CreatedAt: at(sec),
			},
			CreatedAt: at(0),
		},
	}
}

func reqItem(id string, sec int) models.InboxItem {
	return models.InboxItem{
		Kind: models.InboxMessageRequest,
		Request: &models.MessageRequest{
			ID:        id,
			Status:    models.RequestPending,
			Sender:    models.UserSummary{ID: "peer"},
			Receiver:  models.UserSummary{ID: "me"},
			CreatedAt: at(sec),
		},
	}
}

func keys(items []models.InboxItem) []string {
	out := make([]string, len(items))
	for i := range items {
		out[i] = items[i].DedupKey()
	}
	return out
}

func TestLoader_RefreshAndLoadMore(t *testing.T) {
	api := &fakeAPI{pages: map[string]models.InboxPage{
		"": {
			Items:      []models.InboxItem{convItem("c1", 100), reqItem("r1", 90)},
			NextCursor: "p2",
			HasMore:    true,
		},
		"p2": {
			Items: []models.InboxItem{convItem("c1", 100), convItem("c2", 80)},
		},
	}}
	l := NewLoader(Config{SelfID: "me", API: api})

	if err := l.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if !l.HasMore() {
		t.Fatal("expected more pages")
	}

	if err := l.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore failed: %v", err)
	}

	got := keys(l.Items())
	want := []string{"CONVERSATION:c1", "MESSAGE_REQUEST:r1", "CONVERSATION:c2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if l.HasMore() {
		t.Error("no more pages expected")
	}

	// Exhausted: further calls issue no request.
	calls := api.calls
	_ = l.LoadMore(context.Background())
	if api.calls != calls {
		t.Error("LoadMore should be a no-op when hasMore is false")
	}
}

func TestLoader_LoadMoreSingleFlight(t *testing.T) {
	api := &fakeAPI{
		pages: map[string]models.InboxPage{
			"":   {Items: []models.InboxItem{convItem("c1", 10)}, NextCursor: "p2", HasMore: true},
			"p2": {Items: []models.InboxItem{convItem("c2", 5)}},
		},
	}
	l := NewLoader(Config{SelfID: "me", API: api})
	if err := l.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	api.block = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- l.LoadMore(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for !l.IsLoadingMore() {
		if time.Now().After(deadline) {
			t.Fatal("first LoadMore never started")
		}
		time.Sleep(time.Millisecond)
	}

	// Second call while the first is in flight: no request, items
	// unchanged.
	if err := l.LoadMore(context.Background()); err != nil {
		t.Fatalf("concurrent LoadMore errored: %v", err)
	}
	if n := len(l.Items()); n != 1 {
		t.Errorf("items changed during in-flight load: %d", n)
	}

	close(api.block)
	if err := <-done; err != nil {
		t.Fatalf("LoadMore failed: %v", err)
	}
	if api.calls != 2 { // refresh + one page
		t.Errorf("expected 2 requests, got %d", api.calls)
	}
	if n := len(l.Items()); n != 2 {
		t.Errorf("expected 2 items after load, got %d", n)
	}
}

func TestLoader_ErrorKeepsItems(t *testing.T) {
	api := &fakeAPI{pages: map[string]models.InboxPage{
		"": {Items: []models.InboxItem{convItem("c1", 10)}},
	}}
	l := NewLoader(Config{SelfID: "me", API: api})
	_ = l.Refresh(context.Background())

	api.mu.Lock()
	api.err = errors.New("boom")
	api.mu.Unlock()

	if err := l.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if len(l.Items()) != 1 {
		t.Error("error must not mutate items")
	}
	if l.IsLoading() {
		t.Error("loading flag not reset after failure")
	}
}

func TestLoader_RequestIDNeverCollidesWithConversation(t *testing.T) {
	// Same raw id wrapped by both kinds stays two rows.
	api := &fakeAPI{pages: map[string]models.InboxPage{
		"": {Items: []models.InboxItem{convItem("x", 10), reqItem("x", 5)}},
	}}
	l := NewLoader(Config{SelfID: "me", API: api})
	_ = l.Refresh(context.Background())

	if n := len(l.Items()); n != 2 {
		t.Errorf("expected 2 items, got %d", n)
	}
}

func TestLoader_HandleEventBumpsRow(t *testing.T) {
	api := &fakeAPI{pages: map[string]models.InboxPage{
		"": {Items: []models.InboxItem{convItem("c1", 100), convItem("c2", 50)}},
	}}
	l := NewLoader(Config{SelfID: "me", API: api})
	_ = l.Refresh(context.Background())

	known := l.HandleEvent(models.Envelope{
		Type:           models.EventChat,
		ID:             "m9",
		SenderID:       "peer",
		ConversationID: "c2",
		Content:        "new",
		Timestamp:      at(200),
	})
	if !known {
		t.Fatal("event for a listed conversation should be handled")
	}

	items := l.Items()
	if items[0].ID() != "c2" {
		t.Errorf("bumped row should be first, got %v", keys(items))
	}
	if items[0].Conversation.LastMessage.ID != "m9" {
		t.Error("last message not updated")
	}
	if items[0].UnreadCount("me") != 1 {
		t.Error("bumped row should be unread")
	}

	if l.HandleEvent(models.Envelope{Type: models.EventChat, ID: "m1", SenderID: "p", ConversationID: "nope", Timestamp: at(1)}) {
		t.Error("unknown conversation should report stale")
	}

	// A chat into a brand-new pending thread carries no conversation id;
	// only a refresh can surface the new request row.
	if l.HandleEvent(models.Envelope{Type: models.EventChat, ID: "m2", SenderID: "p", Timestamp: at(2)}) {
		t.Error("conversation-less chat should report stale")
	}

	if !l.HandleEvent(models.Envelope{Type: models.EventTyping, SenderID: "p", Timestamp: at(3)}) {
		t.Error("non-chat events never invalidate the list")
	}
}

func TestLoader_MarkRead(t *testing.T) {
	api := &fakeAPI{pages: map[string]models.InboxPage{
		"": {Items: []models.InboxItem{convItem("c1", 10)}},
	}}
	l := NewLoader(Config{SelfID: "me", API: api})
	_ = l.Refresh(context.Background())

	items := l.Items()
	if items[0].UnreadCount("me") != 1 {
		t.Fatal("row should start unread")
	}

	l.MarkRead("c1")
	items = l.Items()
	if items[0].UnreadCount("me") != 0 {
		t.Error("MarkRead should clear the unread indicator")
	}
}

func TestLoader_RequestLifecycle(t *testing.T) {
	api := &fakeAPI{
		pages: map[string]models.InboxPage{
			"": {Items: []models.InboxItem{reqItem("r1", 10), reqItem("r2", 5)}},
		},
		accepted: models.Conversation{ID: "c-new", Kind: models.KindDirect, CreatedAt: at(20)},
	}
	l := NewLoader(Config{SelfID: "me", API: api})
	_ = l.Refresh(context.Background())

	if err := l.AcceptRequest(context.Background(), "r1"); err != nil {
		t.Fatalf("AcceptRequest failed: %v", err)
	}
	items := l.Items()
	if items[0].Kind != models.InboxConversation || items[0].ID() != "c-new" {
		t.Errorf("accepted request should become a conversation row: %v", keys(items))
	}

	if err := l.RejectRequest(context.Background(), "r2"); err != nil {
		t.Fatalf("RejectRequest failed: %v", err)
	}
	if n := len(l.Items()); n != 1 {
		t.Errorf("rejected request should be removed, %d items left", n)
	}
}
