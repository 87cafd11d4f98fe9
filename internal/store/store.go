package store

import (
	"context"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"molva/internal/models"
)

// FollowStore is the explicit publish/subscribe replacement for a global
// mutable follow-status cache: UI bindings subscribe to a peer's status
// and read consistent snapshots instead of polling.
type FollowStore struct {
	mu       sync.RWMutex
	statuses geche.Geche[string, models.FollowStatus]
	subs     map[string]map[int]func(models.FollowStatus)
	nextSub  int
}

func NewFollowStore() *FollowStore {
	return &FollowStore{
		statuses: geche.NewMapCache[string, models.FollowStatus](),
		subs:     make(map[string]map[int]func(models.FollowStatus)),
	}
}

// Get returns the last published status for userID.
func (s *FollowStore) Get(userID string) (models.FollowStatus, bool) {
	st, err := s.statuses.Get(userID)
	if err != nil {
		return models.FollowStatus{}, false
	}
	return st, true
}

// Set publishes a new status to every subscriber of userID.
func (s *FollowStore) Set(userID string, st models.FollowStatus) {
	s.statuses.Set(userID, st)

	s.mu.RLock()
	fns := make([]func(models.FollowStatus), 0, len(s.subs[userID]))
	for _, fn := range s.subs[userID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(st)
	}
}

// Subscribe registers fn for updates to userID and returns its
// unsubscribe capability. The current value, if any, is delivered
// immediately.
func (s *FollowStore) Subscribe(userID string, fn func(models.FollowStatus)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	if s.subs[userID] == nil {
		s.subs[userID] = make(map[int]func(models.FollowStatus))
	}
	s.subs[userID][id] = fn
	s.mu.Unlock()

	if st, ok := s.Get(userID); ok {
		fn(st)
	}

	return func() {
		s.mu.Lock()
		delete(s.subs[userID], id)
		s.mu.Unlock()
	}
}

// ProfileCache is a TTL-bounded cache of user summaries backing display
// names in typing copy and inbox rows.
type ProfileCache struct {
	cache geche.Geche[string, models.UserSummary]
	fetch func(ctx context.Context, userID string) (models.UserSummary, error)
}

const profileTTL = 10 * time.Minute

func NewProfileCache(ctx context.Context, fetch func(ctx context.Context, userID string) (models.UserSummary, error)) *ProfileCache {
	return &ProfileCache{
		cache: geche.NewMapTTLCache[string, models.UserSummary](ctx, profileTTL, time.Minute),
		fetch: fetch,
	}
}

// Resolve returns the cached profile or fetches and caches it.
func (p *ProfileCache) Resolve(ctx context.Context, userID string) (models.UserSummary, error) {
	if u, err := p.cache.Get(userID); err == nil {
		return u, nil
	}

	u, err := p.fetch(ctx, userID)
	if err != nil {
		return models.UserSummary{}, err
	}
	p.cache.Set(userID, u)
	return u, nil
}

// DisplayNames maps actor ids to display names, falling back to the raw
// id when a profile cannot be resolved.
func (p *ProfileCache) DisplayNames(ctx context.Context, userIDs []string) []string {
	names := make([]string, len(userIDs))
	for i, id := range userIDs {
		if u, err := p.Resolve(ctx, id); err == nil && u.DisplayName != "" {
			names[i] = u.DisplayName
		} else {
			names[i] = id
		}
	}
	return names
}
