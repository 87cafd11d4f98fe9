package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"molva/internal/cache"
	"molva/internal/config"
	"molva/internal/conversation"
	"molva/internal/inbox"
	"molva/internal/models"
	"molva/internal/push"
	"molva/internal/rest"
	"molva/internal/router"
	"molva/internal/store"
	"molva/internal/typing"
)

// app wires the long-lived collaborators of the client: the REST API,
// the push channel, the offline cache and the inbox list. Conversation
// screens are opened and closed against it.
type app struct {
	cfg  *config.Config
	self models.UserSummary

	api      *rest.Client
	channel  *push.Channel
	cache    *cache.Store
	inbox    *inbox.Loader
	router   *router.Router
	follows  *store.FollowStore
	profiles *store.ProfileCache

	// closed when the push connection drops; run's supervisor redials.
	disconnected chan struct{}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	api := rest.NewClient(cfg.APIURL, cfg.Token)

	self, err := api.GetUser(ctx, cfg.UserID)
	if err != nil {
		return nil, err
	}

	offline, err := cache.NewStore(cfg.CacheFile)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:          cfg,
		self:         self,
		api:          api,
		channel:      push.NewChannel(),
		cache:        offline,
		router:       router.New(self.ID),
		follows:      store.NewFollowStore(),
		profiles:     store.NewProfileCache(ctx, api.GetUser),
		disconnected: make(chan struct{}, 1),
	}

	a.inbox = inbox.NewLoader(inbox.Config{
		SelfID:   self.ID,
		API:      api,
		Cache:    offline,
		PageSize: cfg.InboxPageSize,
	})

	a.channel.Subscribe(func(env models.Envelope) {
		a.router.Handle(env)
		if !a.inbox.HandleEvent(env) {
			if err := a.inbox.Refresh(ctx); err != nil {
				slog.Warn("inbox refresh after push event failed", "error", err)
			}
		}
	})

	a.channel.SubscribeState(func(connected bool) {
		if connected {
			return
		}
		select {
		case a.disconnected <- struct{}{}:
		default:
		}
	})

	return a, nil
}

// openConversation attaches a new screen instance for the given identity
// and loads its history. The previous screen, if any, must be closed
// first via closeConversation.
func (a *app) openConversation(ctx context.Context, id conversation.Identity) (*conversation.Machine, error) {
	m := conversation.New(conversation.Config{
		Self:          a.self,
		Identity:      id,
		API:           a.api,
		Sender:        a.channel,
		Cache:         a.cache,
		TypingExpiry:  a.cfg.TypingExpiry,
		ClusterWindow: a.cfg.ClusterWindow,
		PageSize:      a.cfg.InboxPageSize,
	})

	a.router.Attach(m)
	if err := m.Load(ctx); err != nil {
		a.router.Detach()
		m.Close()
		return nil, err
	}

	if convID := m.ConversationID(); convID != "" {
		a.inbox.MarkRead(convID)
	}
	return m, nil
}

func (a *app) closeConversation(m *conversation.Machine) {
	a.router.Detach()
	m.Close()
}

// typingLine renders the typing indicator copy for a screen, resolving
// actor ids to display names through the profile cache.
func (a *app) typingLine(ctx context.Context, m *conversation.Machine) string {
	return typing.Summary(a.profiles.DisplayNames(ctx, m.Typists()))
}

// setFollowing flips the follow relation on the server and publishes the
// result so any subscribed screen updates immediately.
func (a *app) setFollowing(ctx context.Context, userID string, following bool) error {
	var err error
	if following {
		err = a.api.Follow(ctx, userID)
	} else {
		err = a.api.Unfollow(ctx, userID)
	}
	if err != nil {
		return err
	}

	status, err := a.api.GetFollowStatus(ctx, userID)
	if err != nil {
		return err
	}
	a.follows.Set(userID, status)
	return nil
}

// connect keeps the push channel alive, redialing with backoff until the
// context is cancelled.
func (a *app) connect(ctx context.Context) error {
	backoff := time.Second
	for {
		err := a.channel.Dial(ctx, a.cfg.PushURL, a.cfg.Token)
		if err != nil {
			slog.Warn("push dial failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		slog.Info("push channel connected", "url", a.cfg.PushURL)
		backoff = time.Second

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.disconnected:
			slog.Warn("push channel disconnected, redialing")
		}
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.cache.Close() }()

	a.inbox.LoadCached()
	if err := a.inbox.Refresh(ctx); err != nil {
		slog.Warn("initial inbox refresh failed, showing cached list", "error", err)
	}
	slog.Info("inbox ready", "items", len(a.inbox.Items()), "user", a.self.ID)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.connect(gCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down")
		return a.channel.Close()
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
