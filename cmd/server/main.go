package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"go-roleplay/internal/activity"
	"go-roleplay/internal/chat"
	"go-roleplay/internal/config"
	"go-roleplay/internal/db"
	"go-roleplay/internal/feed"
	"go-roleplay/internal/history"
	"go-roleplay/internal/id"
	"go-roleplay/internal/logger"
	"go-roleplay/internal/membership"
	myMiddleware "go-roleplay/internal/middleware"
	"go-roleplay/internal/notify"
	"go-roleplay/internal/telemetry"
	"go-roleplay/internal/user"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config, telemetry, logging
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tel, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		return err
	}
	if tel != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				slog.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}
	logger.Setup(cfg)

	if err := id.Init(cfg.NodeID); err != nil {
		return err
	}

	// 2. Database
	database, err := db.NewDatabase(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close()
	slog.Info("connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	slog.Info("database schema initialized")

	// 3. Change feed
	changeFeed, closeFeed, err := newFeed(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeFeed()

	// 4. Features
	users := user.NewRepository(database.Pool)
	tokens := user.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	conversations := membership.NewResolver(membership.Conversations(database.Pool), membership.WithTimeout(cfg.Subscriber.ResolverTimeout))
	topics := membership.NewResolver(membership.Topics(database.Pool), membership.WithTimeout(cfg.Subscriber.ResolverTimeout))
	activityStore := activity.NewPGStore(database.Pool)
	items := history.NewPGStore(database.Pool)

	activityConfig := activity.Config{
		PollInterval: cfg.Activity.PollInterval,
		ListLimit:    cfg.Activity.ListLimit,
	}

	hub := chat.NewHub(items, changeFeed)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	chatHandler := chat.NewHandler(hub, chat.Services{
		Feed:             changeFeed,
		Conversations:    conversations,
		Topics:           topics,
		Personas:         users,
		Activity:         activityStore,
		Cursors:          users,
		Items:            items,
		ActivityConfig:   activityConfig,
		HistoryBatchSize: cfg.History.BatchSize,
		SubscriberConfig: notify.Config{
			NotificationBuffer:     cfg.Subscriber.NotificationBuffer,
			RegisterMaxTries:       cfg.Subscriber.RegisterMaxTries,
			RegisterInitialBackoff: cfg.Subscriber.RegisterInitialBackoff,
			RegisterMaxBackoff:     cfg.Subscriber.RegisterMaxBackoff,
		},
	}, cfg.AllowedOrigins)
	activityHandler := activity.NewHandler(activityStore, users, activityConfig)
	historyHandler := history.NewHandler(items, users, conversations, topics, cfg.History.BatchSize)
	userHandler := user.NewHandler(users)

	authMiddleware := myMiddleware.NewAuthMiddleware(tokens)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/ws/schema", chatHandler.Schema)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/ws", chatHandler.ServeWs)

		r.Get("/api/me", userHandler.Me)
		r.Get("/api/activity", activityHandler.List)
		r.Get("/api/activity/unread", activityHandler.Unread)
		r.Post("/api/activity/read", activityHandler.MarkRead)
		r.Get("/api/{kind}/{id}/items", historyHandler.Items)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr, "env", cfg.Env, "feed", cfg.Feed.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	// Hijacked websocket connections are closed by the hub.
	stop()
	<-hubDone
	return nil
}

// newFeed builds the configured change feed and a func that releases it.
func newFeed(ctx context.Context, cfg config.Config) (feed.Feed, func(), error) {
	if cfg.Feed.Driver == config.FeedDriverMemory {
		slog.Warn("using in-process change feed; notifications stay on this node")
		f := feed.NewMemoryFeed()
		return f, func() { _ = f.Close() }, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	slog.Info("connected to Redis")

	f := feed.NewRedisFeed(client, cfg.Feed.ChannelPrefix)
	return f, func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := f.Close(closeCtx); err != nil {
			slog.Warn("closing change feed failed", "error", err)
		}
		client.Close()
	}, nil
}
