package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tripchat/realtime/internal/config"
	"github.com/tripchat/realtime/internal/domain"
	"github.com/tripchat/realtime/internal/messenger"
	"github.com/tripchat/realtime/internal/netstatus"
	"github.com/tripchat/realtime/internal/notify"
	"github.com/tripchat/realtime/internal/observability"
	"github.com/tripchat/realtime/internal/offline"
	"github.com/tripchat/realtime/internal/provider"
	"github.com/tripchat/realtime/internal/ratelimit"
	"github.com/tripchat/realtime/internal/retry"
	"github.com/tripchat/realtime/internal/store"
	"github.com/tripchat/realtime/internal/store/memory"
	"github.com/tripchat/realtime/internal/store/postgres"
	"github.com/tripchat/realtime/internal/supervisor"
	"github.com/tripchat/realtime/internal/transport/wschannel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Observability
	observability.InitLogger(cfg.ServiceName)
	log := observability.Log

	if cfg.TracingEnabled {
		tp, err := observability.InitTracer(cfg.ServiceName, cfg.JaegerURL)
		if err != nil {
			log.Fatal("failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Error("failed to shutdown tracer provider", zap.Error(err))
			}
		}()
	}

	ctx, cancel := setupSignalHandler(log)
	defer cancel()

	monitor := netstatus.NewMonitor(true)
	if cfg.ProbeURL != "" {
		netstatus.NewProber(monitor, cfg.ProbeURL, cfg.ProbeInterval, cfg.ProbeFailureThreshold).Start(ctx)
	}

	st, feed, closeStore := initStore(ctx, cfg, log)
	defer closeStore()

	user := domain.User{ID: cfg.UserID, DisplayName: cfg.UserDisplayName, AvatarURL: cfg.UserAvatarURL}
	factory := initFactory(cfg, user, st, feed, monitor, log)

	journal := initJournal(cfg, log)
	notifier := notify.New(cfg.KafkaBrokers, cfg.KafkaTopic)

	mcfg := messenger.DefaultConfig(user)
	mcfg.RateLimit = cfg.SendRateLimit
	mcfg.RateWindow = cfg.SendRateWindow
	mcfg.OfflineMaxAttempts = cfg.OfflineMaxAttempts
	mcfg.Retry = retry.Policy{
		MaxRetries: cfg.RetryMaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Jitter:     cfg.RetryJitter,
	}
	m := messenger.New(mcfg, factory, initLimiter(ctx, cfg, log), journal, notifier, monitor)

	openConversations(ctx, m, cfg.Conversations, log)

	obsSrv := initObservabilityServer(cfg, monitor)
	go func() {
		log.Info("starting observability server", zap.String("addr", cfg.ObsHTTPAddr))
		if err := obsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observability server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	performGracefulShutdown(obsSrv, m, log)
}

func setupSignalHandler(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating shutdown", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func initStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, store.Feed, func()) {
	if cfg.StoreBackend == "memory" {
		st := memory.New(nil)
		return st, st, func() {}
	}

	repo, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	if err := postgres.Migrate(ctx, repo.DB); err != nil {
		log.Fatal("failed to migrate schema", zap.Error(err))
	}
	feed, err := postgres.NewFeed(cfg.DatabaseURL, repo)
	if err != nil {
		log.Fatal("failed to start change feed", zap.Error(err))
	}
	feed.Start(ctx)
	return repo, feed, func() {
		feed.Close()
		repo.Close()
	}
}

func initFactory(cfg *config.Config, user domain.User, st store.Store, feed store.Feed,
	monitor *netstatus.Monitor, log *zap.Logger) *provider.Factory {
	kinds, err := provider.ParseKinds(cfg.KindTable)
	if err != nil {
		log.Fatal("invalid conversation kind table", zap.Error(err))
	}

	opts := provider.Options{
		Network: monitor,
		Supervisor: supervisor.Config{
			BaseDelay:            cfg.ReconnectBaseDelay,
			MaxDelay:             cfg.ReconnectMaxDelay,
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		},
		BatchDelay: cfg.BatchDelay,
	}
	network := wschannel.Config{
		BaseURL:   cfg.ChatNetURL,
		Token:     cfg.ChatNetToken,
		SendRate:  cfg.ChatNetSendRate,
		SendBurst: cfg.ChatNetSendBurst,
		Timeout:   cfg.ChatNetTimeout,
	}

	factory, err := provider.NewFactory(kinds, map[provider.Kind]provider.Builder{
		provider.DirectStore: func(conv domain.Conversation) (provider.Provider, error) {
			return provider.NewDirectStore(conv, st, feed, opts), nil
		},
		provider.NetworkBacked: func(conv domain.Conversation) (provider.Provider, error) {
			return provider.NewNetwork(conv, user, network, opts), nil
		},
	})
	if err != nil {
		log.Fatal("failed to build provider factory", zap.Error(err))
	}
	return factory
}

func initJournal(cfg *config.Config, log *zap.Logger) offline.Journal {
	if cfg.OfflineJournalDir == "" {
		return offline.NewMemoryJournal()
	}
	j, err := offline.OpenPebbleJournal(cfg.OfflineJournalDir)
	if err != nil {
		log.Fatal("failed to open offline journal", zap.String("dir", cfg.OfflineJournalDir), zap.Error(err))
	}
	log.Info("offline journal opened", zap.String("dir", cfg.OfflineJournalDir), zap.Int("pending", j.Len()))
	return j
}

func initLimiter(ctx context.Context, cfg *config.Config, log *zap.Logger) ratelimit.Limiter {
	if cfg.RateLimitBackend == "memory" {
		return ratelimit.NewMemory(nil)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	return ratelimit.NewRedis(client, nil)
}

// openConversations subscribes to every id:kind pair and logs inbound batches.
func openConversations(ctx context.Context, m *messenger.Messenger, pairs []string, log *zap.Logger) {
	for _, pair := range pairs {
		id, kind, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" {
			log.Warn("skipping malformed conversation", zap.String("value", pair))
			continue
		}
		conv := domain.Conversation{ID: id, Kind: domain.ConversationKind(kind)}
		_, err := m.Subscribe(ctx, conv, func(evs []domain.Event) {
			for _, ev := range evs {
				log.Info("event received",
					zap.String("conversation", conv.String()),
					zap.String("type", string(ev.Type)),
					zap.String("message_id", ev.Message.ID))
			}
		})
		if err != nil {
			log.Error("failed to open conversation", zap.String("conversation", conv.String()), zap.Error(err))
			continue
		}
		log.Info("conversation opened", zap.String("conversation", conv.String()))
	}
}

func initObservabilityServer(cfg *config.Config, monitor *netstatus.Monitor) *http.Server {
	mux := chi.NewRouter()
	mux.Use(observability.MetricsMiddleware(cfg.ServiceName))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.Get("/health/live", observability.HealthLiveHandler)
	mux.Get("/health/ready", observability.HealthReadyHandler(monitor.Online))
	return &http.Server{Addr: cfg.ObsHTTPAddr, Handler: mux}
}

func performGracefulShutdown(obs *http.Server, m *messenger.Messenger, log *zap.Logger) {
	log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := obs.Shutdown(ctx); err != nil {
		log.Error("error during observability server shutdown", zap.Error(err))
	}
	if err := m.Shutdown(); err != nil {
		log.Error("error during messenger shutdown", zap.Error(err))
	}
	log.Info("shutdown complete, exiting")
}
