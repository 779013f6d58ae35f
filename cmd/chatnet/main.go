package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tripchat/realtime/internal/chatnet"
	"github.com/tripchat/realtime/internal/config"
	"github.com/tripchat/realtime/internal/observability"
)

func main() {
	tokenFor := flag.String("token-for", "", "print a signed token for this user id and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of tokens printed by -token-for")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *tokenFor != "" {
		tok, err := chatnet.IssueToken(cfg.JWTSecret, *tokenFor, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(tok)
		return
	}

	observability.InitLogger("chatnet")
	log := observability.Log

	if cfg.TracingEnabled {
		tp, err := observability.InitTracer("chatnet", cfg.JaegerURL)
		if err != nil {
			log.Fatal("failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Error("failed to shutdown tracer provider", zap.Error(err))
			}
		}()
	}

	server := chatnet.NewServer(nil)
	srv := &http.Server{
		Addr: cfg.ChatNetAddr,
		Handler: chatnet.NewRouter(server, chatnet.RouterConfig{
			Secret:            cfg.JWTSecret,
			RateLimitRequests: cfg.ChatNetRateLimit,
			RateLimitWindow:   time.Minute,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("chat network listening", zap.String("addr", cfg.ChatNetAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, initiating shutdown", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("error during server shutdown", zap.Error(err))
	}
	server.Shutdown()
	log.Info("shutdown complete, exiting")
}
