package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/npezzotti/go-chatsync/internal/client"
	"github.com/npezzotti/go-chatsync/internal/config"
	"github.com/npezzotti/go-chatsync/internal/stats"
)

var (
	serverURL     string
	token         string
	userId        string
	typingTimeout time.Duration
	statsAddr     string
)

func main() {
	godotenv.Load()

	flag.StringVar(&serverURL, "server-url", envOr("CHATSYNC_SERVER_URL", "ws://localhost:3001/ws"), "chat server websocket url")
	flag.StringVar(&token, "token", os.Getenv("CHATSYNC_TOKEN"), "session token")
	flag.StringVar(&userId, "user-id", os.Getenv("CHATSYNC_USER_ID"), "local user id")
	flag.DurationVar(&typingTimeout, "typing-timeout", config.DefaultTypingTimeout, "typing indicator timeout")
	flag.StringVar(&statsAddr, "stats-addr", envOr("CHATSYNC_STATS_ADDR", "localhost:8001"), "debug stats listen address")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.NewConfig(serverURL, token, userId, typingTimeout, statsAddr)
	if err != nil {
		logger.Fatal("config: ", err)
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)

	syncClient, err := client.NewSyncClient(logger, cfg, statsUpdater)
	if err != nil {
		logger.Fatal("new sync client: ", err)
	}

	syncClient.Subscribe(func(topic string) {
		logger.WithField("topic", topic).Debug("state changed")
	})

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go syncClient.Run()

	srv := &http.Server{
		Addr:    cfg.StatsAddr,
		Handler: handlers.LoggingHandler(os.Stdout, mux),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	syncClient.Login(cfg.Token)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infof("received signal: %s", sig)
	case err := <-errCh:
		logger.Error("stats server: ", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatal("stats server shutdown: ", err)
	}

	if err := syncClient.Shutdown(shutDownCtx); err != nil {
		logger.Fatal("sync client shutdown: ", err)
	}

	logger.Info("shutdown complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
