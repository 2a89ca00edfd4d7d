// Command push is the Web Push service: it keeps browser subscriptions and
// delivers notifications for users who have no open connection.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/hibiken/asynq"

	"github.com/convo/internal/logger"
	"github.com/convo/internal/push"
	"github.com/convo/internal/startup"
	redisstorage "github.com/convo/internal/storage/redis"
)

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger.SetPrefix("push")
	if len(os.Args) > 1 && (os.Args[1] == "-gen-vapid" || os.Args[1] == "--gen-vapid") {
		priv, pub, err := webpush.GenerateVAPIDKeys()
		if err != nil {
			logger.Errorf("generate VAPID: %v", err)
			os.Exit(1)
		}
		logger.Infof("VAPID_PUBLIC_KEY=%s", pub)
		logger.Infof("VAPID_PRIVATE_KEY=%s", priv)
		return
	}
	logger.SetLevel(logger.ParseLevel(os.Getenv("LOG_LEVEL")))
	logger.Info("starting push service")

	var store push.SubscriptionStore
	if url := os.Getenv("REDIS_URL"); url != "" {
		client := startup.ConnectRedisWithRetry(url, redisstorage.Options{}, 30*time.Second, "")
		defer client.Close()
		store = push.NewRedisStore(client.Raw())
		logger.Info("subscriptions: redis")
	} else {
		store = push.NewMemoryStore()
		logger.Info("subscriptions: in-process memory")
	}

	pushSrv := push.New(store, push.Config{
		PublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		PrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		KeysFile:   getEnv("VAPID_KEYS_FILE", push.DefaultKeysFile),
		Subscriber: getEnv("VAPID_SUBSCRIBER", "convo-push"),
	})

	// With Redis the api may enqueue notifications instead of calling /api/notify.
	if url := os.Getenv("REDIS_URL"); url != "" {
		worker, err := push.NewWorker(url, 0)
		if err != nil {
			logger.Errorf("push worker: %v", err)
			os.Exit(1)
		}
		mux := asynq.NewServeMux()
		mux.Handle(push.TaskNotify, pushSrv)
		if err := worker.Start(mux); err != nil {
			logger.Errorf("push worker start: %v", err)
			os.Exit(1)
		}
		defer worker.Shutdown()
		logger.Infof("push worker consuming queue %q", push.Queue)
	}

	addr := getEnv("SERVER_ADDR", ":8082")
	srv := &http.Server{
		Addr:         addr,
		Handler:      pushSrv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("push server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("push server: %v", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown: %v", err)
	}
	logger.Info("push server stopped")
}
