package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convo/internal/auth"
	"github.com/convo/internal/chat"
	"github.com/convo/internal/config"
	"github.com/convo/internal/handler"
	"github.com/convo/internal/logger"
	"github.com/convo/internal/middleware"
	"github.com/convo/internal/push"
	"github.com/convo/internal/repository"
	"github.com/convo/internal/startup"
	"github.com/convo/internal/storage"
	"github.com/convo/internal/storage/memory"
	redisstorage "github.com/convo/internal/storage/redis"
	"github.com/convo/internal/ws"
	"github.com/convo/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL (no external DB required)")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.Info("starting conversation service")

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = startup.RunMigrations(migCtx, pool, migrations.Files)
	migCancel()
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	logger.Info("database connected, migrations applied")
	if *migrate && !*dev {
		return
	}

	store := repository.NewGateway(pool)
	eph := openEphemeral(cfg, *dev)
	defer func() {
		if err := eph.Close(); err != nil {
			logger.Errorf("ephemeral store close: %v", err)
		}
	}()

	verifier, err := newVerifier(cfg)
	if err != nil {
		logger.Errorf("auth: %v", err)
		os.Exit(1)
	}

	pushClient := push.NewClient(cfg.PushServiceURL)
	opts := chat.Options{
		OpTimeout:     cfg.Chat.OpTimeout,
		MaxContentLen: cfg.Chat.MaxContentLength,
	}
	switch {
	case !pushClient.Enabled():
		logger.Info("push: disabled")
	case cfg.PushTransport == "queue" && cfg.Redis.URL != "":
		queue, err := push.NewQueueNotifier(cfg.Redis.URL)
		if err != nil {
			logger.Errorf("push queue: %v", err)
			os.Exit(1)
		}
		defer queue.Close()
		opts.Push = queue
		logger.Info("push: queued via redis")
	default:
		opts.Push = pushClient
		logger.Infof("push: %s", cfg.PushServiceURL)
	}
	engine := chat.NewEngine(store, eph, opts)
	if err := engine.Start(context.Background()); err != nil {
		logger.Errorf("engine start: %v", err)
		os.Exit(1)
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(engine, ws.Options{
		MaxConnections: cfg.WS.MaxConnections,
		SendBuffer:     cfg.WS.SendBufferSize,
		InboundQueue:   cfg.WS.InboundQueue,
		MaxMessageSize: int64(cfg.WS.MaxMessageSize),
		WriteWait:      time.Duration(cfg.WS.WriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.WS.PongTimeout) * time.Second,
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	convH := handler.NewConversationHandler(engine, cfg.Chat)
	msgH := handler.NewMessageHandler(engine)
	userH := handler.NewUserHandler(engine)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg, pushClient)
	pushH := handler.NewPushHandler(pushClient)
	internalH := handler.NewInternalHandler(hub)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Compression would hide http.Hijacker from the websocket upgrade.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/client", configH.GetClientConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.InternalOnly(cfg.InternalSecret))
		r.Get("/internal/stats", internalH.Stats)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier))
		r.Use(middleware.RateLimit(cfg.APIRatePerIP, cfg.APIRatePerUser, time.Minute))
		r.Get("/api/users/me", userH.GetProfile)
		r.Get("/api/users/{id}", userH.GetUser)
		r.Get("/api/presence", userH.GetPresence)
		r.Get("/api/conversations", convH.ListConversations)
		r.Get("/api/conversations/{id}/messages", convH.GetMessages)
		r.Get("/api/conversations/{id}/unread", convH.GetUnread)
		r.Get("/api/conversations/{id}/typing", convH.GetTyping)
		r.Get("/api/messages/{id}/edits", msgH.GetEdits)
		r.Get("/api/messages/{id}/receipts", msgH.GetReceipts)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	// The handshake authenticates once; the socket is not rate limited per request.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(verifier))
		r.Get("/ws", wsH.ServeWS)
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	engine.Stop()
	logger.Info("engine stopped")
	srvWg.Wait()
}

// openEphemeral picks Redis when configured and falls back to process memory.
// Dev mode starts from an empty Redis database.
func openEphemeral(cfg *config.Config, dev bool) storage.Ephemeral {
	if cfg.Redis.URL == "" {
		logger.Info("ephemeral store: in-process memory")
		return memory.NewEphemeral(cfg.Chat.TypingTTL, cfg.Chat.CommandRateWindow, cfg.Chat.CommandRateMax)
	}
	client := startup.ConnectRedisWithRetry(cfg.Redis.URL, redisstorage.Options{
		TypingTTL:  cfg.Chat.TypingTTL,
		RateWindow: cfg.Chat.CommandRateWindow,
		RateMax:    cfg.Chat.CommandRateMax,
	}, 30*time.Second, "")
	if dev {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.FlushDB(ctx); err != nil {
			logger.Warnf("redis flush: %v", err)
		}
		cancel()
	}
	logger.Info("ephemeral store: redis")
	return client
}

func newVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch {
	case cfg.Auth.JWTSecret != "":
		return auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer), nil
	case cfg.Auth.ServiceURL != "":
		return auth.NewRemoteVerifier(cfg.Auth.ServiceURL, nil), nil
	default:
		return nil, fmt.Errorf("set AUTH_JWT_SECRET or AUTH_SERVICE_URL")
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "convo"
		password = "convo_secret"
		database = "convo"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
