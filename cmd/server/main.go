package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/gamebuddies/orchestrator/internal/auth"
	"github.com/gamebuddies/orchestrator/internal/cache"
	"github.com/gamebuddies/orchestrator/internal/config"
	"github.com/gamebuddies/orchestrator/internal/connection"
	"github.com/gamebuddies/orchestrator/internal/database"
	"github.com/gamebuddies/orchestrator/internal/gameapi"
	"github.com/gamebuddies/orchestrator/internal/lobby"
	"github.com/gamebuddies/orchestrator/internal/middleware"
	"github.com/gamebuddies/orchestrator/internal/progress"
	"github.com/gamebuddies/orchestrator/internal/session"
	"github.com/gamebuddies/orchestrator/internal/statussync"
	"github.com/gamebuddies/orchestrator/internal/ws"
)

// sweepInterval drives both the idle-room sweeper and the session sweeper.
const sweepInterval = time.Minute

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Errorf("configuration error: %v", err)
		os.Exit(config.ExitConfigError)
	}

	if priv, pub := os.Getenv("IDENTITY_PRIVATE_KEY_PATH"), os.Getenv("IDENTITY_PUBLIC_KEY_PATH"); priv != "" && pub != "" {
		if err := auth.InitFromPath(priv, pub); err != nil {
			logger.Errorf("identity key load failed: %v", err)
			os.Exit(config.ExitConfigError)
		}
	} else {
		auth.Init()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DBURL)
	if err != nil {
		logger.Errorf("database connection failed: %v", err)
		os.Exit(config.ExitStoreError)
	}
	defer pool.Close()
	repo := database.NewPostgres(pool, logger)

	// Redis is optional: without it, downstream event streaming is skipped.
	var queue *cache.Queue
	if q, err := cache.Connect(cfg.RedisAddr, cfg.RedisDB); err != nil {
		logger.Warnf("redis unavailable, event streaming disabled: %v", err)
	} else {
		queue = q
		defer queue.Close()
	}

	conns := connection.NewManager(cfg.MaxConnPerUser)
	hub := ws.NewHub(conns, logger)

	syncMgr := statussync.NewManager(repo, logger, hub, queue, cfg.ReturnGrace, cfg.PingInterval+cfg.PingTimeout)
	defer syncMgr.Stop()

	sessions := session.NewManager(repo, logger, cfg.ClientURL, cfg.SessionTimeout)
	lobbyMgr := lobby.NewManager(repo, logger, sessions, syncMgr, hub)
	prog := progress.NewService(repo, logger, hub, queue)
	limiter := gameapi.NewRateLimiter(cfg.RateLimitDefaultPerMin)
	api := gameapi.NewServer(repo, logger, sessions, syncMgr, prog, limiter, cfg.MasterAPIKey)
	gateway := ws.NewGateway(hub, conns, repo, logger, lobbyMgr, syncMgr, sessions, cfg.PingInterval)

	go syncMgr.RunSweeper(ctx, sweepInterval, cfg.IdleRoomCleanup)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sessions.Sweep(ctx)
			}
		}
	}()

	r := mux.NewRouter()
	r.Use(middleware.LogMiddleware(logger))
	api.Routes(r.PathPrefix("/api").Subrouter())
	r.HandleFunc("/ws", gateway.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutdown error: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server exited: %v", err)
			if strings.Contains(err.Error(), "address already in use") {
				os.Exit(config.ExitPortInUse)
			}
			os.Exit(1)
		}
	}
}
