package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dockru/dockru/internal/agent"
	"github.com/dockru/dockru/internal/compose"
	"github.com/dockru/dockru/internal/config"
	"github.com/dockru/dockru/internal/db"
	"github.com/dockru/dockru/internal/docker"
	"github.com/dockru/dockru/internal/handlers"
	"github.com/dockru/dockru/internal/models"
	"github.com/dockru/dockru/internal/ratelimit"
	"github.com/dockru/dockru/internal/terminal"
	"github.com/dockru/dockru/internal/ws"
)

// version is set at build time via -ldflags="-X main.version=..."
var version = "1.5.0"

func main() {
	// Quick healthcheck mode — used by Docker HEALTHCHECK from scratch image.
	// Avoids needing wget/curl in the container.
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "5001"
		if v := os.Getenv("DOCKRU_PORT"); v != "" {
			port = v
		}
		resp, err := http.Get("http://127.0.0.1:" + port + "/healthz")
		if err != nil || resp.StatusCode != 200 {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))

	slog.Info("starting dockru",
		"version", version,
		"port", cfg.Port,
		"stacksDir", cfg.StacksDir,
		"dataDir", cfg.DataDir,
		"enableConsole", cfg.EnableConsole,
		"logLevel", cfg.LogLevel,
	)

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		slog.Error("database", "err", err)
		os.Exit(1)
	}
	defer database.Close()

	// Models
	users := models.NewUserStore(database)
	settings := models.NewSettingStore(database)

	// JWT secret (auto-generated on first run). It doubles as the master key
	// for agent credential encryption at rest.
	jwtSecret, err := settings.EnsureJWTSecret()
	if err != nil {
		slog.Error("jwt secret", "err", err)
		os.Exit(1)
	}
	secrets := models.NewSecrets(jwtSecret)
	agents := models.NewAgentStore(database, secrets)

	if err := agents.MigratePlaintext(); err != nil {
		slog.Warn("agent credential migration", "err", err)
	}

	userCount, err := users.Count()
	if err != nil {
		slog.Error("user count", "err", err)
		os.Exit(1)
	}

	// Docker client — connects to whatever DOCKER_HOST points to.
	dockerClient, err := docker.NewClient()
	if err != nil {
		slog.Error("docker client", "err", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	// WebSocket server
	wss := ws.NewServer()

	mux := http.NewServeMux()
	mux.Handle("/ws", wss.UpgradeHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	terms := terminal.NewManager()

	app := &handlers.App{
		Users:         users,
		Settings:      settings,
		Agents:        agents,
		Secrets:       secrets,
		WS:            wss,
		Docker:        dockerClient,
		Terms:         terms,
		AgentReg:      agent.NewRegistry(agents),
		Limits:        ratelimit.NewLimits(),
		Version:       version,
		StacksDir:     cfg.StacksDir,
		EnableConsole: cfg.EnableConsole,
	}
	app.SetJWTSecret(jwtSecret)
	app.SetNeedSetup(userCount == 0)
	handlers.Register(app)

	// Session teardown: drop terminal subscriptions and the session's agent
	// mesh.
	wss.OnDisconnect(func(c *ws.Conn) {
		terms.RemoveWriterFromAll(c.ID())
		app.AgentReg.Drop(c.ID())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Compose file watcher (fsnotify) — edits on disk refresh the stack list.
	if err := compose.StartWatcher(ctx, cfg.StacksDir, func(stackName string) {
		app.RequestBroadcast()
	}); err != nil {
		slog.Warn("compose file watcher failed to start", "err", err)
	}

	app.StartBroadcastLoop(ctx)
	app.StartDockerEventsWatcher(ctx)
	app.StartVersionChecker(ctx)
	terms.StartKeepAliveSweep(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}
