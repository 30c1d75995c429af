// Command realtime runs the persistent hub connection layer as a standalone
// service. It:
//   - Loads configuration and initializes structured logging.
//   - Builds the token provider, connection owner, proxy, and visibility
//     coordinator, and opens the hub connection.
//   - Logs forwarded server events (the stand-in for application stores in
//     the full client).
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and
//     /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/abyss-app/realtime/config"
	"github.com/abyss-app/realtime/hub"
	"github.com/abyss-app/realtime/proxy"
	"github.com/abyss-app/realtime/server"
	"github.com/abyss-app/realtime/telemetry"
	"github.com/abyss-app/realtime/token"
	"github.com/abyss-app/realtime/visibility"
)

func main() {
	// Load .env file if present (local dev convenience only; production
	// relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateConnectReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.OTLPEndpoint, "realtime", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Token provider. The memory store starts empty; real shells hand in
	// whatever persists their credentials.
	store := token.NewMemoryStore(nil)
	provider := token.NewProvider(token.Config{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, store)
	provider.SetUnauthenticatedFunc(func() {
		slog.Warn("credentials rejected; re-login required")
	})

	owner := hub.New(hub.Config{
		HealthInterval:    cfg.HealthInterval,
		PingTimeout:       cfg.PingTimeout,
		PingFailThreshold: cfg.PingFailThreshold,
		StaleThreshold:    cfg.StaleThreshold,
		ReconnectingGrace: cfg.ReconnectingGrace,
		KeepAliveInterval: cfg.KeepAliveInterval,
	})
	go owner.Run(ctx)

	conn := proxy.New(owner.Inbox(), owner.Outbox(), proxy.Options{
		Token: provider.Token,
	})
	go conn.Run(ctx)

	coordinator := visibility.NewCoordinator(conn, slog.Default())
	_ = coordinator // driven by the host shell's focus signal

	// Event logging stands in for the domain stores that consume the proxy
	// in the full client.
	conn.On("MessageCreated", func(args []json.RawMessage) {
		slog.Info("event: message created", slog.Int("args", len(args)))
	})
	conn.OnReconnected(func() {
		slog.Info("reconnected; stores should re-fetch server-side state")
	})
	conn.OnClose(func(err error) {
		slog.Warn("connection closed", slog.Any("err", err))
	})

	conn.Init(cfg.HubURL, cfg.HubPath)
	conn.Start()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewMux(conn),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	conn.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", slog.Any("err", err))
	}
}

// setupLogging configures level + format from LOG_LEVEL / LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}

	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
