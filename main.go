// Command mc-bridge relays a Minecraft server's chat log into a Twitch chat
// room and runs "!say" commands from a second room on the server console.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects the chat bot and, once connected, starts following the server log.
//   - Executes console commands through the mcrcon client with bounded concurrency.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"github.com/onnwee/mc-bridge/bridge"
	"github.com/onnwee/mc-bridge/chat"
	"github.com/onnwee/mc-bridge/config"
	"github.com/onnwee/mc-bridge/rcon"
	"github.com/onnwee/mc-bridge/server"
	"github.com/onnwee/mc-bridge/tail"
	"github.com/onnwee/mc-bridge/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("mc-bridge", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	token, err := chat.ResolveToken(tokCtx, chat.Credentials{
		Username:     cfg.TwitchBotUsername,
		OAuthToken:   cfg.TwitchOAuthToken,
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RefreshToken: cfg.TwitchRefreshToken,
	})
	cancel()
	if err != nil {
		slog.Error("twitch token resolution failed", slog.Any("err", err))
		os.Exit(1)
	}

	transport := chat.NewTwitchTransport(cfg.TwitchBotUsername, token, cfg.OutboundRoom, cfg.CommandRoom)

	var source bridge.LineSource = &tail.Follower{Binary: cfg.TailBinary}
	if cfg.ReadsStdin() {
		source = tail.ReaderSource{Reader: os.Stdin}
	}
	runner := &rcon.Runner{
		Binary:   cfg.RconBinary,
		Host:     cfg.RconHost,
		Port:     cfg.RconPort,
		Password: cfg.RconPassword,
	}

	b := bridge.New(cfg, transport, source, runner)
	b.Register()
	transport.OnStartup(func(context.Context) { sdNotify(daemon.SdNotifyReady) })

	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(b, transport)); err != nil {
			slog.Error("http server stopped", slog.Any("err", err))
		}
	}()

	slog.Info("mc-bridge starting",
		slog.String("outbound_room", cfg.OutboundRoom),
		slog.String("command_room", cfg.CommandRoom),
		slog.String("tail_file", cfg.TailFile),
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("version", version))

	if err := transport.Run(ctx); err != nil {
		slog.Error("chat transport failed", slog.Any("err", err))
		stop()
		b.Wait()
		os.Exit(1)
	}

	<-ctx.Done()
	sdNotify(daemon.SdNotifyStopping)
	slog.Info("shutdown signal received; waiting for workers")
	b.Wait()
	slog.Info("shutdown complete")
}

// setupLogging configures the default logger (level + format). Defaults: level=info, format=text.
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
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

// sdNotify reports state to systemd when running under a Type=notify unit.
func sdNotify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("systemd notify failed", slog.String("state", state), slog.Any("err", err))
		return
	}
	if sent {
		slog.Debug("systemd notified", slog.String("state", state))
	}
}
