// Command chzzk-bridge connects a CHZZK livestream chat to a Discord
// verification bot and an OBS queue overlay. It:
//   - Loads configuration and initializes structured logging.
//   - Loads the stored CHZZK credential (file or Postgres, optionally sealed).
//   - Runs the chat session, which keeps the token fresh, resolves the chat
//     room and reconnects on failure.
//   - Runs the Discord bot (when configured) and the code expiry sweeper.
//   - Exposes /healthz, /readyz, /status, /queue, /overlay and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chzzk-bridge/bot"
	"github.com/onnwee/chzzk-bridge/chat"
	"github.com/onnwee/chzzk-bridge/chzzk"
	"github.com/onnwee/chzzk-bridge/config"
	"github.com/onnwee/chzzk-bridge/credential"
	"github.com/onnwee/chzzk-bridge/crypto"
	"github.com/onnwee/chzzk-bridge/db"
	"github.com/onnwee/chzzk-bridge/discord"
	"github.com/onnwee/chzzk-bridge/oauth"
	"github.com/onnwee/chzzk-bridge/obs"
	"github.com/onnwee/chzzk-bridge/queue"
	"github.com/onnwee/chzzk-bridge/server"
	"github.com/onnwee/chzzk-bridge/telemetry"
	"github.com/onnwee/chzzk-bridge/verify"
)

const version = "1.0.0"

func main() {
	// .env is a local dev convenience; production relies on real env.
	_ = godotenv.Load()
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChat(); err != nil {
		slog.Error("invalid chat configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    "chzzk-bridge",
		ServiceVersion: version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

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
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	var sealer *crypto.Sealer
	if cfg.EncryptionKey != "" {
		s, err := crypto.NewSealer(cfg.EncryptionKey)
		if err != nil {
			return err
		}
		sealer = s
	} else {
		slog.Warn("ENCRYPTION_KEY not set; credentials are stored in plaintext")
	}

	backend, checks, closeDB, err := credentialBackend(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer closeDB()

	store := credential.NewStore(backend)
	store.Load(ctx)

	authority := &chzzk.Authority{
		Store:        store,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Session:      chzzk.SessionProof{NIDAut: cfg.NIDAut, NIDSes: cfg.NIDSes},
	}
	if !cfg.FullAuthAvailable() {
		slog.Warn("CHZZK_REDIRECT_URI or NID_AUT/NID_SES missing; only the stored refresh token can be used")
	}
	resolver := &chzzk.Resolver{ChannelID: cfg.ChannelID}
	sender := chzzk.NewSender(authority, nil)

	q := queue.New()
	overlay := &obs.Overlay{Source: cfg.OBSTextSource}
	if cfg.OverlayEnabled() {
		overlay.Client = &obs.Client{Address: cfg.OBSAddress(), Password: cfg.OBSPassword}
	}
	overlay.Start(ctx)
	defer overlay.Close()

	table := verify.NewTable(cfg.VerifyCodeTTL)
	handler := &bot.Bot{
		Queue:       q,
		Sender:      sender,
		Overlay:     overlay,
		JoinCommand:  cfg.JoinCommand,
		LeaveCommand: cfg.LeaveCommand,
		PopCommand:   cfg.PopCommand,
	}

	var discordBot *discord.Bot
	if cfg.DiscordEnabled() {
		discordBot, err = discord.New(discord.Config{
			Token:            cfg.DiscordToken,
			GuildID:          cfg.DiscordGuildID,
			AuthChannelID:    cfg.DiscordAuthChannelID,
			AuthRoleID:       cfg.DiscordAuthRoleID,
			AnnouncementFile: cfg.AnnouncementFile,
		}, table)
		if err != nil {
			return err
		}
		handler.Verifier = &verify.Verifier{Table: table, Guild: discordBot, Chat: sender}
	} else {
		slog.Warn("discord not configured; chat verification disabled")
	}

	session := chat.NewSession(chat.Config{Tokens: authority, Rooms: resolver, Handler: handler})

	checks = append(checks,
		server.Check{Name: "credentials", Fn: func(context.Context) error {
			if !authority.HasCredentials() {
				return errors.New("no chzzk credential")
			}
			return nil
		}},
		server.Check{Name: "chat_room", Fn: func(context.Context) error {
			if resolver.Cached() == "" {
				return errors.New("chat room not resolved")
			}
			return nil
		}},
	)
	handlers := &server.Handlers{
		Queue:  q,
		Checks: checks,
		Status: func() map[string]any {
			return map[string]any{
				"session_state":         session.State().String(),
				"chat_room":             resolver.Cached(),
				"credentials":           authority.HasCredentials(),
				"queue_length":          q.Len(),
				"pending_verifications": table.Len(),
				"discord_enabled":       discordBot != nil,
				"overlay_enabled":       overlay.Enabled(),
			}
		},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.NewMux(handlers, cfg.CORSAllowedOrigins))
	})
	g.Go(func() error {
		return oauth.RunRefresher(gctx, "chzzk", cfg.TokenRefreshInterval, func(c context.Context) error {
			if !authority.HasCredentials() {
				return nil
			}
			_, err := authority.EnsureValidToken(c)
			return err
		})
	})
	g.Go(func() error {
		table.StartSweeper(gctx, 0)
		return nil
	})
	if discordBot != nil {
		g.Go(func() error {
			if err := discordBot.Run(gctx); err != nil {
				slog.Error("discord bot stopped", slog.Any("err", err))
			}
			return nil
		})
	}

	slog.Info("chzzk bridge started", slog.String("channel", cfg.ChannelID), slog.String("http_addr", cfg.HTTPAddr))
	return g.Wait()
}

// credentialBackend selects the credential storage and the readiness checks
// that go with it.
func credentialBackend(ctx context.Context, cfg *config.Config, sealer *crypto.Sealer) (credential.Backend, []server.Check, func(), error) {
	if cfg.CredentialBackend != config.BackendPostgres {
		slog.Info("using file credential backend", slog.String("path", cfg.CredentialFile))
		return &credential.FileBackend{Path: cfg.CredentialFile, Sealer: sealer}, nil, func() {}, nil
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		closeDB()
		return nil, nil, nil, err
	}
	checks := []server.Check{{Name: "database", Fn: database.PingContext}}
	return &db.CredentialBackend{DB: database, Sealer: sealer}, checks, closeDB, nil
}
