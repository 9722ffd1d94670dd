// Package config loads environment variables into a typed Config used across
// the service. Defaults let the binary start locally with minimal setup;
// call ValidateChat before running the chat session.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
)

// Credential backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

type Config struct {
	// CHZZK
	ChannelID    string `env:"CHZZK_CHANNEL_ID"`
	ClientID     string `env:"CHZZK_CLIENT_ID"`
	ClientSecret string `env:"CHZZK_CLIENT_SECRET"`
	RedirectURI  string `env:"CHZZK_REDIRECT_URI"`
	NIDAut       string `env:"NID_AUT"`
	NIDSes       string `env:"NID_SES"`

	// Credential storage
	CredentialBackend string `env:"CREDENTIAL_BACKEND" envDefault:"file"`
	CredentialFile    string `env:"CREDENTIAL_FILE" envDefault:"chzzk_token.json"`
	DBDsn             string `env:"DB_DSN"`
	EncryptionKey     string `env:"ENCRYPTION_KEY"`

	// Discord
	DiscordToken         string        `env:"DISCORD_TOKEN"`
	DiscordGuildID       string        `env:"DISCORD_GUILD_ID"`
	DiscordAuthChannelID string        `env:"DISCORD_AUTH_CHANNEL_ID"`
	DiscordAuthRoleID    string        `env:"DISCORD_AUTH_ROLE_ID"`
	AnnouncementFile     string        `env:"ANNOUNCEMENT_ID_FILE" envDefault:"announcement_message_id.txt"`
	VerifyCodeTTL        time.Duration `env:"VERIFY_CODE_TTL" envDefault:"3m"`

	// OBS
	OBSHost       string `env:"OBS_WEBSOCKET_HOST" envDefault:"localhost"`
	OBSPort       int    `env:"OBS_WEBSOCKET_PORT" envDefault:"4455"`
	OBSPassword   string `env:"OBS_WEBSOCKET_PASSWORD"`
	OBSTextSource string `env:"OBS_TEXT_SOURCE_NAME"`

	// Runtime
	HTTPAddr             string        `env:"HTTP_ADDR" envDefault:":8080"`
	TokenRefreshInterval time.Duration `env:"TOKEN_REFRESH_INTERVAL" envDefault:"5m"`
	JoinCommand          string        `env:"CHAT_JOIN_COMMAND" envDefault:"!시참"`
	LeaveCommand         string        `env:"CHAT_LEAVE_COMMAND" envDefault:"!시참취소"`
	PopCommand           string        `env:"CHAT_POP_COMMAND" envDefault:"!pop"`
	CORSAllowedOrigins   []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Tracing
	OTLPEndpoint     string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure     bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	TraceSampleRatio float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
}

// Load parses the environment. Missing optional variables disable features
// (Discord, OBS) rather than failing; malformed values are an error.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.CredentialBackend {
	case BackendFile, BackendPostgres:
	default:
		return nil, fmt.Errorf("invalid CREDENTIAL_BACKEND %q: want %s or %s", cfg.CredentialBackend, BackendFile, BackendPostgres)
	}
	return cfg, nil
}

// ValidateChat checks the fields the chat session cannot run without.
func (c *Config) ValidateChat() error {
	var errs []error
	if c.ChannelID == "" {
		errs = append(errs, errors.New("CHZZK_CHANNEL_ID is required"))
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		errs = append(errs, errors.New("CHZZK_CLIENT_ID and CHZZK_CLIENT_SECRET are required"))
	}
	if c.CredentialBackend == BackendPostgres && c.DBDsn == "" {
		errs = append(errs, errors.New("DB_DSN is required with CREDENTIAL_BACKEND=postgres"))
	}
	return errors.Join(errs...)
}

// FullAuthAvailable reports whether the bot can obtain a fresh credential
// without a stored refresh token.
func (c *Config) FullAuthAvailable() bool {
	return c.RedirectURI != "" && c.NIDAut != "" && c.NIDSes != ""
}

// DiscordEnabled reports whether the Discord verification bot should start.
func (c *Config) DiscordEnabled() bool {
	return c.DiscordToken != "" && c.DiscordGuildID != "" && c.DiscordAuthChannelID != "" && c.DiscordAuthRoleID != ""
}

// OverlayEnabled reports whether queue changes are pushed to OBS.
func (c *Config) OverlayEnabled() bool { return c.OBSTextSource != "" }

// OBSAddress is the host:port of the OBS WebSocket server.
func (c *Config) OBSAddress() string {
	return net.JoinHostPort(c.OBSHost, strconv.Itoa(c.OBSPort))
}
