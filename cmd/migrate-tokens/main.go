// Command migrate-tokens encrypts a plaintext CHZZK credential in place.
//
// It reads the stored record through the configured credential backend
// (CREDENTIAL_BACKEND=file or postgres) and, when the tokens are still
// plaintext, rewrites them sealed with ENCRYPTION_KEY. Already-sealed
// records are left untouched, so the command is safe to run repeatedly.
//
// Usage:
//
//	migrate-tokens [--dry-run]
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/onnwee/chzzk-bridge/config"
	"github.com/onnwee/chzzk-bridge/credential"
	"github.com/onnwee/chzzk-bridge/crypto"
	"github.com/onnwee/chzzk-bridge/db"
)

// Outcome of a migration run.
type Outcome string

const (
	OutcomeEmpty    Outcome = "empty"
	OutcomeSealed   Outcome = "already_sealed"
	OutcomeDryRun   Outcome = "would_seal"
	OutcomeMigrated Outcome = "sealed"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if cfg.EncryptionKey == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("err", err))
		os.Exit(1)
	}

	ctx := context.Background()
	plain, sealed, cleanup, err := backends(ctx, cfg, sealer)
	if err != nil {
		slog.Error("failed to open credential backend", slog.Any("err", err))
		os.Exit(1)
	}
	defer cleanup()

	outcome, err := migrateCredential(ctx, plain, sealed, *dryRun)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed", slog.String("backend", cfg.CredentialBackend), slog.String("outcome", string(outcome)))
}

// backends returns the same storage viewed without and with the sealer.
func backends(ctx context.Context, cfg *config.Config, sealer *crypto.Sealer) (plain, sealed credential.Backend, cleanup func(), err error) {
	if cfg.CredentialBackend != config.BackendPostgres {
		return &credential.FileBackend{Path: cfg.CredentialFile},
			&credential.FileBackend{Path: cfg.CredentialFile, Sealer: sealer},
			func() {}, nil
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, nil, nil, fmt.Errorf("ping database: %w", err)
	}
	cleanup = func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	return &db.CredentialBackend{DB: database}, &db.CredentialBackend{DB: database, Sealer: sealer}, cleanup, nil
}

// migrateCredential seals a plaintext record. plain must read the raw
// storage without a key so sealed values surface as crypto.ErrNoKey.
func migrateCredential(ctx context.Context, plain, sealed credential.Backend, dryRun bool) (Outcome, error) {
	rec, err := plain.Read(ctx)
	if errors.Is(err, crypto.ErrNoKey) {
		return OutcomeSealed, nil
	}
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	if rec.Empty() {
		return OutcomeEmpty, nil
	}
	if dryRun {
		slog.Info("[DRY RUN] would seal credential", slog.Time("expires_at", rec.ExpiresAt))
		return OutcomeDryRun, nil
	}
	if err := sealed.Write(ctx, rec); err != nil {
		return "", fmt.Errorf("write sealed credential: %w", err)
	}
	check, err := sealed.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("verify sealed credential: %w", err)
	}
	if check.AccessToken != rec.AccessToken || check.RefreshToken != rec.RefreshToken {
		return "", errors.New("verify sealed credential: round trip mismatch")
	}
	return OutcomeMigrated, nil
}
