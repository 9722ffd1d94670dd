// Package db provides the Postgres connection helper, schema migration and
// the credential backend that keeps the CHZZK token record in oauth_tokens.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chzzk-bridge/credential"
	"github.com/onnwee/chzzk-bridge/crypto"
)

// DefaultProvider is the oauth_tokens key used for the CHZZK credential.
const DefaultProvider = "chzzk"

// Connect opens a Postgres connection pool for dsn.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("DB_DSN is empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// Migrate applies idempotent schema changes.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0
		)`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS encryption_version INTEGER DEFAULT 0`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// CredentialBackend stores one credential.Record as a row of oauth_tokens.
// With a Sealer the token columns are encrypted and encryption_version is 1.
type CredentialBackend struct {
	DB       *sql.DB
	Provider string
	Sealer   *crypto.Sealer
}

var _ credential.Backend = (*CredentialBackend)(nil)

func (b *CredentialBackend) provider() string {
	if b.Provider != "" {
		return b.Provider
	}
	return DefaultProvider
}

// Read returns the stored record; a missing row is an empty record.
func (b *CredentialBackend) Read(ctx context.Context) (credential.Record, error) {
	var (
		access, refresh sql.NullString
		expiry          sql.NullTime
		encVersion      int
	)
	err := b.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, b.provider()).
		Scan(&access, &refresh, &expiry, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Record{}, nil
	}
	if err != nil {
		return credential.Record{}, fmt.Errorf("select oauth token: %w", err)
	}

	rec := credential.Record{AccessToken: access.String, RefreshToken: refresh.String}
	if expiry.Valid {
		rec.ExpiresAt = expiry.Time
	}
	if encVersion == 1 && b.Sealer == nil {
		return credential.Record{}, crypto.ErrNoKey
	}
	if rec.AccessToken, err = crypto.OpenWith(b.Sealer, rec.AccessToken); err != nil {
		return credential.Record{}, fmt.Errorf("decrypt access token: %w", err)
	}
	if rec.RefreshToken, err = crypto.OpenWith(b.Sealer, rec.RefreshToken); err != nil {
		return credential.Record{}, fmt.Errorf("decrypt refresh token: %w", err)
	}
	return rec, nil
}

// Write upserts the record.
func (b *CredentialBackend) Write(ctx context.Context, rec credential.Record) error {
	access, err := crypto.SealWith(b.Sealer, rec.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := crypto.SealWith(b.Sealer, rec.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}
	encVersion := 0
	if b.Sealer != nil {
		encVersion = 1
	}
	_, err = b.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		b.provider(), access, refresh, rec.ExpiresAt, encVersion)
	if err != nil {
		return fmt.Errorf("upsert oauth token: %w", err)
	}
	return nil
}

// Delete removes the row.
func (b *CredentialBackend) Delete(ctx context.Context) error {
	if _, err := b.DB.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = $1`, b.provider()); err != nil {
		return fmt.Errorf("delete oauth token: %w", err)
	}
	return nil
}
