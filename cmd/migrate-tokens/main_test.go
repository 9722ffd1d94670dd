package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chzzk-bridge/credential"
	"github.com/onnwee/chzzk-bridge/crypto"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func setup(t *testing.T) (path string, plain, sealed *credential.FileBackend) {
	t.Helper()
	sealer, err := crypto.NewSealer(testKey)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	path = filepath.Join(t.TempDir(), "chzzk_token.json")
	return path, &credential.FileBackend{Path: path}, &credential.FileBackend{Path: path, Sealer: sealer}
}

func seedPlaintext(t *testing.T, b credential.Backend) credential.Record {
	t.Helper()
	rec := credential.Record{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: time.Now().Add(time.Hour).UTC().Truncate(time.Second)}
	if err := b.Write(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return rec
}

func TestMigrateCredential_Empty(t *testing.T) {
	_, plain, sealed := setup(t)
	got, err := migrateCredential(context.Background(), plain, sealed, false)
	if err != nil || got != OutcomeEmpty {
		t.Fatalf("got %q, %v; want empty", got, err)
	}
}

func TestMigrateCredential_DryRunLeavesPlaintext(t *testing.T) {
	path, plain, sealed := setup(t)
	seedPlaintext(t, plain)

	got, err := migrateCredential(context.Background(), plain, sealed, true)
	if err != nil || got != OutcomeDryRun {
		t.Fatalf("got %q, %v; want dry run", got, err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"access"`) {
		t.Errorf("dry run must not modify the file: %s", raw)
	}
}

func TestMigrateCredential_SealsAndIsIdempotent(t *testing.T) {
	path, plain, sealed := setup(t)
	want := seedPlaintext(t, plain)
	ctx := context.Background()

	got, err := migrateCredential(ctx, plain, sealed, false)
	if err != nil || got != OutcomeMigrated {
		t.Fatalf("got %q, %v; want sealed", got, err)
	}
	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), `"access"`) {
		t.Errorf("plaintext token still on disk: %s", raw)
	}

	rec, err := sealed.Read(ctx)
	if err != nil {
		t.Fatalf("read sealed: %v", err)
	}
	if rec.AccessToken != want.AccessToken || rec.RefreshToken != want.RefreshToken || !rec.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("round trip mismatch: %+v", rec)
	}

	got, err = migrateCredential(ctx, plain, sealed, false)
	if err != nil || got != OutcomeSealed {
		t.Fatalf("second run got %q, %v; want already sealed", got, err)
	}
}

func TestMigrateCredential_CorruptFile(t *testing.T) {
	path, plain, sealed := setup(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := migrateCredential(context.Background(), plain, sealed, false); err == nil {
		t.Error("expected error for corrupt credential file")
	}
}
