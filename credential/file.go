package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/onnwee/chzzk-bridge/crypto"
)

// fileRecord is the on-disk JSON shape.
type fileRecord struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiryTime   string `json:"expiryTime"`
}

// naiveLayouts cover zone-less timestamps written by older token files,
// which hold local wall-clock time.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseExpiry(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, nerr := time.ParseInLocation(layout, v, time.Local); nerr == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// FileBackend stores the record as a small JSON file. When Sealer is set the
// token fields are encrypted.
type FileBackend struct {
	Path   string
	Sealer *crypto.Sealer
}

func (f *FileBackend) Read(_ context.Context) (Record, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, err
	}
	var fr fileRecord
	if err := json.Unmarshal(b, &fr); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	exp, err := parseExpiry(fr.ExpiryTime)
	if err != nil {
		return Record{}, fmt.Errorf("invalid expiryTime: %w", err)
	}
	access, err := crypto.OpenWith(f.Sealer, fr.AccessToken)
	if err != nil {
		return Record{}, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := crypto.OpenWith(f.Sealer, fr.RefreshToken)
	if err != nil {
		return Record{}, fmt.Errorf("open refresh token: %w", err)
	}
	return Record{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

func (f *FileBackend) Write(_ context.Context, rec Record) error {
	access, err := crypto.SealWith(f.Sealer, rec.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := crypto.SealWith(f.Sealer, rec.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	b, err := json.MarshalIndent(fileRecord{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiryTime:   rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return err
	}
	// write-then-rename so a crash never leaves a truncated file behind
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".credential-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

func (f *FileBackend) Delete(_ context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
