// Package credential holds the single cached CHZZK credential record and
// persists it through a pluggable Backend. It performs no network calls.
package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is an access/refresh token pair with its expiry. All three fields
// are either present or absent.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Complete reports whether every field is set.
func (r Record) Complete() bool {
	return r.AccessToken != "" && r.RefreshToken != "" && !r.ExpiresAt.IsZero()
}

// Empty reports whether the record holds no credentials at all.
func (r Record) Empty() bool {
	return r.AccessToken == "" && r.RefreshToken == "" && r.ExpiresAt.IsZero()
}

// Backend persists a Record.
type Backend interface {
	Read(ctx context.Context) (Record, error)
	Write(ctx context.Context, rec Record) error
	Delete(ctx context.Context) error
}

// Store guards the in-memory record. Writers replace the whole record under the
// write lock, so readers never observe a half-updated pair.
type Store struct {
	backend Backend

	mu  sync.RWMutex
	cur Record
}

// NewStore wraps a backend. Call Load to populate memory.
func NewStore(b Backend) *Store {
	return &Store{backend: b}
}

// Current returns a snapshot of the in-memory record.
func (s *Store) Current() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Load reads the persisted record into memory. Missing or corrupt records
// yield an empty Record; the error is only logged.
func (s *Store) Load(ctx context.Context) Record {
	rec, err := s.backend.Read(ctx)
	if err != nil {
		slog.Warn("credential load failed; starting without credentials", slog.Any("err", err), slog.String("component", "credential"))
		rec = Record{}
	}
	if !rec.Complete() {
		rec = Record{}
	}
	s.mu.Lock()
	s.cur = rec
	s.mu.Unlock()
	return rec
}

// Save makes rec current and persists it. The in-memory record is replaced
// even when the backend write fails, since a refresh has already rotated the
// previous tokens. Incomplete records are ignored.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if !rec.Complete() {
		slog.Debug("credential save skipped: incomplete record", slog.String("component", "credential"))
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = rec
	return s.backend.Write(ctx, rec)
}

// Clear forgets the in-memory record and deletes the persisted one.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = Record{}
	return s.backend.Delete(ctx)
}
