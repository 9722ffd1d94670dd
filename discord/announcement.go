package discord

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// AnnouncementStore persists the id of the verification announcement
// message as a single decimal integer in a text file.
type AnnouncementStore struct {
	Path string
}

// Load returns the stored id, or "" when the file is missing or invalid.
func (s *AnnouncementStore) Load() (string, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read announcement id: %w", err)
	}
	id := strings.TrimSpace(string(b))
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return "", nil
	}
	return id, nil
}

// Save writes id, replacing any previous value.
func (s *AnnouncementStore) Save(id string) error {
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return fmt.Errorf("announcement id %q is not numeric", id)
	}
	if err := os.WriteFile(s.Path, []byte(id), 0o644); err != nil {
		return fmt.Errorf("write announcement id: %w", err)
	}
	return nil
}
