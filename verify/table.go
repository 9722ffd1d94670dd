// Package verify links stream-chat accounts to Discord members with
// one-time numeric codes.
package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/onnwee/chzzk-bridge/telemetry"
)

// DefaultTTL is how long an issued code stays valid.
const DefaultTTL = 3 * time.Minute

const codeDigits = 6

// ErrAlreadyPending is returned by Issue when the requester still holds a live code.
var ErrAlreadyPending = errors.New("verify: verification already pending")

type entry struct {
	requester string
	code      string
	expiresAt time.Time
	onExpire  func()
}

// Table holds pending codes. Each requester has at most one, and each code
// is consumed at most once.
type Table struct {
	TTL time.Duration
	Now func() time.Time

	mu          sync.Mutex
	byCode      map[string]*entry
	byRequester map[string]*entry
}

// NewTable returns an empty table with the given TTL (DefaultTTL if <= 0).
func NewTable(ttl time.Duration) *Table {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Table{TTL: ttl, byCode: map[string]*entry{}, byRequester: map[string]*entry{}}
}

func (t *Table) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// IsCode reports whether text has the shape of a verification code.
func IsCode(text string) bool {
	if len(text) != codeDigits {
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}

func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Issue creates a code for requester. onExpire (may be nil) runs if the code
// lapses unused and is removed by Sweep.
func (t *Table) Issue(requester string, onExpire func()) (string, time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if e, ok := t.byRequester[requester]; ok {
		if now.Before(e.expiresAt) {
			return "", time.Time{}, ErrAlreadyPending
		}
		t.remove(e)
	}
	var code string
	for {
		c, err := newCode()
		if err != nil {
			return "", time.Time{}, err
		}
		if e, taken := t.byCode[c]; !taken || !now.Before(e.expiresAt) {
			if taken {
				t.remove(e)
			}
			code = c
			break
		}
	}
	e := &entry{requester: requester, code: code, expiresAt: now.Add(t.TTL), onExpire: onExpire}
	t.byCode[code] = e
	t.byRequester[requester] = e
	telemetry.Count(telemetry.Verifications, "issued")
	return code, e.expiresAt, nil
}

// Consume removes code and returns its requester if it is pending and unexpired.
func (t *Table) Consume(code string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byCode[code]
	if !ok || !t.now().Before(e.expiresAt) {
		return "", false
	}
	t.remove(e)
	return e.requester, true
}

// Pending reports whether requester holds a live code.
func (t *Table) Pending(requester string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byRequester[requester]
	return ok && t.now().Before(e.expiresAt)
}

// Withdraw drops requester's code, if any, without running its expiry callback.
func (t *Table) Withdraw(requester string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byRequester[requester]
	if ok {
		t.remove(e)
	}
	return ok
}

// Len returns the number of entries, expired or not.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byCode)
}

func (t *Table) remove(e *entry) {
	delete(t.byCode, e.code)
	if cur, ok := t.byRequester[e.requester]; ok && cur == e {
		delete(t.byRequester, e.requester)
	}
}

// Sweep removes expired codes, runs their callbacks and returns their requesters.
func (t *Table) Sweep() []string {
	t.mu.Lock()
	now := t.now()
	var expired []*entry
	for _, e := range t.byCode {
		if !now.Before(e.expiresAt) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		t.remove(e)
	}
	t.mu.Unlock()

	out := make([]string, 0, len(expired))
	for _, e := range expired {
		telemetry.Count(telemetry.Verifications, "expired")
		out = append(out, e.requester)
		if e.onExpire != nil {
			e.onExpire()
		}
	}
	return out
}

// StartSweeper runs Sweep every interval until ctx is done.
func (t *Table) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
