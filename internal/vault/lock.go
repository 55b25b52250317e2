package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	apperrors "picopass/internal/errors"
)

// Lock owns the vault's unlocked lifetime. At most one Session is live; Lock
// zeroes its key.
type Lock struct {
	store  Store
	logger *slog.Logger

	mu      sync.Mutex
	session *Session
}

// NewLock creates a locked vault over store.
func NewLock(store Store, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{store: store, logger: logger.With("component", "vault")}
}

type openResult struct {
	key *SessionKey
	err error
}

// Unlock derives the session key and returns the live Session. password is
// zeroed before Unlock returns. If ctx ends first the derivation is
// abandoned and its key wiped as soon as it completes.
func (l *Lock) Unlock(ctx context.Context, password []byte) (*Session, error) {
	pw := make([]byte, len(password))
	copy(pw, password)
	Wipe(password)

	done := make(chan openResult, 1)
	go func() {
		defer Wipe(pw)
		key, err := l.store.Open(ctx, pw)
		done <- openResult{key: key, err: err}
	}()

	var res openResult
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if late := <-done; late.key != nil {
				late.key.Wipe()
			}
		}()
		return nil, ctx.Err()
	}

	if res.err != nil {
		return nil, res.err
	}

	entries, err := l.store.List(res.key)
	if err != nil {
		res.key.Wipe()
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	s := &Session{store: l.store, key: res.key, entries: entries}

	l.mu.Lock()
	prev := l.session
	l.session = s
	l.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	l.logger.InfoContext(ctx, "vault unlocked", slog.Int("entries", len(entries)))
	return s, nil
}

// Lock wipes the live session, if any. Idempotent.
func (l *Lock) Lock() {
	l.mu.Lock()
	s := l.session
	l.session = nil
	l.mu.Unlock()

	if s != nil {
		s.close()
		l.logger.Info("vault locked")
	}
}

// IsLocked reports whether no session is live.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session == nil
}

// Session is a live unlocked vault. Every method fails with
// ErrInvalidStateForOperation once the vault has been locked.
type Session struct {
	store Store

	mu      sync.Mutex
	key     *SessionKey
	entries []PasswordEntry
	closed  bool
}

// Entries returns a copy of the entry metadata.
func (s *Session) Entries() []PasswordEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return []PasswordEntry{}
	}
	out := make([]PasswordEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Reveal decrypts one secret into a fresh slice. The caller owns it and
// should Wipe it when done.
func (s *Session) Reveal(id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.ErrInvalidStateForOperation
	}
	return s.store.Reveal(s.key, id)
}

// Backup returns the encrypted vault as stored.
func (s *Session) Backup() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.ErrInvalidStateForOperation
	}
	return s.store.Backup()
}

// Add stores a new credential. secret is zeroed before Add returns.
func (s *Session) Add(service, username string, secret []byte) (PasswordEntry, error) {
	defer Wipe(secret)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return PasswordEntry{}, apperrors.ErrInvalidStateForOperation
	}
	entry, err := s.store.Add(s.key, service, username, secret)
	if err != nil {
		return PasswordEntry{}, err
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

// Closed reports whether the session has been wiped.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.key.Wipe()
	s.entries = nil
	s.closed = true
}
