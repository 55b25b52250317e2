package vault

import (
	"crypto/subtle"
	"sync"
)

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// SessionKey is the derived vault key. It lives only while the vault is
// unlocked; Wipe zeroes it and every later Bytes call returns nil.
type SessionKey struct {
	mu    sync.RWMutex
	key   []byte
	wiped bool
}

func newSessionKey(key []byte) *SessionKey {
	return &SessionKey{key: key}
}

// Bytes returns the raw key, or nil after Wipe. Callers must not retain it.
func (k *SessionKey) Bytes() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.wiped {
		return nil
	}
	return k.key
}

// Wipe zeroes the key. Idempotent.
func (k *SessionKey) Wipe() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.wiped {
		return
	}
	Wipe(k.key)
	k.wiped = true
}

// Wiped reports whether Wipe has run.
func (k *SessionKey) Wiped() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.wiped
}
