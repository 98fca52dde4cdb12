package identity

import (
	"sync"

	"github.com/dep2p/harbor/pkg/types"
)

// Keystore holds the unlocked identity for the life of the process.
//
// It is created once at startup, filled by Unlock or Generate and emptied by
// Lock, which also zeroes the keys.
type Keystore struct {
	mu  sync.RWMutex
	cur *Identity
}

// NewKeystore returns an empty keystore.
func NewKeystore() *Keystore {
	return &Keystore{}
}

// Current returns the unlocked identity or ErrIdentityLocked.
func (k *Keystore) Current() (*Identity, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.cur == nil {
		return nil, types.ErrIdentityLocked
	}
	return k.cur, nil
}

// Unlocked reports whether an identity is held.
func (k *Keystore) Unlocked() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cur != nil
}

// Set installs id as the unlocked identity, zeroing any previous one.
func (k *Keystore) Set(id *Identity) {
	k.mu.Lock()
	old := k.cur
	k.cur = id
	k.mu.Unlock()
	if old != nil && old != id {
		old.Destroy()
	}
}

// Lock drops and zeroes the held identity.
func (k *Keystore) Lock() {
	k.Set(nil)
}
