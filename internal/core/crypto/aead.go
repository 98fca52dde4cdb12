package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const prefixSize = chacha20poly1305.NonceSizeX - 8

// Sealer encrypts and decrypts under one key.
//
// Nonces are a random 16-byte prefix fixed at construction followed by a
// 64-bit big-endian counter, so one Sealer never reuses a nonce.
type Sealer struct {
	aead cipher.AEAD

	mu      sync.Mutex
	prefix  [prefixSize]byte
	counter uint64
}

// NewSealer returns a sealer for a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	s := &Sealer{aead: aead}
	if _, err := rand.Read(s.prefix[:]); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sealer) nextNonce() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counter == math.MaxUint64 {
		return nil, errCounterExhausted
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	copy(nonce, s.prefix[:])
	binary.BigEndian.PutUint64(nonce[prefixSize:], s.counter)
	s.counter++
	return nonce, nil
}

// Seal encrypts plaintext and returns nonce || ciphertext || tag.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(nonce), len(nonce)+len(plaintext)+s.aead.Overhead())
	copy(out, nonce)
	return s.aead.Seal(out, nonce, plaintext, additional), nil
}

// Open authenticates and decrypts a Seal output.
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	ns := chacha20poly1305.NonceSizeX
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrDecrypt
	}
	pt, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], additional)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// Encrypt seals plaintext under key with a fresh sealer.
func Encrypt(key, plaintext, additional []byte) ([]byte, error) {
	s, err := NewSealer(key)
	if err != nil {
		return nil, err
	}
	return s.Seal(plaintext, additional)
}

// Decrypt opens a value produced by Encrypt or Sealer.Seal.
func Decrypt(key, sealed, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, ErrInvalidKey
	}
	ns := chacha20poly1305.NonceSizeX
	if len(sealed) < ns+aead.Overhead() {
		return nil, ErrDecrypt
	}
	pt, err := aead.Open(nil, sealed[:ns], sealed[ns:], additional)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}
