// Package keystore manages named 32-byte sealing keys. Keys live either
// in-process (MemoryKeystore) or as owner-only hex files on disk
// (FileKeystore), with an optional secret directory taking precedence for
// container deployments.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ampiq/configseal/internal/sealer"
)

var (
	// ErrKeyNotFound indicates no key exists under the requested name.
	ErrKeyNotFound = errors.New("key not found")
	// ErrKeyExists indicates PutIfAbsent found the name already in use.
	ErrKeyExists = errors.New("key already exists")
	// ErrInvalidKeyName indicates the key name contains characters outside [a-z0-9._-].
	ErrInvalidKeyName = errors.New("key name must be non-empty lowercase alphanumeric with . _ -")
	// ErrInvalidKeyEncoding indicates a stored key is not 64 hex characters.
	ErrInvalidKeyEncoding = errors.New("stored key must be 64 hex characters (32 bytes)")
)

// Keystore provides access to named sealing keys. Implementations return
// defensive copies; callers own the returned slices.
type Keystore interface {
	Get(name string) ([]byte, error)
	Put(name string, key []byte) error
	PutIfAbsent(name string, key []byte) error
	Delete(name string) error
	Names() ([]string, error)
}

// Generate creates a fresh random sealing key.
func Generate() ([]byte, error) {
	key := make([]byte, sealer.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// ValidateName checks that a key name is safe to use as a file name.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidKeyName
	}
	for _, char := range name {
		switch {
		case char >= 'a' && char <= 'z':
		case char >= '0' && char <= '9':
		case char == '.' || char == '_' || char == '-':
		default:
			return ErrInvalidKeyName
		}
	}
	// Reject path traversal disguised as a name.
	if name == "." || name == ".." {
		return ErrInvalidKeyName
	}
	return nil
}

// MemoryKeystore keeps keys in-memory and guards access with a RWMutex.
type MemoryKeystore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryKeystore initialises an empty in-memory keystore.
func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{
		keys: make(map[string][]byte),
	}
}

// Get returns a defensive copy of the named key.
func (s *MemoryKeystore) Get(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[name]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return cloneKey(key), nil
}

// Put validates and stores a copy of the provided key.
func (s *MemoryKeystore) Put(name string, key []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if len(key) != sealer.KeySize {
		return sealer.ErrInvalidKeyLength
	}

	s.mu.Lock()
	s.keys[name] = cloneKey(key)
	s.mu.Unlock()

	return nil
}

// PutIfAbsent stores a copy of the key only when the name is unused, so
// concurrent creates cannot overwrite each other.
func (s *MemoryKeystore) PutIfAbsent(name string, key []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if len(key) != sealer.KeySize {
		return sealer.ErrInvalidKeyLength
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[name]; ok {
		return ErrKeyExists
	}
	s.keys[name] = cloneKey(key)
	return nil
}

// Delete removes the named key.
func (s *MemoryKeystore) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[name]; !ok {
		return ErrKeyNotFound
	}
	delete(s.keys, name)
	return nil
}

// Names returns the sorted names of all stored keys.
func (s *MemoryKeystore) Names() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.keys))
	for name := range s.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func cloneKey(key []byte) []byte {
	out := make([]byte, len(key))
	copy(out, key)
	return out
}
