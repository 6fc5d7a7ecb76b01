// Package kdf derives fixed-length sealing keys from passphrases using
// Argon2id. It is caller-side key provisioning: the sealer itself only ever
// sees the derived key.
package kdf

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// SaltLen is the salt length in bytes used by NewSalt.
	SaltLen = 16

	defaultTime    = 3
	defaultMemory  = 64 * 1024 // KiB
	defaultThreads = 4
	defaultKeyLen  = 32
)

var (
	// ErrInvalidParams is returned when derivation parameters fail validation.
	ErrInvalidParams = errors.New("invalid key derivation parameters")
	// ErrShortSalt is returned when the salt is shorter than SaltLen bytes.
	ErrShortSalt = errors.New("salt must be at least 16 bytes")
)

// Params holds the Argon2id cost parameters stored alongside passphrase-sealed
// files so the same key can be derived again on open.
type Params struct {
	Time    uint32 `json:"time" yaml:"time"`
	Memory  uint32 `json:"memory" yaml:"memory"` // KiB
	Threads uint8  `json:"threads" yaml:"threads"`
	KeyLen  uint32 `json:"keylen" yaml:"keylen"`
}

// DefaultParams returns interactive-use cost parameters producing a 32-byte key.
func DefaultParams() Params {
	return Params{
		Time:    defaultTime,
		Memory:  defaultMemory,
		Threads: defaultThreads,
		KeyLen:  defaultKeyLen,
	}
}

// Validate checks that the parameters are usable and produce a sealing key.
func (p Params) Validate() error {
	if p.Time < 1 {
		return fmt.Errorf("%w: time must be at least 1", ErrInvalidParams)
	}
	if p.Memory < 8*1024 {
		return fmt.Errorf("%w: memory must be at least 8 MiB", ErrInvalidParams)
	}
	if p.Threads < 1 {
		return fmt.Errorf("%w: threads must be at least 1", ErrInvalidParams)
	}
	if p.KeyLen != defaultKeyLen {
		return fmt.Errorf("%w: key length must be %d bytes", ErrInvalidParams, defaultKeyLen)
	}
	return nil
}

// Derive stretches a passphrase into a sealing key using Argon2id.
func Derive(passphrase, salt []byte, p Params) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) < SaltLen {
		return nil, ErrShortSalt
	}
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, p.KeyLen), nil
}

// NewSalt generates a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
