// Package export wraps sealing keys for offline backup using age. A wrapped
// key can only be recovered with the matching X25519 identity, which never
// touches this service.
package export

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/ampiq/configseal/internal/sealer"
)

// ErrNoRecipients is returned when a wrap is attempted without any recipients.
var ErrNoRecipients = errors.New("no recipients configured")

// KeyWrapper encrypts sealing keys to a fixed set of age recipients.
type KeyWrapper struct {
	recipients []age.Recipient
}

// NewKeyWrapper creates a KeyWrapper for the given recipients.
func NewKeyWrapper(recipients ...age.Recipient) *KeyWrapper {
	return &KeyWrapper{recipients: recipients}
}

// Wrap encrypts a sealing key to all configured recipients.
func (w *KeyWrapper) Wrap(key []byte) ([]byte, error) {
	if len(w.recipients) == 0 {
		return nil, ErrNoRecipients
	}
	if len(key) != sealer.KeySize {
		return nil, sealer.ErrInvalidKeyLength
	}

	var buf bytes.Buffer
	wc, err := age.Encrypt(&buf, w.recipients...)
	if err != nil {
		return nil, fmt.Errorf("create age writer: %w", err)
	}
	if _, err := wc.Write(key); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	if err := wc.Close(); err != nil {
		return nil, fmt.Errorf("finalise wrap: %w", err)
	}
	return buf.Bytes(), nil
}

// WrapToRecipients encrypts a sealing key to age X25519 public keys.
func WrapToRecipients(key []byte, publicKeys ...string) ([]byte, error) {
	recipients := make([]age.Recipient, 0, len(publicKeys))
	for _, pk := range publicKeys {
		recipient, err := age.ParseX25519Recipient(pk)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", pk, err)
		}
		recipients = append(recipients, recipient)
	}
	return NewKeyWrapper(recipients...).Wrap(key)
}

// Unwrap recovers a sealing key using any of the provided identities.
func Unwrap(blob []byte, identities ...age.Identity) ([]byte, error) {
	if len(identities) == 0 {
		return nil, errors.New("no identities configured")
	}

	r, err := age.Decrypt(bytes.NewReader(blob), identities...)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	key, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read unwrapped key: %w", err)
	}
	if len(key) != sealer.KeySize {
		return nil, sealer.ErrInvalidKeyLength
	}
	return key, nil
}

// UnwrapWithIdentity recovers a sealing key using an age identity string
// (AGE-SECRET-KEY-1...).
func UnwrapWithIdentity(blob []byte, identityStr string) ([]byte, error) {
	identity, err := age.ParseX25519Identity(identityStr)
	if err != nil {
		return nil, fmt.Errorf("parse identity: %w", err)
	}
	return Unwrap(blob, identity)
}
