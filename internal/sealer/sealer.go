package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

type gcmSealer struct{}

// New creates a Sealer backed by AES-256-GCM.
func New() Sealer {
	return &gcmSealer{}
}

func (s *gcmSealer) Seal(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	artifact := make([]byte, 1+NonceSize, minArtifactSize+len(plaintext))
	artifact[0] = FormatVersion
	if _, err := rand.Read(artifact[1 : 1+NonceSize]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	nonce := artifact[1 : 1+NonceSize]
	return aead.Seal(artifact, nonce, plaintext, []byte{FormatVersion}), nil
}

func (s *gcmSealer) Open(artifact, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if len(artifact) < minArtifactSize {
		return nil, ErrMalformedArtifact
	}
	version := artifact[0]
	if version != FormatVersion {
		return nil, ErrUnsupportedFormat
	}

	nonce := artifact[1 : 1+NonceSize]
	ciphertext := artifact[1+NonceSize:]

	// GCM verifies the tag in constant time before releasing any plaintext.
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte{version})
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialise cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initialise GCM: %w", err)
	}
	return aead, nil
}
