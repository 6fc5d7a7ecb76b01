package sealer

import "errors"

var (
	// ErrInvalidKeyLength is returned when the supplied key is not exactly KeySize bytes.
	ErrInvalidKeyLength = errors.New("key must be exactly 32 bytes")
	// ErrUnsupportedFormat is returned when the artifact's format version byte is not recognised.
	ErrUnsupportedFormat = errors.New("unsupported artifact format version")
	// ErrAuthenticationFailed is returned when the authentication tag does not verify.
	// No plaintext is ever released when this error is returned.
	ErrAuthenticationFailed = errors.New("artifact authentication failed")
	// ErrMalformedArtifact is returned when the artifact is shorter than the minimum header and tag size.
	ErrMalformedArtifact = errors.New("artifact too short to contain header and authentication tag")
)
