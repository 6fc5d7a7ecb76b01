package sealer

// Layout of a sealed artifact:
//
//	[format_version:1][nonce:12][ciphertext||tag:16]
//
// The version byte is authenticated as associated data, so the tag covers it.
const (
	// FormatVersion is the only artifact format this package produces or accepts.
	FormatVersion byte = 1
	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// minArtifactSize is the smallest well-formed artifact: version byte, nonce,
// and the tag of an empty ciphertext.
const minArtifactSize = 1 + NonceSize + TagSize

// Sealer turns a plaintext configuration blob into a self-contained encrypted
// artifact and back. Implementations are stateless, perform no I/O, and are
// safe for concurrent use. Key material is never retained after a call returns.
type Sealer interface {
	Seal(plaintext, key []byte) ([]byte, error)
	Open(artifact, key []byte) ([]byte, error)
}
