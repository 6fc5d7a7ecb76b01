package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ampiq/configseal/internal/sealer"
)

const keyFileExt = ".key"

// FileKeystore stores one hex-encoded key per file under a directory.
//
// Lookup priority for Get:
// 1) Secret file at <secret dir>/<name> (production, e.g. /run/secrets)
// 2) Key file at <dir>/<name>.key (written 0600)
type FileKeystore struct {
	dir       string
	secretDir string
}

// FileOption configures a FileKeystore.
type FileOption func(*FileKeystore)

// WithSecretDir sets a read-only directory checked before the key directory.
func WithSecretDir(dir string) FileOption {
	return func(s *FileKeystore) {
		s.secretDir = dir
	}
}

// NewFileKeystore creates a keystore rooted at dir. The directory is created
// lazily on the first Put.
func NewFileKeystore(dir string, opts ...FileOption) *FileKeystore {
	s := &FileKeystore{dir: dir}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get loads the named key, preferring the secret directory when configured.
func (s *FileKeystore) Get(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if s.secretDir != "" {
		key, err := readKeyIfExists(filepath.Join(s.secretDir, name))
		if err != nil {
			return nil, fmt.Errorf("read secret for %q: %w", name, err)
		}
		if key != nil {
			return key, nil
		}
	}

	key, err := readKeyIfExists(s.keyPath(name))
	if err != nil {
		return nil, fmt.Errorf("read key file for %q: %w", name, err)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// Put writes the key as lowercase hex with owner-only permissions.
func (s *FileKeystore) Put(name string, key []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if len(key) != sealer.KeySize {
		return sealer.ErrInvalidKeyLength
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	encoded := hex.EncodeToString(key) + "\n"
	if err := os.WriteFile(s.keyPath(name), []byte(encoded), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// PutIfAbsent writes the key file with O_EXCL so two concurrent creates
// cannot overwrite each other. A key served from the secret directory also
// counts as existing.
func (s *FileKeystore) PutIfAbsent(name string, key []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if len(key) != sealer.KeySize {
		return sealer.ErrInvalidKeyLength
	}

	if s.secretDir != "" {
		existing, err := readKeyIfExists(filepath.Join(s.secretDir, name))
		if err != nil {
			return fmt.Errorf("read secret for %q: %w", name, err)
		}
		if existing != nil {
			return ErrKeyExists
		}
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	f, err := os.OpenFile(s.keyPath(name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// Delete removes the named key file. Keys provided through the secret
// directory cannot be deleted here.
func (s *FileKeystore) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	if err := os.Remove(s.keyPath(name)); err != nil {
		if os.IsNotExist(err) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("remove key file: %w", err)
	}
	return nil
}

// Names lists keys present in the key directory, sorted.
func (s *FileKeystore) Names() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read keystore directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), keyFileExt) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), keyFileExt)
		if ValidateName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// LoadOrCreate returns the named key, generating and persisting a fresh one
// when neither a secret nor a key file exists.
func (s *FileKeystore) LoadOrCreate(name string) ([]byte, error) {
	key, err := s.Get(name)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	key, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := s.PutIfAbsent(name, key); err != nil {
		// Another process created the key first; use theirs.
		if errors.Is(err, ErrKeyExists) {
			return s.Get(name)
		}
		return nil, err
	}
	return key, nil
}

func (s *FileKeystore) keyPath(name string) string {
	return filepath.Join(s.dir, name+keyFileExt)
}

// readKeyIfExists reads and decodes a hex key file, returning nil without
// error when the path does not exist or is empty.
func readKeyIfExists(path string) ([]byte, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if fi.IsDir() {
		return nil, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	encoded := strings.ToLower(strings.TrimSpace(string(raw)))
	if encoded == "" {
		return nil, nil
	}
	if len(encoded) != 2*sealer.KeySize {
		return nil, ErrInvalidKeyEncoding
	}

	key, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalidKeyEncoding
	}
	return key, nil
}
