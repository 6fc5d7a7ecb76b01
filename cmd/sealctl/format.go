package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ampiq/configseal/internal/kdf"
	"github.com/ampiq/configseal/internal/sealer"
)

const (
	fileFormatVersion = 1
	fileAlgorithm     = "aes256gcm"
	fileKDFAlgorithm  = "argon2id"
)

// fileHeader is the JSON metadata written as the first line of a
// passphrase-sealed file. The base64-encoded artifact follows on the next line.
type fileHeader struct {
	Version   int       `json:"version"`
	Algorithm string    `json:"algorithm"`
	KDF       kdfHeader `json:"kdf"`
}

// kdfHeader records the Argon2id parameters needed to derive the key again.
type kdfHeader struct {
	Algorithm string     `json:"algorithm"`
	Salt      string     `json:"salt"`
	Params    kdf.Params `json:"params"`
}

func sealWithPassphrase(plaintext []byte, outPath string) error {
	passphrase, err := getPassphraseWithConfirm("Enter passphrase: ", "Confirm passphrase: ")
	if err != nil {
		return fmt.Errorf("get passphrase: %w", err)
	}
	defer zeroBytes(passphrase)

	if len(passphrase) == 0 {
		return fmt.Errorf("passphrase cannot be empty")
	}

	salt, err := kdf.NewSalt()
	if err != nil {
		return err
	}

	params := kdf.DefaultParams()
	key, err := kdf.Derive(passphrase, salt, params)
	if err != nil {
		return err
	}
	defer zeroBytes(key)

	artifact, err := sealer.New().Seal(plaintext, key)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}

	header := fileHeader{
		Version:   fileFormatVersion,
		Algorithm: fileAlgorithm,
		KDF: kdfHeader{
			Algorithm: fileKDFAlgorithm,
			Salt:      base64.StdEncoding.EncodeToString(salt),
			Params:    params,
		},
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	var out bytes.Buffer
	out.Write(headerBytes)
	out.WriteByte('\n')
	out.WriteString(base64.StdEncoding.EncodeToString(artifact))
	out.WriteByte('\n')

	return writeOutput(outPath, out.Bytes())
}

func openWithPassphrase(sealed []byte, outPath string) error {
	headerLine, body, found := bytes.Cut(sealed, []byte("\n"))
	if !found {
		return fmt.Errorf("missing header line (is this a sealctl passphrase file?)")
	}

	var header fileHeader
	if err := json.Unmarshal(headerLine, &header); err != nil {
		return fmt.Errorf("parse header (is this a sealctl passphrase file?): %w", err)
	}

	if header.Version != fileFormatVersion {
		return fmt.Errorf("unsupported file version: %d", header.Version)
	}
	if header.Algorithm != fileAlgorithm {
		return fmt.Errorf("unsupported algorithm: %s", header.Algorithm)
	}
	if header.KDF.Algorithm != fileKDFAlgorithm {
		return fmt.Errorf("unsupported KDF: %s", header.KDF.Algorithm)
	}

	salt, err := base64.StdEncoding.DecodeString(header.KDF.Salt)
	if err != nil {
		return fmt.Errorf("invalid salt encoding: %w", err)
	}

	passphrase, err := getPassphrase("Enter passphrase: ")
	if err != nil {
		return fmt.Errorf("get passphrase: %w", err)
	}
	defer zeroBytes(passphrase)

	if len(passphrase) == 0 {
		return fmt.Errorf("passphrase cannot be empty")
	}

	key, err := kdf.Derive(passphrase, salt, header.KDF.Params)
	if err != nil {
		return err
	}
	defer zeroBytes(key)

	artifact, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return fmt.Errorf("invalid artifact encoding: %w", err)
	}

	plaintext, err := sealer.New().Open(artifact, key)
	if err != nil {
		return fmt.Errorf("open (wrong passphrase or corrupted file?): %w", err)
	}
	return writeOutput(outPath, plaintext)
}
