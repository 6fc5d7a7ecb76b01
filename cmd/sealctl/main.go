// sealctl seals and opens configuration files from the command line, using
// either a keystore key or a passphrase-derived key.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/ampiq/configseal/internal/export"
	"github.com/ampiq/configseal/internal/keystore"
	"github.com/ampiq/configseal/internal/sealer"
)

const defaultKeystoreDir = "./data/keys"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("sealctl", "Seal and open configuration files with authenticated encryption")
	keystoreDir := app.Flag("keystore-dir", "Directory holding sealing key files").Default(defaultKeystoreDir).String()

	sealCmd := app.Command("seal", "Seal a configuration file")
	sealKey := sealCmd.Flag("key", "Keystore key to seal with").String()
	sealPassphrase := sealCmd.Flag("passphrase", "Derive the key from a passphrase instead of the keystore").Bool()
	sealIn := sealCmd.Flag("in", "Input file (default: stdin)").String()
	sealOut := sealCmd.Flag("out", "Output file (default: stdout)").String()

	openCmd := app.Command("open", "Open a sealed configuration file")
	openKey := openCmd.Flag("key", "Keystore key to open with").String()
	openPassphrase := openCmd.Flag("passphrase", "Derive the key from a passphrase instead of the keystore").Bool()
	openIn := openCmd.Flag("in", "Input file (default: stdin)").String()
	openOut := openCmd.Flag("out", "Output file (default: stdout)").String()

	keygenCmd := app.Command("keygen", "Generate a new keystore key")
	keygenName := keygenCmd.Flag("name", "Name for the new key").Required().String()

	exportCmd := app.Command("export-key", "Wrap a keystore key to an age recipient for offline backup")
	exportName := exportCmd.Flag("key", "Keystore key to export").Required().String()
	exportRecipient := exportCmd.Flag("recipient", "age X25519 recipient public key").Required().String()
	exportOut := exportCmd.Flag("out", "Output file (default: stdout)").String()

	importCmd := app.Command("import-key", "Unwrap an exported key back into the keystore")
	importName := importCmd.Flag("key", "Name to store the imported key under").Required().String()
	importIdentity := importCmd.Flag("identity", "age X25519 identity (AGE-SECRET-KEY-1...)").Required().String()
	importIn := importCmd.Flag("in", "Input file (default: stdin)").String()

	command, err := app.Parse(args)
	if err != nil {
		return err
	}

	store := keystore.NewFileKeystore(*keystoreDir)

	switch command {
	case sealCmd.FullCommand():
		return sealFile(store, *sealKey, *sealPassphrase, *sealIn, *sealOut)
	case openCmd.FullCommand():
		return openFile(store, *openKey, *openPassphrase, *openIn, *openOut)
	case keygenCmd.FullCommand():
		return generateKey(store, *keygenName)
	case exportCmd.FullCommand():
		return exportKey(store, *exportName, *exportRecipient, *exportOut)
	case importCmd.FullCommand():
		return importKey(store, *importName, *importIdentity, *importIn)
	}
	return fmt.Errorf("unknown command: %s", command)
}

func sealFile(store *keystore.FileKeystore, keyName string, usePassphrase bool, inPath, outPath string) error {
	plaintext, err := readInput(inPath)
	if err != nil {
		return err
	}

	if usePassphrase {
		return sealWithPassphrase(plaintext, outPath)
	}

	if keyName == "" {
		return fmt.Errorf("either --key or --passphrase is required")
	}
	key, err := store.Get(keyName)
	if err != nil {
		return fmt.Errorf("load key %q: %w", keyName, err)
	}
	defer zeroBytes(key)

	artifact, err := sealer.New().Seal(plaintext, key)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	return writeOutput(outPath, artifact)
}

func openFile(store *keystore.FileKeystore, keyName string, usePassphrase bool, inPath, outPath string) error {
	sealed, err := readInput(inPath)
	if err != nil {
		return err
	}

	if usePassphrase {
		return openWithPassphrase(sealed, outPath)
	}

	if keyName == "" {
		return fmt.Errorf("either --key or --passphrase is required")
	}
	key, err := store.Get(keyName)
	if err != nil {
		return fmt.Errorf("load key %q: %w", keyName, err)
	}
	defer zeroBytes(key)

	plaintext, err := sealer.New().Open(sealed, key)
	if err != nil {
		return fmt.Errorf("open (wrong key or corrupted file?): %w", err)
	}
	return writeOutput(outPath, plaintext)
}

func generateKey(store *keystore.FileKeystore, name string) error {
	key, err := keystore.Generate()
	if err != nil {
		return err
	}
	defer zeroBytes(key)

	if err := store.PutIfAbsent(name, key); err != nil {
		if errors.Is(err, keystore.ErrKeyExists) {
			return fmt.Errorf("key %q already exists", name)
		}
		return err
	}
	fmt.Fprintf(os.Stderr, "Generated key %q\n", name)
	return nil
}

func exportKey(store *keystore.FileKeystore, name, recipient, outPath string) error {
	key, err := store.Get(name)
	if err != nil {
		return fmt.Errorf("load key %q: %w", name, err)
	}
	defer zeroBytes(key)

	blob, err := export.WrapToRecipients(key, recipient)
	if err != nil {
		return err
	}
	return writeOutput(outPath, blob)
}

func importKey(store *keystore.FileKeystore, name, identity, inPath string) error {
	blob, err := readInput(inPath)
	if err != nil {
		return err
	}

	key, err := export.UnwrapWithIdentity(blob, identity)
	if err != nil {
		return err
	}
	defer zeroBytes(key)

	if err := store.Put(name, key); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Imported key %q\n", name)
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func writeOutput(path string, data []byte) error {
	if path == "" || path == "-" {
		if _, err := os.Stdout.Write(data); err != nil {
			return fmt.Errorf("write stdout: %w", err)
		}
		return nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
