package main

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"syscall"

	"golang.org/x/term"
)

// passphraseEnvVar lets scripts supply the passphrase non-interactively.
const passphraseEnvVar = "CONFIGSEAL_PASSPHRASE"

// zeroBytes overwrites a byte slice with zeros.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

func getPassphrase(prompt string) ([]byte, error) {
	if envPass := os.Getenv(passphraseEnvVar); envPass != "" {
		return []byte(envPass), nil
	}
	return readPassword(prompt)
}

func getPassphraseWithConfirm(prompt, confirmPrompt string) ([]byte, error) {
	if envPass := os.Getenv(passphraseEnvVar); envPass != "" {
		return []byte(envPass), nil
	}

	passphrase, err := readPassword(prompt)
	if err != nil {
		return nil, err
	}

	confirm, err := readPassword(confirmPrompt)
	if err != nil {
		zeroBytes(passphrase)
		return nil, err
	}

	if !bytes.Equal(passphrase, confirm) {
		zeroBytes(passphrase)
		zeroBytes(confirm)
		return nil, fmt.Errorf("passphrases do not match")
	}

	zeroBytes(confirm)
	return passphrase, nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(syscall.Stdin)) {
		passphrase, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		return passphrase, err
	}

	// Stdin is piped (the file being sealed), so prompt on the controlling
	// terminal instead.
	tty, err := os.Open("/dev/tty")
	if err != nil {
		if runtime.GOOS == "windows" {
			return nil, fmt.Errorf("passphrase must be set via %s when stdin is piped", passphraseEnvVar)
		}
		return nil, fmt.Errorf("cannot read passphrase: stdin is piped and /dev/tty is unavailable; set %s", passphraseEnvVar)
	}
	defer tty.Close()

	passphrase, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(os.Stderr)
	return passphrase, err
}
