// Package keychain stores repository passphrases in the OS keyring. The
// passphrase itself is never logged and never leaves this package except to
// the backup engine's process environment.
package keychain

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const service = "driveguard"

// ErrNotFound is returned when no passphrase is cached for a drive.
var ErrNotFound = errors.New("no cached passphrase")

// Store saves the passphrase for a drive identity.
func Store(driveID, passphrase string) error {
	if err := keyring.Set(service, driveID, passphrase); err != nil {
		return fmt.Errorf("store passphrase: %w", err)
	}
	return nil
}

// Get returns the cached passphrase for a drive identity.
func Get(driveID string) (string, error) {
	secret, err := keyring.Get(service, driveID)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return secret, nil
}

// Delete removes the cached passphrase for a drive identity. Missing entries
// are not an error.
func Delete(driveID string) error {
	err := keyring.Delete(service, driveID)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("delete passphrase: %w", err)
	}
	return nil
}

// DeleteAll removes every cached passphrase for the given drive identities.
// Used when paranoid mode is enabled.
func DeleteAll(driveIDs []string) error {
	var firstErr error
	for _, id := range driveIDs {
		if err := Delete(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
