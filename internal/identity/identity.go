// Package identity provides the stable per-device identifier that scopes
// interrupts on the server. Detection of real hardware fingerprints belongs
// to an external collaborator; this package only mints and persists an
// anonymous id.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// EnvHardwareID overrides the persisted identity.
	EnvHardwareID = "GLANCE_HARDWARE_ID"

	idFileName = "hardware_id"
)

var hardwareIDPattern = regexp.MustCompile(`^hw_[a-f0-9]{32}$`)

// Valid reports whether id has the expected shape.
func Valid(id string) bool {
	return hardwareIDPattern.MatchString(id)
}

func generateHardwareID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate hardware id: %w", err)
	}
	return "hw_" + hex.EncodeToString(buf), nil
}

// HardwareID returns the device identity: the env override if set, else the
// persisted id under stateDir, minting and persisting one on first run.
func HardwareID(stateDir string) (string, error) {
	if id := strings.TrimSpace(os.Getenv(EnvHardwareID)); id != "" {
		return id, nil
	}

	path := filepath.Join(stateDir, idFileName)
	if data, err := os.ReadFile(path); err == nil {
		id := strings.TrimSpace(string(data))
		if Valid(id) {
			return id, nil
		}
		// Corrupt file: fall through and mint a fresh id.
	}

	id, err := generateHardwareID()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist hardware id: %w", err)
	}
	return id, nil
}
