// Package paths provides centralized path resolution for relaygate.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv overrides the data directory when set.
const HomeEnv = "RELAYGATE_HOME"

// ConfigNames are the config file names searched, in order.
var ConfigNames = []string{"relaygate.json", "relaygate.yaml", "relaygate.yml"}

// BaseDir returns the relaygate data directory: $RELAYGATE_HOME, else ~/.relaygate.
func BaseDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return ExpandTilde(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relaygate"), nil
}

// DataPath returns a path within the data directory (<base>/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// ConfigPath returns the active config file path.
// Priority: ./relaygate.{json,yaml,yml} > <base>/relaygate.{json,yaml,yml}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath() (string, error) {
	for _, name := range ConfigNames {
		if _, err := os.Stat(name); err == nil {
			absPath, err := filepath.Abs(name)
			if err != nil {
				return "", fmt.Errorf("failed to get absolute path: %w", err)
			}
			return absPath, nil
		}
	}

	for _, name := range ConfigNames {
		p, err := DataPath(name)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Layout names every file the gateway keeps under one data directory.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at dir.
func NewLayout(dir string) Layout {
	return Layout{Root: dir}
}

// LiveStore is the whatsmeow database the transport keeps open.
func (l Layout) LiveStore() string { return filepath.Join(l.Root, "whatsapp.db") }

// Credentials is the persisted, validated credential copy.
func (l Layout) Credentials() string { return filepath.Join(l.Root, "session", "creds.db") }

// Settings is the durable settings file.
func (l Layout) Settings() string { return filepath.Join(l.Root, "settings.json") }

// Mirror is the local working copy of the backup repository.
func (l Layout) Mirror() string { return filepath.Join(l.Root, "backup") }

// MirrorCredentials is where the credential copy lives inside the mirror.
func (l Layout) MirrorCredentials() string {
	return filepath.Join(l.Mirror(), "session", "creds.db")
}

// MirrorSettings is where the settings copy lives inside the mirror.
func (l Layout) MirrorSettings() string { return filepath.Join(l.Mirror(), "settings.json") }

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
