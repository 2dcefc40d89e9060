package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.fotopoisk/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".fotopoisk", "logs")
	}
	return filepath.Join(home, ".fotopoisk", "logs")
}

// DefaultLogPath returns the default service log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "service.log")
}
