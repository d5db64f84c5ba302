package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetConfigDir returns the marketcache configuration directory:
// $MARKETCACHE_HOME when set, otherwise ~/.marketcache.
func GetConfigDir() (string, error) {
	if home := os.Getenv(EnvHome); home != "" {
		return home, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".marketcache"), nil
}

// DefaultPath returns the config file path inside GetConfigDir.
func DefaultPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// EnsureConfigDir ensures the configuration directory exists.
func EnsureConfigDir() error {
	dir, err := GetConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// EnsureDirs creates the directories the configuration points at: the
// cache directory of the file backend and the parent of the log file.
func (c *Config) EnsureDirs() error {
	if c.Store.Backend == BackendFile && c.Store.Directory != "" {
		if err := os.MkdirAll(c.Store.Directory, 0700); err != nil {
			return fmt.Errorf("failed to create cache directory %q: %w", c.Store.Directory, err)
		}
	}
	return c.Logging.EnsureLogDir()
}
