// Package config loads the application configuration from TOML files
// in the XDG config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Relay   RelayConfig   `toml:"relay"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
}

// RelayConfig locates the relay server peers register with and
// exchange messages through.
type RelayConfig struct {
	Server string `toml:"server"`
	Port   int    `toml:"port"`
	Domain string `toml:"domain"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains settings for the at-rest credential store.
type StorageConfig struct {
	// CredentialsFile is overwritten wholesale on each save.
	CredentialsFile string `toml:"credentials_file"`
}

// Account holds the credentials of a registered identifier.
type Account struct {
	JID      string `toml:"jid"`
	Password string `toml:"password"`
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			Port: 5222,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: false,
		},
	}
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "peerchat")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "peerchat")

	return &Paths{ConfigDir: configDir, DataDir: dataDir}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.General.DataDir = paths.DataDir
		cfg.Logging.File = filepath.Join(paths.DataDir, "peerchat.log")
		cfg.Storage.CredentialsFile = filepath.Join(paths.DataDir, "store.lock")
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "peerchat.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if cfg.Storage.CredentialsFile == "" {
		cfg.Storage.CredentialsFile = filepath.Join(cfg.General.DataDir, "store.lock")
	} else {
		cfg.Storage.CredentialsFile = expandPath(cfg.Storage.CredentialsFile)
	}

	return cfg, nil
}

// LoadAccounts loads account configurations
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")

	if _, err := os.Stat(accountsPath); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(accountsPath, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	return &accounts, nil
}

// SaveAccounts saves account configurations
func SaveAccounts(accounts *AccountsConfig) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	accountsPath := filepath.Join(paths.ConfigDir, "accounts.toml")
	f, err := os.Create(accountsPath)
	if err != nil {
		return fmt.Errorf("failed to create accounts file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(accounts); err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
