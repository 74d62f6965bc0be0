package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "cipherchat"
	// DefaultAPIBaseURL is the request/response endpoint used when no user
	// override exists.
	DefaultAPIBaseURL = "http://localhost:3000"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"

	envDataDir = "CIPHERCHAT_DATA_DIR"
	envAPIURL  = "CIPHERCHAT_API_URL"
	envPushURL = "CIPHERCHAT_PUSH_URL"
)

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	ClientID          string `json:"client_id"`
	APIBaseURL        string `json:"api_base_url"`
	PushURL           string `json:"push_url"`
	RSAPrivateKeyPath string `json:"rsa_private_key_path"`
	RSAPublicKeyPath  string `json:"rsa_public_key_path"`
	KeyFingerprint    string `json:"key_fingerprint"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CIPHERCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both. A
// .env file in the working directory and process environment variables
// override the persisted URLs without being written back.
func LoadOrCreate() (*ClientConfig, string, error) {
	// Best-effort: a missing .env file is the normal case.
	_ = godotenv.Load()

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		applyEnvOverrides(cfg)
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	keysDir := filepath.Join(dataDir, "keys")
	return &ClientConfig{
		ClientID:          uuid.NewString(),
		APIBaseURL:        DefaultAPIBaseURL,
		PushURL:           DefaultAPIBaseURL,
		RSAPrivateKeyPath: filepath.Join(keysDir, "rsa_private.pem"),
		RSAPublicKeyPath:  filepath.Join(keysDir, "rsa_public.pem"),
		KeyFingerprint:    "",
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}

	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = DefaultAPIBaseURL
		updated = true
	}

	if cfg.PushURL == "" {
		cfg.PushURL = cfg.APIBaseURL
		updated = true
	}

	if cfg.RSAPrivateKeyPath == "" {
		cfg.RSAPrivateKeyPath = filepath.Join(keysDir, "rsa_private.pem")
		updated = true
	}

	if cfg.RSAPublicKeyPath == "" {
		cfg.RSAPublicKeyPath = filepath.Join(keysDir, "rsa_public.pem")
		updated = true
	}

	return updated
}

// applyEnvOverrides layers environment values over the persisted config.
// Overrides are runtime-only and never written back to config.json.
func applyEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv(envAPIURL); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv(envPushURL); v != "" {
		cfg.PushURL = v
	}
}
