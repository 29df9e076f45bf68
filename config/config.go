package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"wsdrop/protocol"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "wsdrop"
	// EnvPrefix prefixes every environment override, e.g. WSDROP_RELAY_URL.
	EnvPrefix = "WSDROP"

	DefaultRelayURL      = "ws://localhost:8081/ws"
	DefaultListenAddress = ":8081"
	DefaultChunkSize     = 64 * 1024
	DefaultMaxFileSize   = 500 * 1024 * 1024
	DefaultPacingDelayMS = 5
	DefaultMDNSService   = "_wsdrop._tcp"
	DefaultServiceName   = "wsdrop-relay"

	configFileName = "config.json"
	logFileName    = "wsdrop.log"
)

// ErrUsernameRequired is returned by client commands run without a username.
var ErrUsernameRequired = errors.New("config: username is required")

// Config contains persistent settings shared by the relay and the client.
type Config struct {
	Username      string `json:"username" mapstructure:"username"`
	RelayURL      string `json:"relay_url" mapstructure:"relay_url"`
	ListenAddress string `json:"listen_address" mapstructure:"listen_address"`
	ChunkSize     uint32 `json:"chunk_size" mapstructure:"chunk_size"`
	MaxFileSize   uint64 `json:"max_file_size" mapstructure:"max_file_size"`
	// PacingDelayMS is the pause between chunks; negative disables pacing.
	PacingDelayMS int64  `json:"pacing_delay_ms" mapstructure:"pacing_delay_ms"`
	DownloadsDir  string `json:"downloads_dir" mapstructure:"downloads_dir"`
	LogFile       string `json:"log_file" mapstructure:"log_file"`
	Debug         bool   `json:"debug" mapstructure:"debug"`
	MDNSService   string `json:"mdns_service" mapstructure:"mdns_service"`
	ServiceName   string `json:"service_name" mapstructure:"service_name"`
}

// PacingDelay converts PacingDelayMS for the transfer engine.
func (c *Config) PacingDelay() time.Duration {
	if c.PacingDelayMS < 0 {
		return -1
	}
	return time.Duration(c.PacingDelayMS) * time.Millisecond
}

// RequireUsername fails when no username is configured.
func (c *Config) RequireUsername() error {
	if strings.TrimSpace(c.Username) == "" {
		return ErrUsernameRequired
	}
	return nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WSDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(EnvPrefix + "_DATA_DIR"); override != "" {
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
		filepath.Join(dataDir, "downloads"),
		filepath.Join(dataDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads config.json through viper and applies WSDROP_* overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
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

// LoadOrCreate loads an optional .env, ensures directories and config
// exist, then returns the effective config and its path.
func LoadOrCreate() (*Config, string, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("load .env: %w", err)
	}

	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	stored, err := readFile(cfgPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := Save(cfgPath, defaultConfig(dataDir)); err != nil {
			return nil, "", err
		}
	case err != nil:
		return nil, "", err
	case normalizeDefaults(stored, dataDir):
		if err := Save(cfgPath, stored); err != nil {
			return nil, "", err
		}
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	normalizeDefaults(cfg, dataDir)
	return cfg, cfgPath, nil
}

// readFile decodes config.json without environment overrides, so that
// normalization never persists values that came from the environment.
func readFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("username", "")
	v.SetDefault("relay_url", DefaultRelayURL)
	v.SetDefault("listen_address", DefaultListenAddress)
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("max_file_size", DefaultMaxFileSize)
	v.SetDefault("pacing_delay_ms", DefaultPacingDelayMS)
	v.SetDefault("downloads_dir", "")
	v.SetDefault("log_file", "")
	v.SetDefault("debug", false)
	v.SetDefault("mdns_service", DefaultMDNSService)
	v.SetDefault("service_name", DefaultServiceName)
}

func defaultUsername() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return ""
}

func defaultConfig(dataDir string) *Config {
	return &Config{
		Username:      defaultUsername(),
		RelayURL:      DefaultRelayURL,
		ListenAddress: DefaultListenAddress,
		ChunkSize:     DefaultChunkSize,
		MaxFileSize:   DefaultMaxFileSize,
		PacingDelayMS: DefaultPacingDelayMS,
		DownloadsDir:  filepath.Join(dataDir, "downloads"),
		LogFile:       filepath.Join(dataDir, "logs", logFileName),
		MDNSService:   DefaultMDNSService,
		ServiceName:   DefaultServiceName,
	}
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	defaults := defaultConfig(dataDir)

	if strings.TrimSpace(cfg.Username) != cfg.Username {
		cfg.Username = strings.TrimSpace(cfg.Username)
		updated = true
	}
	if cfg.Username == "" && defaults.Username != "" {
		cfg.Username = defaults.Username
		updated = true
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = defaults.RelayURL
		updated = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaults.ListenAddress
		updated = true
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = defaults.ChunkSize
		updated = true
	}
	if cfg.ChunkSize > protocol.MaxChunkSize {
		cfg.ChunkSize = protocol.MaxChunkSize
		updated = true
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = defaults.MaxFileSize
		updated = true
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = defaults.DownloadsDir
		updated = true
	}
	if cfg.LogFile == "" {
		cfg.LogFile = defaults.LogFile
		updated = true
	}
	if cfg.MDNSService == "" {
		cfg.MDNSService = defaults.MDNSService
		updated = true
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaults.ServiceName
		updated = true
	}

	return updated
}
