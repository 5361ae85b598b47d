// Package config provides configuration management for Zource
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const encryptedPrefix = "encrypted:"

// Config represents the main Zource configuration
type Config struct {
	Version string        `yaml:"version"`
	System  SystemConfig  `yaml:"system"`
	Server  ServerConfig  `yaml:"server"`
	Plugins PluginsConfig `yaml:"plugins"`
	Events  EventsConfig  `yaml:"events"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// PluginsConfig holds plugin installation settings
type PluginsConfig struct {
	Dir               string        `yaml:"dir"`
	TmpDir            string        `yaml:"tmp_dir"`
	AutoloaderPath    string        `yaml:"autoloader_path"`
	CatalogPath       string        `yaml:"catalog_path,omitempty"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	MaxDownloadMB     int           `yaml:"max_download_mb"`
	MaxArchiveEntries int           `yaml:"max_archive_entries"`
	MaxExtractedMB    int           `yaml:"max_extracted_mb"`
	DownloadToken     string        `yaml:"download_token,omitempty"`
}

// EventsConfig holds embedded event bus settings
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Default returns a configuration rooted at dataPath with every default applied
func Default(dataPath string) *Config {
	cfg := &Config{
		Version: "1.0",
		System: SystemConfig{
			Name:     "Zource",
			DataPath: dataPath,
		},
		Events: EventsConfig{Enabled: true},
		encKey: getEncryptionKey(),
	}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unset keys keep their defaults
	cfg := &Config{Events: EventsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// LoadOrDefault loads path, or writes a default configuration there when it does not exist
func LoadOrDefault(path, dataPath string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = Default(dataPath)
	cfg.path = path
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to its YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	if c.path == "" {
		return fmt.Errorf("config path not set")
	}

	cfgCopy := &Config{
		Version: c.Version,
		System:  c.System,
		Server:  c.Server,
		Plugins: c.Plugins,
		Events:  c.Events,
		encKey:  c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Zource configuration\n# Secrets are stored encrypted; manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch reloads the configuration whenever its file changes, until stop is closed.
// The parent directory is watched so that atomic renames are observed.
func (c *Config) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := c.GetPath()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Field by field so the mutex is not copied
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Server = newCfg.Server
	c.Plugins = newCfg.Plugins
	c.Events = newCfg.Events
	c.encKey = newCfg.encKey
	watchers := append([]func(*Config){}, c.watchers...)
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// PluginSettings returns a copy of the plugin settings
func (c *Config) PluginSettings() PluginsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Plugins
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ParseLevel(c.System.Logging.Level)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "Zource"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = filepath.Join(c.System.DataPath, "zource.db")
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0:8080"
	}
	if c.Plugins.Dir == "" {
		c.Plugins.Dir = filepath.Join(c.System.DataPath, "plugins")
	}
	if c.Plugins.TmpDir == "" {
		c.Plugins.TmpDir = filepath.Join(c.System.DataPath, "tmp")
	}
	if c.Plugins.AutoloaderPath == "" {
		c.Plugins.AutoloaderPath = filepath.Join(c.Plugins.Dir, "autoloader.yaml")
	}
	if c.Plugins.FetchTimeout <= 0 {
		c.Plugins.FetchTimeout = 60 * time.Second
	}
	if c.Plugins.MaxDownloadMB <= 0 {
		c.Plugins.MaxDownloadMB = 100
	}
	if c.Plugins.MaxArchiveEntries <= 0 {
		c.Plugins.MaxArchiveEntries = 10000
	}
	if c.Plugins.MaxExtractedMB <= 0 {
		c.Plugins.MaxExtractedMB = 500
	}
	if c.Events.Host == "" {
		c.Events.Host = "127.0.0.1"
	}
}

func (c *Config) encryptSecrets() error {
	if c.Plugins.DownloadToken == "" || strings.HasPrefix(c.Plugins.DownloadToken, encryptedPrefix) {
		return nil
	}
	encrypted, err := encrypt(c.encKey, c.Plugins.DownloadToken)
	if err != nil {
		return err
	}
	c.Plugins.DownloadToken = encryptedPrefix + encrypted
	return nil
}

func (c *Config) decryptSecrets() error {
	if !strings.HasPrefix(c.Plugins.DownloadToken, encryptedPrefix) {
		return nil
	}
	decrypted, err := decrypt(c.encKey, strings.TrimPrefix(c.Plugins.DownloadToken, encryptedPrefix))
	if err != nil {
		return err
	}
	c.Plugins.DownloadToken = decrypted
	return nil
}

// getEncryptionKey returns the key from ZOURCE_ENCRYPTION_KEY (base64, 32 bytes) or the built-in default
func getEncryptionKey() []byte {
	if keyStr := os.Getenv("ZOURCE_ENCRYPTION_KEY"); keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
		slog.Warn("Ignoring ZOURCE_ENCRYPTION_KEY: expected 32 base64-encoded bytes")
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("zource-default-key-replace-me!!!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
