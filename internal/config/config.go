package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Log     LogConfig     `koanf:"log"`
	Cache   CacheConfig   `koanf:"cache"`
	Policy  PolicyConfig  `koanf:"policy"`
	Install InstallConfig `koanf:"install"`
	Network NetworkConfig `koanf:"network"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `koanf:"port"`
	HTTPS HTTPSConfig `koanf:"https"`
}

// HTTPSConfig controls TLS interception
type HTTPSConfig struct {
	Enabled    bool   `koanf:"enabled"`
	CACertFile string `koanf:"ca_cert_file"`
	CAKeyFile  string `koanf:"ca_key_file"`
	// Address of the transparent (SNI based) HTTPS listener, empty to disable.
	TransparentAddr string `koanf:"transparent_addr"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Backend           string `koanf:"backend"` // "memory", "disk", "leveldb" or "sqlite"
	Folder            string `koanf:"folder"`
	StaticGeneration  string `koanf:"static_generation"`
	RuntimeGeneration string `koanf:"runtime_generation"`
}

// PolicyConfig drives request classification
type PolicyConfig struct {
	StaticExtensions []string `koanf:"static_extensions"`
	LiveHosts        []string `koanf:"live_hosts"`
	AuthMarkers      []string `koanf:"auth_markers"`
	ExtensionSchemes []string `koanf:"extension_schemes"`
}

// InstallConfig describes the assets primed into the static generation
type InstallConfig struct {
	Origin       string   `koanf:"origin"`
	Manifest     []string `koanf:"manifest"`
	ManifestFile string   `koanf:"manifest_file"`
	Retries      int      `koanf:"retries"`
	RetryDelay   string   `koanf:"retry_delay"`
	Concurrency  int      `koanf:"concurrency"`
}

type NetworkConfig struct {
	Timeout                string `koanf:"timeout"`
	RefreshTimeout         string `koanf:"refresh_timeout"`
	MaxBackgroundRefreshes int    `koanf:"max_background_refreshes"`
}

var backends = []string{"memory", "disk", "leveldb", "sqlite"}

// Default returns the configuration used for every key the file leaves out
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
		Cache: CacheConfig{
			Backend:           "leveldb",
			Folder:            "./cache",
			StaticGeneration:  "static-v1",
			RuntimeGeneration: "runtime-v1",
		},
		Policy: PolicyConfig{
			StaticExtensions: []string{"png", "jpg", "jpeg", "svg", "gif", "woff", "woff2", "ttf", "css", "js"},
			LiveHosts:        []string{},
			AuthMarkers:      []string{"/auth", "/signout", "/sign-out", "/logout"},
			ExtensionSchemes: []string{"chrome-extension", "moz-extension", "safari-extension", "safari-web-extension"},
		},
		Install: InstallConfig{
			Manifest:    []string{},
			Retries:     3,
			RetryDelay:  "2s",
			Concurrency: 4,
		},
		Network: NetworkConfig{
			Timeout:                "30s",
			RefreshTimeout:         "30s",
			MaxBackgroundRefreshes: 32,
		},
	}
}

// Load loads configuration from a YAML file, on top of Default()
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if config.Install.ManifestFile != "" {
		paths, err := LoadManifest(config.Install.ManifestFile)
		if err != nil {
			return nil, err
		}
		config.Install.Manifest = append(config.Install.Manifest, paths...)
	}

	return &config, nil
}

// LoadManifest reads a YAML list of paths to prime at install time
func LoadManifest(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}

	var paths []string
	if err := yamlv3.Unmarshal(data, &paths); err != nil {
		return nil, fmt.Errorf("parsing manifest YAML: %w", err)
	}
	return paths, nil
}

// Watch calls onChange with the freshly loaded configuration every time the
// file changes. Invalid configurations are logged and skipped.
func Watch(path string, onChange func(*Config)) (stop func(), err error) {
	f := file.Provider(path)
	err = f.Watch(func(event interface{}, err error) {
		if err != nil {
			logrus.Errorf("Config watcher error: %v", err)
			return
		}
		cfg, err := Load(path)
		if err != nil {
			logrus.Errorf("Failed to reload config %s: %v", path, err)
			return
		}
		if err := cfg.Validate(); err != nil {
			logrus.Errorf("Ignoring invalid config %s: %v", path, err)
			return
		}
		logrus.Infof("Reloaded config from %s", path)
		onChange(cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	return func() { _ = f.Unwatch() }, nil
}

// GetNetworkTimeout parses and returns the per-request network timeout
func (c *Config) GetNetworkTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.Timeout)
}

// GetRefreshTimeout parses and returns the background refresh timeout
func (c *Config) GetRefreshTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Network.RefreshTimeout)
}

// GetRetryDelay parses and returns the delay between install attempts
func (c *Config) GetRetryDelay() (time.Duration, error) {
	return time.ParseDuration(c.Install.RetryDelay)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if !contains(backends, c.Cache.Backend) {
		return fmt.Errorf("cache backend must be one of %s, got: %s", strings.Join(backends, ", "), c.Cache.Backend)
	}

	if c.Cache.Backend != "memory" && c.Cache.Folder == "" {
		return fmt.Errorf("cache folder is required")
	}

	if c.Cache.StaticGeneration == "" || c.Cache.RuntimeGeneration == "" {
		return fmt.Errorf("static and runtime generation names are required")
	}

	if c.Cache.StaticGeneration == c.Cache.RuntimeGeneration {
		return fmt.Errorf("static and runtime generations must differ, both are %q", c.Cache.StaticGeneration)
	}

	if _, err := c.GetNetworkTimeout(); err != nil {
		return fmt.Errorf("invalid network timeout format: %w", err)
	}

	if _, err := c.GetRefreshTimeout(); err != nil {
		return fmt.Errorf("invalid refresh timeout format: %w", err)
	}

	if _, err := c.GetRetryDelay(); err != nil {
		return fmt.Errorf("invalid install retry delay format: %w", err)
	}

	if c.Install.Concurrency <= 0 {
		return fmt.Errorf("install concurrency must be positive, got: %d", c.Install.Concurrency)
	}

	if len(c.Install.Manifest) > 0 {
		u, err := url.Parse(c.Install.Origin)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("install origin must be an absolute URL when a manifest is set, got: %q", c.Install.Origin)
		}
	}

	if c.Server.HTTPS.CACertFile != "" && c.Server.HTTPS.CAKeyFile == "" {
		return fmt.Errorf("https CA key file is required when a CA certificate is set")
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
