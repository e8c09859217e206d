package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"sync"
)

// Config holds all application configuration values for the ziggotv proxy.
// It covers operator credentials, the loopback proxy endpoint, playback
// preferences, and the timers that drive session and token refresh.
type Config struct {
	Username            string        `json:"username"`            // Operator account username (email address)
	Password            string        `json:"password"`            // Operator account password
	ProxyIP             string        `json:"proxyIP"`             // Loopback address the proxy binds to
	ProxyPort           int           `json:"proxyPort"`           // Port the proxy listens on
	UseProxy            bool          `json:"useProxy"`            // When false, locators get the token spliced in directly
	FullHD              bool          `json:"fullHD"`              // Prefer the HEVC (full-HD) locator when available
	AdultAllowed        bool          `json:"adultAllowed"`        // Include adult channels in channel listings
	PrintNetworkTraffic bool          `json:"printNetworkTraffic"` // Log full request/response lines including tokens
	AllowedChannelsOnly bool          `json:"allowedChannelsOnly"` // Only list channels covered by current entitlements
	Profile             string        `json:"profile"`             // Preferred profile name; empty means household default
	LogLevel            string        `json:"logLevel"`            // DEBUG, INFO, WARN or ERROR
	DataDir             string        `json:"dataDir"`             // Directory for persisted JSON state (cookies, session, epg, ...)
	SessionInterval     time.Duration `json:"sessionInterval"`     // How often the session timer re-runs login + channel refresh
	TokenInterval       time.Duration `json:"tokenInterval"`       // How often the streaming token is refreshed while playing
	RequestTimeout      time.Duration `json:"requestTimeout"`      // Timeout for broker/RPC upstream requests
	SegmentTimeout      time.Duration `json:"segmentTimeout"`      // Timeout for segment fetches
	EPGWorkers          int           `json:"epgWorkers"`          // Worker pool size for EPG window fetches
	EPGRequestsPerSec   int           `json:"epgRequestsPerSec"`   // Rate limit for EPG and detail fetches against the operator
}

// ConfigFile represents the JSON file structure for unmarshaling configuration.
// Duration fields are stored as strings (e.g. "600s") and parsed into
// time.Duration values.
type ConfigFile struct {
	Username            string `json:"username"`
	Password            string `json:"password"`
	ProxyIP             string `json:"proxyIP"`
	ProxyPort           int    `json:"proxyPort"`
	UseProxy            *bool  `json:"useProxy"`
	FullHD              bool   `json:"fullHD"`
	AdultAllowed        bool   `json:"adultAllowed"`
	PrintNetworkTraffic bool   `json:"printNetworkTraffic"`
	AllowedChannelsOnly bool   `json:"allowedChannelsOnly"`
	Profile             string `json:"profile"`
	LogLevel            string `json:"logLevel"`
	DataDir             string `json:"dataDir"`
	SessionInterval     string `json:"sessionInterval"`   // Duration string (e.g. "600s")
	TokenInterval       string `json:"tokenInterval"`     // Duration string (e.g. "60s")
	RequestTimeout      string `json:"requestTimeout"`    // Duration string (e.g. "60s")
	SegmentTimeout      string `json:"segmentTimeout"`    // Duration string (e.g. "10s")
	EPGWorkers          int    `json:"epgWorkers"`
	EPGRequestsPerSec   int    `json:"epgRequestsPerSec"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from $ZIGGOTV_CONFIG, falling back to
//     /settings/ziggotv.json.
//   - Falls back to default config if the file is missing or invalid.
//   - Applies ZIGGOTV_USERNAME / ZIGGOTV_PASSWORD environment overrides.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("ZIGGOTV_CONFIG")
	if configPath == "" {
		configPath = "/settings/ziggotv.json"
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Environment overrides, useful for containers
	if v := os.Getenv("ZIGGOTV_USERNAME"); v != "" {
		config.Username = v
	}
	if v := os.Getenv("ZIGGOTV_PASSWORD"); v != "" {
		config.Password = v
	}

	validateAndSetDefaults(config)

	configCache = config
	return config
}

// Reset drops the cached configuration. Only used from tests.
func Reset() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config,
// parsing duration strings into time.Duration.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		Username:            cf.Username,
		Password:            cf.Password,
		ProxyIP:             cf.ProxyIP,
		ProxyPort:           cf.ProxyPort,
		UseProxy:            true,
		FullHD:              cf.FullHD,
		AdultAllowed:        cf.AdultAllowed,
		PrintNetworkTraffic: cf.PrintNetworkTraffic,
		AllowedChannelsOnly: cf.AllowedChannelsOnly,
		Profile:             cf.Profile,
		LogLevel:            cf.LogLevel,
		DataDir:             cf.DataDir,
		EPGWorkers:          cf.EPGWorkers,
		EPGRequestsPerSec:   cf.EPGRequestsPerSec,
	}
	if cf.UseProxy != nil {
		config.UseProxy = *cf.UseProxy
	}

	// Parse duration fields, empty strings keep the zero value and pick up
	// defaults during validation
	var err error
	if cf.SessionInterval != "" {
		if config.SessionInterval, err = time.ParseDuration(cf.SessionInterval); err != nil {
			return nil, fmt.Errorf("invalid sessionInterval: %w", err)
		}
	}
	if cf.TokenInterval != "" {
		if config.TokenInterval, err = time.ParseDuration(cf.TokenInterval); err != nil {
			return nil, fmt.Errorf("invalid tokenInterval: %w", err)
		}
	}
	if cf.RequestTimeout != "" {
		if config.RequestTimeout, err = time.ParseDuration(cf.RequestTimeout); err != nil {
			return nil, fmt.Errorf("invalid requestTimeout: %w", err)
		}
	}
	if cf.SegmentTimeout != "" {
		if config.SegmentTimeout, err = time.ParseDuration(cf.SegmentTimeout); err != nil {
			return nil, fmt.Errorf("invalid segmentTimeout: %w", err)
		}
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration
// with sensible defaults when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ProxyIP:           "127.0.0.1",
		ProxyPort:         6868,
		UseProxy:          true,
		LogLevel:          "INFO",
		SessionInterval:   600 * time.Second,
		TokenInterval:     60 * time.Second,
		RequestTimeout:    60 * time.Second,
		SegmentTimeout:    10 * time.Second,
		EPGWorkers:        4,
		EPGRequestsPerSec: 5,
	}
}

// validateAndSetDefaults ensures all config values are valid,
// filling in defaults for missing/invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ProxyIP == "" {
		config.ProxyIP = "127.0.0.1"
	}
	if config.ProxyPort <= 0 || config.ProxyPort > 65535 {
		config.ProxyPort = 6868
	}
	if config.LogLevel == "" {
		config.LogLevel = "INFO"
	}
	if config.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		config.DataDir = filepath.Join(home, ".ziggotv")
	}
	if config.SessionInterval <= 0 {
		config.SessionInterval = 600 * time.Second
	}
	if config.TokenInterval <= 0 {
		config.TokenInterval = 60 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}
	if config.SegmentTimeout <= 0 {
		config.SegmentTimeout = 10 * time.Second
	}
	if config.EPGWorkers <= 0 {
		config.EPGWorkers = 4
	}
	if config.EPGRequestsPerSec <= 0 {
		config.EPGRequestsPerSec = 5
	}
}

// ProxyAddress returns the host:port the loopback server binds to.
func (c *Config) ProxyAddress() string {
	return fmt.Sprintf("%s:%d", c.ProxyIP, c.ProxyPort)
}

// HasCredentials reports whether both username and password are set.
// The broker refuses to start without them.
func (c *Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}
