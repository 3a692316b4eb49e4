package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the hitcapture configuration
type Config struct {
	Port             int      `json:"port,omitempty" yaml:"port,omitempty"`
	BindAddress      string   `json:"bindAddress,omitempty" yaml:"bindAddress,omitempty"`
	OutputDir        string   `json:"outputDir,omitempty" yaml:"outputDir,omitempty"`
	Format           string   `json:"format,omitempty" yaml:"format,omitempty"` // har or sqlite
	Proxy            string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`   // upstream proxy URL
	Bypass           []string `json:"bypass,omitempty" yaml:"bypass,omitempty"` // hosts reached without the upstream proxy
	Anonymize        *bool    `json:"anonymize,omitempty" yaml:"anonymize,omitempty"`
	RedactHeaders    []string `json:"redactHeaders,omitempty" yaml:"redactHeaders,omitempty"`
	Echo             *bool    `json:"echo,omitempty" yaml:"echo,omitempty"`
	EchoRate         float64  `json:"echoRate,omitempty" yaml:"echoRate,omitempty"` // lines per second
	NoColor          *bool    `json:"noColor,omitempty" yaml:"noColor,omitempty"`
	Keystore         string   `json:"keystore,omitempty" yaml:"keystore,omitempty"`
	LogLevel         string   `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	LogFile          string   `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	MaxBodySize      int64    `json:"maxBodySize,omitempty" yaml:"maxBodySize,omitempty"` // bytes
	InsecureUpstream *bool    `json:"insecureUpstream,omitempty" yaml:"insecureUpstream,omitempty"`
}

// BoolPtr returns a pointer to a bool value
func BoolPtr(b bool) *bool {
	return &b
}

// getBool returns the value of a bool pointer, or the default if nil
func getBool(b *bool, defaultVal bool) bool {
	if b == nil {
		return defaultVal
	}
	return *b
}

// GetAnonymize returns the anonymize setting, defaulting to true
func (c *Config) GetAnonymize() bool {
	return getBool(c.Anonymize, true)
}

// GetEcho returns the echo setting, defaulting to true
func (c *Config) GetEcho() bool {
	return getBool(c.Echo, true)
}

// GetNoColor returns the no color setting, defaulting to false
func (c *Config) GetNoColor() bool {
	return getBool(c.NoColor, false)
}

// GetInsecureUpstream returns whether upstream certificates are not verified,
// defaulting to false
func (c *Config) GetInsecureUpstream() bool {
	return getBool(c.InsecureUpstream, false)
}

// ConfigFilenames contains the possible config file names
var ConfigFilenames = []string{
	".hitcapture.yaml",
	".hitcapture.yml",
	"hitcapture.yaml",
	".hitcapture.json",
	"hitcapture.json",
}

// LoadConfig loads configuration from the specified path or searches for config files
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return loadConfigFromFile(path)
	}

	// Search for config file in current directory
	return FindAndLoadConfig(".")
}

// FindAndLoadConfig searches for a config file in the given directory
func FindAndLoadConfig(dir string) (*Config, error) {
	for _, filename := range ConfigFilenames {
		configPath := filepath.Join(dir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return loadConfigFromFile(configPath)
		}
	}

	// Return defaults if no config file found
	return DefaultConfig(), nil
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if isJSON(path) {
		err = json.Unmarshal(data, config)
	} else {
		err = yaml.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}

// Validate checks values that cannot be defaulted
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch strings.ToLower(c.Format) {
	case "", "har", "sqlite":
	default:
		return fmt.Errorf("unsupported format %q (use har or sqlite)", c.Format)
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("maxBodySize must not be negative")
	}
	return nil
}

// Merge merges another config into this one, with other taking precedence
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c // Copy

	if other.Port > 0 {
		result.Port = other.Port
	}
	if other.BindAddress != "" {
		result.BindAddress = other.BindAddress
	}
	if other.OutputDir != "" {
		result.OutputDir = other.OutputDir
	}
	if other.Format != "" {
		result.Format = other.Format
	}
	if other.Proxy != "" {
		result.Proxy = other.Proxy
	}
	if other.EchoRate > 0 {
		result.EchoRate = other.EchoRate
	}
	if other.Keystore != "" {
		result.Keystore = other.Keystore
	}
	if other.LogLevel != "" {
		result.LogLevel = other.LogLevel
	}
	if other.LogFile != "" {
		result.LogFile = other.LogFile
	}
	if other.MaxBodySize > 0 {
		result.MaxBodySize = other.MaxBodySize
	}

	// Boolean flags - only override if explicitly set in other config
	if other.Anonymize != nil {
		result.Anonymize = other.Anonymize
	}
	if other.Echo != nil {
		result.Echo = other.Echo
	}
	if other.NoColor != nil {
		result.NoColor = other.NoColor
	}
	if other.InsecureUpstream != nil {
		result.InsecureUpstream = other.InsecureUpstream
	}

	// Lists are appended, keeping the order and dropping duplicates
	result.Bypass = appendUnique(c.Bypass, other.Bypass)
	result.RedactHeaders = appendUnique(c.RedactHeaders, other.RedactHeaders)

	return &result
}

func appendUnique(base, extra []string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]bool, len(base)+len(extra))
	for _, s := range append(append([]string{}, base...), extra...) {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// SaveConfig saves the configuration to a file, as JSON or YAML depending on
// the extension
func (c *Config) SaveConfig(path string) error {
	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
