package utils

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	API  APIConfig  `json:"api" yaml:"api"`
	Data DataConfig `json:"data" yaml:"data"`
	Log  LogConfig  `json:"log" yaml:"log"`
}

// APIConfig represents chat API transport configuration. The credential
// itself lives in the user settings stored in the database.
type APIConfig struct {
	BaseURL                      string `json:"base_url" yaml:"base_url"`
	ConnectTimeoutSeconds        int    `json:"connect_timeout_seconds,omitempty" yaml:"connect_timeout_seconds,omitempty"`
	ResponseHeaderTimeoutSeconds int    `json:"response_header_timeout_seconds,omitempty" yaml:"response_header_timeout_seconds,omitempty"`
	GenerateTitles               bool   `json:"generate_titles" yaml:"generate_titles"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DBPath string `json:"db_path" yaml:"db_path"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Dir   string `json:"dir" yaml:"dir"`
	Quiet bool   `json:"quiet" yaml:"quiet"`
}

// ConnectTimeout returns the dial timeout, zero meaning the client default
func (c APIConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout returns how long to wait for response headers
func (c APIConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutSeconds) * time.Second
}

// DefaultConfig returns the configuration written on first run
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:                      "https://api.openai.com/v1",
			ConnectTimeoutSeconds:        30,
			ResponseHeaderTimeoutSeconds: 120,
		},
		Data: DataConfig{
			DBPath: "./data/chat.db",
		},
		Log: LogConfig{
			Dir: "./logs",
		},
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// LoadConfig loads configuration from a JSON or YAML file. Missing fields
// keep their defaults.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if isYAML(configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Expand paths
	if config.Data.DBPath != "" {
		config.Data.DBPath = expandPath(config.Data.DBPath)
	}
	if config.Log.Dir != "" {
		config.Log.Dir = expandPath(config.Log.Dir)
	}

	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(configPath string, config *Config) error {
	var data []byte
	var err error
	if isYAML(configPath) {
		data, err = yaml.Marshal(config)
	} else {
		data, err = json.MarshalIndent(config, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandPath expands ~ and relative paths
func expandPath(path string) string {
	if len(path) == 0 {
		return path
	}

	// Expand ~
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[1:])
		}
	}

	// Make absolute
	absPath, err := filepath.Abs(path)
	if err == nil {
		return absPath
	}

	return path
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	// Try to get user config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		// Fallback to current directory
		return "./config/default.json"
	}

	return filepath.Join(configDir, "character-chat", "config.json")
}

// EnsureDefaultConfig creates a default config file if it doesn't exist
func EnsureDefaultConfig() (string, error) {
	configPath := GetConfigPath()

	// Check if config exists
	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}

	if err := SaveConfig(configPath, DefaultConfig()); err != nil {
		return "", err
	}

	return configPath, nil
}
