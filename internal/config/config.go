/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	// DefaultAPIURL is the API root of a TrueNAS SCALE appliance
	DefaultAPIURL = "https://localhost/api/v2.0"

	// FileEnv names the environment variable holding the config file path
	FileEnv = "TRUENAS_INCUS_CONFIG"
)

// Config holds all configuration for truenas-incus components
type Config struct {
	// API connection configuration
	API APIConfig `yaml:"api"`

	// Logging configuration
	Log LogConfig `yaml:"log"`

	// Tracing configuration
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configuration
	Metrics MetricsConfig `yaml:"metrics"`
}

// APIConfig holds the TrueNAS connection settings
type APIConfig struct {
	URL                string        `yaml:"url"`
	Key                string        `yaml:"key"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
	RequestTimeout     time.Duration `yaml:"requestTimeout"`
	PollInterval       time.Duration `yaml:"pollInterval"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRatio     float64 `yaml:"samplingRatio"`
	InsecureTransport bool    `yaml:"insecureTransport"`
}

// MetricsConfig holds metrics export configuration
type MetricsConfig struct {
	// Textfile is a node_exporter textfile path; empty disables export
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			URL: getEnvWithDefault("TRUENAS_API_URL", DefaultAPIURL),
			Key: os.Getenv("TRUENAS_API_KEY"),
			// Appliances ship with self-signed certificates.
			InsecureSkipVerify: getEnvBoolWithDefault("TRUENAS_INSECURE_SKIP_VERIFY", true),
			RequestTimeout:     getEnvDurationWithDefault("TRUENAS_REQUEST_TIMEOUT", 30*time.Second),
			PollInterval:       getEnvDurationWithDefault("TRUENAS_POLL_INTERVAL", 2*time.Second),
		},
		Log: LogConfig{
			Level:       getEnvWithDefault("LOG_LEVEL", "info"),
			Format:      getEnvWithDefault("LOG_FORMAT", "json"),
			Development: getEnvBoolWithDefault("LOG_DEVELOPMENT", false),
		},
		Tracing: TracingConfig{
			Enabled:           getEnvBoolWithDefault("TRUENAS_TRACING_ENABLED", false),
			Endpoint:          getEnvWithDefault("TRUENAS_TRACING_ENDPOINT", ""),
			SamplingRatio:     getEnvFloatWithDefault("TRUENAS_TRACING_SAMPLING_RATIO", 1.0),
			InsecureTransport: getEnvBoolWithDefault("TRUENAS_TRACING_INSECURE", true),
		},
		Metrics: MetricsConfig{
			Textfile: getEnvWithDefault("TRUENAS_METRICS_TEXTFILE", ""),
		},
	}
}

// Load returns the default configuration overlaid with the YAML file at
// path. An empty path falls back to $TRUENAS_INCUS_CONFIG; if that is unset
// too, only the defaults apply.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path == "" {
		return config, nil
	}

	if err := loadFromFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to load config from file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values that cannot be corrected with a default
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return fmt.Errorf("api.url must not be empty")
	}
	if c.API.RequestTimeout < 0 {
		return fmt.Errorf("api.requestTimeout must not be negative")
	}
	if c.API.PollInterval <= 0 {
		return fmt.Errorf("api.pollInterval must be positive")
	}
	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		return fmt.Errorf("tracing.samplingRatio must be between 0 and 1")
	}
	return nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.UnmarshalStrict(data, config)
}

// Helper functions for environment variable parsing

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolWithDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatWithDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationWithDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
