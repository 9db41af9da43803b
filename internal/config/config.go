// Package config loads the tester configuration from a YAML file with
// sane defaults, so the binary runs out of the box against a loopback bus.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	API        APIConfig        `yaml:"api"`
	Transport  TransportConfig  `yaml:"transport"`
	Recordings RecordingsConfig `yaml:"recordings"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	BatchSize  int              `yaml:"batchSize"`
	LogLevel   string           `yaml:"logLevel"`
}

// APIConfig holds the HTTP server settings
type APIConfig struct {
	Port int `yaml:"port"`
}

// TransportConfig selects and parametrizes the CAN bus backend.
// Kind is "socketcan" for a real kernel interface or "loopback" for an
// in-memory bus that needs no hardware.
type TransportConfig struct {
	Kind          string `yaml:"kind"`
	Interface     string `yaml:"interface"`
	Bitrate       int    `yaml:"bitrate"`
	StatsInterval int    `yaml:"statsInterval"`
}

// RecordingsConfig holds recording persistence settings
type RecordingsConfig struct {
	Dir string `yaml:"dir"`
}

// ClickHouseConfig holds the optional event archive sink settings
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// InfluxDBConfig holds the optional decoded-signal sink settings
type InfluxDBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Database string `yaml:"database"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		API: APIConfig{Port: 8000},
		Transport: TransportConfig{
			Kind:          "socketcan",
			Interface:     "vcan0",
			Bitrate:       500000,
			StatsInterval: 10,
		},
		Recordings: RecordingsConfig{Dir: "recordings"},
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "default",
			Username: "default",
			Table:    "can_events",
		},
		InfluxDB: InfluxDBConfig{
			URL:      "http://localhost:8086",
			Database: "can_signals",
		},
		BatchSize: 1000,
		LogLevel:  "info",
	}
}

// Load reads a YAML config file, applying defaults for anything omitted.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("invalid api port %d", c.API.Port)
	}
	switch c.Transport.Kind {
	case "socketcan", "loopback":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive")
	}
	return nil
}
