package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the top-level configuration structure
type Config struct {
	Service   ServiceConfig   `json:"service"`
	Storage   StorageConfig   `json:"storage"`
	Dashboard DashboardConfig `json:"dashboard"`
	Presence  PresenceConfig  `json:"presence"`
	Reports   ReportsConfig   `json:"reports"`
}

// ServiceConfig represents the service configuration section
type ServiceConfig struct {
	Name     string `json:"name"`
	LogLevel string `json:"logLevel"`
}

// StorageConfig represents the storage configuration section
type StorageConfig struct {
	Cache   CacheStorageConfig  `json:"cache"`
	Records RecordStorageConfig `json:"records"`
}

// EngineConfig is a generic holder for engine configurations
type EngineConfig struct {
	Type string `json:"type"`
	// Engine-specific configuration is handled by the specific engine types
	// and unmarshaled from the same JSON object
	BadgerConfig *BadgerConfig `json:"-"`
	MongoConfig  *MongoConfig  `json:"-"`
	MemoryConfig *MemoryConfig `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface to handle
// engine configuration objects with different structures based on type
func (ec *EngineConfig) UnmarshalJSON(data []byte) error {
	// First, parse the type field
	type engineType struct {
		Type string `json:"type"`
	}
	var et engineType
	if err := json.Unmarshal(data, &et); err != nil {
		return err
	}
	ec.Type = et.Type

	// Based on the type, unmarshal to the appropriate config struct
	switch ec.Type {
	case "badger":
		var conf BadgerConfig
		if err := json.Unmarshal(data, &conf); err != nil {
			return err
		}
		ec.BadgerConfig = &conf
	case "mongo":
		var conf MongoConfig
		if err := json.Unmarshal(data, &conf); err != nil {
			return err
		}
		ec.MongoConfig = &conf
	case "memory":
		var conf MemoryConfig
		if err := json.Unmarshal(data, &conf); err != nil {
			return err
		}
		ec.MemoryConfig = &conf
	default:
		// Unknown engines are rejected by validateConfig
	}
	return nil
}

// MarshalJSON implements the json.Marshaler interface to convert the engine
// configuration back to JSON
func (ec *EngineConfig) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	m["type"] = ec.Type

	var specific interface{}
	switch ec.Type {
	case "badger":
		specific = ec.BadgerConfig
	case "mongo":
		specific = ec.MongoConfig
	case "memory":
		specific = ec.MemoryConfig
	}

	if specific != nil {
		raw, err := json.Marshal(specific)
		if err != nil {
			return nil, err
		}
		var additionalFields map[string]interface{}
		if err := json.Unmarshal(raw, &additionalFields); err != nil {
			return nil, err
		}
		for k, v := range additionalFields {
			if k != "type" { // Avoid overwriting the type
				m[k] = v
			}
		}
	}

	return json.Marshal(m)
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	GCInterval         string `json:"gcInterval,omitempty"`
	ValueLogFileSizeMB int    `json:"valueLogFileSizeMB,omitempty"`
	SyncWrites         bool   `json:"syncWrites,omitempty"`
}

// MongoConfig represents the document database connection settings
type MongoConfig struct {
	// Bases maps a base name such as "prod" or "dev" to its connection
	Bases          map[string]BaseConfig `json:"bases"`
	ConnectTimeout string                `json:"connectTimeout,omitempty"`
}

// BaseConfig points at one database
type BaseConfig struct {
	URI      string `json:"uri"`
	Database string `json:"database"`
}

// MemoryConfig represents the in-process engines
type MemoryConfig struct {
	// FixturePath optionally names a JSON file of documents keyed by base
	// and collection, loaded into the in-memory record store at startup
	FixturePath string `json:"fixturePath,omitempty"`
}

// CacheStorageConfig represents the query cache storage configuration
type CacheStorageConfig struct {
	Engine   *EngineConfig `json:"engine"`
	DataPath string        `json:"dataPath"`
}

// RecordStorageConfig represents the record store configuration
type RecordStorageConfig struct {
	Engine *EngineConfig `json:"engine"`
}

// DashboardConfig represents the HTTP API configuration section
type DashboardConfig struct {
	Port      int      `json:"port"`
	Locations []string `json:"locations"`
}

// PresenceConfig represents the presence scanner configuration section
type PresenceConfig struct {
	CollectionConvention string   `json:"collectionConvention"`
	Strategy             string   `json:"strategy"`
	MaxProbesPerSecond   float64  `json:"maxProbesPerSecond,omitempty"`
	MaxBuckets           int      `json:"maxBuckets,omitempty"`
	CacheResults         bool     `json:"cacheResults,omitempty"`
	DefaultBucket        string   `json:"defaultBucket"`
	Features             []string `json:"features"`
}

// ReportsConfig represents defaults shared by the report engine
type ReportsConfig struct {
	DefaultBase     string   `json:"defaultBase"`
	DataCollections []string `json:"dataCollections"`
}

// LoadConfig loads and parses the configuration file
func LoadConfig(configPath string) (*Config, error) {
	// Read the configuration file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses, defaults and validates a JSON configuration
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// applyDefaults fills the optional settings
func applyDefaults(config *Config) {
	if config.Service.LogLevel == "" {
		config.Service.LogLevel = "info"
	}
	if config.Dashboard.Port == 0 {
		config.Dashboard.Port = 8080
	}
	if config.Storage.Cache.Engine == nil {
		config.Storage.Cache.Engine = &EngineConfig{Type: "badger", BadgerConfig: &BadgerConfig{}}
	}
	if config.Presence.CollectionConvention == "" {
		config.Presence.CollectionConvention = "SensorDataPackages"
	}
	if config.Presence.Strategy == "" {
		config.Presence.Strategy = "linear"
	}
	if config.Presence.MaxBuckets == 0 {
		config.Presence.MaxBuckets = 10000
	}
	if config.Presence.DefaultBucket == "" {
		config.Presence.DefaultBucket = "1h"
	}
	if len(config.Presence.Features) == 0 {
		config.Presence.Features = []string{
			"sens_bed_accel_amb",
			"sens_bed_accel_egw",
			"sens_uwb_activity",
			"sens_amb_1_temp",
			"_power_",
			"sens_belt_accel_amb",
			"sens_belt_accel_app",
			"sens_belt_accel_egw",
		}
	}
	if config.Reports.DefaultBase == "" {
		config.Reports.DefaultBase = "prod"
	}
	if len(config.Reports.DataCollections) == 0 {
		config.Reports.DataCollections = []string{"SensorDataPackages"}
	}
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	// Validate service configuration
	if config.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	switch config.Service.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", config.Service.LogLevel)
	}
	if config.Dashboard.Port <= 0 || config.Dashboard.Port > 65535 {
		return fmt.Errorf("invalid dashboard port: %d", config.Dashboard.Port)
	}

	// Validate cache storage
	switch config.Storage.Cache.Engine.Type {
	case "badger":
		if config.Storage.Cache.DataPath == "" {
			return fmt.Errorf("cache data path is required for the badger engine")
		}
		if bc := config.Storage.Cache.Engine.BadgerConfig; bc != nil && bc.GCInterval != "" {
			if _, err := ParseDuration(bc.GCInterval); err != nil {
				return fmt.Errorf("invalid cache GC interval: %w", err)
			}
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported cache engine: %q", config.Storage.Cache.Engine.Type)
	}

	// Validate record storage
	if config.Storage.Records.Engine == nil {
		return fmt.Errorf("record store engine is required")
	}
	switch config.Storage.Records.Engine.Type {
	case "mongo":
		mc := config.Storage.Records.Engine.MongoConfig
		if mc == nil || len(mc.Bases) == 0 {
			return fmt.Errorf("at least one mongo base must be configured")
		}
		for name, base := range mc.Bases {
			if base.URI == "" || base.Database == "" {
				return fmt.Errorf("mongo base %q requires uri and database", name)
			}
		}
		if mc.ConnectTimeout != "" {
			if _, err := ParseDuration(mc.ConnectTimeout); err != nil {
				return fmt.Errorf("invalid mongo connect timeout: %w", err)
			}
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported record store engine: %q", config.Storage.Records.Engine.Type)
	}

	// Validate presence scanning
	switch config.Presence.Strategy {
	case "linear", "bisect":
	default:
		return fmt.Errorf("invalid presence strategy: %s", config.Presence.Strategy)
	}
	if config.Presence.MaxProbesPerSecond < 0 {
		return fmt.Errorf("invalid probe rate: %v", config.Presence.MaxProbesPerSecond)
	}
	if config.Presence.MaxBuckets < 0 {
		return fmt.Errorf("invalid bucket limit: %d", config.Presence.MaxBuckets)
	}
	if d, err := ParseDuration(config.Presence.DefaultBucket); err != nil || d <= 0 {
		return fmt.Errorf("invalid default bucket width: %s", config.Presence.DefaultBucket)
	}

	return nil
}

// ParseDuration parses a duration string (e.g., "30d", "2h", "15min")
func ParseDuration(s string) (time.Duration, error) {
	// Custom parsing for days
	if len(s) > 0 && s[len(s)-1] == 'd' {
		days, err := parseInt(s[:len(s)-1])
		if err != nil {
			return 0, err
		}
		return time.Hour * 24 * time.Duration(days), nil
	}

	// Bucket widths may use a "min" suffix
	if len(s) > 3 && s[len(s)-3:] == "min" {
		minutes, err := parseInt(s[:len(s)-3])
		if err != nil {
			return 0, err
		}
		return time.Minute * time.Duration(minutes), nil
	}

	// Use Go's time.ParseDuration for standard duration formats
	return time.ParseDuration(s)
}

// parseInt parses an integer string, rejecting trailing characters
func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return n, nil
}
