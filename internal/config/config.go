package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for a MeshNet site process
type Config struct {
	// Site identity
	Region   string `mapstructure:"region"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	// Store configuration
	Store StoreConfig `mapstructure:"store"`

	// Cross-region replication configuration
	Sync SyncConfig `mapstructure:"sync"`
}

// StoreConfig defines document store configuration
type StoreConfig struct {
	Backend    string `mapstructure:"backend"` // mongodb, memory
	URI        string `mapstructure:"uri"`
	ReplicaSet string `mapstructure:"replica_set"`
	Database   string `mapstructure:"database"`
}

// SyncConfig defines replication daemon configuration
type SyncConfig struct {
	RemoteRegions          []string `mapstructure:"remote_regions"`
	IntervalSeconds        int      `mapstructure:"interval"`
	RequestTimeoutSeconds  int      `mapstructure:"request_timeout"`
	IslandThresholdSeconds int      `mapstructure:"island_threshold"`

	// raw JSON form of remote_regions, as passed via the REMOTE_REGIONS
	// environment variable
	RemoteRegionsJSON string `mapstructure:"remote_regions_json"`
}

// Interval returns the daemon loop period
func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// RequestTimeout returns the per-peer HTTP timeout
func (s SyncConfig) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// IslandThreshold returns how long all peers must be failing before the site
// declares island mode
func (s SyncConfig) IslandThreshold() time.Duration {
	return time.Duration(s.IslandThresholdSeconds) * time.Second
}

// ValidRegions are the three deployed sites
var ValidRegions = []string{"north_america", "europe", "asia_pacific"}

// ValidPostTypes is the closed set of post categories
var ValidPostTypes = []string{"shelter", "food", "medical", "water", "safety", "help"}

var regionDisplayNames = map[string]string{
	"north_america": "North America",
	"europe":        "Europe",
	"asia_pacific":  "Asia-Pacific",
}

// ValidateRegion reports whether region names a deployed site
func ValidateRegion(region string) bool {
	for _, r := range ValidRegions {
		if r == region {
			return true
		}
	}
	return false
}

// ValidatePostType reports whether postType is in the allowed set
func ValidatePostType(postType string) bool {
	for _, t := range ValidPostTypes {
		if t == postType {
			return true
		}
	}
	return false
}

// RegionDisplayName returns the human-readable name for a region
func RegionDisplayName(region string) string {
	if name, ok := regionDisplayNames[region]; ok {
		return name
	}
	return region
}

// Load loads configuration from flags, config file, and environment variables
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("region", "north_america")
	v.SetDefault("port", 5010)
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)

	v.SetDefault("store.backend", "mongodb")
	v.SetDefault("store.uri", "mongodb://localhost:27017/meshnetwork")
	v.SetDefault("store.replica_set", "rs-na")
	v.SetDefault("store.database", "meshnetwork")

	v.SetDefault("sync.remote_regions", []string{})
	v.SetDefault("sync.interval", 5)
	v.SetDefault("sync.request_timeout", 3)
	v.SetDefault("sync.island_threshold", 10)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"region":        "region",
		"port":          "port",
		"log-level":     "log_level",
		"store-backend": "store.backend",
		"mongodb-uri":   "store.uri",
	}

	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	return nil
}

// bindEnv wires the deployment environment variable names onto config keys
func bindEnv(v *viper.Viper) {
	v.BindEnv("region", "REGION")
	v.BindEnv("port", "FLASK_PORT", "PORT")
	v.BindEnv("debug", "DEBUG")
	v.BindEnv("store.uri", "MONGODB_URI")
	v.BindEnv("store.replica_set", "MONGODB_REPLICA_SET")
	v.BindEnv("sync.remote_regions_json", "REMOTE_REGIONS")
	v.BindEnv("sync.interval", "SYNC_INTERVAL")
	v.BindEnv("sync.request_timeout", "REQUEST_TIMEOUT")
}

func validate(cfg *Config) error {
	if !ValidateRegion(cfg.Region) {
		return fmt.Errorf("invalid region %q: must be one of %s",
			cfg.Region, strings.Join(ValidRegions, ", "))
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}

	// REMOTE_REGIONS arrives as a JSON array when set via environment
	if cfg.Sync.RemoteRegionsJSON != "" {
		var regions []string
		if err := json.Unmarshal([]byte(cfg.Sync.RemoteRegionsJSON), &regions); err != nil {
			return fmt.Errorf("REMOTE_REGIONS is not a valid JSON array: %w", err)
		}
		cfg.Sync.RemoteRegions = regions
	}

	for _, peer := range cfg.Sync.RemoteRegions {
		if !strings.HasPrefix(peer, "http://") && !strings.HasPrefix(peer, "https://") {
			return fmt.Errorf("remote region %q is not an http(s) URL", peer)
		}
	}

	if cfg.Sync.IntervalSeconds <= 0 {
		return fmt.Errorf("sync interval must be positive, got %d", cfg.Sync.IntervalSeconds)
	}
	if cfg.Sync.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request timeout must be positive, got %d", cfg.Sync.RequestTimeoutSeconds)
	}

	switch cfg.Store.Backend {
	case "mongodb", "memory":
	default:
		return fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}

	if cfg.Debug && cfg.LogLevel == "info" {
		cfg.LogLevel = "debug"
	}

	return nil
}
