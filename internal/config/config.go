// Package config handles configuration loading, validation, and persistence
// for replicon hosts and replicas.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/replicon-project/replicon/internal/transport"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "replicon.json"
	DefaultPort       = 27015
	DefaultAPIPort    = 5080
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Network         NetworkConfig     `json:"network"`
	Replication     ReplicationConfig `json:"replication"`
	ApplicationData ApplicationData   `json:"application_data"`
}

// NetworkConfig holds transport settings. Durations are in milliseconds.
type NetworkConfig struct {
	Port                      int `json:"port"`
	MaxConnections            int `json:"max_connections"`
	ConnectRateLimit          int `json:"connect_rate_limit"`
	ResendIntervalMs          int `json:"resend_interval_ms"`
	ConnectionTimeoutMs       int `json:"connection_timeout_ms"`
	LosingConnectionTimeoutMs int `json:"losing_connection_timeout_ms"`
	KeepAliveIntervalMs       int `json:"keep_alive_interval_ms"`
	IntakeQueueSize           int `json:"intake_queue_size"`
	ConnectTimeoutMs          int `json:"connect_timeout_ms"`
}

// ReplicationConfig holds entity replication settings.
type ReplicationConfig struct {
	TickRateHz      int `json:"tick_rate_hz"`
	InterpolationMs int `json:"interpolation_ms"`
	ExtrapolationMs int `json:"extrapolation_ms"`
	HistoryMs       int `json:"history_ms"`
	MaxEntities     int `json:"max_entities"`
}

// ApplicationData contains ambient application configuration.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Metrics MetricsConfig `json:"metrics"`
	Journal JournalConfig `json:"journal"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// APIConfig holds admin API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`

	// ControlRateLimitRPS limits requests that change host state, per client.
	ControlRateLimitRPS int `json:"control_rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled          bool   `json:"enabled"`
	BrokerURL        string `json:"broker_url"`
	Port             int    `json:"port"`
	UseTLS           bool   `json:"use_tls"`
	ClientID         string `json:"client_id"`
	StatsIntervalSec int    `json:"stats_interval_sec"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// JournalConfig holds session journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	tc := transport.DefaultConfig()
	return &Config{
		Network: NetworkConfig{
			Port:                      DefaultPort,
			MaxConnections:            32,
			ConnectRateLimit:          20,
			ResendIntervalMs:          int(tc.ResendInterval / time.Millisecond),
			ConnectionTimeoutMs:       int(tc.ConnectionTimeout / time.Millisecond),
			LosingConnectionTimeoutMs: int(tc.LosingConnectionTimeout / time.Millisecond),
			KeepAliveIntervalMs:       int(tc.KeepAliveInterval / time.Millisecond),
			IntakeQueueSize:           tc.IntakeQueueSize,
			ConnectTimeoutMs:          5000,
		},
		Replication: ReplicationConfig{
			TickRateHz:      20,
			InterpolationMs: 100,
			ExtrapolationMs: 250,
			HistoryMs:       1000,
			MaxEntities:     4096,
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
			API: APIConfig{
				Enabled:             true,
				Port:                DefaultAPIPort,
				RateLimitRPS:        100,
				ControlRateLimitRPS: 5,
			},
			MQTT: MQTTConfig{
				Port:             1883,
				StatsIntervalSec: 30,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "replicon",
			},
			Journal: JournalConfig{
				Enabled:       true,
				Path:          "data/journal.db",
				RetentionDays: 14,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults when
// missing.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // overlay onto defaults
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// SetNetwork updates the network configuration.
func (c *Config) SetNetwork(n NetworkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = n
}

// GetReplication returns a copy of the replication configuration.
func (c *Config) GetReplication() ReplicationConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Replication
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateNetworkField updates a single network field by its JSON key.
func (c *Config) UpdateNetworkField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Network)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown network field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.Network); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// Transport converts the network settings into connection timing.
func (n NetworkConfig) Transport() transport.Config {
	return transport.Config{
		ResendInterval:          ms(n.ResendIntervalMs),
		ConnectionTimeout:       ms(n.ConnectionTimeoutMs),
		LosingConnectionTimeout: ms(n.LosingConnectionTimeoutMs),
		KeepAliveInterval:       ms(n.KeepAliveIntervalMs),
		IntakeQueueSize:         n.IntakeQueueSize,
	}
}

// ConnectTimeout is how long a replica waits for the handshake.
func (n NetworkConfig) ConnectTimeout() time.Duration { return ms(n.ConnectTimeoutMs) }

// TickInterval is the period between host ticks.
func (r ReplicationConfig) TickInterval() time.Duration {
	if r.TickRateHz <= 0 {
		return 0
	}
	return time.Second / time.Duration(r.TickRateHz)
}

func (r ReplicationConfig) Interpolation() time.Duration { return ms(r.InterpolationMs) }
func (r ReplicationConfig) Extrapolation() time.Duration { return ms(r.ExtrapolationMs) }
func (r ReplicationConfig) History() time.Duration       { return ms(r.HistoryMs) }

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
