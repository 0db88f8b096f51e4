package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Cross-Validation Configuration with Environment Overrides
// =============================================================================

// MaxInstances bounds the participant count.
const MaxInstances = 4

// Config holds the validation topology for one participant process.
// A YAML base file is optional; CROSS_VALIDATION_* environment variables
// override it, and unset fields receive defaults.
type Config struct {
	InstanceID   int    `yaml:"instance_id"`
	NumInstances int    `yaml:"num_instances"`
	Network      string `yaml:"network"` // "tcp" or "unix"
	ServerAddr   string `yaml:"server_addr"`
	ServerPort   int    `yaml:"server_port"`
	SocketPath   string `yaml:"socket_path"`

	ConnectAttempts        int `yaml:"connect_attempts"`
	ConnectIntervalMs      int `yaml:"connect_interval_ms"`
	ResultTimeoutSec       int `yaml:"result_timeout_sec"`
	PollIntervalMs         int `yaml:"poll_interval_ms"`
	RegistrationTimeoutSec int `yaml:"registration_timeout_sec"`
	ResumeDelayMs          int `yaml:"resume_delay_ms"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Load builds the effective config: optional YAML base file (path from
// CROSS_VALIDATION_CONFIG), environment overrides, then defaults.
func Load() (*Config, error) {
	cfg := &Config{InstanceID: -1}

	if path := os.Getenv("CROSS_VALIDATION_CONFIG"); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		cfg = loaded
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForInstance builds the effective config like Load but with the
// topology supplied by the caller instead of the environment.
func LoadForInstance(instanceID, numInstances int) (*Config, error) {
	cfg := &Config{InstanceID: -1}

	if path := os.Getenv("CROSS_VALIDATION_CONFIG"); path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
		cfg = loaded
	}

	cfg.applyEnvOverrides()
	cfg.InstanceID = instanceID
	cfg.NumInstances = numInstances
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a config base from a YAML file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Config{InstanceID: -1}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvInt("CROSS_VALIDATION_INSTANCE_ID"); ok {
		c.InstanceID = v
	}
	if v, ok := getEnvInt("CROSS_VALIDATION_NUM_INSTANCES"); ok {
		c.NumInstances = v
	}
	c.Network = getEnv("CROSS_VALIDATION_NETWORK", c.Network)
	c.ServerAddr = getEnv("CROSS_VALIDATION_SERVER_ADDR", c.ServerAddr)
	if v, ok := getEnvInt("CROSS_VALIDATION_SERVER_PORT"); ok {
		c.ServerPort = v
	}
	c.SocketPath = getEnv("CROSS_VALIDATION_SOCKET_PATH", c.SocketPath)
	c.MetricsAddr = getEnv("CROSS_VALIDATION_METRICS_ADDR", c.MetricsAddr)
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.ServerAddr == "" {
		c.ServerAddr = "0.0.0.0"
	}
	if c.ServerPort == 0 {
		c.ServerPort = 5000
	}
	if c.SocketPath == "" {
		c.SocketPath = "/tmp/crossval.sock"
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = 50
	}
	if c.ConnectIntervalMs == 0 {
		c.ConnectIntervalMs = 100
	}
	if c.ResultTimeoutSec == 0 {
		c.ResultTimeoutSec = 5
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 100
	}
	if c.RegistrationTimeoutSec == 0 {
		c.RegistrationTimeoutSec = 30
	}
	if c.ResumeDelayMs == 0 {
		c.ResumeDelayMs = 500
	}
}

// Validate checks the topology fields.
func (c *Config) Validate() error {
	if c.NumInstances < 1 || c.NumInstances > MaxInstances {
		return fmt.Errorf("num_instances %d out of range [1, %d]", c.NumInstances, MaxInstances)
	}
	if c.InstanceID < 0 || c.InstanceID >= c.NumInstances {
		return fmt.Errorf("instance_id %d out of range [0, %d)", c.InstanceID, c.NumInstances)
	}
	switch c.Network {
	case "tcp", "unix":
	default:
		return fmt.Errorf("unsupported network %q (want tcp or unix)", c.Network)
	}
	return nil
}

// Endpoint returns the (network, address) pair for net.Listen / net.Dial.
func (c *Config) Endpoint() (string, string) {
	if c.Network == "unix" {
		return "unix", c.SocketPath
	}
	return "tcp", fmt.Sprintf("%s:%d", c.ServerAddr, c.ServerPort)
}

// DialEndpoint returns the (network, address) pair a client should dial.
// The wildcard bind address maps to loopback for the connect side.
func (c *Config) DialEndpoint() (string, string) {
	if c.Network == "unix" {
		return "unix", c.SocketPath
	}
	addr := c.ServerAddr
	if addr == "0.0.0.0" || addr == "" {
		addr = "127.0.0.1"
	}
	return "tcp", fmt.Sprintf("%s:%d", addr, c.ServerPort)
}

// IsCoordinator reports whether this participant additionally hosts the
// coordinator.
func (c *Config) IsCoordinator() bool {
	return c.InstanceID == 0
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string) (int, bool) {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i, true
		}
	}
	return 0, false
}
