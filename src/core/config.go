package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	Port               string            `json:"port"`
	ChainName          string            `json:"chainName"`
	LogLevel           string            `json:"logLevel"`
	RateLimitPerMinute int               `json:"rateLimitPerMinute"`
	MaxBodySizeBytes   int64             `json:"maxBodySizeBytes"`
	DataDir            string            `json:"dataDir"`
	ShutdownTimeout    time.Duration     `json:"shutdownTimeout"`
	HTTPClientTimeout  time.Duration     `json:"httpClientTimeout"`
	AdminAuthSecret    string            `json:"-"`
	RequireAdminAuth   bool              `json:"requireAdminAuth"`
	RouterAuthSecret   string            `json:"-"`
	TrustProxyHeaders  bool              `json:"trustProxyHeaders"`
	SelectionSchedule  string            `json:"selectionSchedule"`
	Evaluation         Evaluation        `json:"evaluation"`
	DispatchTargets    map[string]string `json:"dispatchTargets"`
	SQoS               map[string]SQoS   `json:"sqos"`
	Routers            []RouterID        `json:"routers"`
}

// Default values
const (
	DefaultPort               = "8080"
	DefaultChainName          = "relay"
	DefaultRateLimitPerMinute = 100
	DefaultMaxBodySizeBytes   = 1 << 20 // 1MB
	DefaultDataDir            = "./data"
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultHTTPClientTimeout  = 5 * time.Second
)

// fileConfig mirrors Config as written in a config file. Durations are strings
// and every field is optional; absent fields keep their defaults.
type fileConfig struct {
	Port               *string           `json:"port" yaml:"port"`
	ChainName          *string           `json:"chainName" yaml:"chain_name"`
	LogLevel           *string           `json:"logLevel" yaml:"log_level"`
	RateLimitPerMinute *int              `json:"rateLimitPerMinute" yaml:"rate_limit_per_minute"`
	MaxBodySizeBytes   *int64            `json:"maxBodySizeBytes" yaml:"max_body_size_bytes"`
	DataDir            *string           `json:"dataDir" yaml:"data_dir"`
	ShutdownTimeout    *string           `json:"shutdownTimeout" yaml:"shutdown_timeout"`
	HTTPClientTimeout  *string           `json:"httpClientTimeout" yaml:"http_client_timeout"`
	AdminAuthSecret    *string           `json:"adminAuthSecret" yaml:"admin_auth_secret"`
	RequireAdminAuth   *bool             `json:"requireAdminAuth" yaml:"require_admin_auth"`
	RouterAuthSecret   *string           `json:"routerAuthSecret" yaml:"router_auth_secret"`
	TrustProxyHeaders  *bool             `json:"trustProxyHeaders" yaml:"trust_proxy_headers"`
	SelectionSchedule  *string           `json:"selectionSchedule" yaml:"selection_schedule"`
	Evaluation         Evaluation        `json:"evaluation" yaml:"evaluation"`
	DispatchTargets    map[string]string `json:"dispatchTargets" yaml:"dispatch_targets"`
	SQoS               map[string]SQoS   `json:"sqos" yaml:"sqos"`
	Routers            []RouterID        `json:"routers" yaml:"routers"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() *Config {
	return &Config{
		Port:               DefaultPort,
		ChainName:          DefaultChainName,
		LogLevel:           "info",
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		MaxBodySizeBytes:   DefaultMaxBodySizeBytes,
		DataDir:            DefaultDataDir,
		ShutdownTimeout:    DefaultShutdownTimeout,
		HTTPClientTimeout:  DefaultHTTPClientTimeout,
		Evaluation:         DefaultEvaluation(),
		DispatchTargets:    map[string]string{},
		SQoS:               map[string]SQoS{},
		Routers:            []RouterID{},
	}
}

// LoadConfigFromFile reads configuration from a YAML or JSON file on top of the defaults
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyConfigFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	fc := fileConfig{Evaluation: cfg.Evaluation}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if fc.ChainName != nil {
		cfg.ChainName = *fc.ChainName
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.RateLimitPerMinute != nil {
		cfg.RateLimitPerMinute = *fc.RateLimitPerMinute
	}
	if fc.MaxBodySizeBytes != nil {
		cfg.MaxBodySizeBytes = *fc.MaxBodySizeBytes
	}
	if fc.DataDir != nil {
		cfg.DataDir = *fc.DataDir
	}
	if fc.ShutdownTimeout != nil {
		d, err := time.ParseDuration(*fc.ShutdownTimeout)
		if err != nil {
			return fmt.Errorf("invalid shutdown_timeout: %w", err)
		}
		cfg.ShutdownTimeout = d
	}
	if fc.HTTPClientTimeout != nil {
		d, err := time.ParseDuration(*fc.HTTPClientTimeout)
		if err != nil {
			return fmt.Errorf("invalid http_client_timeout: %w", err)
		}
		cfg.HTTPClientTimeout = d
	}
	if fc.AdminAuthSecret != nil {
		cfg.AdminAuthSecret = *fc.AdminAuthSecret
	}
	if fc.RequireAdminAuth != nil {
		cfg.RequireAdminAuth = *fc.RequireAdminAuth
	}
	if fc.RouterAuthSecret != nil {
		cfg.RouterAuthSecret = *fc.RouterAuthSecret
	}
	if fc.TrustProxyHeaders != nil {
		cfg.TrustProxyHeaders = *fc.TrustProxyHeaders
	}
	if fc.SelectionSchedule != nil {
		cfg.SelectionSchedule = *fc.SelectionSchedule
	}
	cfg.Evaluation = fc.Evaluation
	for contract, url := range fc.DispatchTargets {
		cfg.DispatchTargets[contract] = url
	}
	for contract, policy := range fc.SQoS {
		cfg.SQoS[contract] = policy
	}
	cfg.Routers = append(cfg.Routers, fc.Routers...)

	return nil
}

// LoadConfig builds the configuration from defaults, the optional CONFIG_FILE,
// then environment variables. A config file that cannot be loaded is logged
// and skipped.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyConfigFile(cfg, path); err != nil {
			logger.Warn("Failed to load config file, using defaults", "path", path, "error", err)
			cfg = DefaultConfig()
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if chainName := os.Getenv("CHAIN_NAME"); chainName != "" {
		cfg.ChainName = chainName
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if rateLimitEnv := os.Getenv("RATE_LIMIT_PER_MINUTE"); rateLimitEnv != "" {
		if rateLimit, err := strconv.Atoi(rateLimitEnv); err == nil && rateLimit > 0 {
			cfg.RateLimitPerMinute = rateLimit
		}
	}

	if maxBodyEnv := os.Getenv("MAX_BODY_SIZE_BYTES"); maxBodyEnv != "" {
		if maxBody, err := strconv.ParseInt(maxBodyEnv, 10, 64); err == nil && maxBody > 0 {
			cfg.MaxBodySizeBytes = maxBody
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	if shutdownTimeout := os.Getenv("SHUTDOWN_TIMEOUT"); shutdownTimeout != "" {
		if duration, err := time.ParseDuration(shutdownTimeout); err == nil {
			cfg.ShutdownTimeout = duration
		}
	}

	if clientTimeout := os.Getenv("HTTP_CLIENT_TIMEOUT"); clientTimeout != "" {
		if duration, err := time.ParseDuration(clientTimeout); err == nil {
			cfg.HTTPClientTimeout = duration
		}
	}

	if secret := os.Getenv("ADMIN_AUTH_SECRET"); secret != "" {
		cfg.AdminAuthSecret = secret
	}

	if required := os.Getenv("REQUIRE_ADMIN_AUTH"); required != "" {
		cfg.RequireAdminAuth = required == "true"
	}

	if secret := os.Getenv("ROUTER_AUTH_SECRET"); secret != "" {
		cfg.RouterAuthSecret = secret
	}

	if trust := os.Getenv("TRUST_PROXY_HEADERS"); trust != "" {
		cfg.TrustProxyHeaders = trust == "true"
	}

	if schedule, ok := os.LookupEnv("SELECTION_SCHEDULE"); ok {
		cfg.SelectionSchedule = schedule
	}

	return cfg
}

// Validate checks settings that would prevent the node from starting
func (cfg *Config) Validate() error {
	if !IsValidChainName(cfg.ChainName) {
		return fmt.Errorf("invalid chain name %q", cfg.ChainName)
	}
	if err := cfg.Evaluation.Validate(); err != nil {
		return fmt.Errorf("invalid evaluation: %w", err)
	}
	if cfg.RequireAdminAuth && cfg.AdminAuthSecret == "" {
		return fmt.Errorf("require_admin_auth is set but admin_auth_secret is empty")
	}
	for contract, policy := range cfg.SQoS {
		if err := ValidateSQoS(policy); err != nil {
			return fmt.Errorf("invalid sqos for contract %s: %w", contract, err)
		}
	}
	for _, id := range cfg.Routers {
		if !IsValidRouterID(id) {
			return fmt.Errorf("invalid router id %q", id)
		}
	}
	return nil
}
