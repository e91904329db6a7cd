package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearConfigEnvVars(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"CONFIG_FILE", "PORT", "CHAIN_NAME", "LOG_LEVEL", "RATE_LIMIT_PER_MINUTE",
		"MAX_BODY_SIZE_BYTES", "DATA_DIR", "SHUTDOWN_TIMEOUT", "HTTP_CLIENT_TIMEOUT",
		"ADMIN_AUTH_SECRET", "REQUIRE_ADMIN_AUTH", "SELECTION_SCHEDULE",
		"ROUTER_AUTH_SECRET", "TRUST_PROXY_HEADERS",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearConfigEnvVars(t)

	cfg := LoadConfig()

	if cfg.Port != "8080" {
		t.Errorf("Expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.ChainName != DefaultChainName {
		t.Errorf("Expected default chain '%s', got '%s'", DefaultChainName, cfg.ChainName)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Errorf("Expected default rate limit %d, got %d", DefaultRateLimitPerMinute, cfg.RateLimitPerMinute)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("Expected default shutdown timeout %v, got %v", DefaultShutdownTimeout, cfg.ShutdownTimeout)
	}
	if cfg.SelectionSchedule != "" {
		t.Errorf("Expected no default schedule, got '%s'", cfg.SelectionSchedule)
	}
	if cfg.Evaluation != DefaultEvaluation() {
		t.Errorf("Expected default evaluation, got %+v", cfg.Evaluation)
	}
	if cfg.TrustProxyHeaders {
		t.Error("Expected proxy headers untrusted by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("PORT", "9090")
	t.Setenv("CHAIN_NAME", "polkadot")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("RATE_LIMIT_PER_MINUTE", "10")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("HTTP_CLIENT_TIMEOUT", "2s")
	t.Setenv("ADMIN_AUTH_SECRET", "s3cret")
	t.Setenv("REQUIRE_ADMIN_AUTH", "true")
	t.Setenv("SELECTION_SCHEDULE", "@every 10m")
	t.Setenv("ROUTER_AUTH_SECRET", "router-key")
	t.Setenv("TRUST_PROXY_HEADERS", "true")

	cfg := LoadConfig()

	if cfg.Port != "9090" {
		t.Errorf("Expected port '9090', got '%s'", cfg.Port)
	}
	if cfg.ChainName != "polkadot" {
		t.Errorf("Expected chain 'polkadot', got '%s'", cfg.ChainName)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.RateLimitPerMinute != 10 {
		t.Errorf("Expected rate limit 10, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected shutdown timeout 5s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.HTTPClientTimeout != 2*time.Second {
		t.Errorf("Expected client timeout 2s, got %v", cfg.HTTPClientTimeout)
	}
	if !cfg.RequireAdminAuth || cfg.AdminAuthSecret != "s3cret" {
		t.Errorf("Expected admin auth enabled with secret, got %v/%q", cfg.RequireAdminAuth, cfg.AdminAuthSecret)
	}
	if cfg.SelectionSchedule != "@every 10m" {
		t.Errorf("Expected schedule '@every 10m', got '%s'", cfg.SelectionSchedule)
	}
	if cfg.RouterAuthSecret != "router-key" {
		t.Errorf("Expected router auth secret 'router-key', got '%s'", cfg.RouterAuthSecret)
	}
	if !cfg.TrustProxyHeaders {
		t.Error("Expected proxy headers trusted")
	}
}

func TestLoadConfigIgnoresInvalidEnv(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("RATE_LIMIT_PER_MINUTE", "lots")
	t.Setenv("SHUTDOWN_TIMEOUT", "soon")

	cfg := LoadConfig()

	if cfg.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Errorf("Expected default rate limit, got %d", cfg.RateLimitPerMinute)
	}
	if cfg.ShutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("Expected default shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
}

const testYAMLConfig = `
port: "7000"
chain_name: kusama
shutdown_timeout: 10s
selection_schedule: "0 */5 * * * *"
evaluation:
  threshold:
    credibility_weight_threshold: 1000
    min_selected_threshold: 3000
    trustworthy_threshold: 3500
  credibility_selection_ratio:
    upper_limit: 8000
    lower_limit: 6000
  evaluation_coefficient:
    min: 0
    max: 10000
    middle: 5000
    range: 10000
    success_step: 100
    do_evil_step: 200
    exception_step: 100
  initial_credibility_value: 4800
  selected_number: 7
dispatch_targets:
  greeting: http://localhost:9000/call
sqos:
  vault:
    type: CHALLENGE
    value: 5m
routers:
  - router-a
  - router-b
`

func TestLoadConfigFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(testYAMLConfig), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if cfg.Port != "7000" || cfg.ChainName != "kusama" {
		t.Errorf("Expected port 7000 and chain kusama, got %s/%s", cfg.Port, cfg.ChainName)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("Expected shutdown timeout 10s, got %v", cfg.ShutdownTimeout)
	}
	if cfg.RateLimitPerMinute != DefaultRateLimitPerMinute {
		t.Errorf("Expected unset fields to keep defaults, got rate limit %d", cfg.RateLimitPerMinute)
	}
	if cfg.Evaluation.Threshold.CredibilityWeightThreshold != 1000 {
		t.Errorf("Expected weight threshold 1000, got %d", cfg.Evaluation.Threshold.CredibilityWeightThreshold)
	}
	if cfg.Evaluation.InitialCredibilityValue != 4800 || cfg.Evaluation.SelectedNumber != 7 {
		t.Errorf("Expected initial 4800 and selected 7, got %d/%d", cfg.Evaluation.InitialCredibilityValue, cfg.Evaluation.SelectedNumber)
	}
	if cfg.DispatchTargets["greeting"] != "http://localhost:9000/call" {
		t.Errorf("Expected greeting dispatch target, got %v", cfg.DispatchTargets)
	}
	if cfg.SQoS["vault"].Type != SQoSChallenge || cfg.SQoS["vault"].Value != "5m" {
		t.Errorf("Expected vault challenge policy, got %+v", cfg.SQoS["vault"])
	}
	if len(cfg.Routers) != 2 || cfg.Routers[1] != "router-b" {
		t.Errorf("Expected 2 routers, got %v", cfg.Routers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected config to validate, got %v", err)
	}
}

func TestLoadConfigFromJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	data := `{"port": "7100", "chainName": "moonbeam", "httpClientTimeout": "750ms", "requireAdminAuth": true, "adminAuthSecret": "k"}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if cfg.Port != "7100" || cfg.ChainName != "moonbeam" {
		t.Errorf("Expected port 7100 and chain moonbeam, got %s/%s", cfg.Port, cfg.ChainName)
	}
	if cfg.HTTPClientTimeout != 750*time.Millisecond {
		t.Errorf("Expected client timeout 750ms, got %v", cfg.HTTPClientTimeout)
	}
	if !cfg.RequireAdminAuth || cfg.AdminAuthSecret != "k" {
		t.Error("Expected admin auth settings from file")
	}
	if cfg.Evaluation != DefaultEvaluation() {
		t.Errorf("Expected evaluation defaults when absent, got %+v", cfg.Evaluation)
	}
}

func TestLoadConfigFromFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadConfigFromFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("shutdown_timeout: forever\n"), 0644)
	if _, err := LoadConfigFromFile(bad); err == nil {
		t.Error("Expected error for invalid duration")
	}

	broken := filepath.Join(dir, "broken.json")
	os.WriteFile(broken, []byte("{"), 0644)
	if _, err := LoadConfigFromFile(broken); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}

func TestLoadConfigFallsBackOnBadFile(t *testing.T) {
	clearConfigEnvVars(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("PORT", "9191")

	cfg := LoadConfig()

	if cfg.Port != "9191" {
		t.Errorf("Expected env override to apply after fallback, got '%s'", cfg.Port)
	}
	if cfg.ChainName != DefaultChainName {
		t.Errorf("Expected default chain after fallback, got '%s'", cfg.ChainName)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty chain", func(c *Config) { c.ChainName = "" }},
		{"bad evaluation", func(c *Config) { c.Evaluation.Coefficient.Range = 0 }},
		{"auth without secret", func(c *Config) { c.RequireAdminAuth = true }},
		{"bad sqos", func(c *Config) { c.SQoS["vault"] = SQoS{Type: SQoSThreshold, Value: "200"} }},
		{"bad router", func(c *Config) { c.Routers = []RouterID{""} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
