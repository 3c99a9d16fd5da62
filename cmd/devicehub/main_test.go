package main

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// testConfigYAML renders a minimal valid config with MQTT and InfluxDB
// disabled, so startup does not need external services.
func testConfigYAML(dbPath string, apiPort int) string {
	return `
hub:
  id: test-hub

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-client"
    tls: false
  qos: 1
  reconnect:
    initial_delay: 1
    max_delay: 5

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stdout

dispatch:
  push_queue_size: 64
  max_wait_timeout: 30
  replay_limit: 100

api:
  host: "127.0.0.1"
  port: ` + strconv.Itoa(apiPort) + `
  timeouts:
    read: 30
    write: 75
    idle: 120

security:
  jwt:
    secret: "test-secret-for-development-only-32ch"
    access_token_ttl: 60
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func setConfigEnv(t *testing.T, path string) {
	t.Helper()
	originalEnv := os.Getenv("DEVICEHUB_CONFIG")
	t.Cleanup(func() { os.Setenv("DEVICEHUB_CONFIG", originalEnv) })
	os.Setenv("DEVICEHUB_CONFIG", path)
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	setConfigEnv(t, "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_MissingDatabasePath verifies run fails when database path is empty.
func TestRun_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, testConfigYAML("", 8080))
	setConfigEnv(t, configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with empty database path")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("DEVICEHUB_CONFIG")
	defer os.Setenv("DEVICEHUB_CONFIG", originalEnv)

	os.Unsetenv("DEVICEHUB_CONFIG")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	setConfigEnv(t, expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestRun_StartupAndShutdown runs a full startup with external services
// disabled, then cancels the context and expects a clean shutdown.
func TestRun_StartupAndShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	configPath := writeConfig(t, testConfigYAML(dbPath, 18921))
	setConfigEnv(t, configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := run(ctx); err != nil {
		t.Fatalf("run() error = %v, want clean shutdown", err)
	}
}
