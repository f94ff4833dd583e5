package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	config := DefaultConfig()
	config.Auth.JWTSecret = testSecret
	return config
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Database.Path == "" {
		t.Error("Default database path should not be empty")
	}
	if config.HTTP.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", config.HTTP.Port)
	}
	if config.Presence.IdleAfter != 30*time.Second || config.Presence.OfflineAfter != 120*time.Second {
		t.Errorf("Unexpected presence thresholds: %+v", config.Presence)
	}
	if config.Redis.Enabled {
		t.Error("Redis should be disabled by default")
	}
	if config.Command.RateLimit != 30 {
		t.Errorf("Expected command rate limit 30, got %d", config.Command.RateLimit)
	}
	if config.Auth.JWTSecret != "" {
		t.Error("Default config must not ship a JWT secret")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing secret", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, wantErr: "JWT secret"},
		{name: "short secret", mutate: func(c *Config) { c.Auth.JWTSecret = "short" }, wantErr: "32 bytes"},
		{name: "bad port", mutate: func(c *Config) { c.HTTP.Port = -1 }, wantErr: "port"},
		{name: "empty db path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database path"},
		{name: "inverted presence", mutate: func(c *Config) { c.Presence.OfflineAfter = 10 * time.Second }, wantErr: "presence"},
		{name: "read timeout below ping", mutate: func(c *Config) { c.WebSocket.ReadTimeout = c.WebSocket.PingInterval }, wantErr: "ping interval"},
		{name: "redis without addr", mutate: func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, wantErr: "redis address"},
		{name: "ice server without urls", mutate: func(c *Config) { c.Signaling.ICEServers = []ICEServerConfig{{}} }, wantErr: "ICE server"},
		{name: "zero screenshot ttl", mutate: func(c *Config) { c.Screenshot.TTL = 0 }, wantErr: "screenshot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("SCHOOLPILOT_HTTP_PORT", "9090")
	t.Setenv("SCHOOLPILOT_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("SCHOOLPILOT_REDIS_ENABLED", "true")
	t.Setenv("SCHOOLPILOT_PRESENCE_IDLE_AFTER", "45s")
	t.Setenv("SCHOOLPILOT_HTTP_ALLOWED_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("SCHOOLPILOT_ICE_SERVER_URLS", "turn:turn.school.test:3478")
	t.Setenv("SCHOOLPILOT_ICE_SERVER_USERNAME", "pilot")

	config := LoadFromEnv()

	if config.HTTP.Port != 9090 {
		t.Errorf("Expected HTTP port 9090, got %d", config.HTTP.Port)
	}
	if config.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected database path /tmp/test.db, got %s", config.Database.Path)
	}
	if !config.Redis.Enabled {
		t.Error("Expected redis enabled from env")
	}
	if config.Presence.IdleAfter != 45*time.Second {
		t.Errorf("Expected idle after 45s, got %v", config.Presence.IdleAfter)
	}
	if len(config.HTTP.AllowedOrigins) != 2 || config.HTTP.AllowedOrigins[1] != "https://b.test" {
		t.Errorf("Unexpected origins: %v", config.HTTP.AllowedOrigins)
	}
	if len(config.Signaling.ICEServers) != 1 || config.Signaling.ICEServers[0].Username != "pilot" {
		t.Errorf("Unexpected ICE servers: %+v", config.Signaling.ICEServers)
	}
}

func TestConfig_LoadFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SCHOOLPILOT_HTTP_PORT", "not-a-number")
	t.Setenv("SCHOOLPILOT_HUB_PUBLISH_TIMEOUT", "soon")

	config := LoadFromEnv()
	if config.HTTP.Port != 8080 {
		t.Errorf("Malformed port should keep default, got %d", config.HTTP.Port)
	}
	if config.Hub.PublishTimeout != 2*time.Second {
		t.Errorf("Malformed duration should keep default, got %v", config.Hub.PublishTimeout)
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"database": {"path": "/tmp/testfile.db", "timeout": "15s"},
		"http": {"port": 8081, "read_timeout": "10s"},
		"auth": {"jwt_secret": "`+testSecret+`"},
		"redis": {"enabled": true, "addr": "redis:6379"},
		"signaling": {"ice_servers": [{"urls": ["stun:stun.school.test:3478"]}]}
	}`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile should succeed: %v", err)
	}
	if config.Database.Path != "/tmp/testfile.db" || config.Database.Timeout != 15*time.Second {
		t.Errorf("Unexpected database config: %+v", config.Database)
	}
	if config.HTTP.Port != 8081 || config.HTTP.ReadTimeout != 10*time.Second {
		t.Errorf("Unexpected HTTP config: %+v", config.HTTP)
	}
	if config.HTTP.WriteTimeout != 30*time.Second {
		t.Errorf("Unset fields should keep defaults, got write timeout %v", config.HTTP.WriteTimeout)
	}
	if !config.Redis.Enabled || config.Redis.Addr != "redis:6379" {
		t.Errorf("Unexpected redis config: %+v", config.Redis)
	}
	if config.Signaling.ICEServers[0].URLs[0] != "stun:stun.school.test:3478" {
		t.Errorf("Unexpected ICE servers: %+v", config.Signaling.ICEServers)
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Missing file should fail")
	}

	invalid := writeFile(t, "invalid.json", `{"http": {"port": "eighty"}`)
	if _, err := LoadFromFile(invalid); err == nil {
		t.Error("Invalid JSON should fail")
	}

	badDuration := writeFile(t, "duration.json", `{"auth": {"jwt_secret": "`+testSecret+`"}, "hub": {"publish_timeout": "later"}}`)
	if _, err := LoadFromFile(badDuration); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("Invalid duration should fail, got %v", err)
	}

	noSecret := writeFile(t, "nosecret.json", `{"http": {"port": 8081}}`)
	if _, err := LoadFromFile(noSecret); err == nil {
		t.Error("File without secret should fail validation")
	}
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("SCHOOLPILOT_JWT_SECRET", testSecret)
	t.Setenv("SCHOOLPILOT_HTTP_PORT", "9000")
	t.Setenv("SCHOOLPILOT_DATABASE_PATH", "/env/path.db")

	path := writeFile(t, "config.json", `{"http": {"port": 9100}}`)

	config, err := LoadConfigWithPrecedence(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence failed: %v", err)
	}
	if config.HTTP.Port != 9100 {
		t.Errorf("File should override env port, got %d", config.HTTP.Port)
	}
	if config.Database.Path != "/env/path.db" {
		t.Errorf("Env value not set in file should survive, got %s", config.Database.Path)
	}
	if config.Auth.JWTSecret != testSecret {
		t.Error("Env secret should survive file layering")
	}

	envOnly, err := LoadConfigWithPrecedence("")
	if err != nil {
		t.Fatalf("Env-only load failed: %v", err)
	}
	if envOnly.HTTP.Port != 9000 {
		t.Errorf("Expected env port 9000, got %d", envOnly.HTTP.Port)
	}
}

func TestConfig_LoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "SCHOOLPILOT_TEST_DOTENV_ONLY=from-file\nSCHOOLPILOT_TEST_DOTENV_BOTH=from-file\n")
	t.Setenv("SCHOOLPILOT_TEST_DOTENV_BOTH", "from-env")
	t.Cleanup(func() { os.Unsetenv("SCHOOLPILOT_TEST_DOTENV_ONLY") })

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if got := os.Getenv("SCHOOLPILOT_TEST_DOTENV_ONLY"); got != "from-file" {
		t.Errorf("Expected value from .env, got %q", got)
	}
	if got := os.Getenv("SCHOOLPILOT_TEST_DOTENV_BOTH"); got != "from-env" {
		t.Errorf(".env must not override the real environment, got %q", got)
	}
}

func TestConfig_SetAddr(t *testing.T) {
	config := validConfig()
	if err := config.SetAddr("127.0.0.1:9443"); err != nil {
		t.Fatalf("SetAddr failed: %v", err)
	}
	if config.Addr() != "127.0.0.1:9443" {
		t.Errorf("Unexpected addr %s", config.Addr())
	}
	if err := config.SetAddr(":7000"); err != nil || config.Addr() != "0.0.0.0:7000" {
		t.Errorf("Port-only addr should bind all interfaces, got %s err %v", config.Addr(), err)
	}
	if err := config.SetAddr("nohost"); err == nil {
		t.Error("Address without port should fail")
	}
}
