package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment variable the service reads
const EnvPrefix = "SCHOOLPILOT_"

// Config is the full runtime configuration
// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Service    *ServiceConfig    `json:"service"`
	Database   *DatabaseConfig   `json:"database"`
	HTTP       *HTTPConfig       `json:"http"`
	WebSocket  *WebSocketConfig  `json:"websocket"`
	Auth       *AuthConfig       `json:"auth"`
	Presence   *PresenceConfig   `json:"presence"`
	Redis      *RedisConfig      `json:"redis"`
	Screenshot *ScreenshotConfig `json:"screenshot"`
	Hub        *HubConfig        `json:"hub"`
	Command    *CommandConfig    `json:"command"`
	Signaling  *SignalingConfig  `json:"signaling"`
}

type ServiceConfig struct {
	Name        string `json:"name"`
	Environment string `json:"environment"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	Timeout        time.Duration `json:"timeout"`
	MaxConnections int           `json:"max_connections"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	AllowedOrigins  []string      `json:"allowed_origins"`
	DeviceRateLimit int           `json:"device_rate_limit"` // requests per minute per device
	MaxBodyBytes    int64         `json:"max_body_bytes"`
}

// FUNCTIONAL DISCOVERY: WebSocket configuration tuned for a classroom of devices
// plus a handful of dashboards per school
type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	BufferSize     int           `json:"buffer_size"`
	MaxMessageSize int64         `json:"max_message_size"`
	MessageLimit   int           `json:"message_limit"` // inbound messages per minute per peer
}

type AuthConfig struct {
	JWTSecret       string   `json:"jwt_secret"`
	Issuer          string   `json:"issuer"`
	RequiredLicense string   `json:"required_license"`
	AllowedOrigins  []string `json:"allowed_origins"`
}

type PresenceConfig struct {
	IdleAfter    time.Duration `json:"idle_after"`
	OfflineAfter time.Duration `json:"offline_after"`
}

type RedisConfig struct {
	Enabled        bool          `json:"enabled"`
	Addr           string        `json:"addr"`
	Password       string        `json:"password"`
	DB             int           `json:"db"`
	ChannelPrefix  string        `json:"channel_prefix"`
	KeyPrefix      string        `json:"key_prefix"`
	DialTimeout    time.Duration `json:"dial_timeout"`
	OperationLimit time.Duration `json:"operation_timeout"`
}

type ScreenshotConfig struct {
	TTL           time.Duration `json:"ttl"`
	MaxBytes      int           `json:"max_bytes"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type HubConfig struct {
	QueueSize         int           `json:"queue_size"`
	PublishTimeout    time.Duration `json:"publish_timeout"`
	ReconcileInterval time.Duration `json:"reconcile_interval"`
}

type CommandConfig struct {
	RateLimit       int           `json:"rate_limit"`
	RateWindow      time.Duration `json:"rate_window"`
	MaxPayloadBytes int           `json:"max_payload_bytes"`
}

type SignalingConfig struct {
	NegotiationTimeout time.Duration     `json:"negotiation_timeout"`
	ReapInterval       time.Duration     `json:"reap_interval"`
	ICEServers         []ICEServerConfig `json:"ice_servers"`
}

// ICEServerConfig mirrors webrtc.ICEServer in a JSON and env friendly form
type ICEServerConfig struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// DefaultConfig returns production-ready defaults
// FUNCTIONAL DISCOVERY: Redis is off by default so a single instance runs with no
// external dependency; multi-instance deployments turn it on
func DefaultConfig() *Config {
	return &Config{
		Service: &ServiceConfig{
			Name:        "schoolpilot",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Database: &DatabaseConfig{
			Path:           "./data/schoolpilot.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
			DeviceRateLimit: 120,
			MaxBodyBytes:    4 << 20,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   5 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 << 10,
			MessageLimit:   120,
		},
		Auth: &AuthConfig{
			Issuer:          "schoolpilot",
			RequiredLicense: "classpilot",
		},
		Presence: &PresenceConfig{
			IdleAfter:    30 * time.Second,
			OfflineAfter: 120 * time.Second,
		},
		Redis: &RedisConfig{
			Enabled:        false,
			Addr:           "localhost:6379",
			ChannelPrefix:  "schoolpilot",
			KeyPrefix:      "schoolpilot:screenshot:",
			DialTimeout:    5 * time.Second,
			OperationLimit: 2 * time.Second,
		},
		Screenshot: &ScreenshotConfig{
			TTL:           60 * time.Second,
			MaxBytes:      2 << 20,
			SweepInterval: 30 * time.Second,
		},
		Hub: &HubConfig{
			QueueSize:         1024,
			PublishTimeout:    2 * time.Second,
			ReconcileInterval: 5 * time.Second,
		},
		Command: &CommandConfig{
			RateLimit:       30,
			RateWindow:      time.Minute,
			MaxPayloadBytes: 16 << 10,
		},
		Signaling: &SignalingConfig{
			NegotiationTimeout: 60 * time.Second,
			ReapInterval:       10 * time.Second,
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.Service == nil || c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database max connections must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}
	if c.HTTP.DeviceRateLimit <= 0 {
		return fmt.Errorf("HTTP device rate limit must be positive")
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		return fmt.Errorf("HTTP max body bytes must be positive")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 || c.WebSocket.MessageLimit <= 0 {
		return fmt.Errorf("WebSocket message limits must be positive")
	}

	if c.Auth == nil || c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth JWT secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth JWT secret must be at least 32 bytes")
	}

	if c.Presence == nil {
		return fmt.Errorf("presence configuration is required")
	}
	if c.Presence.IdleAfter <= 0 || c.Presence.OfflineAfter <= c.Presence.IdleAfter {
		return fmt.Errorf("presence thresholds must satisfy 0 < idle_after < offline_after")
	}

	if c.Redis == nil {
		return fmt.Errorf("redis configuration is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}
	if c.Redis.ChannelPrefix == "" {
		return fmt.Errorf("redis channel prefix cannot be empty")
	}

	if c.Screenshot == nil || c.Screenshot.TTL <= 0 || c.Screenshot.MaxBytes <= 0 {
		return fmt.Errorf("screenshot TTL and max bytes must be positive")
	}

	if c.Hub == nil || c.Hub.QueueSize <= 0 || c.Hub.PublishTimeout <= 0 || c.Hub.ReconcileInterval <= 0 {
		return fmt.Errorf("hub queue size and intervals must be positive")
	}

	if c.Command == nil || c.Command.RateLimit <= 0 || c.Command.RateWindow <= 0 || c.Command.MaxPayloadBytes <= 0 {
		return fmt.Errorf("command rate limit and payload size must be positive")
	}

	if c.Signaling == nil || c.Signaling.NegotiationTimeout <= 0 || c.Signaling.ReapInterval <= 0 {
		return fmt.Errorf("signaling timeouts must be positive")
	}
	for i, server := range c.Signaling.ICEServers {
		if len(server.URLs) == 0 {
			return fmt.Errorf("signaling ICE server %d has no URLs", i)
		}
	}

	return nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// SetAddr overrides host and port from a "host:port" string
func (c *Config) SetAddr(addr string) error {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return fmt.Errorf("address %q must be host:port", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return fmt.Errorf("address %q has invalid port: %w", addr, err)
	}
	host := addr[:idx]
	if host == "" {
		host = "0.0.0.0"
	}
	c.HTTP.Host = host
	c.HTTP.Port = port
	return nil
}

// LoadDotEnv loads variables from .env files without overriding the real environment
// TECHNICAL DISCOVERY: A missing .env is normal in containers and is not an error
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv layers SCHOOLPILOT_* variables onto the defaults
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("SERVICE_NAME", &config.Service.Name)
	envString("ENVIRONMENT", &config.Service.Environment)
	envString("LOG_LEVEL", &config.Service.LogLevel)
	envString("LOG_FORMAT", &config.Service.LogFormat)

	envString("DATABASE_PATH", &config.Database.Path)
	envDuration("DATABASE_TIMEOUT", &config.Database.Timeout)
	envInt("DATABASE_MAX_CONNECTIONS", &config.Database.MaxConnections)

	envInt("HTTP_PORT", &config.HTTP.Port)
	envString("HTTP_HOST", &config.HTTP.Host)
	envDuration("HTTP_READ_TIMEOUT", &config.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &config.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &config.HTTP.ShutdownTimeout)
	envList("HTTP_ALLOWED_ORIGINS", &config.HTTP.AllowedOrigins)
	envInt("HTTP_DEVICE_RATE_LIMIT", &config.HTTP.DeviceRateLimit)

	envDuration("WEBSOCKET_PING_INTERVAL", &config.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &config.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &config.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &config.WebSocket.BufferSize)
	envInt("WEBSOCKET_MESSAGE_LIMIT", &config.WebSocket.MessageLimit)

	envString("JWT_SECRET", &config.Auth.JWTSecret)
	envString("JWT_ISSUER", &config.Auth.Issuer)
	envString("REQUIRED_LICENSE", &config.Auth.RequiredLicense)

	envDuration("PRESENCE_IDLE_AFTER", &config.Presence.IdleAfter)
	envDuration("PRESENCE_OFFLINE_AFTER", &config.Presence.OfflineAfter)

	envBool("REDIS_ENABLED", &config.Redis.Enabled)
	envString("REDIS_ADDR", &config.Redis.Addr)
	envString("REDIS_PASSWORD", &config.Redis.Password)
	envInt("REDIS_DB", &config.Redis.DB)
	envString("REDIS_CHANNEL_PREFIX", &config.Redis.ChannelPrefix)
	envString("REDIS_KEY_PREFIX", &config.Redis.KeyPrefix)

	envDuration("SCREENSHOT_TTL", &config.Screenshot.TTL)
	envInt("SCREENSHOT_MAX_BYTES", &config.Screenshot.MaxBytes)

	envInt("HUB_QUEUE_SIZE", &config.Hub.QueueSize)
	envDuration("HUB_PUBLISH_TIMEOUT", &config.Hub.PublishTimeout)

	envInt("COMMAND_RATE_LIMIT", &config.Command.RateLimit)

	envDuration("SIGNALING_NEGOTIATION_TIMEOUT", &config.Signaling.NegotiationTimeout)
	if urls := os.Getenv(EnvPrefix + "ICE_SERVER_URLS"); urls != "" {
		config.Signaling.ICEServers = []ICEServerConfig{{
			URLs:       splitList(urls),
			Username:   os.Getenv(EnvPrefix + "ICE_SERVER_USERNAME"),
			Credential: os.Getenv(EnvPrefix + "ICE_SERVER_CREDENTIAL"),
		}}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigFile represents the JSON structure for file-based configuration
// FUNCTIONAL DISCOVERY: Separate struct for JSON parsing to handle duration strings
type ConfigFile struct {
	Service *ServiceConfig `json:"service"`

	Database *struct {
		Path           string `json:"path"`
		Timeout        string `json:"timeout"`
		MaxConnections int    `json:"max_connections"`
	} `json:"database"`

	HTTP *struct {
		Port            int      `json:"port"`
		Host            string   `json:"host"`
		ReadTimeout     string   `json:"read_timeout"`
		WriteTimeout    string   `json:"write_timeout"`
		ShutdownTimeout string   `json:"shutdown_timeout"`
		AllowedOrigins  []string `json:"allowed_origins"`
		DeviceRateLimit int      `json:"device_rate_limit"`
	} `json:"http"`

	WebSocket *struct {
		PingInterval string `json:"ping_interval"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
		BufferSize   int    `json:"buffer_size"`
		MessageLimit int    `json:"message_limit"`
	} `json:"websocket"`

	Auth *AuthConfig `json:"auth"`

	Presence *struct {
		IdleAfter    string `json:"idle_after"`
		OfflineAfter string `json:"offline_after"`
	} `json:"presence"`

	Redis *struct {
		Enabled       *bool  `json:"enabled"`
		Addr          string `json:"addr"`
		Password      string `json:"password"`
		DB            int    `json:"db"`
		ChannelPrefix string `json:"channel_prefix"`
		KeyPrefix     string `json:"key_prefix"`
	} `json:"redis"`

	Screenshot *struct {
		TTL      string `json:"ttl"`
		MaxBytes int    `json:"max_bytes"`
	} `json:"screenshot"`

	Hub *struct {
		QueueSize      int    `json:"queue_size"`
		PublishTimeout string `json:"publish_timeout"`
	} `json:"hub"`

	Command *struct {
		RateLimit       int `json:"rate_limit"`
		MaxPayloadBytes int `json:"max_payload_bytes"`
	} `json:"command"`

	Signaling *struct {
		NegotiationTimeout string            `json:"negotiation_timeout"`
		ICEServers         []ICEServerConfig `json:"ice_servers"`
	} `json:"signaling"`
}

// LoadFromFile reads a JSON config file over the defaults and validates it
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	var parseErr error
	duration := func(s string, dst *time.Duration) {
		if s == "" || parseErr != nil {
			return
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			parseErr = fmt.Errorf("invalid duration %q in %s: %w", s, filepath, err)
			return
		}
		*dst = d
	}
	str := func(s string, dst *string) {
		if s != "" {
			*dst = s
		}
	}
	num := func(n int, dst *int) {
		if n > 0 {
			*dst = n
		}
	}

	if f := file.Service; f != nil {
		str(f.Name, &config.Service.Name)
		str(f.Environment, &config.Service.Environment)
		str(f.LogLevel, &config.Service.LogLevel)
		str(f.LogFormat, &config.Service.LogFormat)
	}
	if f := file.Database; f != nil {
		str(f.Path, &config.Database.Path)
		duration(f.Timeout, &config.Database.Timeout)
		num(f.MaxConnections, &config.Database.MaxConnections)
	}
	if f := file.HTTP; f != nil {
		num(f.Port, &config.HTTP.Port)
		str(f.Host, &config.HTTP.Host)
		duration(f.ReadTimeout, &config.HTTP.ReadTimeout)
		duration(f.WriteTimeout, &config.HTTP.WriteTimeout)
		duration(f.ShutdownTimeout, &config.HTTP.ShutdownTimeout)
		if len(f.AllowedOrigins) > 0 {
			config.HTTP.AllowedOrigins = f.AllowedOrigins
		}
		num(f.DeviceRateLimit, &config.HTTP.DeviceRateLimit)
	}
	if f := file.WebSocket; f != nil {
		duration(f.PingInterval, &config.WebSocket.PingInterval)
		duration(f.ReadTimeout, &config.WebSocket.ReadTimeout)
		duration(f.WriteTimeout, &config.WebSocket.WriteTimeout)
		num(f.BufferSize, &config.WebSocket.BufferSize)
		num(f.MessageLimit, &config.WebSocket.MessageLimit)
	}
	if f := file.Auth; f != nil {
		str(f.JWTSecret, &config.Auth.JWTSecret)
		str(f.Issuer, &config.Auth.Issuer)
		str(f.RequiredLicense, &config.Auth.RequiredLicense)
	}
	if f := file.Presence; f != nil {
		duration(f.IdleAfter, &config.Presence.IdleAfter)
		duration(f.OfflineAfter, &config.Presence.OfflineAfter)
	}
	if f := file.Redis; f != nil {
		if f.Enabled != nil {
			config.Redis.Enabled = *f.Enabled
		}
		str(f.Addr, &config.Redis.Addr)
		str(f.Password, &config.Redis.Password)
		num(f.DB, &config.Redis.DB)
		str(f.ChannelPrefix, &config.Redis.ChannelPrefix)
		str(f.KeyPrefix, &config.Redis.KeyPrefix)
	}
	if f := file.Screenshot; f != nil {
		duration(f.TTL, &config.Screenshot.TTL)
		num(f.MaxBytes, &config.Screenshot.MaxBytes)
	}
	if f := file.Hub; f != nil {
		num(f.QueueSize, &config.Hub.QueueSize)
		duration(f.PublishTimeout, &config.Hub.PublishTimeout)
	}
	if f := file.Command; f != nil {
		num(f.RateLimit, &config.Command.RateLimit)
		num(f.MaxPayloadBytes, &config.Command.MaxPayloadBytes)
	}
	if f := file.Signaling; f != nil {
		duration(f.NegotiationTimeout, &config.Signaling.NegotiationTimeout)
		if len(f.ICEServers) > 0 {
			config.Signaling.ICEServers = f.ICEServers
		}
	}

	return parseErr
}

// LoadConfigWithPrecedence builds the config as defaults < environment < file
// FUNCTIONAL DISCOVERY: The file is applied on top of the environment-derived config,
// so a file that sets only the port keeps the JWT secret supplied via env
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
