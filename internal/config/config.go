// Package config loads service configuration from an optional TOML file and
// the environment. Environment variables win over the file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/datapella/backend/internal/logging"
	chatservice "github.com/zhouzirui/datapella/backend/internal/service/chat"
	"github.com/zhouzirui/datapella/backend/internal/service/transport"
)

// FileEnv names the variable pointing at the TOML overlay.
const FileEnv = "DATAPELLA_CONFIG"

// Config aggregates every service setting.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
	AI        AIConfig        `toml:"ai"`
	Warehouse WarehouseConfig `toml:"warehouse"`
	Log       logging.Config  `toml:"log"`
}

// Load builds the configuration: defaults, then the TOML file named by
// DATAPELLA_CONFIG when set, then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := applyServerEnv(&cfg.Server); err != nil {
		return nil, err
	}
	if err := applySessionEnv(&cfg.Session); err != nil {
		return nil, err
	}
	if err := applyAIEnv(&cfg.AI); err != nil {
		return nil, err
	}
	cfg.Warehouse.Path = getEnvOrDefault("DATAPELLA_WAREHOUSE_PATH", cfg.Warehouse.Path)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvOrDefault("LOG_FORMAT", cfg.Log.Format)

	if err := cfg.Session.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080", BackendAddr: ":8000"},
		Session: SessionConfig{
			Endpoint:                 "ws://localhost:8000/api/ws/chat",
			MaxConcurrentRequests:    4,
			RequestTimeout:           60 * time.Second,
			ReconnectBase:            500 * time.Millisecond,
			ReconnectMax:             30 * time.Second,
			MaxQueueDepth:            50,
			HeartbeatInterval:        15 * time.Second,
			MissedHeartbeatThreshold: 3,
		},
		AI: AIConfig{
			BaseURL:        "https://ark.cn-beijing.volces.com/api/v3",
			Region:         "cn-beijing",
			StreamResponse: true,
		},
		Warehouse: WarehouseConfig{Path: ":memory:"},
		Log:       logging.Config{Level: "info", Format: "text"},
	}
}

// ServerConfig holds listen addresses for the gateway and the analysis backend.
type ServerConfig struct {
	Addr        string `toml:"addr"`
	BackendAddr string `toml:"backend_addr"`
}

func applyServerEnv(c *ServerConfig) error {
	addr, err := parseAddrEnv("PORT", c.Addr)
	if err != nil {
		return err
	}
	backendAddr, err := parseAddrEnv("BACKEND_PORT", c.BackendAddr)
	if err != nil {
		return err
	}
	c.Addr, c.BackendAddr = addr, backendAddr
	return nil
}

// parseAddrEnv accepts "8080", ":8080" or "127.0.0.1:8080".
func parseAddrEnv(key, fallback string) (string, error) {
	port := strings.TrimSpace(os.Getenv(key))
	if port == "" {
		return fallback, nil
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid %s value: %q", key, port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

// SessionConfig tunes the chat session and its backend connection.
type SessionConfig struct {
	Endpoint                 string        `toml:"endpoint"`
	MaxConcurrentRequests    int           `toml:"max_concurrent_requests"`
	RequestTimeout           time.Duration `toml:"request_timeout"`
	ReconnectBase            time.Duration `toml:"reconnect_base"`
	ReconnectMax             time.Duration `toml:"reconnect_max"`
	MaxReconnectAttempts     int           `toml:"max_reconnect_attempts"`
	MaxQueueDepth            int           `toml:"max_queue_depth"`
	HeartbeatInterval        time.Duration `toml:"heartbeat_interval"`
	MissedHeartbeatThreshold int           `toml:"missed_heartbeat_threshold"`
}

// Validate rejects settings the session cannot run with.
func (c SessionConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Endpoint) == "" {
		errs = append(errs, errors.New("session endpoint is required"))
	}
	limits := []struct {
		name  string
		value int64
	}{
		{"max_concurrent_requests", int64(c.MaxConcurrentRequests)},
		{"request_timeout", int64(c.RequestTimeout)},
		{"reconnect_base", int64(c.ReconnectBase)},
		{"reconnect_max", int64(c.ReconnectMax)},
		{"max_queue_depth", int64(c.MaxQueueDepth)},
		{"heartbeat_interval", int64(c.HeartbeatInterval)},
		{"missed_heartbeat_threshold", int64(c.MissedHeartbeatThreshold)},
	}
	for _, limit := range limits {
		if limit.value <= 0 {
			errs = append(errs, fmt.Errorf("session %s must be positive", limit.name))
		}
	}
	if c.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("session max_reconnect_attempts must not be negative"))
	}
	if c.ReconnectMax > 0 && c.ReconnectBase > c.ReconnectMax {
		errs = append(errs, errors.New("session reconnect_base exceeds reconnect_max"))
	}
	return errors.Join(errs...)
}

// ChannelOptions derives the transport dial and reconnect policy.
func (c SessionConfig) ChannelOptions() transport.Options {
	opts := transport.DefaultOptions(c.Endpoint)
	if c.ReconnectBase > 0 {
		opts.ReconnectBase = c.ReconnectBase
	}
	if c.ReconnectMax > 0 {
		opts.ReconnectMax = c.ReconnectMax
	}
	opts.MaxReconnectAttempts = c.MaxReconnectAttempts
	return opts
}

// ManagerConfig derives the session manager limits.
func (c SessionConfig) ManagerConfig() chatservice.Config {
	cfg := chatservice.DefaultConfig()
	cfg.MaxConcurrentRequests = c.MaxConcurrentRequests
	cfg.RequestTimeout = c.RequestTimeout
	cfg.MaxQueueDepth = c.MaxQueueDepth
	cfg.HeartbeatInterval = c.HeartbeatInterval
	cfg.MissedHeartbeatThreshold = c.MissedHeartbeatThreshold
	return cfg
}

func applySessionEnv(c *SessionConfig) error {
	c.Endpoint = getEnvOrDefault("DATAPELLA_ENDPOINT", c.Endpoint)

	ints := []struct {
		key string
		dst *int
	}{
		{"DATAPELLA_MAX_CONCURRENT_REQUESTS", &c.MaxConcurrentRequests},
		{"DATAPELLA_MAX_RECONNECT_ATTEMPTS", &c.MaxReconnectAttempts},
		{"DATAPELLA_MAX_QUEUE_DEPTH", &c.MaxQueueDepth},
		{"DATAPELLA_MISSED_HEARTBEAT_THRESHOLD", &c.MissedHeartbeatThreshold},
	}
	for _, item := range ints {
		val, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return err
		}
		if val != nil {
			*item.dst = *val
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DATAPELLA_REQUEST_TIMEOUT_MS", &c.RequestTimeout},
		{"DATAPELLA_RECONNECT_BASE_MS", &c.ReconnectBase},
		{"DATAPELLA_RECONNECT_MAX_MS", &c.ReconnectMax},
		{"DATAPELLA_HEARTBEAT_INTERVAL_MS", &c.HeartbeatInterval},
	}
	for _, item := range durations {
		ms, err := parseOptionalIntEnv(item.key)
		if err != nil {
			return err
		}
		if ms != nil {
			*item.dst = time.Duration(*ms) * time.Millisecond
		}
	}
	return nil
}

// AIConfig holds the Ark model settings used for narrative generation.
type AIConfig struct {
	APIKey         string   `toml:"api_key"`
	AccessKey      string   `toml:"access_key"`
	SecretKey      string   `toml:"secret_key"`
	Model          string   `toml:"model"`
	BaseURL        string   `toml:"base_url"`
	Region         string   `toml:"region"`
	Temperature    *float64 `toml:"temperature"`
	TopP           *float64 `toml:"top_p"`
	MaxTokens      *int     `toml:"max_tokens"`
	StreamResponse bool     `toml:"stream"`
}

// Enabled reports whether credentials and a model are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel builds an Ark chat model from the settings.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.New("ark credentials or model missing: set ARK_API_KEY and ARK_MODEL, or an AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func applyAIEnv(c *AIConfig) error {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return err
	}
	if temperature != nil {
		c.Temperature = temperature
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return err
	}
	if topP != nil {
		c.TopP = topP
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return err
	}
	if maxTokens != nil {
		c.MaxTokens = maxTokens
	}

	stream, err := parseBoolEnv("ARK_STREAM", c.StreamResponse)
	if err != nil {
		return err
	}
	c.StreamResponse = stream

	c.APIKey = getEnvOrDefault("ARK_API_KEY", c.APIKey)
	c.AccessKey = getEnvOrDefault("ARK_ACCESS_KEY", c.AccessKey)
	c.SecretKey = getEnvOrDefault("ARK_SECRET_KEY", c.SecretKey)
	c.Model = getEnvOrDefault("ARK_MODEL", c.Model)
	c.BaseURL = getEnvOrDefault("ARK_BASE_URL", c.BaseURL)
	c.Region = getEnvOrDefault("ARK_REGION", c.Region)
	return nil
}

// WarehouseConfig points at the sqlite sales warehouse.
type WarehouseConfig struct {
	Path string `toml:"path"`
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
