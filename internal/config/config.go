// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/glance/internal/conn"
)

// ServerConfig holds the streaming server configuration.
type ServerConfig struct {
	GRPCAddr  string
	DebugAddr string

	SessionTTL      time.Duration
	MaxCallDuration time.Duration

	// Generation backend: "scripted" or "openai".
	Engine       string
	OpenAIAPIKey string
	OpenAIBase   string
	OpenAIModel  string
}

// LoadServer reads the server configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		GRPCAddr:        getEnv("GRPC_ADDR", ":50051"),
		DebugAddr:       getEnv("DEBUG_ADDR", ":8080"),
		SessionTTL:      getEnvDuration("SESSION_TTL", 30*time.Second),
		MaxCallDuration: getEnvDuration("MAX_CALL_DURATION", 120*time.Second),
		Engine:          getEnv("ENGINE", "scripted"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIBase:      getEnv("OPENAI_BASE_URL", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
	}
	if cfg.Engine == "scripted" && cfg.OpenAIAPIKey != "" {
		cfg.Engine = "openai"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required server fields are set.
func (c *ServerConfig) Validate() error {
	if c.GRPCAddr == "" {
		return fmt.Errorf("GRPC_ADDR cannot be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	switch c.Engine {
	case "scripted":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY required for the openai engine")
		}
	default:
		return fmt.Errorf("unknown ENGINE %q", c.Engine)
	}
	return nil
}

// ClientConfig holds the assistant client configuration.
type ClientConfig struct {
	// Servers maps server names to addresses, parsed from
	// "name=addr,name=addr" (a bare address becomes "default").
	Servers       map[string]string
	DefaultServer string

	StateDir string
	DiagAddr string

	ConnectTimeout time.Duration
	RetryStrategy  conn.StrategyKind
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	RetryAttempts  int
	HealthInterval time.Duration

	Debounce       time.Duration
	MaxRecording   time.Duration
	StageTimeout   time.Duration
	OverallTimeout time.Duration

	ScreenWidth  int32
	ScreenHeight int32
}

// LoadClient reads the client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	servers, defaultServer, err := parseServers(getEnv("GLANCE_SERVERS", "default=localhost:50051"))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if name := getEnv("GLANCE_DEFAULT_SERVER", ""); name != "" {
		defaultServer = name
	}

	cfg := &ClientConfig{
		Servers:        servers,
		DefaultServer:  defaultServer,
		StateDir:       getEnv("GLANCE_STATE_DIR", defaultStateDir()),
		DiagAddr:       getEnv("DIAG_ADDR", "127.0.0.1:8790"),
		ConnectTimeout: getEnvDuration("CONNECT_TIMEOUT", 5*time.Second),
		RetryStrategy:  conn.StrategyKind(getEnv("RETRY_STRATEGY", string(conn.StrategyExponential))),
		RetryBase:      getEnvDuration("RETRY_BASE", time.Second),
		RetryMaxDelay:  getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
		RetryAttempts:  getEnvInt("RETRY_ATTEMPTS", 5),
		HealthInterval: getEnvDuration("HEALTH_INTERVAL", 10*time.Second),
		Debounce:       getEnvDuration("DEBOUNCE", 300*time.Millisecond),
		MaxRecording:   getEnvDuration("MAX_RECORDING", 30*time.Second),
		StageTimeout:   getEnvDuration("STAGE_TIMEOUT", 30*time.Second),
		OverallTimeout: getEnvDuration("OVERALL_TIMEOUT", 300*time.Second),
		ScreenWidth:    int32(getEnvInt("SCREEN_WIDTH", 1920)),
		ScreenHeight:   int32(getEnvInt("SCREEN_HEIGHT", 1080)),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required client fields are set.
func (c *ClientConfig) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("GLANCE_SERVERS cannot be empty")
	}
	if _, ok := c.Servers[c.DefaultServer]; !ok {
		return fmt.Errorf("default server %q not in GLANCE_SERVERS", c.DefaultServer)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be > 0")
	}
	switch c.RetryStrategy {
	case conn.StrategyNone, conn.StrategyLinear, conn.StrategyExponential, conn.StrategyFibonacci:
	default:
		return fmt.Errorf("unknown RETRY_STRATEGY %q", c.RetryStrategy)
	}
	return nil
}

func parseServers(raw string) (map[string]string, string, error) {
	servers := make(map[string]string)
	first := ""
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, addr, found := strings.Cut(part, "=")
		if !found {
			name, addr = "default", part
		}
		name = strings.TrimSpace(name)
		addr = strings.TrimSpace(addr)
		if name == "" || addr == "" {
			return nil, "", fmt.Errorf("malformed server entry %q", part)
		}
		servers[name] = addr
		if first == "" {
			first = name
		}
	}
	if len(servers) == 0 {
		return nil, "", fmt.Errorf("no servers in %q", raw)
	}
	return servers, first, nil
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return home + "/.glance"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
