package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production"
	Server      ServerConfig  `toml:"server"`
	Auth        AuthConfig    `toml:"auth"`
	Export      ExportConfig  `toml:"export"`
	MCP         MCPConfig     `toml:"mcp"`
	Backend     BackendConfig `toml:"backend"`
	Logging     LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// AuthConfig holds the bearer key guarding every route except /healthz.
type AuthConfig struct {
	APIKey     string `toml:"api_key"`      // Bearer token; generated when empty
	APIKeyFile string `toml:"api_key_file"` // Optional file to read the key from

	// APIKeyIsFallback is set at load time when no key was configured and a
	// random one was generated. Never persisted.
	APIKeyIsFallback bool `toml:"-"`
}

// ExportConfig controls the export pipeline and artifact retention.
type ExportConfig struct {
	Root             string `toml:"root"`              // Artifact root; fallback chain applied at startup
	RetentionSeconds int64  `toml:"retention_seconds"` // Artifact lifetime after completion
	QueueCapacity    int    `toml:"queue_capacity"`    // Bounded job queue size
}

// MCPConfig tunes the read-only /mcp query surface.
type MCPConfig struct {
	ResponseBudgetBytes   int  `toml:"response_budget_bytes"`   // Max serialized envelope size
	RateLimitPerMinute    int  `toml:"rate_limit_per_minute"`   // Token bucket refill rate
	RateLimitBurst        int  `toml:"rate_limit_burst"`        // Token bucket capacity (floor 1)
	CacheCapacity         int  `toml:"cache_capacity"`          // LRU entries for tool responses
	AllowExternalCapsules bool `toml:"allow_external_capsules"` // Permit capsulePath outside export root
	DevLogPayloads        bool `toml:"dev_log_payloads"`        // Log full tool arguments (development only)
}

// BackendConfig selects the executor that runs export jobs.
type BackendConfig struct {
	Mode   string       `toml:"mode"` // "local" or "remote"
	Remote RemoteConfig `toml:"remote"`
}

// RemoteConfig configures the remote execution service used when
// backend mode is "remote".
type RemoteConfig struct {
	BaseURL                 string `toml:"base_url"`                  // Remote API base, no trailing slash
	Endpoint                string `toml:"endpoint"`                  // Endpoint id under the base URL
	APIKey                  string `toml:"api_key"`                   // Bearer key for the remote API
	PollInterval            string `toml:"poll_interval"`             // e.g. "2s" - status poll cadence
	ExecutionTimeoutSeconds int64  `toml:"execution_timeout_seconds"` // Remote-side execution budget
	TTLSeconds              int64  `toml:"ttl_seconds"`               // Remote-side queue TTL
	StagingDir              string `toml:"staging_dir"`               // Local payload/output staging root
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// Backend mode values accepted by BackendConfig.Mode.
const (
	BackendModeLocal  = "local"
	BackendModeRemote = "remote"
)

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in capsuled.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Auth: AuthConfig{
			APIKey:     "", // Generated at load time when left empty
			APIKeyFile: "",
		},
		Export: ExportConfig{
			Root:             "/data/exports",
			RetentionSeconds: 24 * 60 * 60, // Artifacts live one day after completion
			QueueCapacity:    128,
		},
		MCP: MCPConfig{
			ResponseBudgetBytes:   64 * 1024,
			RateLimitPerMinute:    120,
			RateLimitBurst:        60,
			CacheCapacity:         256,
			AllowExternalCapsules: false,
			DevLogPayloads:        false,
		},
		Backend: BackendConfig{
			Mode: BackendModeLocal,
			Remote: RemoteConfig{
				BaseURL:                 "",
				Endpoint:                "",
				APIKey:                  "",
				PollInterval:            "2s",
				ExecutionTimeoutSeconds: 600,
				TTLSeconds:              900,
				StagingDir:              "/data/staging",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env.
// Priority system: Environment variables > Config file > Defaults.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files; later files
// override earlier files, environment variables override all files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)
	resolveAPIKey(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: CAPSULED_ENV, fallback: GO_ENV)
	if env := os.Getenv("CAPSULED_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("CAPSULED_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("CAPSULED_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Auth configuration
	if key := os.Getenv("CAPSULED_API_KEY"); key != "" {
		config.Auth.APIKey = key
	}
	if keyFile := os.Getenv("CAPSULED_API_KEY_FILE"); keyFile != "" {
		config.Auth.APIKeyFile = keyFile
	}

	// Export configuration
	if root := os.Getenv("CAPSULED_EXPORT_ROOT"); root != "" {
		config.Export.Root = root
	}
	if retention := os.Getenv("CAPSULED_EXPORT_RETENTION_SECONDS"); retention != "" {
		if r, err := strconv.ParseInt(retention, 10, 64); err == nil {
			config.Export.RetentionSeconds = r
		}
	}
	if capacity := os.Getenv("CAPSULED_EXPORT_QUEUE_CAPACITY"); capacity != "" {
		if c, err := strconv.Atoi(capacity); err == nil {
			config.Export.QueueCapacity = c
		}
	}

	// MCP configuration
	if budget := os.Getenv("CAPSULED_MCP_RESPONSE_BUDGET_BYTES"); budget != "" {
		if b, err := strconv.Atoi(budget); err == nil {
			config.MCP.ResponseBudgetBytes = b
		}
	}
	if perMinute := os.Getenv("CAPSULED_MCP_RATE_LIMIT_PER_MINUTE"); perMinute != "" {
		if pm, err := strconv.Atoi(perMinute); err == nil {
			config.MCP.RateLimitPerMinute = pm
		}
	}
	if burst := os.Getenv("CAPSULED_MCP_RATE_LIMIT_BURST"); burst != "" {
		if b, err := strconv.Atoi(burst); err == nil {
			config.MCP.RateLimitBurst = b
		}
	}
	if capacity := os.Getenv("CAPSULED_MCP_CACHE_CAPACITY"); capacity != "" {
		if c, err := strconv.Atoi(capacity); err == nil {
			config.MCP.CacheCapacity = c
		}
	}
	if allowExternal := os.Getenv("CAPSULED_MCP_ALLOW_EXTERNAL_CAPSULES"); allowExternal != "" {
		config.MCP.AllowExternalCapsules = parseBoolLoose(allowExternal)
	}
	if devLog := os.Getenv("CAPSULED_MCP_DEV_LOG_PAYLOADS"); devLog != "" {
		config.MCP.DevLogPayloads = parseBoolLoose(devLog)
	}

	// Backend configuration
	if mode := os.Getenv("CAPSULED_BACKEND_MODE"); mode != "" {
		config.Backend.Mode = mode
	}
	if baseURL := os.Getenv("CAPSULED_REMOTE_BASE_URL"); baseURL != "" {
		config.Backend.Remote.BaseURL = baseURL
	}
	if endpoint := os.Getenv("CAPSULED_REMOTE_ENDPOINT"); endpoint != "" {
		config.Backend.Remote.Endpoint = endpoint
	}
	if key := os.Getenv("CAPSULED_REMOTE_API_KEY"); key != "" {
		config.Backend.Remote.APIKey = key
	}
	if pollInterval := os.Getenv("CAPSULED_REMOTE_POLL_INTERVAL"); pollInterval != "" {
		if _, err := time.ParseDuration(pollInterval); err == nil {
			config.Backend.Remote.PollInterval = pollInterval
		}
	}
	if timeout := os.Getenv("CAPSULED_REMOTE_EXECUTION_TIMEOUT_SECONDS"); timeout != "" {
		if t, err := strconv.ParseInt(timeout, 10, 64); err == nil {
			config.Backend.Remote.ExecutionTimeoutSeconds = t
		}
	}
	if ttl := os.Getenv("CAPSULED_REMOTE_TTL_SECONDS"); ttl != "" {
		if t, err := strconv.ParseInt(ttl, 10, 64); err == nil {
			config.Backend.Remote.TTLSeconds = t
		}
	}
	if stagingDir := os.Getenv("CAPSULED_REMOTE_STAGING_DIR"); stagingDir != "" {
		config.Backend.Remote.StagingDir = stagingDir
	}

	// Logging configuration
	if level := os.Getenv("CAPSULED_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CAPSULED_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("CAPSULED_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
}

// resolveAPIKey fills in the bearer key, generating a throwaway one when
// nothing was configured so the service stays reachable in development.
func resolveAPIKey(config *Config) {
	if key := strings.TrimSpace(config.Auth.APIKey); key != "" {
		config.Auth.APIKey = key
		config.Auth.APIKeyIsFallback = false
		return
	}

	if config.Auth.APIKeyFile != "" {
		raw, err := os.ReadFile(config.Auth.APIKeyFile)
		if err == nil {
			if key := strings.TrimSpace(string(raw)); key != "" {
				config.Auth.APIKey = key
				config.Auth.APIKeyIsFallback = false
				return
			}
			fmt.Fprintf(os.Stderr, "[capsuled] api_key_file is empty: %s. Falling back to generated key.\n", config.Auth.APIKeyFile)
		} else {
			fmt.Fprintf(os.Stderr, "[capsuled] Failed reading api_key_file at %s: %v. Falling back to generated key.\n", config.Auth.APIKeyFile, err)
		}
	}

	config.Auth.APIKey = "fallback-" + uuid.New().String()
	config.Auth.APIKeyIsFallback = true
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// BindAddr returns the host:port string the HTTP server listens on.
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RemotePollInterval parses the configured poll cadence, defaulting to 2s.
func (c *Config) RemotePollInterval() time.Duration {
	if d, err := time.ParseDuration(c.Backend.Remote.PollInterval); err == nil && d > 0 {
		return d
	}
	return 2 * time.Second
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// IsRemoteBackend returns true when exports run on the remote executor.
func (c *Config) IsRemoteBackend() bool {
	return strings.EqualFold(strings.TrimSpace(c.Backend.Mode), BackendModeRemote)
}

// parseBoolLoose accepts the usual truthy spellings used in container envs.
func parseBoolLoose(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// DeepCloneConfig creates a deep copy of the Config struct.
// Used to hand isolated copies to subsystems so mutations never leak back.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	return &clone
}
