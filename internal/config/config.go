// Package config loads and validates the server configuration. Precedence
// is defaults < config file < environment, with the environment variables
// the server recognizes bound explicitly.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds listener settings. The MCP WebSocket endpoint and the
// admin surface share one listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DirectoryConfig configures the service directory agent.
type DirectoryConfig struct {
	URL                 string        `mapstructure:"url"`
	ServiceName         string        `mapstructure:"service_name"`
	Tags                []string      `mapstructure:"tags"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
	DeregisterAfter     time.Duration `mapstructure:"deregister_after"`
	FailuresToUnhealthy int           `mapstructure:"consecutive_failures_to_unhealthy"`
}

// EmbeddingConfig configures the embedding and generation client.
type EmbeddingConfig struct {
	URL             string        `mapstructure:"url"`
	APIKey          string        `mapstructure:"api_key"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	GenerationModel string        `mapstructure:"generation_model"`
	Dimensions      int           `mapstructure:"dimensions"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// SelectorConfig configures capability selection.
type SelectorConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MinResults    int           `mapstructure:"min_results"`
	ScoreFloor    float64       `mapstructure:"score_floor"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
}

// DispatcherConfig configures invocation dispatch.
type DispatcherConfig struct {
	DefaultTimeout           time.Duration `mapstructure:"default_timeout"`
	CancelGrace              time.Duration `mapstructure:"cancel_grace"`
	PerCapabilityConcurrency int           `mapstructure:"per_capability_concurrency"`
	GlobalConcurrency        int           `mapstructure:"global_concurrency"`
	QueueDepth               int           `mapstructure:"queue_depth"`
}

// ModuleScanConfig enumerates local capability definition files.
type ModuleScanConfig struct {
	Roots          []string `mapstructure:"roots"`
	IncludePattern string   `mapstructure:"include_pattern"`
	ExcludePattern string   `mapstructure:"exclude_pattern"`
}

// RemoteManifestConfig fetches capability envelopes over HTTP.
type RemoteManifestConfig struct {
	URL        string        `mapstructure:"url"`
	AuthHeader string        `mapstructure:"auth_header"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DiscoveryConfig declares capability sources.
type DiscoveryConfig struct {
	ModuleScan        *ModuleScanConfig     `mapstructure:"module_scan"`
	RemoteManifest    *RemoteManifestConfig `mapstructure:"remote_manifest"`
	ExplicitFile      string                `mapstructure:"explicit_file"`
	PipelineStateFile string                `mapstructure:"pipeline_state_file"`
	IndexWorkers      int                   `mapstructure:"index_workers"`
}

// TelemetryConfig configures logging and tracing.
type TelemetryConfig struct {
	LogLevel       string  `mapstructure:"log_level"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool    `mapstructure:"otlp_insecure"`
	SamplingRate   float64 `mapstructure:"sampling_rate"`
	Environment    string  `mapstructure:"environment"`
}

// Config is the root configuration.
type Config struct {
	Server         ServerConfig     `mapstructure:"server"`
	Directory      DirectoryConfig  `mapstructure:"directory"`
	VectorStoreURL string           `mapstructure:"vector_store_url"`
	BlobStoreURL   string           `mapstructure:"blob_store_url"`
	Embedding      EmbeddingConfig  `mapstructure:"embedding"`
	Selector       SelectorConfig   `mapstructure:"selector"`
	Dispatcher     DispatcherConfig `mapstructure:"dispatcher"`
	Discovery      DiscoveryConfig  `mapstructure:"discovery"`
	Telemetry      TelemetryConfig  `mapstructure:"telemetry"`

	LazyLoadAISelectors      bool `mapstructure:"lazy_load_ai_selectors"`
	LazyLoadExternalServices bool `mapstructure:"lazy_load_external_services"`
}

// envBindings maps recognized environment variables onto config keys.
var envBindings = map[string]string{
	"server.port":                 "SERVICE_PORT",
	"server.host":                 "SERVICE_HOST",
	"directory.url":               "DIRECTORY_URL",
	"vector_store_url":            "VECTOR_STORE_URL",
	"blob_store_url":              "BLOB_STORE_URL",
	"embedding.url":               "EMBEDDING_SERVICE_URL",
	"embedding.api_key":           "EMBEDDING_API_KEY",
	"telemetry.log_level":         "LOG_LEVEL",
	"lazy_load_ai_selectors":      "LAZY_LOAD_AI_SELECTORS",
	"lazy_load_external_services": "LAZY_LOAD_EXTERNAL_SERVICES",
}

// Load reads configuration from the optional file path and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			// Missing file is fine, defaults plus env apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("directory.service_name", "capability-server")
	v.SetDefault("directory.heartbeat_interval", 10*time.Second)
	v.SetDefault("directory.health_check_timeout", 3*time.Second)
	v.SetDefault("directory.deregister_after", 60*time.Second)
	v.SetDefault("directory.consecutive_failures_to_unhealthy", 3)

	v.SetDefault("embedding.embedding_model", "text-embedding-3-small")
	v.SetDefault("embedding.generation_model", "gpt-4o-mini")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.timeout", 10*time.Second)

	v.SetDefault("selector.timeout", 1500*time.Millisecond)
	v.SetDefault("selector.min_results", 1)
	v.SetDefault("selector.score_floor", 0.1)
	v.SetDefault("selector.search_timeout", 2*time.Second)

	v.SetDefault("dispatcher.default_timeout", 30*time.Second)
	v.SetDefault("dispatcher.cancel_grace", 2*time.Second)
	v.SetDefault("dispatcher.per_capability_concurrency", 64)
	v.SetDefault("dispatcher.global_concurrency", 512)
	v.SetDefault("dispatcher.queue_depth", 256)

	v.SetDefault("discovery.index_workers", 4)

	v.SetDefault("telemetry.log_level", "info")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.sampling_rate", 0.1)
	v.SetDefault("telemetry.environment", "development")
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Directory.HeartbeatInterval <= 0 {
		problems = append(problems, "directory.heartbeat_interval must be positive")
	}
	if c.Directory.DeregisterAfter <= c.Directory.HeartbeatInterval {
		problems = append(problems, "directory.deregister_after must exceed the heartbeat interval")
	}
	if c.Dispatcher.PerCapabilityConcurrency < 1 {
		problems = append(problems, "dispatcher.per_capability_concurrency must be at least 1")
	}
	if c.Dispatcher.GlobalConcurrency < c.Dispatcher.PerCapabilityConcurrency {
		problems = append(problems, "dispatcher.global_concurrency must be >= per_capability_concurrency")
	}
	if c.Selector.MinResults < 1 {
		problems = append(problems, "selector.min_results must be at least 1")
	}
	if c.Embedding.Dimensions <= 0 {
		problems = append(problems, "embedding.dimensions must be positive")
	}
	if ms := c.Discovery.ModuleScan; ms != nil && len(ms.Roots) == 0 {
		problems = append(problems, "discovery.module_scan.roots must not be empty")
	}
	if rm := c.Discovery.RemoteManifest; rm != nil && rm.URL == "" {
		problems = append(problems, "discovery.remote_manifest.url is required")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
