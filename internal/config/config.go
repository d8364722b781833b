package config

import "fmt"

// Config is the root configuration for a sessionkernel deployment. It is
// decoded from merged YAML/JSON5 raw config via Load, and its shape mirrors
// only the subsystems this module actually builds — the teacher's own
// Config additionally carries Gateway, Plugins, Marketplace, Skills,
// Templates, VectorMemory, MCP, and Channels sections that have no
// corresponding package here.
type Config struct {
	Version       int                 `yaml:"version"`
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	LLM           LLMConfig           `yaml:"llm"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Audit         AuditConfig         `yaml:"audit"`
}

// ServerConfig controls the sessionkernel's network-facing listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig selects and configures the event log backend.
type DatabaseConfig struct {
	// Driver selects the EventLog backend: "memory", "sqlite", or "postgres".
	Driver string `yaml:"driver"`

	// URL is the backend's connection string (a filesystem path for
	// sqlite, a DSN for postgres; ignored for memory).
	URL string `yaml:"url"`

	MaxConnections  int `yaml:"max_connections"`
	ConnMaxLifetime int `yaml:"conn_max_lifetime_seconds"`
}

// Load reads path, resolves $include directives, and decodes the result
// into a validated Config.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	return cfg, nil
}
