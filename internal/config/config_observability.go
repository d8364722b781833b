package config

import "time"

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing and other observability features.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// AuditConfig controls the structured audit trail of tool invocations,
// run errors, and session lifecycle actions.
type AuditConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Level             string        `yaml:"level"`
	Format            string        `yaml:"format"` // json | logfmt | text
	Output            string        `yaml:"output"` // stdout | stderr | file:/path
	IncludeToolInput  bool          `yaml:"include_tool_input"`
	IncludeToolOutput bool          `yaml:"include_tool_output"`
	MaxFieldSize      int           `yaml:"max_field_size"`
	SampleRate        float64       `yaml:"sample_rate"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

