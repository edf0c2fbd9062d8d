// Package config loads the orchestrator configuration via Viper.
package config

// Config represents the core orchestrator configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Fleet     FleetConfig     `mapstructure:"fleet"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Images    ImagesConfig    `mapstructure:"images"`
}

// ServerConfig configures the HTTP/WebSocket surface
type ServerConfig struct {
	Port           int      `mapstructure:"port"`            // Listen port (default: 8700)
	AllowedOrigins []string `mapstructure:"allowed_origins"` // WebSocket origin whitelist; empty = same-origin only
}

// DatabaseConfig configures the SQLite generation store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// FleetConfig configures worker fleet loading and health probing
type FleetConfig struct {
	Path                 string `mapstructure:"path"`                   // fleet YAML (nodes: [...])
	ProbeIntervalSeconds int    `mapstructure:"probe_interval_seconds"` // default: 10
	ProbeTimeoutSeconds  int    `mapstructure:"probe_timeout_seconds"`  // default: 5
}

// TemplatesConfig configures the workflow template engine
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"` // directory holding manifest.yaml + <name>.json graphs
}

// DispatchConfig configures the generation lifecycle driver
type DispatchConfig struct {
	PollIntervalSeconds   int `mapstructure:"poll_interval_seconds"`   // history poll cadence (default: 1)
	DeadlineSeconds       int `mapstructure:"deadline_seconds"`        // per-job poll deadline (default: 300)
	WorkerTimeoutSeconds  int `mapstructure:"worker_timeout_seconds"`  // worker HTTP total timeout (default: 30)
	ConnectTimeoutSeconds int `mapstructure:"connect_timeout_seconds"` // worker HTTP connect timeout (default: 10)
}

// ImagesConfig configures on-disk artifact storage
type ImagesConfig struct {
	Dir string `mapstructure:"dir"` // root directory for saved generation images
}

// Default ports and intervals
const (
	DefaultServerPort     = 8700
	DefaultProbeInterval  = 10
	DefaultProbeTimeout   = 5
	DefaultPollInterval   = 1
	DefaultDeadline       = 300
	DefaultWorkerTimeout  = 30
	DefaultConnectTimeout = 10
)
