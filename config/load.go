package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/rodan32/imgen/errors"
)

// Load reads the orchestrator configuration using Viper.
// Sources, in precedence order: defaults < config file < IMGEN_* env vars.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("IMGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	v.SetConfigName("imgen")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.imgen")
	v.AddConfigPath("/etc/imgen")

	// Missing config file is fine - defaults plus env vars are a complete
	// configuration. Any other read error aborts startup.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "unmarshal config from %s", path)
	}
	return &cfg, nil
}

// SetDefaults registers default values on a Viper instance
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.path", "imgen.db")

	v.SetDefault("fleet.path", "config/fleet.yaml")
	v.SetDefault("fleet.probe_interval_seconds", DefaultProbeInterval)
	v.SetDefault("fleet.probe_timeout_seconds", DefaultProbeTimeout)

	v.SetDefault("templates.dir", "config/templates")

	v.SetDefault("dispatch.poll_interval_seconds", DefaultPollInterval)
	v.SetDefault("dispatch.deadline_seconds", DefaultDeadline)
	v.SetDefault("dispatch.worker_timeout_seconds", DefaultWorkerTimeout)
	v.SetDefault("dispatch.connect_timeout_seconds", DefaultConnectTimeout)

	v.SetDefault("images.dir", "data/images")
}
