// Package config defines the persistent convohub configuration and its
// loading rules: TOML file, CONVOHUB_ environment variables, defaults.
package config

import "github.com/BurntSushi/toml"

const (
	// v0 is the alpha version of the config
	v0 = 0

	// CurrentV is the currently supported version, points to v0
	CurrentV = v0
)

// Config represents the convohub configuration stored as config.toml.
// The TOML layout uses sections for logical grouping.
type Config struct {
	Version int           `toml:"version"`
	Storage StorageConfig `toml:"storage"`
	API     APIConfig     `toml:"api"`
	Textgen TextgenConfig `toml:"textgen"`
	Events  EventsConfig  `toml:"events"`
	Log     LogConfig     `toml:"log"`
}

// StorageConfig selects and parameterizes the store driver.
type StorageConfig struct {
	// Driver is one of inmemory, sqlite, postgres.
	Driver      string `toml:"driver,omitempty"`
	SQLitePath  string `toml:"sqlite_path,omitempty"`
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// TextgenConfig selects the text-generation provider for assistant replies
// and resolver merges.
type TextgenConfig struct {
	// Provider is one of echo, ollama.
	Provider string `toml:"provider,omitempty"`
	Target   string `toml:"target,omitempty"`
	Model    string `toml:"model,omitempty"`
}

// EventsConfig holds event stream settings.
type EventsConfig struct {
	Enabled bool     `toml:"enabled,omitempty"`
	Brokers []string `toml:"brokers,omitempty"`
	Topic   string   `toml:"topic,omitempty"`
}

// LogConfig holds logging settings. File, when set, receives a JSON copy of
// every record in addition to the primary output.
type LogConfig struct {
	Debug  bool   `toml:"debug,omitempty"`
	Pretty bool   `toml:"pretty,omitempty"`
	JSON   bool   `toml:"json,omitempty"`
	File   string `toml:"file,omitempty"`
}

// ParseConfigTOML parses raw TOML bytes into a Config.
// Returns an error if the version field is present and unsupported.
func ParseConfigTOML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Version != 0 && cfg.Version != CurrentV {
		return nil, &UnsupportedVersionError{Version: cfg.Version}
	}
	return cfg, nil
}
