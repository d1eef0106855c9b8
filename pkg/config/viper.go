package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// UnsupportedVersionError is returned for a config file written by a newer
// convohub.
type UnsupportedVersionError struct {
	Version int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported config version %d (expected %d)", e.Version, CurrentV)
}

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the TOML config file
// (explicit path, or config.toml in the working directory), and binds
// environment variables with the CONVOHUB_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound by the command)
//  2. Environment variables (CONVOHUB_API_LISTEN, CONVOHUB_STORAGE_DRIVER, ...)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()

	setViperDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults will apply - unless the
		// caller named one explicitly.
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Run the loaded file through the strict TOML parser; it rejects files
	// written by a newer convohub before any value is consumed.
	if file := v.ConfigFileUsed(); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if _, err := ParseConfigTOML(data); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("CONVOHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of
// truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Storage
	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Text generation
	v.SetDefault("textgen.provider", d.Textgen.Provider)
	v.SetDefault("textgen.target", d.Textgen.Target)
	v.SetDefault("textgen.model", d.Textgen.Model)

	// Events
	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.brokers", d.Events.Brokers)
	v.SetDefault("events.topic", d.Events.Topic)

	// Logging
	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.file", d.Log.File)
}

// FromViper materializes a Config from the resolved viper state.
func FromViper(v *viper.Viper) *Config {
	return &Config{
		Version: v.GetInt("version"),
		Storage: StorageConfig{
			Driver:      v.GetString("storage.driver"),
			SQLitePath:  v.GetString("storage.sqlite_path"),
			PostgresDSN: v.GetString("storage.postgres_dsn"),
		},
		API: APIConfig{
			Listen: v.GetString("api.listen"),
		},
		Textgen: TextgenConfig{
			Provider: v.GetString("textgen.provider"),
			Target:   v.GetString("textgen.target"),
			Model:    v.GetString("textgen.model"),
		},
		Events: EventsConfig{
			Enabled: v.GetBool("events.enabled"),
			Brokers: v.GetStringSlice("events.brokers"),
			Topic:   v.GetString("events.topic"),
		},
		Log: LogConfig{
			Debug:  v.GetBool("log.debug"),
			Pretty: v.GetBool("log.pretty"),
			JSON:   v.GetBool("log.json"),
			File:   v.GetString("log.file"),
		},
	}
}
