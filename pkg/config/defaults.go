package config

const (
	defaultStorageDriver = "inmemory"
	defaultSQLitePath    = "convohub.db"

	defaultAPIListen = ":8080"

	defaultTextgenProvider = "echo"
	defaultTextgenTarget   = "http://localhost:11434"
	defaultTextgenModel    = "llama3.2"

	defaultEventsTopic = "convohub.events"
)

// NewDefaultConfig returns a Config with sane defaults for all fields.
// This is the single source of truth for default values.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentV,
		Storage: StorageConfig{
			Driver:     defaultStorageDriver,
			SQLitePath: defaultSQLitePath,
		},
		API: APIConfig{
			Listen: defaultAPIListen,
		},
		Textgen: TextgenConfig{
			Provider: defaultTextgenProvider,
			Target:   defaultTextgenTarget,
			Model:    defaultTextgenModel,
		},
		Events: EventsConfig{
			Enabled: false,
			Topic:   defaultEventsTopic,
		},
		Log: LogConfig{
			Pretty: true,
		},
	}
}
