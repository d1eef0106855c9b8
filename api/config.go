package api

// Config holds API server settings.
type Config struct {
	// ListenAddr is the host:port the server binds to.
	ListenAddr string
}
