// Package api provides the HTTP surface of the memory service: health,
// stats and the MCP tool endpoint.
package api

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8081")
	ListenAddr string
}
