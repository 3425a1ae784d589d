package httpapi

import "localllm/internal/config"

// maxBodyBytes caps JSON request bodies.
var maxBodyBytes int64 = config.DefaultMaxBodyBytes

// SetMaxBodyBytes sets the request body cap; non-positive values restore the default.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = config.DefaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(c config.CORS) {
	corsEnabled = c.Enabled
	corsAllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	corsAllowedMethods = append([]string(nil), c.AllowedMethods...)
	corsAllowedHeaders = append([]string(nil), c.AllowedHeaders...)
}
