package config

// HTTPConfig contains HTTP server configuration for C6, the job intake API.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// CompressionEnabled enables gzip compression for JSON responses.
	CompressionEnabled bool `env:"HTTP_COMPRESSION_ENABLED" envDefault:"true"`

	// CompressionLevel is the gzip compression level (1-9).
	// Default is 6 (standard gzip default).
	CompressionLevel int `env:"HTTP_COMPRESSION_LEVEL" envDefault:"6"`

	// MaxUploadBytes is parsed and sanitized but not read by the router or
	// handlers. Uploads to POST /tasks, like URL/platform downloads, are
	// bounded by StagingConfig.MaxFileSizeBytes.
	MaxUploadBytes int64 `env:"HTTP_MAX_UPLOAD_BYTES" envDefault:"2147483648"` // 2 GiB

	// DefaultPageLimit and MaxPageLimit bound GET /tasks pagination.
	DefaultPageLimit int `env:"HTTP_DEFAULT_PAGE_LIMIT" envDefault:"50"`
	MaxPageLimit     int `env:"HTTP_MAX_PAGE_LIMIT"     envDefault:"200"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	// Clamp compression level to valid gzip range (1-9)
	if h.CompressionLevel < 1 {
		h.CompressionLevel = 1
	}
	if h.CompressionLevel > 9 {
		h.CompressionLevel = 9
	}
	if h.MaxUploadBytes < 1 {
		h.MaxUploadBytes = 1
	}
	if h.DefaultPageLimit < 1 {
		h.DefaultPageLimit = 1
	}
	if h.MaxPageLimit < h.DefaultPageLimit {
		h.MaxPageLimit = h.DefaultPageLimit
	}
}
