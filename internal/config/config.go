// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Keep fields unexported where possible and use functional options.
// - Provide New(...Option) initializer to build a Config with defaults.
// - All future functions must accept context.Context as the first parameter.
// - External errors must be wrapped via this package's error helpers.
package config

// Config contains process configuration. Extend as needed.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// Environment selects the origin policy: anything other than
	// "production" accepts all websocket origins.
	Environment string `koanf:"environment"`

	// AllowedOrigins is the websocket origin allow-list enforced in
	// production.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// ConcurrencyLimit caps simultaneously executing enrichment jobs.
	ConcurrencyLimit int `koanf:"concurrency_limit"`

	// JobTimeoutMS is the hard wall-clock budget for one enrichment job.
	JobTimeoutMS int `koanf:"job_timeout_ms"`

	// CacheTTLMS bounds how long a resolution result stays cached.
	CacheTTLMS int `koanf:"cache_ttl_ms"`

	// LockTTLMS bounds the idempotency lock held during one resolution.
	LockTTLMS int `koanf:"lock_ttl_ms"`

	// TerminalTTLMS bounds how long a request's terminal state is replayable.
	TerminalTTLMS int `koanf:"terminal_ttl_ms"`

	// HeartbeatIntervalMS sets the websocket liveness ping interval.
	HeartbeatIntervalMS int `koanf:"heartbeat_interval_ms"`

	// Search provider settings. An empty SearchAPIKey disables external
	// search and every resolution degrades to the internal fallback link.
	SearchEndpoint  string  `koanf:"search_endpoint"`
	SearchAPIKey    string  `koanf:"search_api_key"`
	SearchTimeoutMS int     `koanf:"search_timeout_ms"`
	SearchRate      float64 `koanf:"search_rate"`
	SearchBurst     int     `koanf:"search_burst"`

	// Target provider for deep link resolution.
	ProviderName         string   `koanf:"provider_name"`
	ProviderDomain       string   `koanf:"provider_domain"`
	ProviderAllowedHosts []string `koanf:"provider_allowed_hosts"`

	// KVDriver selects the shared store backing cache and lock:
	// "memory" or "sqlite".
	KVDriver string `koanf:"kv_driver"`

	// KVDSN is the sqlite data source name when KVDriver is "sqlite".
	KVDSN string `koanf:"kv_dsn"`
}

// New creates a Config populated with defaults.
func New() *Config {
	c := &Config{
		LogLevel:            "info",
		Addr:                ":9090",
		Environment:         "development",
		ConcurrencyLimit:    8,
		JobTimeoutMS:        10_000,
		CacheTTLMS:          3_600_000,
		LockTTLMS:           60_000,
		TerminalTTLMS:       300_000,
		HeartbeatIntervalMS: 30_000,
		SearchEndpoint:      "https://api.search.example/v1/search",
		SearchAPIKey:        "",
		SearchTimeoutMS:     3_000,
		SearchRate:          5.0,
		SearchBurst:         10,
		ProviderName:        "wolt",
		ProviderDomain:      "wolt.com",
		KVDriver:            "memory",
		KVDSN:               "file:sidelink.db?_pragma=busy_timeout(5000)",
	}
	return c
}
