// Package bridgecfg loads the bridge's configuration, layered system ->
// user -> project config file -> environment variables. There is no
// cached global instance: Load returns a fresh *Config value that the
// CLI passes down explicitly to every component.
package bridgecfg

// Config is the fully resolved configuration for one bridge run.
type Config struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	Secure             bool   `mapstructure:"secure"`
	RejectUnauthorized bool   `mapstructure:"rejectUnauthorized"`

	ReconnectIntervalMs int `mapstructure:"reconnectInterval"`
	HeartbeatIntervalMs int `mapstructure:"heartbeatInterval"`

	CacheMaxEntries   int `mapstructure:"cacheMaxEntries"`
	CacheTTLMs        int `mapstructure:"cacheTtlMs"`
	CleanupIntervalMs int `mapstructure:"cleanupIntervalMs"`

	EventBuffer EventBufferConfig `mapstructure:"eventBuffer"`
	RateLimit   RateLimitConfig   `mapstructure:"rateLimit"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Persist     PersistConfig     `mapstructure:"persist"`
	Thresholds  ThresholdsConfig  `mapstructure:"thresholds"`
}

type EventBufferConfig struct {
	MaxEvents             int `mapstructure:"maxEvents"`
	MaxAgeMs              int `mapstructure:"maxAgeMs"`
	GlobalMemoryLimitMB   int `mapstructure:"globalMemoryLimitMB"`
	MemoryCheckIntervalMs int `mapstructure:"memoryCheckIntervalMs"`
}

type RateLimitConfig struct {
	RequestsPerMinute int  `mapstructure:"requestsPerMinute"`
	BurstSize         int  `mapstructure:"burstSize"`
	PerClient         bool `mapstructure:"perClient"`
}

type AuthConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	APIKeys         []string `mapstructure:"apiKeys"`
	JWTSecret       string   `mapstructure:"jwtSecret"`
	TokenExpiration int      `mapstructure:"tokenExpiration"`
	AllowAnonymous  []string `mapstructure:"allowAnonymous"`
}

// PersistConfig controls the optional control-state snapshot store and
// the opt-in SQLite event-log store.
type PersistConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Backups  int            `mapstructure:"backups"`
	EventLog EventLogConfig `mapstructure:"eventLog"`
}

type EventLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ThresholdsConfig overrides the default threshold_crossed thresholds:
// exact control name first, then pattern.
type ThresholdsConfig struct {
	ByControl map[string]float64 `mapstructure:"byControl"`
	ByPattern map[string]float64 `mapstructure:"byPattern"`
}
