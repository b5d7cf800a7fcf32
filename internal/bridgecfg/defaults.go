package bridgecfg

import "github.com/spf13/viper"

// SetDefaults installs every configuration default.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 443)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("secure", true)
	v.SetDefault("rejectUnauthorized", false)

	v.SetDefault("reconnectInterval", 5000)
	v.SetDefault("heartbeatInterval", 30000)

	v.SetDefault("cacheMaxEntries", 1000)
	v.SetDefault("cacheTtlMs", 3600000)
	v.SetDefault("cleanupIntervalMs", 60000)

	v.SetDefault("eventBuffer.maxEvents", 10000)
	v.SetDefault("eventBuffer.maxAgeMs", 300000)
	v.SetDefault("eventBuffer.globalMemoryLimitMB", 500)
	v.SetDefault("eventBuffer.memoryCheckIntervalMs", 5000)

	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.burstSize", 10)
	v.SetDefault("rateLimit.perClient", false)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.apiKeys", []string{})
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenExpiration", 3600)
	v.SetDefault("auth.allowAnonymous", []string{"ping", "health"})

	v.SetDefault("persist.enabled", false)
	v.SetDefault("persist.path", "qsys-bridge-snapshot.json")
	v.SetDefault("persist.backups", 3)
	v.SetDefault("persist.eventLog.enabled", false)
	v.SetDefault("persist.eventLog.path", "qsys-bridge-events.db")
}

// bindEnvVars explicitly binds the values an operator is most likely to
// want to pass via the environment rather than a checked-in file.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("host", "QSYS_BRIDGE_HOST")
	_ = v.BindEnv("port", "QSYS_BRIDGE_PORT")
	_ = v.BindEnv("username", "QSYS_BRIDGE_USERNAME")
	_ = v.BindEnv("password", "QSYS_BRIDGE_PASSWORD")
	_ = v.BindEnv("auth.jwtSecret", "QSYS_BRIDGE_JWT_SECRET")
	_ = v.BindEnv("auth.apiKeys", "QSYS_BRIDGE_API_KEYS")
}
