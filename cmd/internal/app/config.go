package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Shared secret used to verify access tokens. Required: the gateways
	// never run without a credential check.
	JWTSecret string
	JWTLeeway time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("SV_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("SV_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("SV_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SV_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SV_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SV_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SV_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SV_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("SV_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SV_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("SV_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("SV_JWT_SECRET", ""),
		JWTLeeway: EnvDuration("SV_JWT_LEEWAY", 30*time.Second),
	}
}
