package config

import "time"

// APIConfig holds runtime configuration for the preview API service.
type APIConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DockerHost     string
	PreviewImage   string
	PreviewPort    int
	PreviewEnv     []string
	UpstreamHost   string
	IngressHost    string
	NginxConfigDir string
	NginxContainer string

	MinTTL     time.Duration
	MaxTTL     time.Duration
	DefaultTTL time.Duration

	ProvisionAttempts int
	ProvisionBackoff  time.Duration
	CleanupAttempts   int
	CleanupBackoff    time.Duration

	SchedulePollInterval time.Duration
	ReconcileInterval    time.Duration
	ReconcileGrace       time.Duration

	ProbeTimeout time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("API_ADDR", ":8000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://tempus:tempus@db:5432/tempus?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		RedisAddr:     GetString("REDIS_ADDR", "redis:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		DockerHost:     GetString("DOCKER_HOST_OVERRIDE", ""),
		PreviewImage:   GetString("PREVIEW_IMAGE", "tempus-preview:latest"),
		PreviewPort:    GetInt("PREVIEW_CONTAINER_PORT", 8000),
		UpstreamHost:   GetString("PREVIEW_UPSTREAM_HOST", "172.17.0.1"),
		IngressHost:    GetString("INGRESS_HOST", "localhost"),
		NginxConfigDir: GetString("NGINX_CONFIG_DIR", "/etc/nginx/conf.d/previews"),
		NginxContainer: GetString("NGINX_CONTAINER_NAME", "tempus-ingress"),

		MinTTL:     time.Duration(GetInt("PREVIEW_MIN_TTL_HOURS", 1)) * time.Hour,
		MaxTTL:     time.Duration(GetInt("PREVIEW_MAX_TTL_HOURS", 24)) * time.Hour,
		DefaultTTL: time.Duration(GetInt("PREVIEW_DEFAULT_TTL_HOURS", 2)) * time.Hour,

		ProvisionAttempts: GetInt("PROVISION_RETRY_ATTEMPTS", 4),
		ProvisionBackoff:  time.Duration(GetInt("PROVISION_RETRY_BACKOFF_MS", 250)) * time.Millisecond,
		CleanupAttempts:   GetInt("CLEANUP_RETRY_ATTEMPTS", 3),
		CleanupBackoff:    time.Duration(GetInt("CLEANUP_RETRY_BACKOFF_MS", 500)) * time.Millisecond,

		SchedulePollInterval: time.Duration(GetInt("SCHEDULE_POLL_SECONDS", 15)) * time.Second,
		ReconcileInterval:    time.Duration(GetInt("RECONCILE_INTERVAL_SECONDS", 300)) * time.Second,
		ReconcileGrace:       time.Duration(GetInt("RECONCILE_GRACE_SECONDS", 600)) * time.Second,

		ProbeTimeout: time.Duration(GetInt("PROBE_TIMEOUT_SECONDS", 3)) * time.Second,

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
