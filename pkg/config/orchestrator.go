package config

import "time"

// OrchestratorConfig holds runtime configuration for the orchestrator service.
type OrchestratorConfig struct {
	Environment          string
	Addr                 string
	DatabaseURL          string
	MigrationsDir        string
	DockerHost           string
	TopologyPath         string
	BackupDir            string
	BackupRetention      int
	PortRangeStart       int
	PortRangeEnd         int
	HostCPUBudget        float64
	HostMemoryBudget     int64
	TrustedRegistries    []string
	ImageSizeCeiling     int64
	LicenseServiceURL    string
	LicenseTimeout       time.Duration
	JWTSecret            string
	PrivilegedRole       string
	EnvEncryptionKey     string
	EngineTimeout        time.Duration
	StopGrace            time.Duration
	MonitorInterval      time.Duration
	MonitorAlertPolls    int
	MonitorStopPolls     int
	MonitorUsageFraction float64
	EventBuffer          int
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("ORCHESTRATOR_ADDR", ":4100"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://modhost:modhost@db:5432/modhost?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:           GetString("DOCKER_HOST", ""),
		TopologyPath:         GetString("TOPOLOGY_PATH", "/srv/platform/topology.yaml"),
		BackupDir:            GetString("TOPOLOGY_BACKUP_DIR", "/srv/platform/backups"),
		BackupRetention:      GetInt("TOPOLOGY_BACKUP_RETENTION", 10),
		PortRangeStart:       GetInt("MODULE_PORT_RANGE_START", 18000),
		PortRangeEnd:         GetInt("MODULE_PORT_RANGE_END", 18999),
		HostCPUBudget:        GetFloat("HOST_CPU_BUDGET_CORES", 8),
		HostMemoryBudget:     GetInt64("HOST_MEMORY_BUDGET_BYTES", 16<<30),
		TrustedRegistries:    GetStrings("TRUSTED_REGISTRIES", []string{"registry-1.docker.io", "ghcr.io"}),
		ImageSizeCeiling:     GetInt64("IMAGE_SIZE_CEILING_BYTES", 2<<30),
		LicenseServiceURL:    GetString("LICENSE_SERVICE_URL", ""),
		LicenseTimeout:       GetDuration("LICENSE_TIMEOUT_SECONDS", 5),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		PrivilegedRole:       GetString("PRIVILEGED_ROLE", "operator"),
		EnvEncryptionKey:     GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		EngineTimeout:        GetDuration("ENGINE_TIMEOUT_SECONDS", 30),
		StopGrace:            GetDuration("ENGINE_STOP_GRACE_SECONDS", 10),
		MonitorInterval:      GetDuration("MONITOR_INTERVAL_SECONDS", 15),
		MonitorAlertPolls:    GetInt("MONITOR_ALERT_POLLS", 3),
		MonitorStopPolls:     GetInt("MONITOR_STOP_POLLS", 8),
		MonitorUsageFraction: GetFloat("MONITOR_USAGE_FRACTION", 0.9),
		EventBuffer:          GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
