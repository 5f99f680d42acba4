package config

// StoreBackend selects which Store implementation (§9 backend
// pluggability) the process uses.
type StoreBackend string

const (
	// StoreBackendPostgres is the shared, transactional multi-process backend.
	StoreBackendPostgres StoreBackend = "postgres"
	// StoreBackendSQLite is the embedded single-process backend.
	StoreBackendSQLite StoreBackend = "sqlite"
)

// DBConfig contains PostgreSQL database configuration, used when
// StoreBackend is "postgres".
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"asr_gateway"`
	Password string `env:"PASSWORD" envDefault:"asr_gateway"`
	Name     string `env:"NAME"     envDefault:"asr_gateway"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"` // Use 'disable' for local dev, 'require' for production
	// RunMigrationsOnStart controls whether the application automatically applies migrations during startup.
	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`
}

// SQLiteConfig contains embedded SQLite configuration, used when
// StoreBackend is "sqlite". This backend is unsafe for concurrent
// processes (see internal/store/sqlite package doc).
type SQLiteConfig struct {
	// Path is the filesystem path of the SQLite database file.
	Path string `env:"SQLITE_PATH" envDefault:"./data/asr-gateway.db"`
}

// RedisConfig contains Redis configuration, used optionally by C4's
// cross-process wake-signal fan-out when NotifyEnabled is set.
type RedisConfig struct {
	URI                string   `env:"URI"                  envDefault:"localhost:6379"`
	Password           string   `env:"PASSWORD"             envDefault:""`
	SentinelPort       string   `env:"SENTINEL_PORT"        envDefault:"26379"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`
	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	ClusterNodes       []string `env:"CLUSTER_NODES"        envDefault:""`
	UseCluster         bool     `env:"USE_CLUSTER"          envDefault:"false"`
	// NotifyEnabled turns on the Redis pub/sub wake-signal fan-out for
	// deployments running multiple gateway processes against one
	// postgres store. When false the postgres backend relies solely on
	// LISTEN/NOTIFY.
	NotifyEnabled bool `env:"REDIS_NOTIFY_ENABLED" envDefault:"false"`
	// NotifyChannelPrefix namespaces the pub/sub channel per engine name.
	NotifyChannelPrefix string `env:"REDIS_NOTIFY_CHANNEL_PREFIX" envDefault:"asr:job_added:"`
}
