package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"crmflow/models"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var (
	DB        *gorm.DB
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	JWTSecret string `json:"-"`
	SentryDSN string `json:"-"`

	Redis RedisConfig `json:"redis"`

	// Event bus: "channel" for single-node, "redis" for multi-node
	EventBusDriver  string `json:"event_bus_driver"`
	EventQueueSize  int    `json:"event_queue_size"`
	EventWorkers    int    `json:"event_workers"`
	RedisEventQueue string `json:"redis_event_queue"`

	// Dispatch loop tuning; the interval is operational, not correctness
	DispatchInterval    time.Duration `json:"dispatch_interval"`
	DispatchConcurrency int           `json:"dispatch_concurrency"`
	MaxSendAttempts     int           `json:"max_send_attempts"`
	SendRetryBackoff    time.Duration `json:"send_retry_backoff"`
	SendTimeout         time.Duration `json:"send_timeout"`

	NoReplySweepInterval time.Duration `json:"no_reply_sweep_interval"`
	IMAPPollInterval     time.Duration `json:"imap_poll_interval"`

	TrackingBaseURL string `json:"tracking_base_url"`
	RateLimitAPI    int    `json:"rate_limit_api"`

	// APIKey is exchanged for a JWT at /auth/token
	APIKey      string        `json:"-"`
	JWTTokenTTL time.Duration `json:"jwt_token_ttl"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "crmflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		JWTSecret: getEnv("JWT_SECRET", ""),
		SentryDSN: getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		EventBusDriver:  getEnv("EVENT_BUS_DRIVER", "channel"),
		EventQueueSize:  getEnvAsInt("EVENT_QUEUE_SIZE", 1024),
		EventWorkers:    getEnvAsInt("EVENT_WORKERS", 4),
		RedisEventQueue: getEnv("REDIS_EVENT_QUEUE", "crmflow:events"),

		DispatchInterval:    getEnvAsDuration("DISPATCH_INTERVAL", 30*time.Second),
		DispatchConcurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 8),
		MaxSendAttempts:     getEnvAsInt("MAX_SEND_ATTEMPTS", 3),
		SendRetryBackoff:    getEnvAsDuration("SEND_RETRY_BACKOFF", 2*time.Minute),
		SendTimeout:         getEnvAsDuration("SEND_TIMEOUT", 30*time.Second),

		NoReplySweepInterval: getEnvAsDuration("NO_REPLY_SWEEP_INTERVAL", 1*time.Hour),
		IMAPPollInterval:     getEnvAsDuration("IMAP_POLL_INTERVAL", 5*time.Minute),

		TrackingBaseURL: getEnv("TRACKING_BASE_URL", "http://localhost:5000"),
		RateLimitAPI:    getEnvAsInt("RATE_LIMIT_API", 120),

		APIKey:      getEnv("API_KEY", ""),
		JWTTokenTTL: getEnvAsDuration("JWT_TOKEN_TTL", 24*time.Hour),
	}

	// Validate required configurations
	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if AppConfig.APIKey == "" {
		return fmt.Errorf("API_KEY is required")
	}
	if AppConfig.EventBusDriver == "redis" && !AppConfig.Redis.Enabled {
		return fmt.Errorf("EVENT_BUS_DRIVER=redis requires REDIS_ENABLED=true")
	}
	if AppConfig.EventWorkers < 1 {
		return fmt.Errorf("EVENT_WORKERS must be at least 1")
	}
	if AppConfig.MaxSendAttempts < 1 {
		return fmt.Errorf("MAX_SEND_ATTEMPTS must be at least 1")
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Println("✅ Successfully connected to the database")
	log.Println("🔄 Starting database migration...")
	if err := MigrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// MigrateDB runs the schema migration for every persisted model.
func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.AutomationRule{},
		&models.RuleExecution{},
		&models.Sequence{},
		&models.SequenceStep{},
		&models.SequenceExecution{},
		&models.ScheduledEmail{},
		&models.Contact{},
		&models.ContactTag{},
		&models.Tag{},
		&models.Deal{},
		&models.Task{},
		&models.Notification{},
		&models.EmailAccount{},
		&models.Template{},
	)
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		log.Printf("⚠️ Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	log.Println("🔧 Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Event bus: %s (workers=%d), dispatch every %s",
		AppConfig.EventBusDriver,
		AppConfig.EventWorkers,
		AppConfig.DispatchInterval)
}
