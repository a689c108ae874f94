package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"dunner/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Username  string `json:"username"`
	Password  string `json:"-"`
	FromEmail string `json:"from_email"`
}

type SchedulerSettings struct {
	PollIntervalSeconds       int `json:"poll_interval_seconds"`
	WorkerCount               int `json:"worker_count"`
	BatchSize                 int `json:"batch_size"`
	MaxDispatchAttempts       int `json:"max_dispatch_attempts"`
	BackoffBaseSeconds        int `json:"backoff_base_seconds"`
	BackoffCapSeconds         int `json:"backoff_cap_seconds"`
	ComplianceCooldownMinutes int `json:"compliance_cooldown_minutes"`
	DispatchTimeoutSeconds    int `json:"dispatch_timeout_seconds"`
}

// CalendarDefaults apply to tenants that never saved a calendar.
type CalendarDefaults struct {
	WorkingDays []int  `json:"working_days"`
	StartHour   int    `json:"start_hour"`
	EndHour     int    `json:"end_hour"`
	Timezone    string `json:"timezone"`
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

	SentryDSN string `json:"-"`

	Redis     RedisConfig       `json:"redis"`
	SMTP      SMTPConfig        `json:"smtp"`
	Scheduler SchedulerSettings `json:"scheduler"`
	Calendar  CalendarDefaults  `json:"calendar"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "dunner"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		SentryDSN: getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ENABLED", "false") == "true",
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:      getEnv("SMTP_HOST", "localhost"),
			Port:      getEnvAsInt("SMTP_PORT", 587),
			Username:  getEnv("SMTP_USERNAME", ""),
			Password:  getEnv("SMTP_PASSWORD", ""),
			FromEmail: getEnv("FROM_EMAIL", "billing@example.com"),
		},
		Scheduler: SchedulerSettings{
			PollIntervalSeconds:       getEnvAsInt("SCHEDULER_POLL_INTERVAL_SECONDS", 15),
			WorkerCount:               getEnvAsInt("SCHEDULER_WORKER_COUNT", 4),
			BatchSize:                 getEnvAsInt("SCHEDULER_BATCH_SIZE", 100),
			MaxDispatchAttempts:       getEnvAsInt("SCHEDULER_MAX_DISPATCH_ATTEMPTS", 3),
			BackoffBaseSeconds:        getEnvAsInt("SCHEDULER_BACKOFF_BASE_SECONDS", 300),
			BackoffCapSeconds:         getEnvAsInt("SCHEDULER_BACKOFF_CAP_SECONDS", 14400),
			ComplianceCooldownMinutes: getEnvAsInt("SCHEDULER_COMPLIANCE_COOLDOWN_MINUTES", 60),
			DispatchTimeoutSeconds:    getEnvAsInt("SCHEDULER_DISPATCH_TIMEOUT_SECONDS", 30),
		},
		Calendar: CalendarDefaults{
			WorkingDays: parseDayList(getEnv("CALENDAR_WORKING_DAYS", "1,2,3,4,5")),
			StartHour:   getEnvAsInt("CALENDAR_START_HOUR", 9),
			EndHour:     getEnvAsInt("CALENDAR_END_HOUR", 17),
			Timezone:    getEnv("CALENDAR_TIMEZONE", "UTC"),
		},
	}

	// Validate required configurations
	if AppConfig.Environment == "production" {
		if AppConfig.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required in production")
		}
		if AppConfig.SMTP.Username == "" {
			return fmt.Errorf("SMTP_USERNAME is required in production")
		}
	}
	if AppConfig.Calendar.StartHour >= AppConfig.Calendar.EndHour {
		return fmt.Errorf("CALENDAR_START_HOUR must be before CALENDAR_END_HOUR")
	}
	if len(AppConfig.Calendar.WorkingDays) == 0 {
		return fmt.Errorf("CALENDAR_WORKING_DAYS must list at least one weekday")
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
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("✅ Database migration completed")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func parseDayList(s string) []int {
	var days []int
	for _, part := range strings.Split(s, ",") {
		d, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || d < 0 || d > 6 {
			continue
		}
		days = append(days, d)
	}
	return days
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
	log.Printf("Default window: days %v, %02d:00-%02d:00 %s",
		AppConfig.Calendar.WorkingDays,
		AppConfig.Calendar.StartHour,
		AppConfig.Calendar.EndHour,
		AppConfig.Calendar.Timezone)
}

func migrateDB(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Tenant{},
		&models.CalendarConfig{},
		&models.Invoice{},
		&models.SequenceDefinition{},
		&models.SequenceStep{},
		&models.Execution{},
		&models.StepLog{},
	); err != nil {
		return err
	}

	// Partial unique index backing the single-runnable-execution
	// invariant; the evaluator's pre-read only narrows the race window,
	// this closes it.
	return db.Exec(`
        CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_single_runnable
        ON executions (sequence_id, invoice_id)
        WHERE status IN ('pending', 'active') AND deleted_at IS NULL
    `).Error
}
