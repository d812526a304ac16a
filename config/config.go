package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds every setting the service reads from the environment.
type Config struct {
	ServerPort string
	LogLevel   string

	// DBDriver is "postgres" or "sqlite".
	DBDriver  string
	SQLiteDSN string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	// RedisTokenDB stores refresh tokens, RedisPresenceDB stores presence counters.
	RedisTokenDB    int
	RedisPresenceDB int

	RabbitMQHost     string
	RabbitMQPort     string
	RabbitMQUser     string
	RabbitMQPassword string

	EventBus      string
	PresenceStore string

	JWTAccessKey     string
	JWTRefreshKey    string
	JWTAccessExpire  time.Duration
	JWTRefreshExpire time.Duration

	OtpIssuer  string
	BcryptCost int

	UploadMaxBytes  int
	TypingTTL       time.Duration
	PageSize        int
	ShutdownTimeout time.Duration
}

const (
	BusLocal    = "local"
	BusRabbitMQ = "rabbitmq"

	PresenceMemory = "memory"
	PresenceRedis  = "redis"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_DSN", "fuelq.db")
	v.SetDefault("POSTGRES_HOST", "localhost")
	v.SetDefault("POSTGRES_PORT", "5432")
	v.SetDefault("POSTGRES_USER", "postgres")
	v.SetDefault("POSTGRES_DB", "fuelq")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_DB", "0,1")
	v.SetDefault("RABBITMQ_HOST", "localhost")
	v.SetDefault("RABBITMQ_PORT", "5672")
	v.SetDefault("RABBITMQ_USER", "guest")
	v.SetDefault("RABBITMQ_PASSWORD", "guest")
	v.SetDefault("EVENT_BUS", BusLocal)
	v.SetDefault("PRESENCE_STORE", PresenceMemory)
	v.SetDefault("JWT_ACCESS_EXPIRE", 15)
	v.SetDefault("JWT_REFRESH_EXPIRE", 10080)
	v.SetDefault("OTP_ISSUER", "FuelQ")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("UPLOAD_MAX_BYTES", 10<<20)
	v.SetDefault("TYPING_TTL", "5s")
	v.SetDefault("PAGE_SIZE", 50)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")
}

// Load reads an optional .env file and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	// A missing .env is fine, the environment may already be populated.
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		ServerPort:       v.GetString("SERVER_PORT"),
		LogLevel:         v.GetString("LOG_LEVEL"),
		DBDriver:         strings.ToLower(v.GetString("DB_DRIVER")),
		SQLiteDSN:        v.GetString("SQLITE_DSN"),
		PostgresHost:     v.GetString("POSTGRES_HOST"),
		PostgresPort:     v.GetString("POSTGRES_PORT"),
		PostgresUser:     v.GetString("POSTGRES_USER"),
		PostgresPassword: v.GetString("POSTGRES_PASSWORD"),
		PostgresDB:       v.GetString("POSTGRES_DB"),
		RedisHost:        v.GetString("REDIS_HOST"),
		RedisPort:        v.GetString("REDIS_PORT"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RabbitMQHost:     v.GetString("RABBITMQ_HOST"),
		RabbitMQPort:     v.GetString("RABBITMQ_PORT"),
		RabbitMQUser:     v.GetString("RABBITMQ_USER"),
		RabbitMQPassword: v.GetString("RABBITMQ_PASSWORD"),
		EventBus:         strings.ToLower(v.GetString("EVENT_BUS")),
		PresenceStore:    strings.ToLower(v.GetString("PRESENCE_STORE")),
		JWTAccessKey:     v.GetString("JWT_ACCESS_KEY"),
		JWTRefreshKey:    v.GetString("JWT_REFRESH_KEY"),
		JWTAccessExpire:  time.Duration(v.GetInt("JWT_ACCESS_EXPIRE")) * time.Minute,
		JWTRefreshExpire: time.Duration(v.GetInt("JWT_REFRESH_EXPIRE")) * time.Minute,
		OtpIssuer:        v.GetString("OTP_ISSUER"),
		BcryptCost:       v.GetInt("BCRYPT_COST"),
		UploadMaxBytes:   v.GetInt("UPLOAD_MAX_BYTES"),
		TypingTTL:        v.GetDuration("TYPING_TTL"),
		PageSize:         v.GetInt("PAGE_SIZE"),
		ShutdownTimeout:  v.GetDuration("SHUTDOWN_TIMEOUT"),
	}

	var err error
	cfg.RedisTokenDB, cfg.RedisPresenceDB, err = parseRedisDB(v.GetString("REDIS_DB"))
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseRedisDB accepts "token,presence" or a single db number used for both.
func parseRedisDB(raw string) (int, int, error) {
	parts := strings.Split(raw, ",")
	dbs := make([]int, 0, 2)
	for _, p := range parts {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &n); err != nil {
			return 0, 0, fmt.Errorf("invalid REDIS_DB %q: %w", raw, err)
		}
		dbs = append(dbs, n)
	}
	switch len(dbs) {
	case 1:
		return dbs[0], dbs[0], nil
	case 2:
		return dbs[0], dbs[1], nil
	default:
		return 0, 0, fmt.Errorf("invalid REDIS_DB %q: expected one or two databases", raw)
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.JWTAccessKey == "" {
		errs = append(errs, errors.New("JWT_ACCESS_KEY is required"))
	}
	if c.JWTRefreshKey == "" {
		errs = append(errs, errors.New("JWT_REFRESH_KEY is required"))
	}
	if c.DBDriver != DriverPostgres && c.DBDriver != DriverSQLite {
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver))
	}
	if c.EventBus != BusLocal && c.EventBus != BusRabbitMQ {
		errs = append(errs, fmt.Errorf("unknown EVENT_BUS %q", c.EventBus))
	}
	if c.PresenceStore != PresenceMemory && c.PresenceStore != PresenceRedis {
		errs = append(errs, fmt.Errorf("unknown PRESENCE_STORE %q", c.PresenceStore))
	}
	if c.UploadMaxBytes <= 0 {
		errs = append(errs, errors.New("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		errs = append(errs, errors.New("PAGE_SIZE must be between 1 and 100"))
	}
	return errors.Join(errs...)
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.PostgresHost,
		c.PostgresPort,
		c.PostgresUser,
		c.PostgresPassword,
		c.PostgresDB,
	)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) RabbitMQURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		c.RabbitMQUser,
		c.RabbitMQPassword,
		c.RabbitMQHost,
		c.RabbitMQPort,
	)
}
