package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Game     GameConfig
	Ledger   LedgerConfig
	Archive  ArchiveConfig
}

type ServerConfig struct {
	Port       int `validate:"min=1,max=65535"`
	AppName    string
	RateLimit  int  `validate:"min=1"` // requests per minute per client
	DevFunding bool // enables the deposit endpoint

	// QueryIdentity also accepts ?user_id= as the caller identity. Local use only.
	QueryIdentity bool
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
	File   string
}

type RedisConfig struct {
	Addr     string `validate:"required"`
	Password string
	DB       int `validate:"min=0"`
}

type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     string `validate:"required"`
	User     string
	Password string
	Name     string `validate:"required"`
	Schema   string
}

// DSN renders the connection string used by both pgxpool and the migrate tool.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + d.Port,
		Path:   "/" + d.Name,
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	if d.Schema != "" {
		q.Set("search_path", d.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type GameConfig struct {
	PendingDelay      time.Duration `validate:"gt=0"`
	BettingDuration   time.Duration `validate:"gt=0"`
	CountdownInterval time.Duration `validate:"gt=0"`
	TickInterval      time.Duration `validate:"gt=0"`
	Cooldown          time.Duration `validate:"gte=0"`
	CommandTimeout    time.Duration `validate:"gt=0"`
	GrowthRate        float64       `validate:"gt=0"`
	HouseEdgeBps      int64         `validate:"min=0,max=5000"`
	MinStake          decimal.Decimal
	MaxStake          decimal.Decimal
	HistorySize       int `validate:"min=20,max=50"`
	InboxSize         int `validate:"min=1"`
	SubscriberQueue   int `validate:"min=1"`
}

type LedgerConfig struct {
	Backend string        `validate:"oneof=memory redis postgres"`
	Timeout time.Duration `validate:"gt=0"`
}

type ArchiveConfig struct {
	Postgres  bool
	Redis     bool
	QueueSize int `validate:"min=1"`
}

var validate = validator.New()

// Load reads the configuration from the environment (.env is autoloaded) and validates it.
func Load() (*Config, error) {
	minStake, err := getEnvDecimal("CRASH_MIN_STAKE", "1")
	if err != nil {
		return nil, err
	}
	maxStake, err := getEnvDecimal("CRASH_MAX_STAKE", "10000")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:          getEnvInt("PORT", 8080),
			AppName:       getEnv("APP_NAME", "crashgame"),
			RateLimit:     getEnvInt("SERVER_RATE_LIMIT", 100),
			DevFunding:    getEnvBool("SERVER_DEV_FUNDING", false),
			QueryIdentity: getEnvBool("SERVER_QUERY_IDENTITY", false),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			File:   getEnv("LOG_FILE", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_URL", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:     getEnv("BLUEPRINT_DB_HOST", "localhost"),
			Port:     getEnv("BLUEPRINT_DB_PORT", "5432"),
			User:     getEnv("BLUEPRINT_DB_USERNAME", "postgres"),
			Password: getEnv("BLUEPRINT_DB_PASSWORD", "postgres"),
			Name:     getEnv("BLUEPRINT_DB_DATABASE", "crashdb"),
			Schema:   getEnv("BLUEPRINT_DB_SCHEMA", "public"),
		},
		Game: GameConfig{
			PendingDelay:      getEnvDuration("CRASH_PENDING_DELAY", 2*time.Second),
			BettingDuration:   getEnvDuration("CRASH_BETTING_DURATION", 5*time.Second),
			CountdownInterval: getEnvDuration("CRASH_COUNTDOWN_INTERVAL", time.Second),
			TickInterval:      getEnvDuration("CRASH_TICK_INTERVAL", 100*time.Millisecond),
			Cooldown:          getEnvDuration("CRASH_COOLDOWN", 3*time.Second),
			CommandTimeout:    getEnvDuration("CRASH_COMMAND_TIMEOUT", 2*time.Second),
			GrowthRate:        getEnvFloat("CRASH_GROWTH_RATE", 0.00006),
			HouseEdgeBps:      int64(getEnvInt("CRASH_HOUSE_EDGE_BPS", 100)),
			MinStake:          minStake,
			MaxStake:          maxStake,
			HistorySize:       getEnvInt("CRASH_HISTORY_SIZE", 30),
			InboxSize:         getEnvInt("CRASH_INBOX_SIZE", 1024),
			SubscriberQueue:   getEnvInt("CRASH_SUBSCRIBER_QUEUE", 64),
		},
		Ledger: LedgerConfig{
			Backend: getEnv("LEDGER_BACKEND", "memory"),
			Timeout: getEnvDuration("CRASH_LEDGER_TIMEOUT", 2*time.Second),
		},
		Archive: ArchiveConfig{
			Postgres:  getEnvBool("ARCHIVE_POSTGRES", false),
			Redis:     getEnvBool("ARCHIVE_REDIS", false),
			QueueSize: getEnvInt("ARCHIVE_QUEUE_SIZE", 256),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags plus the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	g := c.Game
	if !g.MinStake.IsPositive() {
		return fmt.Errorf("invalid config: CRASH_MIN_STAKE must be positive")
	}
	if g.MaxStake.LessThan(g.MinStake) {
		return fmt.Errorf("invalid config: CRASH_MAX_STAKE below CRASH_MIN_STAKE")
	}
	if g.CountdownInterval > g.BettingDuration {
		return fmt.Errorf("invalid config: countdown interval exceeds betting duration")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
