package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres" validate:"oneof=postgres memory"`

	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort uint16 `env:"REDIS_PORT" envDefault:"6379"   validate:"min=1000,max=65535"`

	PostgresHost     string `env:"POSTGRES_HOST"      envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"      envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"      envDefault:"livemarket_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"  envDefault:"livemarket_password"`
	PostgresDb       string `env:"POSTGRES_DB"        envDefault:"livemarket_db"`
	PostgresMaxConns int    `env:"POSTGRES_MAX_CONNS" envDefault:"20" validate:"min=1"`

	JwtSecret string `env:"JWT_SECRET,required" validate:"min=16"`

	EnforceBidWindow  bool          `env:"ENFORCE_BID_WINDOW" envDefault:"true"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s" validate:"min=1s"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	WsSendBuffer   int      `env:"WS_SEND_BUFFER"  envDefault:"64"    validate:"min=1,max=4096"`
	WsReadLimit    int64    `env:"WS_READ_LIMIT"   envDefault:"65536" validate:"min=512"`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"8085" validate:"min=1000,max=65535"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug("config.dotenv_missing", zap.Error(err))
	}
	return Parse()
}

// Parse reads and validates the configuration from the process environment.
func Parse() (*Config, error) {
	cfg := &Config{}
	// Parse config from environment variables
	if err := env.Parse(cfg); err != nil {
		zap.L().Error("config.load_failed", zap.Error(err))
		return nil, err
	}

	// Validate the config
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		zap.L().Error("config.validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}
