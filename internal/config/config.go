package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	CounterBackendMongo    = "mongo"
	CounterBackendRedis    = "redis"
	CounterBackendPostgres = "postgres"
)

type HTTPConfig struct {
	Host         string
	Port         int `validate:"min=1,max=65535"`
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type MongoConfig struct {
	URI            string `validate:"required"`
	Database       string `validate:"required"`
	ConnectTimeout time.Duration
}

type PostgresConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	DialTimeout time.Duration
}

type SecurityConfig struct {
	SessionCookie      string        `validate:"required"`
	SessionTTL         time.Duration `validate:"required"`
	CookieSecure       bool
	VerificationSecret string        `validate:"required"`
	VerificationTTL    time.Duration `validate:"required"`
}

type UsageConfig struct {
	GuestDailyLimit  int    `validate:"min=1"`
	FreeWeeklyLimit  int    `validate:"min=1"`
	HashSalt         string `validate:"required"`
	AnonCookie       string `validate:"required"`
	AnonCookieMaxAge time.Duration
	CounterBackend   string `validate:"oneof=mongo redis postgres"`
	// Counters whose window closed longer ago than this are swept by the worker.
	Retention time.Duration
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceDay      string
	PriceMonthly  string
	PriceYearly   string
	AppURL        string `validate:"required,url"`
}

type JobsConfig struct {
	Stream          string `validate:"required"`
	UsageGCSpec     string `validate:"required"`
	StaleEventsSpec string `validate:"required"`
}

type AppConfig struct {
	Environment      string `validate:"required"`
	HTTP             HTTPConfig
	Mongo            MongoConfig
	Postgres         PostgresConfig
	Redis            RedisConfig
	Security         SecurityConfig
	Usage            UsageConfig
	Stripe           StripeConfig
	Jobs             JobsConfig
	AllowCORSOrigins []string
}

func (c *AppConfig) IsProduction() bool {
	return c.Environment == "production"
}

func Load() (*AppConfig, error) {
	v := newViper("config", "ALLINONE")
	setDefaults(v)
	bindLegacyEnv(v)

	var cfg AppConfig
	if err := readAndDecode(v, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.AllowCORSOrigins) == 0 {
		cfg.AllowCORSOrigins = []string{strings.TrimRight(cfg.Stripe.AppURL, "/")}
	}
	if cfg.Usage.CounterBackend == CounterBackendPostgres && cfg.Postgres.DSN == "" {
		return nil, errors.New("validate config: postgres.dsn required for postgres counter backend")
	}

	return &cfg, nil
}

func newViper(name, prefix string) *viper.Viper {
	// .env is optional; variables already present in the environment win.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("../config")

	v.SetEnvPrefix(prefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readAndDecode(v *viper.Viper, out any) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("load config file: %w", err)
		}
	}

	if err := v.Unmarshal(out, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(out); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// bindLegacyEnv lets deployments keep the unprefixed variable names used by the
// storefront (STRIPE_WEBHOOK_SECRET, MONGODB_URI, ...).
func bindLegacyEnv(v *viper.Viper) {
	legacy := map[string]string{
		"mongo.uri":            "MONGODB_URI",
		"mongo.database":       "MONGODB_DB",
		"stripe.secretkey":     "STRIPE_SECRET_KEY",
		"stripe.webhooksecret": "STRIPE_WEBHOOK_SECRET",
		"stripe.priceday":      "STRIPE_PRICE_DAY",
		"stripe.pricemonthly":  "STRIPE_PRICE_MONTHLY",
		"stripe.priceyearly":   "STRIPE_PRICE_YEARLY",
		"stripe.appurl":        "APP_URL",
		"usage.hashsalt":       "USAGE_HASH_SALT",
	}
	for key, env := range legacy {
		prefixed := "ALLINONE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, env)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.readtimeout", "10s")
	v.SetDefault("http.writetimeout", "15s")
	v.SetDefault("http.idletimeout", "60s")

	v.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo.database", "allinone")
	v.SetDefault("mongo.connecttimeout", "10s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 30)
	v.SetDefault("postgres.maxidle", 10)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dialtimeout", "5s")

	v.SetDefault("security.sessioncookie", "aio_session")
	v.SetDefault("security.sessionttl", "168h") // 7 days
	v.SetDefault("security.cookiesecure", false)
	v.SetDefault("security.verificationsecret", "local-dev-verification-secret")
	v.SetDefault("security.verificationttl", "24h")

	v.SetDefault("usage.guestdailylimit", 3)
	v.SetDefault("usage.freeweeklylimit", 10)
	v.SetDefault("usage.hashsalt", "local-dev-usage-salt")
	v.SetDefault("usage.anoncookie", "aio_anon")
	v.SetDefault("usage.anoncookiemaxage", "8760h") // 1 year
	v.SetDefault("usage.counterbackend", CounterBackendMongo)
	v.SetDefault("usage.retention", "336h")

	v.SetDefault("stripe.appurl", "http://localhost:3000")

	v.SetDefault("jobs.stream", "maintenance:tasks")
	v.SetDefault("jobs.usagegcspec", "0 15 0 * * *")
	v.SetDefault("jobs.staleeventsspec", "0 0 */1 * * *")

	v.SetDefault("allowcorsorigins", []string{})
}
