package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 3, cfg.Usage.GuestDailyLimit)
	assert.Equal(t, 10, cfg.Usage.FreeWeeklyLimit)
	assert.Equal(t, "local-dev-usage-salt", cfg.Usage.HashSalt)
	assert.Equal(t, "aio_anon", cfg.Usage.AnonCookie)
	assert.Equal(t, 365*24*time.Hour, cfg.Usage.AnonCookieMaxAge)
	assert.Equal(t, 7*24*time.Hour, cfg.Security.SessionTTL)
	assert.Equal(t, CounterBackendMongo, cfg.Usage.CounterBackend)
	assert.False(t, cfg.IsProduction())
}

func TestLoadReadsStorefrontVariables(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_test")
	t.Setenv("STRIPE_PRICE_DAY", "price_day")
	t.Setenv("ALLINONE_USAGE_GUESTDAILYLIMIT", "5")
	t.Setenv("ALLINONE_ALLOWCORSORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "whsec_test", cfg.Stripe.WebhookSecret)
	assert.Equal(t, "price_day", cfg.Stripe.PriceDay)
	assert.Equal(t, 5, cfg.Usage.GuestDailyLimit)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowCORSOrigins)
}

func TestLoadRejectsUnknownCounterBackend(t *testing.T) {
	t.Setenv("ALLINONE_USAGE_COUNTERBACKEND", "memcached")

	_, err := Load()
	assert.ErrorContains(t, err, "validate config")
}

func TestLoadRequiresDSNForPostgresCounters(t *testing.T) {
	t.Setenv("ALLINONE_USAGE_COUNTERBACKEND", "postgres")

	_, err := Load()
	assert.ErrorContains(t, err, "postgres.dsn")
}

func TestLoadWorkerDefaults(t *testing.T) {
	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, "maintenance:tasks", cfg.Queue.Stream)
	assert.Equal(t, "maintenance-workers", cfg.Queue.Group)
	assert.Equal(t, time.Hour, cfg.Usage.StaleEventAge)
}

func TestLoadReadsConnectionSecretsFromEnv(t *testing.T) {
	t.Setenv("ALLINONE_USAGE_COUNTERBACKEND", "postgres")
	t.Setenv("ALLINONE_POSTGRES_DSN", "postgres://app:pw@db:5432/allinone")
	t.Setenv("ALLINONE_REDIS_PASSWORD", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://app:pw@db:5432/allinone", cfg.Postgres.DSN)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
	assert.Equal(t, CounterBackendPostgres, cfg.Usage.CounterBackend)
}

func TestLoadWorkerReadsConnectionSecretsFromEnv(t *testing.T) {
	t.Setenv("ALLINONE_WORKER_POSTGRES_DSN", "postgres://worker@db:5432/allinone")
	t.Setenv("ALLINONE_WORKER_REDIS_PASSWORD", "s3cret")

	cfg, err := LoadWorker()
	require.NoError(t, err)

	assert.Equal(t, "postgres://worker@db:5432/allinone", cfg.Postgres.DSN)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
}

func TestLoadDefaultsCORSToAppURL(t *testing.T) {
	t.Setenv("APP_URL", "https://tools.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://tools.example.com"}, cfg.AllowCORSOrigins)
}
