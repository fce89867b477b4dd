package config

import (
	"time"

	"github.com/spf13/viper"
)

type WorkerConfig struct {
	Environment string `validate:"required"`
	Mongo       MongoConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Queue       QueueConfig
	Usage       WorkerUsageConfig
	Logging     LoggingConfig
}

type QueueConfig struct {
	Stream        string `validate:"required"`
	Group         string `validate:"required"`
	Consumer      string `validate:"required"`
	ClaimInterval time.Duration `validate:"required"`
}

type WorkerUsageConfig struct {
	CounterBackend string `validate:"oneof=mongo redis postgres"`
	Retention      time.Duration
	// In-flight webhook events older than this are reported for manual replay.
	StaleEventAge time.Duration `validate:"required"`
}

type LoggingConfig struct {
	Level string
}

func LoadWorker() (*WorkerConfig, error) {
	v := newViper("worker", "ALLINONE_WORKER")
	setWorkerDefaults(v)
	_ = v.BindEnv("mongo.uri", "ALLINONE_WORKER_MONGO_URI", "MONGODB_URI")
	_ = v.BindEnv("mongo.database", "ALLINONE_WORKER_MONGO_DATABASE", "MONGODB_DB")

	var cfg WorkerConfig
	if err := readAndDecode(v, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setWorkerDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("mongo.uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo.database", "allinone")
	v.SetDefault("mongo.connecttimeout", "10s")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxopen", 5)
	v.SetDefault("postgres.maxidle", 1)
	v.SetDefault("postgres.connmaxlifetime", "30m")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.stream", "maintenance:tasks")
	v.SetDefault("queue.group", "maintenance-workers")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.claiminterval", "30s")

	v.SetDefault("usage.counterbackend", CounterBackendMongo)
	v.SetDefault("usage.retention", "336h")
	v.SetDefault("usage.staleeventage", "1h")

	v.SetDefault("logging.level", "info")
}
