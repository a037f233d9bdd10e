package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Shared    SharedConfig
	Canary    CanaryConfig
	Rollout   RolloutConfig
	Converger ConvergerConfig
	Runtime   RuntimeConfig
	Fetcher   FetcherConfig
	Auth      AuthConfig
}

type ServerConfig struct {
	Port string
	Mode string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type RedisConfig struct {
	URL     string
	CacheDB int
}

type NATSConfig struct {
	URL string
}

type SharedConfig struct {
	Root         string
	KeepReleases int
}

type CanaryConfig struct {
	Tenant  string
	Timeout time.Duration
}

type RolloutConfig struct {
	WorkerCount   int
	ApplyTimeout  time.Duration
	RatePerSecond float64
}

type ConvergerConfig struct {
	Interval    time.Duration
	WorkerCount int
}

type RuntimeConfig struct {
	Scheme       string
	AdminPath    string
	ProbeTimeout time.Duration
	Resolver     string
}

type FetcherConfig struct {
	RegistryURL     string
	VersionCheckURL string
	ArchiveDir      string
}

type AuthConfig struct {
	JWTSecret string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("FLEETPRESS")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("database.maxconnections", 25)
	viper.SetDefault("database.maxidleconns", 5)
	viper.SetDefault("redis.cachedb", 1)
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("shared.root", "/var/www/shared")
	viper.SetDefault("shared.keepreleases", 3)
	viper.SetDefault("canary.timeout", "60s")
	viper.SetDefault("rollout.workercount", 8)
	viper.SetDefault("rollout.applytimeout", "30s")
	viper.SetDefault("rollout.ratepersecond", 10)
	viper.SetDefault("converger.interval", "60s")
	viper.SetDefault("converger.workercount", 4)
	viper.SetDefault("runtime.scheme", "https")
	viper.SetDefault("runtime.adminpath", "/fleet-admin")
	viper.SetDefault("runtime.probetimeout", "10s")
	viper.SetDefault("runtime.resolver", "")
	viper.SetDefault("fetcher.registryurl", "https://downloads.wordpress.org")
	viper.SetDefault("fetcher.versioncheckurl", "https://api.wordpress.org/core/version-check/1.7/")
	viper.SetDefault("fetcher.archivedir", "/var/lib/fleetpress/archives")

	var cfg Config
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Override with environment variables
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	return &cfg, nil
}
