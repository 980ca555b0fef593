package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const envPrefix = "WEBPCONV_"

// Create new config instance with defaults applied
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 120,
			MaxBlobMB:    50,
		},
		Storage: StorageConfig{
			Backend:   "memory",
			Namespace: "webpconv",
			BlobTTL:   300,
		},
		Redis: RedisConfig{
			HealthCheckInterval: 30,
			DialTimeout:         5,
			ReadTimeout:         3,
			WriteTimeout:        3,
		},
		Queue: QueueConfig{
			Backend:      "memory",
			Buffer:       64,
			Stream:       "webpconv:intercepts",
			Group:        "webpconv",
			Consumer:     "webpconv-1",
			Workers:      2,
			MaxLen:       1000,
			BlockTimeout: 5,
		},
		Converter: ConverterConfig{
			JPEGQuality:  90,
			FetchTimeout: 60,
			MaxSourceMB:  50,
		},
		InFlight: InFlightConfig{
			StaleAfter:    300,
			SweepInterval: 60,
		},
		Downloads: DownloadsConfig{
			Dir: "downloads",
		},
	}
}

// Load configuration file in json format. A missing file keeps the defaults.
// Values from .env and WEBPCONV_* variables win over the file.
func (c *Config) Read(file string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] .env not loaded: %v", err)
	}

	data, err := os.ReadFile(file)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, c); err != nil {
			return err
		}
	case errors.Is(err, fs.ErrNotExist):
		log.Printf("[config] %s not found, using defaults", file)
	default:
		return err
	}

	c.ApplyEnv(os.LookupEnv)
	return nil
}

// ApplyEnv overrides fields from environment variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				log.Printf("[config] ignoring %s%s=%q: %v", envPrefix, name, v, err)
				return
			}
			*dst = n
		}
	}

	num("PORT", &c.Server.Port)
	str("STORAGE_BACKEND", &c.Storage.Backend)
	str("QUEUE_BACKEND", &c.Queue.Backend)
	str("DATABASE_DSN", &c.Database.DSN)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("R2_ACCOUNT_ID", &c.R2.AccountID)
	str("R2_BUCKET", &c.R2.BucketName)
	str("R2_ACCESS_KEY_ID", &c.R2.AccessKeyID)
	str("R2_SECRET_KEY", &c.R2.SecretKey)
	str("DOWNLOAD_DIR", &c.Downloads.Dir)
	str("SENTRY_DSN", &c.Sentry.SentryDSN)
	str("SENTRY_ENVIRONMENT", &c.Sentry.Environment)
	num("JPEG_QUALITY", &c.Converter.JPEGQuality)
	num("MAX_DIMENSION", &c.Converter.MaxDimension)
}
