package config

import (
	"fmt"
	"time"
)

// Durations are plain numbers of seconds in config.json.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Database  Database        `json:"database"`
	Redis     RedisConfig     `json:"redis"`
	R2        R2Config        `json:"r2"`
	Queue     QueueConfig     `json:"intercept_queue"`
	Converter ConverterConfig `json:"converter"`
	InFlight  InFlightConfig  `json:"in_flight"`
	Downloads DownloadsConfig `json:"downloads"`
	Sentry    SentryConfig    `json:"sentry"`
}

type ServerConfig struct {
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	MaxBlobMB    int64         `json:"max_blob_mb"`
}

// StorageConfig picks the key-value backend: "memory", "redis" or "postgres".
type StorageConfig struct {
	Backend   string `json:"backend"`
	Namespace string `json:"namespace"`
	// BlobTTL bounds how long an uploaded blob ref stays valid.
	BlobTTL time.Duration `json:"blob_ttl"`
}

type Database struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Password            string        `json:"password"`
	DatabaseID          int           `json:"database_id"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DialTimeout         time.Duration `json:"dial_timeout"`
	ReadTimeout         time.Duration `json:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout"`
	PoolSize            int           `json:"pool_size"`
	Nodes               []RedisNode   `json:"nodes"`
}

type RedisNode struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (n RedisNode) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// R2Config enables mirroring of delivered files when BucketName is set.
type R2Config struct {
	AccountID   string `json:"account_id"`
	BucketName  string `json:"bucket_name"`
	AccessKeyID string `json:"access_key_id"`
	SecretKey   string `json:"secret_key"`
	Endpoint    string `json:"endpoint"`
	Prefix      string `json:"prefix"`
}

func (c R2Config) Enabled() bool { return c.BucketName != "" }

// QueueConfig drives the download-intercept queue. Backend "memory" keeps jobs
// in process; "redis" uses a Redis stream with a consumer group.
type QueueConfig struct {
	Backend      string        `json:"backend"`
	Buffer       int           `json:"buffer"`        // in-process queue capacity
	Stream       string        `json:"stream"`        // redis stream name
	Group        string        `json:"group"`         // consumer group name
	Consumer     string        `json:"consumer"`      // consumer name inside the group
	Workers      int           `json:"workers"`       // number of concurrent goroutines
	MaxLen       int64         `json:"max_len"`       // stream max length before trim
	BlockTimeout time.Duration `json:"block_timeout"` // XREADGROUP block timeout
}

type ConverterConfig struct {
	JPEGQuality  int           `json:"jpeg_quality"`
	MaxDimension int           `json:"max_dimension"`
	FetchTimeout time.Duration `json:"fetch_timeout"`
	MaxSourceMB  int64         `json:"max_source_mb"`
}

type InFlightConfig struct {
	StaleAfter    time.Duration `json:"stale_after"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type DownloadsConfig struct {
	Dir string `json:"dir"`
}

type SentryConfig struct {
	SentryDSN   string `json:"sentry_dsn"`
	Environment string `json:"environment"`
}
