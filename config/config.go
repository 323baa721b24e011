// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

var envFiles = []string{".env.local", ".env"}

type Config struct {
	Env      string         `env:"APP_ENV" envDefault:"development"`
	Log      LogConfig      `envPrefix:"LOG_"`
	Database DatabaseConfig `envPrefix:"DB_"`
	Storage  StorageConfig  `envPrefix:"STORAGE_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Worker   WorkerConfig   `envPrefix:"WORKER_"`
	Upload   UploadConfig   `envPrefix:"UPLOAD_"`
	API      APIConfig      `envPrefix:"API_"`
}

type LogConfig struct {
	Level      string `env:"LEVEL" envDefault:"info"`
	Format     string `env:"FORMAT" envDefault:"text"`
	File       string `env:"FILE"`
	MaxSizeMB  int    `env:"MAX_SIZE_MB" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays int    `env:"MAX_AGE_DAYS" envDefault:"28"`
}

type DatabaseConfig struct {
	// Driver is one of postgres, cloudsqlpostgres or sqlite.
	Driver   string `env:"DRIVER" envDefault:"postgres"`
	DSN      string `env:"DSN"`
	Host     string `env:"HOST" envDefault:"postgres"`
	Port     string `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Name     string `env:"NAME" envDefault:"video_processing"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
	MaxConns int    `env:"MAX_CONNS" envDefault:"10"`
}

// PostgresDSN returns DSN when set, otherwise builds one from the discrete fields.
func (c DatabaseConfig) PostgresDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type StorageConfig struct {
	// Backend is one of minio, gcs or local.
	Backend   string `env:"BACKEND" envDefault:"minio"`
	Bucket    string `env:"BUCKET"`
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"false"`
	Region    string `env:"REGION"`
	LocalRoot string `env:"LOCAL_ROOT" envDefault:"./data/objects"`
	// GCSSignerEmail and GCSSignerKeyFile are only needed for presigned chunk URLs on GCS.
	GCSSignerEmail   string `env:"GCS_SIGNER_EMAIL"`
	GCSSignerKeyFile string `env:"GCS_SIGNER_KEY_FILE"`
}

type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Disabled bool   `env:"DISABLED" envDefault:"false"`
}

type WorkerConfig struct {
	ID            string        `env:"ID"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	StaleTimeout  time.Duration `env:"STALE_TIMEOUT" envDefault:"30m"`
	Heartbeat     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"1m"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	JobTimeout    time.Duration `env:"JOB_TIMEOUT" envDefault:"2h"`
	ScratchDir    string        `env:"SCRATCH_DIR" envDefault:"/tmp/video-ingest"`
	LadderFile    string        `env:"LADDER_FILE"`
	FFmpegPath    string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	FFprobePath   string        `env:"FFPROBE_PATH" envDefault:"ffprobe"`
	HLSSegment    int           `env:"HLS_SEGMENT_SECONDS" envDefault:"6"`
	ThumbWidth    int           `env:"THUMBNAIL_WIDTH" envDefault:"640"`
	MetricsAddr   string        `env:"METRICS_ADDR" envDefault:":9100"`
}

type UploadConfig struct {
	MaxFileSize int64         `env:"MAX_FILE_SIZE" envDefault:"10737418240"`
	ChunkSize   int64         `env:"CHUNK_SIZE" envDefault:"10485760"`
	URLTTL      time.Duration `env:"URL_TTL" envDefault:"15m"`
}

type APIConfig struct {
	Addr        string   `env:"ADDR" envDefault:":8080"`
	PublicURL   string   `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load reads .env files when present and parses the environment into Config.
func Load() (*Config, error) {
	loadEnvFiles()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.Worker.ID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker-1"
		}
		cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if err := cfg.Worker.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate rejects settings under which the stale sweep can requeue a job
// whose worker is still running it.
func (w WorkerConfig) validate() error {
	if w.MaxRetries < 0 {
		return fmt.Errorf("WORKER_MAX_RETRIES must not be negative, got %d", w.MaxRetries)
	}
	if w.StaleTimeout <= 0 {
		return fmt.Errorf("WORKER_STALE_TIMEOUT must be positive, got %s", w.StaleTimeout)
	}
	if w.Heartbeat > 0 {
		if w.Heartbeat >= w.StaleTimeout {
			return fmt.Errorf("WORKER_HEARTBEAT_INTERVAL (%s) must be shorter than WORKER_STALE_TIMEOUT (%s)", w.Heartbeat, w.StaleTimeout)
		}
		return nil
	}
	if w.JobTimeout <= 0 || w.StaleTimeout <= w.JobTimeout {
		return fmt.Errorf("WORKER_STALE_TIMEOUT (%s) must exceed WORKER_JOB_TIMEOUT (%s) when the heartbeat is disabled", w.StaleTimeout, w.JobTimeout)
	}
	return nil
}

func loadEnvFiles() {
	var present []string
	for _, name := range envFiles {
		if _, err := os.Stat(name); err == nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return
	}
	_ = godotenv.Load(present...)
}
