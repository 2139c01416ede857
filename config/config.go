package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envOnce sync.Once

// Config is the root configuration of the extractor services.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Redis       RedisConfig       `yaml:"redis"`
	Queue       QueueConfig       `yaml:"queue"`
	Storage     StorageConfig     `yaml:"storage"`
	Upload      UploadConfig      `yaml:"upload"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
	Extraction  ExtractionConfig  `yaml:"extraction"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Progress    ProgressConfig    `yaml:"progress"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// EmbeddedWorker runs the queue worker inside the API process so both
	// share one in-memory progress ledger.
	EmbeddedWorker bool     `yaml:"embeddedWorker"`
	CORSOrigins    []string `yaml:"corsOrigins"`
}

type LogConfig struct {
	Level       string   `yaml:"level"`
	Encoding    string   `yaml:"encoding"`
	OutputPaths []string `yaml:"outputPaths"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type QueueConfig struct {
	Concurrency int            `yaml:"concurrency"`
	Queues      map[string]int `yaml:"queues"`
	// MaxRetry is the number of whole-document redeliveries. Chunk retries
	// are handled by the extraction client, so this stays at zero by default.
	MaxRetry      int           `yaml:"maxRetry"`
	TaskTimeout   time.Duration `yaml:"taskTimeout"`
	StatusTTL     time.Duration `yaml:"statusTTL"`
	CleanupPeriod time.Duration `yaml:"cleanupPeriod"`
}

type UploadConfig struct {
	MaxFileSizeMB int `yaml:"maxFileSizeMB"`
	MaxPages      int `yaml:"maxPages"`
}

type ChunkingConfig struct {
	PagesPerChunk   int     `yaml:"pagesPerChunk"`
	PageThreshold   int     `yaml:"pageThreshold"`
	SizeThresholdMB float64 `yaml:"sizeThresholdMB"`
}

type CoordinatorConfig struct {
	WorkerConcurrency int `yaml:"workerConcurrency"`
}

type ProgressConfig struct {
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	// MirrorToRedis publishes snapshots and events for other processes.
	MirrorToRedis bool `yaml:"mirrorToRedis"`
}

// Default returns a configuration with every field set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
			EmbeddedWorker:  true,
		},
		Log: LogConfig{
			Level:       "info",
			Encoding:    "json",
			OutputPaths: []string{"stdout", "logs/extractor.log"},
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		Queue: QueueConfig{
			Concurrency: 4,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			MaxRetry:      0,
			TaskTimeout:   2 * time.Hour,
			StatusTTL:     24 * time.Hour,
			CleanupPeriod: time.Hour,
		},
		Storage: StorageConfig{
			Type:          "minio",
			UploadPrefix:  "uploads",
			ResultPrefix:  "results",
			RetentionDays: 7,
		},
		Upload: UploadConfig{
			MaxFileSizeMB: 100,
			MaxPages:      2000,
		},
		Chunking: ChunkingConfig{
			PagesPerChunk:   1,
			PageThreshold:   1,
			SizeThresholdMB: 5.0,
		},
		Extraction:  defaultExtraction(),
		Coordinator: CoordinatorConfig{WorkerConcurrency: 8},
		Progress: ProgressConfig{
			Retention:       time.Hour,
			CleanupInterval: 5 * time.Minute,
			MirrorToRedis:   true,
		},
	}
}

// Load reads path (optional) over the defaults, then applies the
// environment and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	loadDotEnv()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the limits the orchestrator depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.Chunking.PagesPerChunk < 1 {
		errs = append(errs, errors.New("chunking.pagesPerChunk must be at least 1"))
	}
	if c.Chunking.PageThreshold < 0 || c.Chunking.SizeThresholdMB < 0 {
		errs = append(errs, errors.New("chunking thresholds must not be negative"))
	}
	if c.Coordinator.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("coordinator.workerConcurrency must be at least 1"))
	}
	if c.Extraction.GateSize < 1 {
		errs = append(errs, errors.New("extraction.gateSize must be at least 1"))
	}
	if c.Extraction.GateSize > c.Coordinator.WorkerConcurrency {
		errs = append(errs, fmt.Errorf("extraction.gateSize (%d) must not exceed coordinator.workerConcurrency (%d)",
			c.Extraction.GateSize, c.Coordinator.WorkerConcurrency))
	}
	if c.Extraction.MaxAttempts < 1 {
		errs = append(errs, errors.New("extraction.maxAttempts must be at least 1"))
	}
	if c.Extraction.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("extraction.attemptTimeout must be positive"))
	}
	if c.Progress.Retention <= 0 {
		errs = append(errs, errors.New("progress.retention must be positive"))
	}
	switch c.Storage.Type {
	case "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("unsupported storage type %q", c.Storage.Type))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")
	setInt(&c.Server.Port, "PORT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Storage.Type, "STORAGE_TYPE")
	setString(&c.Extraction.Provider, "EXTRACTION_PROVIDER")

	c.Storage.Minio.applyEnv()
	c.Storage.S3.applyEnv()
	c.Extraction.Gemini.applyEnv()
	c.Extraction.Vertex.applyEnv()
	c.Extraction.Textract.applyEnv()
	c.Extraction.Ollama.applyEnv()
}

// loadDotEnv loads the .env file at the project root once per process.
func loadDotEnv() {
	envOnce.Do(func() {
		_, filename, _, _ := runtime.Caller(0)
		rootDir := filepath.Dir(filepath.Dir(filename))
		envPath := filepath.Join(rootDir, ".env")

		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
		}
	})
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
