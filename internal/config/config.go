package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	DataDir    string
	LogLevel   string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisURL string

	WorkerCount int
	MaxRetries  int

	// Stall monitor tuning
	MonitorInterval time.Duration

	// MinIO/S3 archive configuration
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
}

func Load() *Config {
	workerCount, _ := strconv.Atoi(getEnvOrDefault("WORKER_COUNT", "3"))
	if workerCount <= 0 {
		workerCount = 3
	}

	maxRetries, _ := strconv.Atoi(getEnvOrDefault("MAX_RETRIES", "3"))
	if maxRetries <= 0 {
		maxRetries = 3
	}

	monitorInterval, err := time.ParseDuration(getEnvOrDefault("MONITOR_INTERVAL", "15s"))
	if err != nil || monitorInterval <= 0 {
		monitorInterval = 15 * time.Second
	}

	minioUseSSL, _ := strconv.ParseBool(getEnvOrDefault("MINIO_USE_SSL", "false"))

	return &Config{
		ServerAddr:      getEnvOrDefault("SERVER_ADDR", ":8080"),
		DataDir:         getEnvOrDefault("DATA_DIR", defaultDataDir()),
		LogLevel:        getEnvOrDefault("LOG_LEVEL", "info"),
		DBHost:          getEnvOrDefault("DB_HOST", "localhost"),
		DBPort:          getEnvOrDefault("DB_PORT", "5432"),
		DBUser:          getEnvOrDefault("DB_USER", "soulstream"),
		DBPassword:      getEnvOrDefault("DB_PASSWORD", "soulstream_dev_password"),
		DBName:          getEnvOrDefault("DB_NAME", "soulstream"),
		RedisURL:        getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		WorkerCount:     workerCount,
		MaxRetries:      maxRetries,
		MonitorInterval: monitorInterval,
		MinioEndpoint:   getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:  getEnvOrDefault("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:  getEnvOrDefault("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:     getEnvOrDefault("MINIO_BUCKET", "track-archive"),
		MinioUseSSL:     minioUseSSL,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".soulstream")
}
