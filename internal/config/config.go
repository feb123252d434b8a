package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort string
	ServiceName string

	// MongoDB configuration
	MongoURL      string
	MongoDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// MySQL configuration (accounts / upload limits)
	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// Remote storage configuration
	RemoteBackend  string // "estuary" or "s3"
	EstuaryAPIKey  string
	EstuaryAPIURL  string
	IPFSGatewayURL string

	// MinIO configuration (s3 remote storage backend)
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// Upload configuration
	ScratchDir      string
	MaxUploadSizeMB int
	ChallengeTTL    time.Duration
	UploadAttempts  int
	InsertAttempts  int
	RequireAccount  bool

	// Admin token for upload-limit administration
	AdminToken string

	// Jaeger configuration
	JaegerEndpoint string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServicePort: getEnv("SERVICE_PORT", "3005"),
		ServiceName: getEnv("SERVICE_NAME", "commons-metadata"),

		// MongoDB defaults
		MongoURL:      getEnv("MONGO_URL", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "commons"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// MySQL defaults
		MySQLHost:     getEnv("MYSQL_HOST", "localhost"),
		MySQLPort:     getEnv("MYSQL_PORT", "3306"),
		MySQLUser:     getEnv("MYSQL_USER", "root"),
		MySQLPassword: getEnv("MYSQL_PASSWORD", ""),
		MySQLDatabase: getEnv("MYSQL_DATABASE", "commons"),

		// Remote storage defaults
		RemoteBackend:  getEnv("REMOTE_STORAGE_BACKEND", "estuary"),
		EstuaryAPIKey:  getEnv("ESTUARY_API_KEY", ""),
		EstuaryAPIURL:  getEnv("ESTUARY_API_URL", "https://api.estuary.tech"),
		IPFSGatewayURL: getEnv("IPFS_GATEWAY_URL", "https://ipfs.io"),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "commons-archives"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// Upload defaults
		ScratchDir:      getEnv("SCRATCH_DIR", "estuaryUploads"),
		MaxUploadSizeMB: getEnvAsInt("MAX_UPLOAD_SIZE_MB", 500),
		ChallengeTTL:    time.Duration(getEnvAsInt("CHALLENGE_TTL_SECONDS", 300)) * time.Second,
		UploadAttempts:  getEnvAsInt("UPLOAD_ATTEMPTS", 3),
		InsertAttempts:  getEnvAsInt("INSERT_ATTEMPTS", 3),
		RequireAccount:  getEnvAsBool("REQUIRE_ACCOUNT", false),

		AdminToken: getEnv("AUTH_TOKEN", ""),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:4318"),
	}

	return config, nil
}

// GetDSN returns the MySQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MySQLUser,
		c.MySQLPassword,
		c.MySQLHost,
		c.MySQLPort,
		c.MySQLDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetMaxUploadSizeBytes returns the multipart upload limit in bytes
func (c *Config) GetMaxUploadSizeBytes() int64 {
	return int64(c.MaxUploadSizeMB) * 1024 * 1024
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
