package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir    string
	ConfigDir  string
	TagPolicy  string
	Passphrase string
	LogLevel   string
	Metrics    bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()

	cfg := &Config{
		DataDir:    getEnv("CAPSULE_DATA_DIR", filepath.Join(home, ".local", "share", "capsule")),
		ConfigDir:  getEnv("CAPSULE_CONFIG_DIR", filepath.Join(home, ".config", "capsule")),
		TagPolicy:  getEnv("CAPSULE_TAG_POLICY", "mutable"),
		Passphrase: getEnv("CAPSULE_PASSPHRASE", ""),
		LogLevel:   getEnv("CAPSULE_LOG_LEVEL", "info"),
		Metrics:    getEnvBool("CAPSULE_METRICS", false),
	}

	return cfg
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
