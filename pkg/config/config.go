// Package config loads engine configuration: environment variables for
// deployment wiring, YAML profiles for tunable run parameters.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects Postgres when set; otherwise the engine runs
	// on SQLite at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	JudgeURL    string
	JudgeModel  string
	JudgeAPIKey string

	// RedisAddr enables the distributed invocation limiter when set.
	RedisAddr     string
	RedisPassword string

	S3Bucket   string
	S3Region   string
	S3Endpoint string

	ProfilesDir string
	Profile     string

	// DatasetsDir holds ground-truth JSONL files, one per dataset name.
	DatasetsDir string

	OTLPEndpoint string
}

// Load reads configuration from environment variables with defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		Port:          envOr("PORT", "8080"),
		LogLevel:      envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SQLitePath:    envOr("SQLITE_PATH", "theatre.db"),
		JudgeURL:      envOr("JUDGE_URL", "http://localhost:1234/v1/chat/completions"),
		JudgeModel:    envOr("JUDGE_MODEL", "judge-default"),
		JudgeAPIKey:   os.Getenv("JUDGE_API_KEY"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3Region:      envOr("S3_REGION", "us-east-1"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),
		ProfilesDir:   envOr("PROFILES_DIR", "profiles"),
		Profile:       envOr("ENGINE_PROFILE", ""),
		DatasetsDir:   envOr("DATASETS_DIR", "datasets"),
		OTLPEndpoint:  os.Getenv("OTLP_ENDPOINT"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
