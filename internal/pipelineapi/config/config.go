// Package config loads the pipeline HTTP API's environment-driven
// settings, grounded on internal/utils.GetEnv's lookup-with-default
// pattern (here inlined on os.Getenv directly: pulling in the teacher's
// internal/utils package would also pull its stale internal/logger
// import, which no longer exists on disk).
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Env  string
	Addr string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresName     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsChannel string

	JWTSecret string
	AccessTTL time.Duration

	ShutdownTimeout time.Duration
}

func Load() Config {
	return Config{
		Env:  getEnv("PIPELINE_API_ENV", "development"),
		Addr: getEnv("PIPELINE_API_ADDR", ":8081"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresName:     getEnv("POSTGRES_NAME", "neurobridge"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		EventsChannel: getEnv("PIPELINE_EVENTS_CHANNEL", "pipeline:events"),

		JWTSecret: getEnv("PIPELINE_JWT_SECRET", ""),
		AccessTTL: time.Duration(getEnvInt("PIPELINE_JWT_ACCESS_TTL_MINUTES", 60)) * time.Minute,

		ShutdownTimeout: 10 * time.Second,
	}
}

func getEnv(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}
