package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	AppPort string

	DBPath    string
	RedisAddr string

	SourcesFile string

	BasicAuthUser string
	BasicAuthPass string

	// 调度与抓取并发控制
	MaxConcurrent   int
	BrowserPoolSize int
	FetchTimeout    time.Duration

	// Discord 推送的全局限速与重试上限
	DispatchRate  float64
	DispatchBurst int
	MaxAttempts   int
}

func Load() *Config {
	cfg := &Config{
		AppPort:         getEnv("APP_PORT", "9000"),
		DBPath:          getEnv("DB_PATH", "notifyhub.db"),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		SourcesFile:     getEnv("SOURCES_FILE", "sources.yaml"),
		BasicAuthUser:   getEnv("APP_BASIC_USER", ""),
		BasicAuthPass:   getEnv("APP_BASIC_PASS", ""),
		MaxConcurrent:   getEnvInt("MAX_CONCURRENT", 4),
		BrowserPoolSize: getEnvInt("BROWSER_POOL_SIZE", 2),
		FetchTimeout:    getEnvDuration("FETCH_TIMEOUT", 15*time.Second),
		DispatchRate:    getEnvFloat("DISPATCH_RATE", 5),
		DispatchBurst:   getEnvInt("DISPATCH_BURST", 5),
		MaxAttempts:     getEnvInt("DISPATCH_MAX_ATTEMPTS", 5),
	}

	log.Info().Msgf("config loaded: port=%s db=%s sources=%s concurrent=%d",
		cfg.AppPort, cfg.DBPath, cfg.SourcesFile, cfg.MaxConcurrent)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Warn().Msgf("invalid %s=%q, using default %d", key, v, def)
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
		log.Warn().Msgf("invalid %s=%q, using default %v", key, v, def)
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Warn().Msgf("invalid %s=%q, using default %s", key, v, def)
	}
	return def
}
